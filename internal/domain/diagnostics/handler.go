package diagnostics

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/orders/internal/platform/apperr"
	"github.com/ehr/orders/internal/platform/etag"
	"github.com/ehr/orders/internal/platform/openapi"
	"github.com/ehr/orders/pkg/pagination"
)

// StudyPatch is the PATCH /studies/:id body. Version may instead arrive as
// If-Match.
type StudyPatch struct {
	Version    *int64  `json:"version"`
	Status     *string `json:"status"`
	ReportText *string `json:"report_text"`
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/orders", h.CreateOrder)
	api.GET("/orders", h.ListOrders)
	api.GET("/orders/:id", h.GetOrder)
	api.GET("/orders/:id/study", h.GetOrderStudy)
	api.GET("/orders/:id/results", h.GetCurrentResult)
	api.GET("/orders/:id/results/history", h.GetResultHistory)

	api.GET("/studies/:id", h.GetStudy)
	api.PATCH("/studies/:id", h.PatchStudy)
	api.DELETE("/studies/:id", h.DeleteStudy)

	api.GET("/results/:id", h.GetResult)
}

func (h *Handler) Operations() []openapi.Operation {
	return []openapi.Operation{
		{Method: http.MethodPost, Path: "/orders", Tag: "Orders", Summary: "Place an order and open its study",
			Request: OrderRequest{}, Response: CreatedOrder{}, Status: http.StatusCreated},
		{Method: http.MethodGet, Path: "/orders", Tag: "Orders", Summary: "List orders with study status",
			Query: []string{"patient_id", "type", "limit", "offset"}, Response: OrderListing{}, List: true},
		{Method: http.MethodGet, Path: "/orders/:id", Tag: "Orders", Summary: "Get an order with its study",
			Response: OrderDetail{}},
		{Method: http.MethodGet, Path: "/orders/:id/study", Tag: "Studies", Summary: "Get the study of an order",
			Response: Study{}},
		{Method: http.MethodGet, Path: "/orders/:id/results", Tag: "Results", Summary: "Get the current result of an order",
			Response: OrderResult{}},
		{Method: http.MethodGet, Path: "/orders/:id/results/history", Tag: "Results", Summary: "List every result version of an order",
			Response: []OrderResult{}},
		{Method: http.MethodGet, Path: "/studies/:id", Tag: "Studies", Summary: "Get a study",
			Response: Study{}},
		{Method: http.MethodPatch, Path: "/studies/:id", Tag: "Studies", Summary: "Transition a study or edit its report",
			Request: StudyPatch{}, Response: Study{}},
		{Method: http.MethodDelete, Path: "/studies/:id", Tag: "Studies", Summary: "Delete an unsigned study",
			Status: http.StatusNoContent},
		{Method: http.MethodGet, Path: "/results/:id", Tag: "Results", Summary: "Get a result version",
			Response: OrderResult{}},
	}
}

func parseID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid %s", name)
	}
	return id, nil
}

func (h *Handler) CreateOrder(c echo.Context) error {
	var req OrderRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	order, study, err := h.svc.CreateOrder(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, CreatedOrder{
		Order:        *order,
		StudyID:      study.ID,
		StudyStatus:  study.Status,
		StudyVersion: study.Version,
	})
}

func (h *Handler) ListOrders(c echo.Context) error {
	var patientID int64
	if raw := c.QueryParam("patient_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return apperr.Validation("invalid patient_id")
		}
		patientID = id
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListOrders(c.Request().Context(), patientID, c.QueryParam("type"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	detail, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) GetOrderStudy(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	st, err := h.svc.GetStudyByOrder(c.Request().Context(), id)
	if err != nil {
		return err
	}
	etag.Set(c, st.Version)
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) GetStudy(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	st, err := h.svc.GetStudy(c.Request().Context(), id)
	if err != nil {
		return err
	}
	etag.Set(c, st.Version)
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) PatchStudy(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var body StudyPatch
	if err := c.Bind(&body); err != nil {
		return apperr.Validation("invalid request body")
	}
	version, err := etag.ExpectedVersion(c, body.Version)
	if err != nil {
		return err
	}
	st, err := h.svc.ApplyStudyTransition(c.Request().Context(), id, StudyUpdate{
		Version:    version,
		Status:     body.Status,
		ReportText: body.ReportText,
	})
	if err != nil {
		return err
	}
	etag.Set(c, st.Version)
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) DeleteStudy(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteStudy(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetResult(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	res, err := h.svc.GetResult(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetCurrentResult(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	res, err := h.svc.GetCurrentResult(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetResultHistory(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	results, err := h.svc.GetResultHistory(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, results)
}

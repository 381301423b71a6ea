package identity

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/orders/internal/platform/apperr"
	"github.com/ehr/orders/internal/platform/openapi"
	"github.com/ehr/orders/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients", h.CreatePatient)
	api.GET("/patients", h.ListPatients)
	api.GET("/patients/:id", h.GetPatient)
	api.PUT("/patients/:id", h.UpdatePatient)
}

func (h *Handler) Operations() []openapi.Operation {
	return []openapi.Operation{
		{Method: http.MethodPost, Path: "/patients", Tag: "Patients", Summary: "Create a patient",
			Request: PatientInput{}, Response: Patient{}, Status: http.StatusCreated},
		{Method: http.MethodGet, Path: "/patients", Tag: "Patients", Summary: "List patients, or find one by MRN",
			Query: []string{"mrn", "limit", "offset"}, Response: Patient{}, List: true},
		{Method: http.MethodGet, Path: "/patients/:id", Tag: "Patients", Summary: "Get a patient",
			Response: Patient{}},
		{Method: http.MethodPut, Path: "/patients/:id", Tag: "Patients", Summary: "Update patient demographics",
			Request: PatientUpdate{}, Response: Patient{}},
	}
}

func parseID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("invalid %s", name)
	}
	return id, nil
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var in PatientInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid request body")
	}
	p, err := h.svc.CreatePatient(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	if mrn := c.QueryParam("mrn"); mrn != "" {
		p, err := h.svc.GetPatientByMRN(c.Request().Context(), mrn)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, p)
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPatients(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var in PatientUpdate
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid request body")
	}
	p, err := h.svc.UpdatePatient(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

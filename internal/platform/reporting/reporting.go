// Package reporting serves aggregate counts over orders and studies.
package reporting

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/orders/internal/platform/apperr"
	"github.com/ehr/orders/internal/platform/openapi"
)

// Source computes the counts behind each measure.
type Source interface {
	StudyStatusSummary(ctx context.Context) (map[string]int64, error)
	OrdersByType(ctx context.Context) (map[string]int64, error)
}

// MeasureDefinition describes an available report.
type MeasureDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	eval func(Source, context.Context) (map[string]int64, error)
}

// PredefinedMeasures is the list of available reporting measures.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "study-status-summary",
		Name:        "Study Status Summary",
		Description: "Number of studies in each lifecycle status",
		eval:        Source.StudyStatusSummary,
	},
	{
		ID:          "orders-by-type",
		Name:        "Orders by Type",
		Description: "Number of orders placed for each study type",
		eval:        Source.OrdersByType,
	},
}

// FindMeasure returns the measure with id, or nil.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}

// Summary is every measure evaluated at once.
type Summary struct {
	GeneratedAt  time.Time        `json:"generated_at"`
	StudyStatus  map[string]int64 `json:"study_status"`
	OrdersByType map[string]int64 `json:"orders_by_type"`
}

// BuildSummary evaluates the measures concurrently. The first failure
// cancels the rest.
func BuildSummary(ctx context.Context, src Source) (*Summary, error) {
	s := &Summary{GeneratedAt: time.Now().UTC()}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		s.StudyStatus, err = src.StudyStatusSummary(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		s.OrdersByType, err = src.OrdersByType(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s, nil
}

type Handler struct {
	src    Source
	logger zerolog.Logger
}

func NewHandler(src Source, logger zerolog.Logger) *Handler {
	return &Handler{src: src, logger: logger.With().Str("component", "reporting").Logger()}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports")
	g.GET("/measures", h.ListMeasures)
	g.GET("/summary", h.GetSummary)
	g.GET("/:id", h.EvaluateMeasure)
}

func (h *Handler) Operations() []openapi.Operation {
	return []openapi.Operation{
		{Method: http.MethodGet, Path: "/reports/measures", Tag: "Reports", Summary: "List available measures",
			Response: []MeasureDefinition{}},
		{Method: http.MethodGet, Path: "/reports/summary", Tag: "Reports", Summary: "Evaluate every measure",
			Response: Summary{}},
		{Method: http.MethodGet, Path: "/reports/:id", Tag: "Reports",
			Summary:  "Evaluate a measure (study-status-summary, orders-by-type)",
			Response: map[string]int64{}},
	}
}

func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

func (h *Handler) EvaluateMeasure(c echo.Context) error {
	m := FindMeasure(c.Param("id"))
	if m == nil {
		return apperr.NotFound("measure not found: %s", c.Param("id"))
	}
	counts, err := m.eval(h.src, c.Request().Context())
	if err != nil {
		return err
	}
	h.logger.Debug().Str("measure", m.ID).Msg("measure evaluated")
	return c.JSON(http.StatusOK, counts)
}

func (h *Handler) GetSummary(c echo.Context) error {
	s, err := BuildSummary(c.Request().Context(), h.src)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s)
}

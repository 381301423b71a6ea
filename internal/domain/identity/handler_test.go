package identity

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/orders/internal/platform/apperr"
)

func newTestHandler() (*Handler, *echo.Echo) {
	svc, _ := newTestService()
	h := NewHandler(svc)
	e := echo.New()
	return h, e
}

func TestHandler_CreatePatient(t *testing.T) {
	h, e := newTestHandler()
	body := `{"mrn":"M1","first_name":"Ada","last_name":"Lovelace","date_of_birth":"1815-12-10"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreatePatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var p Patient
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if p.ID == 0 || p.BirthDate.String() != "1815-12-10" {
		t.Errorf("unexpected patient %+v", p)
	}
}

func TestHandler_CreatePatient_BadDate(t *testing.T) {
	h, e := newTestHandler()
	body := `{"mrn":"M1","first_name":"Ada","last_name":"Lovelace","date_of_birth":"12/10/1815"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	if err := h.CreatePatient(c); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestHandler_GetPatient_InvalidID(t *testing.T) {
	h, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("abc")

	if err := h.GetPatient(c); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestHandler_ListPatients_ByMRN(t *testing.T) {
	h, e := newTestHandler()
	if _, err := h.svc.CreatePatient(httptest.NewRequest(http.MethodGet, "/", nil).Context(), adaInput); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?mrn=M1", nil), rec)
	if err := h.ListPatients(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var p Patient
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if p.MRN != "M1" {
		t.Errorf("expected M1, got %q", p.MRN)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/?mrn=M2", nil), httptest.NewRecorder())
	if err := h.ListPatients(c); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for unknown MRN, got %v", err)
	}
}

func TestHandler_UpdatePatient(t *testing.T) {
	h, e := newTestHandler()
	p, _ := h.svc.CreatePatient(httptest.NewRequest(http.MethodGet, "/", nil).Context(), adaInput)

	body := `{"first_name":"Augusta","last_name":"King","date_of_birth":"1815-12-10"}`
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("1")

	if err := h.UpdatePatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	got, _ := h.svc.GetPatient(req.Context(), p.ID)
	if got.FirstName != "Augusta" {
		t.Errorf("expected update to be stored, got %+v", got)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"POST /api/v1/patients":    false,
		"GET /api/v1/patients":     false,
		"GET /api/v1/patients/:id": false,
		"PUT /api/v1/patients/:id": false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
	if len(h.Operations()) != len(want) {
		t.Errorf("expected every route to be documented")
	}
}

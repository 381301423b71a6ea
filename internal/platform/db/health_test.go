package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

type fakeChecker struct {
	err error
}

func (f fakeChecker) Ping(ctx context.Context) error { return f.err }

func (f fakeChecker) Stats() *PoolStats {
	return &PoolStats{Driver: "fake", TotalConns: 2, MaxConns: 4, Healthy: true}
}

func runHealth(t *testing.T, checker Checker) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := HealthHandler(checker)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	return rec, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	rec, body := runHealth(t, fakeChecker{})

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
	pool, ok := body["pool"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected pool object, got %T", body["pool"])
	}
	if pool["max_conns"] != float64(4) {
		t.Errorf("expected max_conns 4, got %v", pool["max_conns"])
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	rec, body := runHealth(t, fakeChecker{err: errors.New("connection refused")})

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("expected unhealthy, got %v", body["status"])
	}
	pool := body["pool"].(map[string]interface{})
	if pool["healthy"] != false {
		t.Errorf("expected healthy=false in pool stats, got %v", pool["healthy"])
	}
}

func TestStatsFromSQL(t *testing.T) {
	stats := statsFromSQL(sql.DBStats{
		MaxOpenConnections: 1,
		OpenConnections:    1,
		InUse:              1,
		WaitCount:          3,
		WaitDuration:       1500 * time.Millisecond,
	})

	if stats.Driver != DriverSQLite {
		t.Errorf("expected driver %s, got %s", DriverSQLite, stats.Driver)
	}
	if stats.AcquiredConns != 1 || stats.MaxConns != 1 {
		t.Errorf("unexpected conn counts: %+v", stats)
	}
	if stats.AcquireCount != 3 {
		t.Errorf("expected AcquireCount 3, got %d", stats.AcquireCount)
	}
	if stats.AcquireDuration != "1.5s" {
		t.Errorf("expected AcquireDuration '1.5s', got %q", stats.AcquireDuration)
	}
}

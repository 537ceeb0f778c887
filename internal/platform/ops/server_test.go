package ops

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestRoutes(t *testing.T) {
	health := func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	}
	metrics := func(c echo.Context) error {
		return c.String(http.StatusOK, "# TYPE ingest_messages_total counter\n")
	}
	s := NewServer(0, health, metrics, zerolog.Nop())

	for _, path := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestRecoveryTurnsPanicInto500(t *testing.T) {
	health := func(c echo.Context) error { panic("boom") }
	metrics := func(c echo.Context) error { return c.NoContent(http.StatusOK) }
	s := NewServer(0, health, metrics, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 after panic, got %d", rec.Code)
	}
}

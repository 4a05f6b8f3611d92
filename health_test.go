package pocketfence

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthChecker_Healthz(t *testing.T) {
	h := NewHealthChecker()

	rec := httptest.NewRecorder()
	h.HandleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status before alive = %d, want 503", rec.Code)
	}

	h.SetAlive(true)
	rec = httptest.NewRecorder()
	h.HandleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Uptime == "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestHealthChecker_Readyz(t *testing.T) {
	h := NewHealthChecker()
	h.SetReady(true)

	failing := errors.New("tables missing")
	var fail bool
	h.ReadinessChecks = append(h.ReadinessChecks, func() error {
		if fail {
			return failing
		}
		return nil
	})

	rec := httptest.NewRecorder()
	h.HandleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK || !h.IsReady() {
		t.Errorf("status = %d ready = %v", rec.Code, h.IsReady())
	}

	fail = true
	rec = httptest.NewRecorder()
	h.HandleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable || h.IsReady() {
		t.Errorf("status = %d ready = %v with failing check", rec.Code, h.IsReady())
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Details) != 1 || resp.Details[0] != "tables missing" {
		t.Errorf("Details = %v", resp.Details)
	}
}

func TestTablesLoaded(t *testing.T) {
	e := newTestEngine(t)
	check := TablesLoaded(e)
	if err := check(); err != nil {
		t.Errorf("check with tables = %v", err)
	}

	empty, err := NewTables(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	e.SetTables(empty)
	if err := check(); !errors.Is(err, errNoKeywords) {
		t.Errorf("check with empty tables = %v, want errNoKeywords", err)
	}
}

package pocketfence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminAPI exposes the Controller over REST. It is mounted at PathPrefix
// (default "/api") on the proxy port and answers requests sent to the
// proxy itself.
type AdminAPI struct {
	Controller *Controller

	// Logger for admin API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for admin routes.
	PathPrefix string

	// StopTimeout bounds the shutdown started by POST /stop.
	StopTimeout time.Duration

	// BodyLimit caps request bodies.
	BodyLimit *BodyLimiter

	handler http.Handler
}

// NewAdminAPI creates an AdminAPI for c.
func NewAdminAPI(c *Controller) *AdminAPI {
	a := &AdminAPI{
		Controller:  c,
		Logger:      slog.Default(),
		PathPrefix:  "/api",
		StopTimeout: 5 * time.Second,
		BodyLimit:   NewBodyLimiter(DefaultAdminBodyLimit),
	}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))
	r.Use(a.BodyLimit.Middleware)

	r.Get("/status", a.handleStatus)
	r.Get("/stats", a.handleStats)
	r.Get("/config", a.handleConfig)
	r.Put("/age", a.handleSetAge)
	r.Put("/child-mode", a.handleSetChildMode)
	r.Post("/analyze", a.handleAnalyze)
	r.Post("/reload", a.handleReload)
	r.Post("/bypass/tokens", a.handleGenerateBypass)
	r.Delete("/bypass/tokens", a.handleRevokeBypass)
	r.Post("/stop", a.handleStop)

	a.handler = NewCompressHandler(r)
}

// Handler returns the admin routes with the prefix stripped.
func (a *AdminAPI) Handler() http.Handler {
	return http.StripPrefix(a.PathPrefix, a.handler)
}

func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

// AgeRequest is the body of PUT /age.
type AgeRequest struct {
	Level string `json:"level"`
}

// ChildModeRequest is the body of PUT /child-mode.
type ChildModeRequest struct {
	Enabled *bool `json:"enabled"`
}

// AnalyzeRequest is the body of POST /analyze.
type AnalyzeRequest struct {
	Text string `json:"text"`
}

// TokenResponse is returned by POST /bypass/tokens.
type TokenResponse struct {
	Token  string `json:"token"`
	Header string `json:"header"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Controller.Status())
}

func (a *AdminAPI) handleStats(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Controller.Stats())
}

func (a *AdminAPI) handleConfig(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, a.Controller.Config())
}

func (a *AdminAPI) handleSetAge(w http.ResponseWriter, r *http.Request) {
	var req AgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}

	err := a.Controller.SetAgeLevel(req.Level)
	switch {
	case errors.Is(err, ErrInvalidAgeLevel):
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	case err != nil:
		a.Logger.Error("admin API set age level", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "age level set to " + a.Controller.Engine.AgeLevel().Label()})
}

func (a *AdminAPI) handleSetChildMode(w http.ResponseWriter, r *http.Request) {
	var req ChildModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Enabled == nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "enabled is required"})
		return
	}

	if err := a.Controller.SetChildMode(*req.Enabled); err != nil {
		a.Logger.Error("admin API set child mode", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	msg := "child mode disabled"
	if *req.Enabled {
		msg = "child mode enabled"
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: msg})
}

func (a *AdminAPI) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, a.Controller.Analyze(req.Text))
}

func (a *AdminAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	err := a.Controller.ReloadKeywords(r.Context())
	switch {
	case errors.Is(err, errNoReloader):
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: err.Error()})
		return
	case err != nil:
		a.Logger.Error("admin API reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "reload failed: " + err.Error()})
		return
	}

	a.Logger.Info("keywords reloaded via admin API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

func (a *AdminAPI) handleGenerateBypass(w http.ResponseWriter, _ *http.Request) {
	token, err := a.Controller.GenerateBypassToken()
	switch {
	case errors.Is(err, errNoBypass):
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: err.Error()})
		return
	case err != nil:
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	header := a.Controller.Proxy.Bypass.Header
	if header == "" {
		header = DefaultBypassHeader
	}
	a.writeJSON(w, http.StatusCreated, TokenResponse{Token: token, Header: header})
}

func (a *AdminAPI) handleRevokeBypass(w http.ResponseWriter, _ *http.Request) {
	if err := a.Controller.RevokeBypassTokens(); err != nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "bypass tokens revoked"})
}

// handleStop answers before shutting down; the server waits for this
// handler during a graceful shutdown.
func (a *AdminAPI) handleStop(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusAccepted, MessageResponse{Message: "stopping"})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.StopTimeout)
		defer cancel()
		if err := a.Controller.Stop(ctx); err != nil {
			a.Logger.Warn("stop via admin API", "error", err)
		}
	}()
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}

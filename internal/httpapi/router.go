// Package httpapi exposes registration and login over HTTP.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/drblury/userevents/internal/auth"
	errspkg "github.com/drblury/userevents/internal/runtime/errors"
	"github.com/drblury/userevents/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/userevents/internal/runtime/logging"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// AuthService is the part of auth.Service used by the handlers.
type AuthService interface {
	Register(ctx context.Context, email, password string) (auth.RegisterResult, error)
	Login(ctx context.Context, email, password string) (auth.LoginResult, error)
}

// Handler serves the public API.
type Handler struct {
	auth           AuthService
	logger         loggingpkg.ServiceLogger
	frontendOrigin string
}

// NewHandler returns a Handler. frontendOrigin is the single origin allowed by
// CORS; an empty value disables the CORS headers.
func NewHandler(svc AuthService, logger loggingpkg.ServiceLogger, frontendOrigin string) *Handler {
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	return &Handler{auth: svc, logger: logger, frontendOrigin: frontendOrigin}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type loginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Router builds the chi router with every route and middleware.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	r.Use(h.cors)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/hello", h.handleHello)
	r.Get("/health", h.handleHealth)
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", h.handleRegister)
		r.Post("/login", h.handleLogin)
	})
	return r
}

func (h *Handler) handleHello(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "Hello from the user events API")
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCredentials(w, r)
	if !ok {
		return
	}

	res, err := h.auth.Register(r.Context(), req.Email, req.Password)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, registerResponse{ID: res.UserID, Email: res.Email})
	case errors.Is(err, errspkg.ErrDuplicateEmail):
		h.writeError(w, http.StatusBadRequest, "email already registered")
	case errors.Is(err, errspkg.ErrEmailRequired),
		errors.Is(err, errspkg.ErrPasswordRequired),
		errors.Is(err, errspkg.ErrPasswordTooLong):
		h.writeError(w, http.StatusBadRequest, "email and password are required")
	case errspkg.IsPublish(err):
		h.writeError(w, http.StatusBadGateway, "registration could not be completed")
	default:
		h.logger.Error("Registration failed", err, loggingpkg.LogFields{
			"request_id": middleware.GetReqID(r.Context()),
		})
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeCredentials(w, r)
	if !ok {
		return
	}

	res, err := h.auth.Login(r.Context(), req.Email, req.Password)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, loginResponse{Token: res.Token, UserID: res.UserID, Email: res.Email})
	case errors.Is(err, errspkg.ErrInvalidCredentials):
		h.writeError(w, http.StatusUnauthorized, "invalid credentials")
	default:
		h.logger.Error("Login failed", err, loggingpkg.LogFields{
			"request_id": middleware.GetReqID(r.Context()),
		})
		h.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) decodeCredentials(w http.ResponseWriter, r *http.Request) (credentialsRequest, bool) {
	var req credentialsRequest
	if err := jsoncodec.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.Email == "" || req.Password == "" {
		h.writeError(w, http.StatusBadRequest, "email and password are required")
		return req, false
	}
	return req, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, v); err != nil {
		h.logger.Error("Failed to encode response", err, nil)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

// cors allows the configured frontend origin and answers preflight requests.
func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if h.frontendOrigin != "" && (h.frontendOrigin == "*" || origin == h.frontendOrigin) {
			w.Header().Set("Access-Control-Allow-Origin", h.frontendOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("HTTP request", loggingpkg.LogFields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}

package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/aadithya-v/gatekeeper"
)

type contextKey int

const sessionKey contextKey = iota

// server exposes the login pipeline over HTTP.
type server struct {
	gk         *gatekeeper.Gatekeeper
	logger     zerolog.Logger
	limiter    *ipLimiter
	adminToken string
}

func newServer(gk *gatekeeper.Gatekeeper, logger zerolog.Logger, limiter *ipLimiter, adminToken string) *server {
	return &server{
		gk:         gk,
		logger:     logger.With().Str("component", "http").Logger(),
		limiter:    limiter,
		adminToken: adminToken,
	}
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.accessLog)

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	public := r.NewRoute().Subrouter()
	public.Use(s.rateLimited)
	public.HandleFunc("/signup", s.handleSignup).Methods(http.MethodPost)
	public.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	public.HandleFunc("/login/otp", s.handleVerifyOTP).Methods(http.MethodPost)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminOnly)
	admin.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	admin.HandleFunc("/alerts", s.handleAlerts).Methods(http.MethodGet)
	admin.HandleFunc("/alerts/stats", s.handleAlertStats).Methods(http.MethodGet)
	admin.HandleFunc("/users/{userId}/locations", s.handleLocations).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.authenticated)
	authed.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	authed.HandleFunc("/password", s.handleChangePassword).Methods(http.MethodPost)
	authed.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	authed.HandleFunc("/sessions/{deviceId}", s.handleTerminateSession).Methods(http.MethodDelete)

	return r
}

func (s *server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req gatekeeper.RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	user, err := s.gk.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":    user.ID,
		"email": user.Email,
		"plan":  user.Plan,
	})
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req gatekeeper.LoginRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.gk.Login(r.Context(), r, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req gatekeeper.VerifyOTPRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.gk.VerifyOTP(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.gk.Logout(r.Context(), bearerToken(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	sess := sessionFrom(r.Context())
	if err := s.gk.ChangePassword(r.Context(), sess.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	views, err := s.gk.Sessions(r.Context(), sess.UserID, sess.DeviceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	target := mux.Vars(r)["deviceId"]

	err := s.gk.TerminateSession(r.Context(), sess.UserID, sess.DeviceID, target)
	if errors.Is(err, gatekeeper.ErrSessionNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.gk.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleAlerts lists recent alerts, optionally filtered by ?severity= or ?user=.
func (s *server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	var (
		alerts []gatekeeper.Alert
		err    error
	)
	engine := s.gk.Alerts()
	switch {
	case q.Get("severity") != "":
		alerts, err = engine.BySeverity(r.Context(), gatekeeper.Severity(strings.ToUpper(q.Get("severity"))), limit)
	case q.Get("user") != "":
		alerts, err = engine.ByUser(r.Context(), q.Get("user"), limit)
	default:
		alerts, err = engine.Recent(r.Context(), limit)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []gatekeeper.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *server) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.gk.Alerts().Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *server) handleLocations(w http.ResponseWriter, r *http.Request) {
	history, err := s.gk.Geo().History(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locations": history})
}

// Middleware

func (s *server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := s.limiter.Allow(s.gk.ClientIP(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			s.writeError(w, r, gatekeeper.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
			return
		}
		sess, err := s.gk.Authenticate(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
	})
}

func (s *server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "admin access required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Str("ip", s.gk.ClientIP(r)).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// Helpers

type errorResponse struct {
	Error    string   `json:"error"`
	Warnings []string `json:"warnings,omitempty"`
}

func sessionFrom(ctx context.Context) *gatekeeper.Session {
	s, _ := ctx.Value(sessionKey).(*gatekeeper.Session)
	return s
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gatekeeper.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, gatekeeper.ErrInvalidCredentials),
		errors.Is(err, gatekeeper.ErrInvalidToken),
		errors.Is(err, gatekeeper.ErrSessionNotFound),
		errors.Is(err, gatekeeper.ErrInvalidOTP):
		return http.StatusUnauthorized
	case errors.Is(err, gatekeeper.ErrSuspiciousActivity):
		return http.StatusForbidden
	case errors.Is(err, gatekeeper.ErrUserExists),
		errors.Is(err, gatekeeper.ErrCannotTerminateCurrent):
		return http.StatusConflict
	case errors.Is(err, gatekeeper.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	var spoofed *gatekeeper.SuspiciousActivityError
	if errors.As(err, &spoofed) {
		resp.Warnings = spoofed.Warnings
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

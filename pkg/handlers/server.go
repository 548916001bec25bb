// Package handlers exposes identity and messaging over HTTP.
package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/kindlyrobotics/phonebox/internal/auth"
	"github.com/kindlyrobotics/phonebox/internal/common"
	"github.com/kindlyrobotics/phonebox/internal/crypto"
	"github.com/kindlyrobotics/phonebox/internal/discovery"
	"github.com/kindlyrobotics/phonebox/internal/identity"
	"github.com/kindlyrobotics/phonebox/internal/models"
	"github.com/kindlyrobotics/phonebox/internal/ratelimit"
	"github.com/kindlyrobotics/phonebox/pkg/api"
	"go.uber.org/zap"
)

const maxBodyBytes = 128 * 1024

type IdentityService interface {
	SendCode(ctx context.Context, phone string) (string, error)
	Verify(ctx context.Context, phone, code string) (*identity.Resolution, error)
	PublicKey(ctx context.Context, userID uuid.UUID) (*[crypto.KeySize]byte, error)
	SetDisplayName(ctx context.Context, userID uuid.UUID, name string) error
	DisplayName(ctx context.Context, userID uuid.UUID) (string, error)
}

type Discovery interface {
	Lookup(ctx context.Context, requesterID uuid.UUID, phones []string) ([]discovery.Match, error)
}

type MessageRelay interface {
	Store(ctx context.Context, msg *models.Message) (*models.Message, error)
	List(ctx context.Context, viewerID uuid.UUID) ([]*models.StoredMessage, error)
}

type TokenService interface {
	GenerateSessionToken(userID uuid.UUID) (string, error)
	ValidateSessionToken(token string) (uuid.UUID, error)
}

type Streamer interface {
	ServeUser(w http.ResponseWriter, r *http.Request, userID uuid.UUID)
}

type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps are the services behind the API. Discovery, Streamer and Health are optional.
type Deps struct {
	Identity  IdentityService
	Discovery Discovery
	Relay     MessageRelay
	Tokens    TokenService
	Streamer  Streamer
	Health    HealthChecker
}

type Server struct {
	deps          Deps
	allowedOrigin string
	scheme        crypto.Scheme
	logger        *zap.Logger
}

type Option func(*Server)

// WithMessageScheme sets the scheme advertised to clients at login
func WithMessageScheme(scheme crypto.Scheme) Option {
	return func(s *Server) { s.scheme = scheme }
}

func New(deps Deps, allowedOrigin string, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		deps:          deps,
		allowedOrigin: allowedOrigin,
		scheme:        crypto.SchemeBox,
		logger:        logger.Named("http"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	router.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Auth routes
	router.HandleFunc("/api/auth/send-otp", s.handleSendOTP).Methods("POST")
	router.HandleFunc("/api/auth/verify-otp", s.handleVerifyOTP).Methods("POST")

	// User routes
	router.HandleFunc("/api/users/{id}/public-key", s.handleGetPublicKey).Methods("GET")
	router.HandleFunc("/api/users/me/display-name", s.authMiddleware(s.handleSetDisplayName)).Methods("POST")
	router.HandleFunc("/api/users/me/display-name", s.authMiddleware(s.handleGetDisplayName)).Methods("GET")
	router.HandleFunc("/api/users/lookup", s.authMiddleware(s.handleLookup)).Methods("POST")

	// Messaging routes (protected)
	router.HandleFunc("/api/messages", s.authMiddleware(s.handleSendMessage)).Methods("POST")
	router.HandleFunc("/api/messages", s.authMiddleware(s.handleListMessages)).Methods("GET")
	router.HandleFunc("/api/ws", s.authMiddleware(s.handleStream)).Methods("GET")

	return router
}

// Middleware

type ctxKey int

const userIDKey ctxKey = iota

func userIDFrom(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(userIDKey).(uuid.UUID)
	return id
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware accepts "Authorization: Bearer <token>", or a token query
// parameter for WebSocket clients that cannot set headers
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			s.writeError(w, r, common.ErrUnauthorized)
			return
		}

		userID, err := s.deps.Tokens.ValidateSessionToken(token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade through the recorder
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

// Responses

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrOTPNotApproved),
		errors.Is(err, common.ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrNotFound),
		errors.Is(err, common.ErrRecipientKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps service errors to status codes. Internal errors are
// logged and answered with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal server error"
	}
	s.writeJSON(w, status, api.ErrorResponse{Error: msg})
}

// decode reads a JSON body into req and validates it
func decode[T interface{ Validate() error }](w http.ResponseWriter, r *http.Request, req T) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		return errors.Join(common.ErrInvalidInput, err)
	}
	return req.Validate()
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.deps.Health.Health(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

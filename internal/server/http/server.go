// Package httpserver exposes the broker over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/verder-helpen/comm-livecom/internal/errs"
	"github.com/verder-helpen/comm-livecom/internal/limiter"
	"github.com/verder-helpen/comm-livecom/internal/metrics"
	"github.com/verder-helpen/comm-livecom/internal/model"
)

const maxResultBody = 1 << 20

// Broker is the set of operations served over HTTP.
type Broker interface {
	Start(ctx context.Context, authMethod, guestToken string) (model.ClientURLResponse, error)
	SubmitResult(ctx context.Context, attrID string, raw model.AuthResult) error
	SessionInfo(ctx context.Context, hostToken string) (model.SessionInfo, error)
	SessionOptions(ctx context.Context, guestToken string) (model.SessionOptions, error)
	Ping(ctx context.Context) error
}

// Server wires the broker into HTTP handlers.
type Server struct {
	broker   Broker
	lim      limiter.Limiter
	log      *zap.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	trustProxyHeaders bool
}

// Option tunes a Server.
type Option func(*Server)

// WithLimiter enables lockout of clients presenting bad tokens.
func WithLimiter(l limiter.Limiter) Option { return func(s *Server) { s.lim = l } }

// WithMetrics counts token rejections and lockouts.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithGatherer sets what /metrics exposes; defaults to the global registry.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// WithTrustProxyHeaders takes the client address from X-Forwarded-For,
// X-Real-IP or True-Client-IP. Enable only behind a proxy that overwrites them.
func WithTrustProxyHeaders(on bool) Option { return func(s *Server) { s.trustProxyHeaders = on } }

// New constructs a Server.
func New(b Broker, log *zap.Logger, opts ...Option) *Server {
	s := &Server{broker: b, lim: limiter.Nop{}, log: log, gatherer: prometheus.DefaultGatherer}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router returns the HTTP handler with all routes and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.trustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(Logging(s.log))
	r.Use(Recover(s.log))

	r.Get("/start/{auth_method}/{guest_token}", s.start)
	r.Post("/auth_result/{attr_id}", s.authResult)
	r.Get("/session_info/{host_token}", s.sessionInfo)
	r.Get("/session_options/{guest_token}", s.sessionOptions)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var resp model.ClientURLResponse
	err := s.guarded(w, r, limiter.ScopeGuest, func(ctx context.Context) (err error) {
		resp, err = s.broker.Start(ctx, chi.URLParam(r, "auth_method"), chi.URLParam(r, "guest_token"))
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, resp.Raw)
}

func (s *Server) authResult(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxResultBody))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: read body: %v", errs.ErrValidation, err))
		return
	}
	if err := s.broker.SubmitResult(r.Context(), chi.URLParam(r, "attr_id"), model.AuthResult(body)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionInfo(w http.ResponseWriter, r *http.Request) {
	var info model.SessionInfo
	err := s.guarded(w, r, limiter.ScopeHost, func(ctx context.Context) (err error) {
		info, err = s.broker.SessionInfo(ctx, chi.URLParam(r, "host_token"))
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) sessionOptions(w http.ResponseWriter, r *http.Request) {
	var opts model.SessionOptions
	err := s.guarded(w, r, limiter.ScopeGuest, func(ctx context.Context) (err error) {
		opts, err = s.broker.SessionOptions(ctx, chi.URLParam(r, "guest_token"))
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, opts.Raw)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.broker.Ping(ctx); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// guarded runs op under the token lockout for scope. Malformed and forged
// tokens count as failures; expired tokens do not. Limiter errors fail open.
func (s *Server) guarded(w http.ResponseWriter, r *http.Request, scope limiter.Scope, op func(context.Context) error) error {
	ctx := r.Context()
	ipHash := limiter.HashIP(clientIP(r))

	allowed, retry, err := s.lim.Allow(ctx, scope, ipHash)
	switch {
	case err != nil:
		s.log.Warn("limiter unavailable", zap.String("scope", string(scope)), zap.Error(err))
	case !allowed:
		w.Header().Set("Retry-After", retryAfter(retry))
		return errs.ErrRateLimited
	}

	opErr := op(ctx)
	switch {
	case opErr == nil:
		if err := s.lim.Success(ctx, scope, ipHash); err != nil {
			s.log.Warn("limiter reset failed", zap.Error(err))
		}
	case errors.Is(opErr, errs.ErrTokenMalformed), errors.Is(opErr, errs.ErrTokenInvalid):
		kind := "invalid"
		if errors.Is(opErr, errs.ErrTokenMalformed) {
			kind = "malformed"
		}
		s.metrics.IncTokenRejection(string(scope), kind)
		blocked, _, err := s.lim.Failure(ctx, scope, ipHash)
		if err != nil {
			s.log.Warn("limiter record failed", zap.Error(err))
		} else if blocked {
			s.metrics.IncLockout(string(scope))
			s.log.Warn("client locked out", zap.String("scope", string(scope)))
		}
	case errors.Is(opErr, errs.ErrTokenExpired):
		s.metrics.IncTokenRejection(string(scope), "expired")
	}
	return opErr
}

// clientIP is the lockout key source. It is the transport peer unless
// proxy headers are trusted, in which case RealIP has already rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func retryAfter(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}

func writeRaw(w http.ResponseWriter, code int, raw []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(raw)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

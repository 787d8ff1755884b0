package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/verder-helpen/comm-livecom/internal/errs"
	"github.com/verder-helpen/comm-livecom/internal/limiter"
	"github.com/verder-helpen/comm-livecom/internal/metrics"
	"github.com/verder-helpen/comm-livecom/internal/model"
)

/************ fakes ************/

type fakeBroker struct {
	mu sync.Mutex

	startArgs  [2]string
	startErr   error
	submitted  map[string]model.AuthResult
	submitErr  error
	info       model.SessionInfo
	infoErr    error
	optionsErr error
	pingErr    error
	panicOn    string
}

func (f *fakeBroker) Start(_ context.Context, authMethod, guestToken string) (model.ClientURLResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn == "start" {
		panic("boom")
	}
	f.startArgs = [2]string{authMethod, guestToken}
	if f.startErr != nil {
		return model.ClientURLResponse{}, f.startErr
	}
	return model.ClientURLResponse{ClientURL: "https://a/1", Raw: []byte(`{"client_url" : "https://a/1"}`)}, nil
}

func (f *fakeBroker) SubmitResult(_ context.Context, attrID string, raw model.AuthResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	if f.submitted == nil {
		f.submitted = map[string]model.AuthResult{}
	}
	f.submitted[attrID] = raw
	return nil
}

func (f *fakeBroker) SessionInfo(context.Context, string) (model.SessionInfo, error) {
	return f.info, f.infoErr
}

func (f *fakeBroker) SessionOptions(context.Context, string) (model.SessionOptions, error) {
	if f.optionsErr != nil {
		return model.SessionOptions{}, f.optionsErr
	}
	return model.SessionOptions{AuthMethods: []string{"irma"}, Raw: []byte(`{"auth_methods":["irma"]}`)}, nil
}

func (f *fakeBroker) Ping(context.Context) error { return f.pingErr }

type fakeLimiter struct {
	mu        sync.Mutex
	blocked   bool
	retry     time.Duration
	allowErr  error
	failures  int
	successes int
	lockAt    int
	lastScope limiter.Scope
}

func (l *fakeLimiter) Allow(_ context.Context, scope limiter.Scope, _ []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastScope = scope
	if l.allowErr != nil {
		return false, 0, l.allowErr
	}
	return !l.blocked, l.retry, nil
}

func (l *fakeLimiter) Success(context.Context, limiter.Scope, []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes++
	return nil
}

func (l *fakeLimiter) Failure(context.Context, limiter.Scope, []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
	if l.lockAt > 0 && l.failures >= l.lockAt {
		l.blocked = true
		return true, time.Minute, nil
	}
	return false, 0, nil
}

// keyedLimiter locks out per ipHash.
type keyedLimiter struct {
	mu       sync.Mutex
	lockAt   int
	failures map[string]int
}

func (l *keyedLimiter) Allow(_ context.Context, _ limiter.Scope, ipHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures[string(ipHash)] < l.lockAt, time.Minute, nil
}

func (l *keyedLimiter) Success(_ context.Context, _ limiter.Scope, ipHash []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, string(ipHash))
	return nil
}

func (l *keyedLimiter) Failure(_ context.Context, _ limiter.Scope, ipHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[string(ipHash)]++
	return l.failures[string(ipHash)] >= l.lockAt, time.Minute, nil
}

/************ helpers ************/

type env struct {
	srv     *httptest.Server
	broker  *fakeBroker
	lim     *fakeLimiter
	metrics *metrics.Metrics
}

func newEnv(t *testing.T) *env {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	b := &fakeBroker{}
	l := &fakeLimiter{}
	s := New(b, zaptest.NewLogger(t), WithLimiter(l), WithMetrics(m), WithGatherer(reg))
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &env{srv: srv, broker: b, lim: l, metrics: m}
}

func (e *env) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(raw)
}

func errorKind(t *testing.T, body string) string {
	t.Helper()
	var eb errorBody
	require.NoError(t, json.Unmarshal([]byte(body), &eb))
	return eb.Error
}

/************ tests ************/

func TestStart_RelaysAuthorityBytes(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodGet, "/start/irma/eyJ.guest.tok", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.Equal(t, `{"client_url" : "https://a/1"}`, body)
	require.Equal(t, [2]string{"irma", "eyJ.guest.tok"}, e.broker.startArgs)
	require.Equal(t, 1, e.lim.successes)
	require.Equal(t, limiter.ScopeGuest, e.lim.lastScope)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
		kind string
	}{
		{errs.ErrTokenMalformed, http.StatusUnauthorized, "token_malformed"},
		{errs.ErrTokenInvalid, http.StatusUnauthorized, "token_invalid"},
		{errs.ErrTokenExpired, http.StatusUnauthorized, "token_expired"},
		{fmt.Errorf("%w: empty auth method", errs.ErrValidation), http.StatusBadRequest, "validation"},
		{fmt.Errorf("%w: boom", errs.ErrUpstream), http.StatusBadGateway, "upstream"},
		{fmt.Errorf("%w: db", errs.ErrPersistence), http.StatusInternalServerError, "persistence"},
		{errors.New("surprise"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			e := newEnv(t)
			e.broker.startErr = tc.err
			resp, body := e.do(t, http.MethodGet, "/start/irma/tok", "")
			require.Equal(t, tc.code, resp.StatusCode)
			require.Equal(t, tc.kind, errorKind(t, body))
			require.NotContains(t, body, "db")
		})
	}
}

func TestAuthResult(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodPost, "/auth_result/attr123", "sealed-blob")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Empty(t, body)
	require.Equal(t, model.AuthResult("sealed-blob"), e.broker.submitted["attr123"])

	cases := []struct {
		err  error
		code int
		kind string
	}{
		{errs.ErrNotFound, http.StatusNotFound, "not_found"},
		{errs.ErrConflict, http.StatusConflict, "conflict"},
		{fmt.Errorf("%w: bad sig", errs.ErrCrypto), http.StatusBadRequest, "crypto"},
		{fmt.Errorf("%w: exp", errs.ErrResultExpired), http.StatusBadRequest, "result_expired"},
	}
	for _, tc := range cases {
		e.broker.submitErr = tc.err
		resp, body := e.do(t, http.MethodPost, "/auth_result/attr123", "blob")
		require.Equal(t, tc.code, resp.StatusCode)
		require.Equal(t, tc.kind, errorKind(t, body))
	}

	resp, _ = e.do(t, http.MethodGet, "/auth_result/attr123", "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAuthResult_BodyTooLarge(t *testing.T) {
	b := &fakeBroker{}
	h := New(b, zaptest.NewLogger(t), WithGatherer(prometheus.NewRegistry())).Router()

	req := httptest.NewRequest(http.MethodPost, "/auth_result/a", strings.NewReader(strings.Repeat("x", maxResultBody+1)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation", errorKind(t, rec.Body.String()))
	require.Empty(t, b.submitted)
}

func TestSessionInfo_NullForMissingResults(t *testing.T) {
	e := newEnv(t)
	e.broker.info = model.SessionInfo{
		"alice": {Status: model.AuthStatusSuccess, Attributes: map[string]string{"age_over_18": "true"}},
		"bob":   nil,
	}
	resp, body := e.do(t, http.MethodGet, "/session_info/host.tok", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"alice":{"status":"succes","attributes":{"age_over_18":"true"}},"bob":null}`, body)
	require.Equal(t, limiter.ScopeHost, e.lim.lastScope)
}

func TestSessionInfo_EmptyRoom(t *testing.T) {
	e := newEnv(t)
	e.broker.info = model.SessionInfo{}
	_, body := e.do(t, http.MethodGet, "/session_info/host.tok", "")
	require.JSONEq(t, `{}`, body)
}

func TestSessionOptions(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodGet, "/session_options/guest.tok", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, `{"auth_methods":["irma"]}`, body)

	e.broker.optionsErr = errs.ErrUpstream
	resp, _ = e.do(t, http.MethodGet, "/session_options/guest.tok", "")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestLockout_CountsForgedTokensOnly(t *testing.T) {
	e := newEnv(t)
	e.lim.lockAt = 3

	e.broker.infoErr = errs.ErrTokenExpired
	for i := 0; i < 5; i++ {
		resp, _ := e.do(t, http.MethodGet, "/session_info/old", "")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	require.Zero(t, e.lim.failures)

	e.broker.infoErr = errs.ErrTokenInvalid
	for i := 0; i < 3; i++ {
		resp, _ := e.do(t, http.MethodGet, "/session_info/forged", "")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	require.Equal(t, 3, e.lim.failures)

	e.lim.retry = 1500 * time.Millisecond
	resp, body := e.do(t, http.MethodGet, "/session_info/forged", "")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "rate_limited", errorKind(t, body))
	require.Equal(t, "2", resp.Header.Get("Retry-After"))

	require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Lockouts.WithLabelValues("host")))
	require.Equal(t, 3.0, testutil.ToFloat64(e.metrics.TokenRejections.WithLabelValues("host", "invalid")))
	require.Equal(t, 5.0, testutil.ToFloat64(e.metrics.TokenRejections.WithLabelValues("host", "expired")))
}

func TestLockout_FailsOpen(t *testing.T) {
	e := newEnv(t)
	e.lim.allowErr = errors.New("db down")
	resp, _ := e.do(t, http.MethodGet, "/start/irma/tok", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, body)

	e.broker.pingErr = errors.New("down")
	resp, _ = e.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	e.metrics.IncStarted()
	resp, body := e.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "livecom_sessions_started_total 1")
}

func TestRecover_PanicBecomes500(t *testing.T) {
	e := newEnv(t)
	e.broker.panicOn = "start"
	resp, body := e.do(t, http.MethodGet, "/start/irma/tok", "")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "internal", errorKind(t, body))

	// server still serves afterwards
	e.broker.panicOn = ""
	resp, _ = e.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnknownRoute(t *testing.T) {
	e := newEnv(t)
	resp, _ := e.do(t, http.MethodGet, "/start/irma", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func serveFrom(h http.Handler, remote, forwarded, path string) int {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = remote
	if forwarded != "" {
		req.Header.Set("X-Forwarded-For", forwarded)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestLockout_IgnoresForwardedHeadersByDefault(t *testing.T) {
	const attacker, victim = "192.0.2.10:40000", "203.0.113.7:50000"

	t.Run("rotating the header does not avoid lockout", func(t *testing.T) {
		b := &fakeBroker{infoErr: errs.ErrTokenInvalid}
		lim := &keyedLimiter{lockAt: 3, failures: map[string]int{}}
		h := New(b, zaptest.NewLogger(t), WithLimiter(lim), WithGatherer(prometheus.NewRegistry())).Router()

		var codes []int
		for i := 1; i <= 20; i++ {
			codes = append(codes, serveFrom(h, attacker, fmt.Sprintf("10.0.0.%d", i), "/session_info/forged"))
		}
		require.Equal(t, []int{401, 401, 401}, codes[:3])
		for _, c := range codes[3:] {
			require.Equal(t, http.StatusTooManyRequests, c)
		}
	})

	t.Run("spoofing a victim address does not lock the victim out", func(t *testing.T) {
		b := &fakeBroker{infoErr: errs.ErrTokenInvalid}
		lim := &keyedLimiter{lockAt: 3, failures: map[string]int{}}
		h := New(b, zaptest.NewLogger(t), WithLimiter(lim), WithGatherer(prometheus.NewRegistry())).Router()

		for i := 0; i < 3; i++ {
			require.Equal(t, http.StatusUnauthorized, serveFrom(h, attacker, "203.0.113.7", "/session_info/forged"))
		}
		b.infoErr = nil
		b.info = model.SessionInfo{}
		require.Equal(t, http.StatusOK, serveFrom(h, victim, "", "/session_info/host.tok"))
		require.Equal(t, http.StatusTooManyRequests, serveFrom(h, attacker, "", "/session_info/host.tok"))
	})
}

func TestLockout_TrustedProxyHeaders(t *testing.T) {
	const proxy = "10.1.1.1:443"
	b := &fakeBroker{infoErr: errs.ErrTokenInvalid}
	lim := &keyedLimiter{lockAt: 3, failures: map[string]int{}}
	h := New(b, zaptest.NewLogger(t), WithLimiter(lim), WithTrustProxyHeaders(true),
		WithGatherer(prometheus.NewRegistry())).Router()

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusUnauthorized, serveFrom(h, proxy, "198.51.100.1", "/session_info/forged"))
	}
	b.infoErr = nil
	b.info = model.SessionInfo{}
	require.Equal(t, http.StatusTooManyRequests, serveFrom(h, proxy, "198.51.100.1", "/session_info/host.tok"))
	require.Equal(t, http.StatusOK, serveFrom(h, proxy, "198.51.100.2", "/session_info/host.tok"))
}

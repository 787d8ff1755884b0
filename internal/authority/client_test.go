package authority

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/verder-helpen/comm-livecom/internal/errs"
	"github.com/verder-helpen/comm-livecom/internal/metrics"
	"github.com/verder-helpen/comm-livecom/internal/model"
)

type memCache struct {
	mu     sync.Mutex
	data   map[string][]byte
	getErr error
	setErr error
	sets   int
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (m *memCache) Get(_ context.Context, purpose string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	raw, ok := m.data[purpose]
	if !ok {
		return nil, ErrCacheMiss
	}
	return raw, nil
}

func (m *memCache) Set(_ context.Context, purpose string, raw []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if m.setErr != nil {
		return m.setErr
	}
	m.data[purpose] = raw
	return nil
}

func newClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	c, err := New(srv.URL, 2*time.Second, opts...)
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New("not a url", time.Second)
	require.Error(t, err)
	_, err = New("/relative/only", time.Second)
	require.Error(t, err)
}

func TestStart_RelaysRawBody(t *testing.T) {
	const body = `{ "client_url" : "https://auth.example/session/1" }`
	received := make(chan model.StartRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/start" || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var got model.StartRequest
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- got
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	c := newClient(t, srv)
	req := model.StartRequest{
		Purpose:    "age-check",
		AuthMethod: "irma",
		CommURL:    "https://guest/app",
		AttrURL:    "https://broker.internal/auth_result/abc",
	}
	resp, err := c.Start(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "https://auth.example/session/1", resp.ClientURL)
	require.Equal(t, body, string(resp.Raw))
	require.Equal(t, req, <-received)
}

func TestStart_RejectsUnexpectedShapes(t *testing.T) {
	cases := map[string]string{
		"extra field":   `{"client_url":"https://x","debug":true}`,
		"missing field": `{}`,
		"wrong type":    `{"client_url":42}`,
		"empty url":     `{"client_url":""}`,
		"not json":      `<html>oops</html>`,
		"array":         `["https://x"]`,
		"trailing":      `{"client_url":"https://x"} {}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, body)
			}))
			defer srv.Close()

			_, err := newClient(t, srv).Start(context.Background(), model.StartRequest{Purpose: "p"})
			require.ErrorIs(t, err, errs.ErrUpstream)
		})
	}
}

func TestStart_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"client_url":"https://x"}`)
	}))
	defer srv.Close()

	m := metrics.New(prometheus.NewRegistry())
	_, err := newClient(t, srv, WithMetrics(m)).Start(context.Background(), model.StartRequest{})
	require.ErrorIs(t, err, errs.ErrUpstream)
	require.Equal(t, 1.0, testutil.ToFloat64(m.AuthorityFailures.WithLabelValues(opStart)))
}

func TestStart_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := newClient(t, srv)
	srv.Close()

	_, err := c.Start(context.Background(), model.StartRequest{})
	require.ErrorIs(t, err, errs.ErrUpstream)
}

func TestStart_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL, 50*time.Millisecond)
	require.NoError(t, err)
	_, err = c.Start(context.Background(), model.StartRequest{})
	require.ErrorIs(t, err, errs.ErrUpstream)
}

func TestSessionOptions_EscapesPurposeAndCaches(t *testing.T) {
	const body = `{"auth_methods":["irma","digid"]}`
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodGet || r.URL.EscapedPath() != "/session_options/age%2Fcheck" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	cache := newMemCache()
	c := newClient(t, srv, WithOptionsCache(cache, time.Minute))

	for i := 0; i < 3; i++ {
		opts, err := c.SessionOptions(context.Background(), "age/check")
		require.NoError(t, err)
		require.Equal(t, []string{"irma", "digid"}, opts.AuthMethods)
		require.Equal(t, body, string(opts.Raw))
	}
	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, 1, cache.sets)
}

func TestSessionOptions_CacheFailuresDegrade(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"auth_methods":[]}`)
	}))
	defer srv.Close()

	cache := newMemCache()
	cache.getErr = errors.New("redis down")
	cache.setErr = errors.New("redis down")
	c := newClient(t, srv, WithOptionsCache(cache, time.Minute))

	for i := 0; i < 2; i++ {
		opts, err := c.SessionOptions(context.Background(), "p")
		require.NoError(t, err)
		require.Empty(t, opts.AuthMethods)
	}
	require.EqualValues(t, 2, calls.Load())
}

func TestSessionOptions_IgnoresCorruptCacheEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"auth_methods":["irma"]}`)
	}))
	defer srv.Close()

	cache := newMemCache()
	cache.data["p"] = []byte(`{"auth_methods":"irma"}`)
	c := newClient(t, srv, WithOptionsCache(cache, time.Minute))

	opts, err := c.SessionOptions(context.Background(), "p")
	require.NoError(t, err)
	require.Equal(t, []string{"irma"}, opts.AuthMethods)
	require.Equal(t, `{"auth_methods":["irma"]}`, string(cache.data["p"]))
}

func TestSessionOptions_ZeroTTLDisablesCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, `{"auth_methods":["irma"]}`)
	}))
	defer srv.Close()

	cache := newMemCache()
	c := newClient(t, srv, WithOptionsCache(cache, 0))
	for i := 0; i < 2; i++ {
		_, err := c.SessionOptions(context.Background(), "p")
		require.NoError(t, err)
	}
	require.EqualValues(t, 2, calls.Load())
	require.Zero(t, cache.sets)
}

func TestSessionOptions_RejectsUnexpectedShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"auth_methods":["irma", 3]}`)
	}))
	defer srv.Close()

	cache := newMemCache()
	_, err := newClient(t, srv, WithOptionsCache(cache, time.Minute)).SessionOptions(context.Background(), "p")
	require.ErrorIs(t, err, errs.ErrUpstream)
	require.Zero(t, cache.sets)
}

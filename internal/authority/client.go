// Package authority talks to the identity authority: it starts verification
// sessions and fetches the authentication methods offered for a purpose.
// Every response is validated against a strict schema before it is relayed.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/verder-helpen/comm-livecom/internal/errs"
	"github.com/verder-helpen/comm-livecom/internal/metrics"
	"github.com/verder-helpen/comm-livecom/internal/model"
)

const (
	opStart   = "start"
	opOptions = "session_options"

	maxBody = 1 << 20
)

// Client is an HTTP client for the authority's core endpoints.
type Client struct {
	base    string
	http    *http.Client
	log     *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	cache    OptionsCache
	cacheTTL time.Duration

	clientURL *jsonschema.Schema
	options   *jsonschema.Schema
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client (which only carries the timeout).
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithLogger sets the logger used for degraded cache paths.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// WithMetrics enables latency and failure accounting.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

// WithOptionsCache caches session options for ttl. A zero ttl disables caching.
func WithOptionsCache(cache OptionsCache, ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.cache, c.cacheTTL = cache, ttl
		}
	}
}

// New builds a client for the authority at coreURL.
func New(coreURL string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(coreURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid core url %q", coreURL)
	}
	c := &Client{
		base:   strings.TrimRight(coreURL, "/"),
		http:   &http.Client{Timeout: timeout},
		log:    zap.NewNop(),
		tracer: otel.Tracer("github.com/verder-helpen/comm-livecom/internal/authority"),
	}
	for _, o := range opts {
		o(c)
	}
	if c.clientURL, err = compile(clientURLSchemaURL, clientURLSchema); err != nil {
		return nil, err
	}
	if c.options, err = compile(optionsSchemaURL, optionsSchema); err != nil {
		return nil, err
	}
	return c, nil
}

// Start asks the authority to begin a verification session.
func (c *Client) Start(ctx context.Context, req model.StartRequest) (model.ClientURLResponse, error) {
	ctx, span := c.tracer.Start(ctx, "authority.Start",
		trace.WithAttributes(attribute.String("auth_method", req.AuthMethod)))
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		return model.ClientURLResponse{}, err
	}
	raw, err := c.do(ctx, opStart, http.MethodPost, c.base+"/start", body)
	if err != nil {
		fail(span, err)
		return model.ClientURLResponse{}, err
	}
	var doc struct {
		ClientURL string `json:"client_url"`
	}
	if err := decodeStrict(c.clientURL, raw, &doc); err != nil {
		c.metrics.IncAuthorityFailure(opStart)
		err = fmt.Errorf("%w: start response: %v", errs.ErrUpstream, err)
		fail(span, err)
		return model.ClientURLResponse{}, err
	}
	return model.ClientURLResponse{ClientURL: doc.ClientURL, Raw: raw}, nil
}

// SessionOptions returns the auth methods offered for purpose, from cache when possible.
func (c *Client) SessionOptions(ctx context.Context, purpose string) (model.SessionOptions, error) {
	ctx, span := c.tracer.Start(ctx, "authority.SessionOptions",
		trace.WithAttributes(attribute.String("purpose", purpose)))
	defer span.End()

	if c.cache != nil {
		raw, err := c.cache.Get(ctx, purpose)
		switch {
		case err == nil:
			if opts, perr := c.parseOptions(raw); perr == nil {
				span.SetAttributes(attribute.Bool("cache_hit", true))
				return opts, nil
			}
			c.log.Warn("discarding unparsable cached session options", zap.String("purpose", purpose))
		case !errors.Is(err, ErrCacheMiss):
			c.log.Warn("options cache read failed", zap.Error(err))
		}
	}

	raw, err := c.do(ctx, opOptions, http.MethodGet, c.base+"/session_options/"+url.PathEscape(purpose), nil)
	if err != nil {
		fail(span, err)
		return model.SessionOptions{}, err
	}
	opts, err := c.parseOptions(raw)
	if err != nil {
		c.metrics.IncAuthorityFailure(opOptions)
		err = fmt.Errorf("%w: session options response: %v", errs.ErrUpstream, err)
		fail(span, err)
		return model.SessionOptions{}, err
	}
	if c.cache != nil {
		if err := c.cache.Set(ctx, purpose, raw, c.cacheTTL); err != nil {
			c.log.Warn("options cache write failed", zap.Error(err))
		}
	}
	return opts, nil
}

func (c *Client) parseOptions(raw []byte) (model.SessionOptions, error) {
	var doc struct {
		AuthMethods []string `json:"auth_methods"`
	}
	if err := decodeStrict(c.options, raw, &doc); err != nil {
		return model.SessionOptions{}, err
	}
	return model.SessionOptions{AuthMethods: doc.AuthMethods, Raw: raw}, nil
}

// do performs one round trip and returns the body of a 2xx answer.
// Transport failures and other statuses map to errs.ErrUpstream.
func (c *Client) do(ctx context.Context, op, method, target string, body []byte) ([]byte, error) {
	start := time.Now()
	defer func() { c.metrics.ObserveAuthority(op, time.Since(start)) }()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.IncAuthorityFailure(op)
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrUpstream, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		c.metrics.IncAuthorityFailure(op)
		return nil, fmt.Errorf("%w: %s: read body: %v", errs.ErrUpstream, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.IncAuthorityFailure(op)
		return nil, fmt.Errorf("%w: %s: status %d", errs.ErrUpstream, op, resp.StatusCode)
	}
	return raw, nil
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

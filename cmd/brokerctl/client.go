package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// brokerClient calls the broker's public HTTP endpoints.
type brokerClient struct {
	base string
	http *http.Client
}

func newBrokerClient(base string) *brokerClient {
	return &brokerClient{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 15 * time.Second}}
}

// statusError carries the broker's error kind.
type statusError struct {
	Code int
	Kind string
}

func (e *statusError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("broker answered %d", e.Code)
	}
	return fmt.Sprintf("broker answered %d (%s)", e.Code, e.Kind)
}

func (c *brokerClient) Start(ctx context.Context, method, guestToken string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/start/"+url.PathEscape(method)+"/"+url.PathEscape(guestToken), nil)
}

func (c *brokerClient) Submit(ctx context.Context, attrID string, blob []byte) error {
	_, err := c.do(ctx, http.MethodPost, "/auth_result/"+url.PathEscape(attrID), bytes.TrimSpace(blob))
	return err
}

func (c *brokerClient) SessionInfo(ctx context.Context, hostToken string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/session_info/"+url.PathEscape(hostToken), nil)
}

func (c *brokerClient) SessionOptions(ctx context.Context, guestToken string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/session_options/"+url.PathEscape(guestToken), nil)
}

func (c *brokerClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		se := &statusError{Code: resp.StatusCode}
		var eb struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &eb) == nil {
			se.Kind = eb.Error
		}
		return nil, se
	}
	return raw, nil
}

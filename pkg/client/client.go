// Package client provides the HTTP client for the file-hosting server with
// retry, online tracking and session or token auth.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/EPiC-Inc/vaporous/internal/logging"
	"github.com/EPiC-Inc/vaporous/internal/metrics"
	"github.com/EPiC-Inc/vaporous/pkg/protocol"
	"github.com/EPiC-Inc/vaporous/pkg/retry"
)

var (
	// ErrUnauthorized is returned when the server rejects the session or
	// token. It is never retried.
	ErrUnauthorized = errors.New("not logged in or session expired")

	// ErrOffline is returned when the server could not be reached.
	ErrOffline = errors.New("server is offline")

	// ErrInvalidCredentials is returned by Login when no session is issued.
	ErrInvalidCredentials = errors.New("username or password is incorrect")
)

// StatusError is returned for unexpected HTTP responses.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

// Unwrap maps 401 to ErrUnauthorized.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// Client talks to one server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	noRedirect  *http.Client
	retryConfig retry.Config

	mu       sync.RWMutex
	online   bool
	lastPing time.Time
	session  string
	token    string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	Session     string // session_id cookie value
	Token       string // bearer token, used when Session is empty
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		noRedirect: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		retryConfig: cfg.RetryConfig,
		online:      true,
		session:     cfg.Session,
		token:       cfg.Token,
	}
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetSession sets the session cookie sent with requests.
func (c *Client) SetSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = id
}

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// applyAuth adds the session cookie, or failing that the bearer token.
func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case c.session != "":
		req.AddCookie(&http.Cookie{Name: protocol.SessionCookie, Value: c.session})
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// IsOnline returns true if the server was reachable on the last request.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("server is back online", zap.String("server", c.baseURL))
		} else {
			logging.Warn("server is offline", zap.String("server", c.baseURL))
		}
	}
	c.online = online
	c.lastPing = time.Now()
}

// newRequest builds an authenticated request tagged with a fresh request
// ID, and returns a context whose logger carries that ID.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	id := uuid.NewString()
	ctx = logging.WithRequestID(ctx, id)
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Request-ID", id)
	req.Header.Set("User-Agent", "vaporous")
	c.applyAuth(req)
	return req, nil
}

// do sends req and records metrics and online state. Transport failures
// are marked retryable.
func (c *Client) do(hc *http.Client, req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		metrics.RecordHTTPRequest(req.Method, req.URL.Path, 0, time.Since(start))
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		c.setOnline(false)
		logging.WithContext(req.Context()).Debug("request failed",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Error(err))
		return nil, retry.Retryable(err)
	}
	metrics.RecordHTTPRequest(req.Method, req.URL.Path, resp.StatusCode, time.Since(start))
	c.setOnline(resp.StatusCode < 500)
	logging.WithContext(req.Context()).Debug("request completed",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))
	return resp, nil
}

// statusError builds the error for a non-success response. 5xx responses
// are retryable.
func statusError(resp *http.Response) error {
	se := &StatusError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er protocol.ErrorResponse
	if json.Unmarshal(data, &er) == nil && er.Message() != "" {
		se.Detail = er.Message()
	} else if len(data) > 0 && !strings.HasPrefix(strings.TrimSpace(string(data)), "<") {
		se.Detail = strings.TrimSpace(string(data))
	}
	if resp.StatusCode >= 500 {
		return retry.Retryable(se)
	}
	return se
}

// offline converts an exhausted transport failure into ErrOffline.
func offline(err error) error {
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if retry.IsRetryable(err) {
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}
	return err
}

// Ping checks whether the server is reachable. Redirects (to the login
// page) count as reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, protocol.PathRoot, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(c.noRedirect, req)
	if err != nil {
		return offline(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Package client is the request pipeline every API call goes through.
//
// For each call the pipeline attaches the live access token, a fresh
// X-Request-ID and the UI language, retries transient failures, turns
// envelope errors into typed errors with a deduplicated user notice, and
// on 401 tries one silent token refresh before handing the session to the
// recovery coordinator.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"stockdesk/internal/middleware"
	"stockdesk/internal/pkg/clock"
	"stockdesk/internal/pkg/logger"
	"stockdesk/internal/pkg/notice"
	"stockdesk/internal/pkg/response"
)

const (
	DefaultTimeout = 60 * time.Second

	refreshPath = "/auth/refresh"
)

type Options struct {
	BaseURL          string
	Timeout          time.Duration
	// Retry is the default policy for every request; nil means
	// DefaultRetryPolicy. A zero Count disables retries.
	Retry            *RetryPolicy
	RecoveryCooldown time.Duration

	Notifier *notice.Notifier
	Clock    clock.Clock
	// Transport is the innermost round tripper; nil means http.DefaultTransport.
	Transport http.RoundTripper
	// Language returns the UI language sent as Accept-Language.
	Language func() string
	Logger   *slog.Logger
}

type Client struct {
	baseURL  string
	http     *http.Client
	timeout  time.Duration
	retry    RetryPolicy
	notifier *notice.Notifier
	recovery *Coordinator
	language func() string
	log      *slog.Logger

	mu        sync.RWMutex
	session   Session
	navigator Navigator

	// onRetry observes scheduled retries; tests use it to check delays.
	onRetry func(attempt int, delay time.Duration)
}

func New(opts Options) *Client {
	log := logger.OrDiscard(opts.Logger)
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	policy := DefaultRetryPolicy()
	if opts.Retry != nil {
		policy = opts.Retry.normalize()
	}
	if opts.Language == nil {
		opts.Language = func() string { return "" }
	}
	if opts.Notifier == nil {
		opts.Notifier = notice.New(notice.LogSink{Log: log}, notice.DefaultCooldown, opts.Clock)
	}

	c := &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		timeout:  opts.Timeout,
		retry:    policy,
		notifier: opts.Notifier,
		recovery: NewCoordinator(NewAuthLock(opts.Clock, opts.RecoveryCooldown), opts.Notifier, log),
		language: opts.Language,
		log:      log,
	}
	c.http = &http.Client{
		Transport: middleware.Chain(opts.Transport,
			middleware.RequestID(),
			middleware.Language(opts.Language),
			middleware.NoCache(),
			middleware.BearerAuth(c.accessToken),
			middleware.Logging(log),
		),
	}
	return c
}

// SetSession connects the pipeline to the auth state.
func (c *Client) SetSession(s Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Client) SetNavigator(n Navigator) {
	c.mu.Lock()
	c.navigator = n
	c.mu.Unlock()
}

func (c *Client) Coordinator() *Coordinator { return c.recovery }

func (c *Client) Notifier() *notice.Notifier { return c.notifier }

// RecoverSession runs the 401 recovery (clear, redirect, notice) unless one
// already ran within the cooldown.
func (c *Client) RecoverSession(message string) bool {
	if message == "" {
		message = c.message(msgSessionExpired)
	}
	return c.recovery.Recover(c.currentSession(), c.currentNavigator(), message)
}

func (c *Client) currentSession() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Client) currentNavigator() Navigator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.navigator
}

func (c *Client) accessToken() string {
	if s := c.currentSession(); s != nil {
		return s.AccessToken()
	}
	return ""
}

func (c *Client) message(id messageID) string {
	return message(c.language(), id)
}

func (c *Client) Get(ctx context.Context, path string, query url.Values, opts ...RequestOption) (*response.Envelope, error) {
	req := NewRequest(http.MethodGet, path, opts...)
	if query != nil {
		req.Query = query
	}
	return c.Do(ctx, req)
}

func (c *Client) Post(ctx context.Context, path string, body any, opts ...RequestOption) (*response.Envelope, error) {
	req := NewRequest(http.MethodPost, path, opts...)
	req.Body = body
	return c.Do(ctx, req)
}

func (c *Client) Put(ctx context.Context, path string, body any, opts ...RequestOption) (*response.Envelope, error) {
	req := NewRequest(http.MethodPut, path, opts...)
	req.Body = body
	return c.Do(ctx, req)
}

// Do sends req through the pipeline. A successful retry or refresh replay
// returns its result as if the first attempt had succeeded.
func (c *Client) Do(ctx context.Context, req *Request) (*response.Envelope, error) {
	return c.do(ctx, req, false)
}

type result struct {
	status int
	env    *response.Envelope
}

func (r *result) httpError() *HTTPError {
	return &HTTPError{
		Status:    r.status,
		Code:      r.env.Code,
		Message:   r.env.ErrorMessage(),
		RequestID: r.env.RequestID,
	}
}

func (c *Client) do(ctx context.Context, req *Request, replayed bool) (*response.Envelope, error) {
	var res *result
	err := runWithRetry(ctx, c.policyFor(req), c.retryNotifier(req), func(ctx context.Context) error {
		r, err := c.attempt(ctx, req)
		if err != nil {
			return err
		}
		res = r
		if retryableStatus(r.status) {
			return r.httpError()
		}
		return nil
	})
	if err != nil {
		var netErr *NetworkError
		if errors.As(err, &netErr) {
			if netErr.Timeout {
				c.notify(req, c.message(msgTimeout))
			} else {
				c.notify(req, c.message(msgNetwork))
			}
			return nil, err
		}
		var httpErr *HTTPError
		if !errors.As(err, &httpErr) || res == nil {
			return nil, err
		}
	}

	if res.status >= 200 && res.status < 300 {
		return c.handleEnvelope(ctx, req, res, replayed)
	}
	return c.handleStatus(ctx, req, res, replayed)
}

func (c *Client) policyFor(req *Request) RetryPolicy {
	p := c.retry
	if req.RetryCount >= 0 {
		p.Count = req.RetryCount
	}
	if req.RetryDelay > 0 {
		p.BaseDelay = req.RetryDelay
	}
	return p
}

func (c *Client) retryNotifier(req *Request) func(int, time.Duration) {
	return func(attempt int, delay time.Duration) {
		c.log.Info("retrying request",
			"method", req.Method,
			"path", req.Path,
			"attempt", attempt,
			"delay", delay,
		)
		if c.onRetry != nil {
			c.onRetry(attempt, delay)
		}
	}
}

func (c *Client) attempt(ctx context.Context, req *Request) (*result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if req.SkipAuth {
		actx = middleware.WithoutAuth(actx)
	}

	httpReq, err := c.buildRequest(actx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, actx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, actx, err)
	}
	return &result{status: resp.StatusCode, env: response.Parse(body)}, nil
}

func (c *Client) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	u := c.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

// classify turns a transport failure into a NetworkError, or returns the
// caller's context error when the caller gave up.
func classify(parent, attemptCtx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &NetworkError{Timeout: true, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &NetworkError{Timeout: true, Err: err}
	}
	return &NetworkError{Err: err}
}

func (c *Client) handleEnvelope(ctx context.Context, req *Request, res *result, replayed bool) (*response.Envelope, error) {
	env := res.env
	if env.Success {
		return env, nil
	}

	bizErr := &BusinessError{Code: env.Code, Message: env.ErrorMessage(), RequestID: env.RequestID}
	if IsAuthCode(env.Code) {
		if req.SkipAuthError {
			return nil, bizErr
		}
		if replay, ok, err := c.refreshAndReplay(ctx, req, replayed); ok {
			return replay, err
		}
		msg := env.Message
		if msg == "" {
			msg = c.message(msgSessionExpired)
		}
		c.RecoverSession(msg)
		return nil, bizErr
	}

	c.notify(req, businessMessage(c.language(), env.Code, env.ErrorMessage()))
	return nil, bizErr
}

func (c *Client) handleStatus(ctx context.Context, req *Request, res *result, replayed bool) (*response.Envelope, error) {
	httpErr := res.httpError()

	if res.status == http.StatusUnauthorized {
		if req.SkipAuthError {
			return nil, httpErr
		}
		if replay, ok, err := c.refreshAndReplay(ctx, req, replayed); ok {
			return replay, err
		}
		c.RecoverSession(c.message(msgSessionExpired))
		return nil, httpErr
	}

	c.notify(req, statusMessage(c.language(), res.status, res.env.ErrorMessage()))
	return nil, httpErr
}

// refreshAndReplay refreshes the session once and sends req again. ok is
// false when no refresh was possible or it failed; the caller then runs
// recovery.
func (c *Client) refreshAndReplay(ctx context.Context, req *Request, replayed bool) (*response.Envelope, bool, error) {
	if replayed || req.SkipAuth || strings.Contains(req.Path, refreshPath) {
		return nil, false, nil
	}
	s := c.currentSession()
	if s == nil || s.RefreshToken() == "" {
		return nil, false, nil
	}

	c.log.Info("got 401, refreshing token", "path", req.Path)
	ok, err := s.Refresh(ctx)
	if err != nil || !ok {
		c.log.Warn("token refresh failed", "path", req.Path, logger.Error(err))
		return nil, false, nil
	}

	c.log.Info("token refreshed, replaying request", "path", req.Path)
	env, err := c.do(ctx, req, true)
	return env, true, err
}

func (c *Client) notify(req *Request, msg string) {
	if req.SkipErrorHandler || msg == "" {
		return
	}
	c.notifier.Show(msg)
}

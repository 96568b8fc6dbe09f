// Package api is the HTTP client the terminal uses to reach the CARNAGE server.
package api

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
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/carnage/backend/pkg/apperr"
	"github.com/zhouzirui/carnage/backend/pkg/utils"
)

const (
	// DefaultTimeout bounds every call unless overridden.
	DefaultTimeout = 15 * time.Second
	// DefaultThrottle is the minimum spacing between calls to one endpoint.
	DefaultThrottle = time.Second

	maxBodyBytes = 1 << 20
)

// Client talks to the /api surface. All methods are safe for concurrent use.
type Client struct {
	base     string
	http     *http.Client
	timeout  time.Duration
	throttle time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-call deadline. Zero keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithThrottle sets the per-endpoint spacing. Zero disables throttling.
func WithThrottle(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.throttle = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a client for baseURL, which points at the /api root
// (for example http://localhost:8080/api).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:     strings.TrimRight(baseURL, "/"),
		http:     &http.Client{},
		timeout:  DefaultTimeout,
		throttle: DefaultThrottle,
		logger:   zap.NewNop(),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("api-client")
	return c
}

// BaseURL returns the /api root the client was built with.
func (c *Client) BaseURL() string { return c.base }

// limiter returns the throttle for one logical endpoint.
func (c *Client) limiter(endpoint string) *rate.Limiter {
	if c.throttle <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[endpoint]
	if !ok {
		l = rate.NewLimiter(rate.Every(c.throttle), 1)
		c.limiters[endpoint] = l
	}
	return l
}

// do sends one request. Repeated calls to endpoint within the throttle window
// are delayed, never dropped. out may be nil.
func (c *Client) do(ctx context.Context, endpoint, method, path string, in, out any) error {
	if l := c.limiter(endpoint); l != nil {
		if err := l.Wait(ctx); err != nil {
			return apperr.FromContext(fmt.Errorf("throttled %s: %w", endpoint, err))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", endpoint, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("building %s request: %w", endpoint, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperr.FromContext(fmt.Errorf("%s: %w", endpoint, ctx.Err()))
		}
		return apperr.Upstream(0, err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return apperr.FromContext(fmt.Errorf("%s: %w", endpoint, ctx.Err()))
		}
		return apperr.Upstream(0, err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := decodeError(resp.StatusCode, raw)
		c.logger.Debug("request failed",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.Error(err))
		return err
	}
	if out == nil {
		return nil
	}
	if s, ok := out.(*string); ok {
		*s = string(raw)
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Upstream(resp.StatusCode, fmt.Sprintf("malformed %s response: %v", endpoint, err))
	}
	return nil
}

// decodeError maps a non-2xx answer onto the error taxonomy.
func decodeError(status int, raw []byte) error {
	var body utils.ErrorBody
	_ = json.Unmarshal(raw, &body)

	message := body.Message
	if message == "" {
		message = strings.TrimSpace(string(raw))
		if len(message) > 200 {
			message = message[:200]
		}
	}
	if message == "" {
		message = http.StatusText(status)
	}

	switch status {
	case http.StatusNotFound:
		return apperr.FromKind(apperr.KindNotFound, message)
	case http.StatusBadRequest:
		if body.Error == apperr.KindNotInSession {
			return apperr.FromKind(apperr.KindNotInSession, message)
		}
		return apperr.FromKind(apperr.KindValidation, message)
	case http.StatusConflict:
		return apperr.FromKind(apperr.KindAlreadyConnecting, message)
	case http.StatusGatewayTimeout:
		return apperr.FromKind(apperr.KindTimeout, message)
	}
	if body.Error == apperr.KindMisconfigured {
		return apperr.FromKind(apperr.KindMisconfigured, message)
	}
	return apperr.Upstream(status, message)
}

// IsServerUnavailable reports whether err means the session backend could not
// give an authoritative answer: 5xx, timeout or transport failure.
func IsServerUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, apperr.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var upstream *apperr.UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Status == 0 || upstream.Status >= 500
	}
	return errors.Is(err, apperr.ErrMisconfigured)
}

func query(pairs ...string) string {
	v := url.Values{}
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] != "" {
			v.Set(pairs[i], pairs[i+1])
		}
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

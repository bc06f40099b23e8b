package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"ticketsync/internal/integration"
	"ticketsync/internal/ratelimit"
	"ticketsync/pkg/circuitbreaker"
	"ticketsync/pkg/metrics"
	"ticketsync/pkg/otel"
)

const maxBodyBytes = 10 << 20

// Config 单个供应商连接的参数，零值使用默认
type Config struct {
	Vendor            string
	BaseURL           string
	MaxRetries        int
	RetryBase         time.Duration
	// JitterRatio 退避时间在 [1-r, 1+r] 倍之间浮动，0 取默认值，负数关闭
	JitterRatio       float64
	DefaultRetryAfter time.Duration
	Timeout           time.Duration
	PageCap           int
	Breaker           circuitbreaker.Config
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	switch {
	case c.JitterRatio == 0:
		c.JitterRatio = 0.2
	case c.JitterRatio < 0:
		c.JitterRatio = 0
	case c.JitterRatio > 1:
		c.JitterRatio = 1
	}
	if c.DefaultRetryAfter <= 0 {
		c.DefaultRetryAfter = 60 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.PageCap <= 0 {
		c.PageCap = DefaultPageCap
	}
	return c
}

// Authenticator 给每个请求加上凭证
type Authenticator func(req *http.Request)

// BasicAuth email/token:api_token 形式的基本认证
func BasicAuth(user, password string) Authenticator {
	return func(req *http.Request) { req.SetBasicAuth(user, password) }
}

func BearerToken(token string) Authenticator {
	return func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+token) }
}

type Request struct {
	Method string
	// Path 相对 BaseURL，也可以是完整 URL（供应商返回的 next_page）
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client 包装一个供应商连接：限流、重试退避、熔断和分页保护
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *ratelimit.SlidingWindow
	breaker *circuitbreaker.CircuitBreaker
	auth    Authenticator
	sleep   func(ctx context.Context, d time.Duration) error
	sample  func() float64
	logger  *zap.Logger

	mu      sync.RWMutex
	authErr *integration.AuthenticationError
}

func New(cfg Config, limiter *ratelimit.SlidingWindow, auth Authenticator, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	log := logger.With(zap.String("vendor", cfg.Vendor))

	breakerCfg := cfg.Breaker
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		log.Warn("Vendor circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		breaker: circuitbreaker.NewCircuitBreaker(cfg.Vendor, breakerCfg),
		auth:    auth,
		sleep:   sleepContext,
		sample:  rand.Float64,
		logger:  log,
	}
}

// WithHTTPClient 替换底层 http.Client
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// WithJitterSample 替换 [0,1) 随机数来源，测试用
func (c *Client) WithJitterSample(fn func() float64) *Client {
	c.sample = fn
	return c
}

// WithSleep 替换等待函数，测试用
func (c *Client) WithSleep(fn func(ctx context.Context, d time.Duration) error) *Client {
	c.sleep = fn
	return c
}

func (c *Client) Vendor() string { return c.cfg.Vendor }

// Reset 重新配置后清除认证失败标记和熔断状态
func (c *Client) Reset() {
	c.mu.Lock()
	c.authErr = nil
	c.mu.Unlock()
	c.breaker.Reset()
}

func (c *Client) authFailure() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authErr != nil {
		return c.authErr
	}
	return nil
}

var errServerStatus = errors.New("server error status")

// Do 执行请求。429 按 Retry-After 重试，网络错误和 5xx 指数退避，401/403 立即失败并锁定客户端
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if err := c.authFailure(); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		if err := c.waitForSlot(ctx); err != nil {
			return nil, err
		}

		resp, err := c.attempt(ctx, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
				return nil, &integration.TransientError{Vendor: c.cfg.Vendor, Attempts: attempt + 1, Err: err}
			}
			if attempt >= c.cfg.MaxRetries {
				return nil, &integration.TransientError{Vendor: c.cfg.Vendor, Attempts: attempt + 1, Err: err}
			}
			if err := c.backoff(ctx, attempt, "network"); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			delay := c.retryAfter(resp.Header)
			if attempt >= c.cfg.MaxRetries {
				return nil, &integration.RateLimitError{Vendor: c.cfg.Vendor, RetryAfter: delay}
			}
			metrics.IncrementVendorRetry(c.cfg.Vendor, "rate_limited")
			c.logger.Warn("Vendor rate limited, waiting",
				zap.Duration("retry_after", delay),
				zap.Int("attempt", attempt+1),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			authErr := &integration.AuthenticationError{
				Vendor: c.cfg.Vendor,
				Status: resp.StatusCode,
				Err:    errors.New(snippet(resp.Body)),
			}
			c.mu.Lock()
			c.authErr = authErr
			c.mu.Unlock()
			c.logger.Error("Vendor rejected credentials, client disabled until reset", zap.Int("status", resp.StatusCode))
			return nil, authErr

		case resp.StatusCode >= 500:
			if attempt >= c.cfg.MaxRetries {
				return nil, &integration.TransientError{
					Vendor:   c.cfg.Vendor,
					Status:   resp.StatusCode,
					Attempts: attempt + 1,
					Err:      errors.New(snippet(resp.Body)),
				}
			}
			if err := c.backoff(ctx, attempt, "server_error"); err != nil {
				return nil, err
			}

		case resp.StatusCode >= 400:
			return nil, &integration.PermanentError{Vendor: c.cfg.Vendor, Status: resp.StatusCode, Body: snippet(resp.Body)}

		default:
			return resp, nil
		}
	}
}

// GetJSON 执行请求并解码 JSON 响应
func (c *Client) GetJSON(ctx context.Context, req Request, out any) error {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", c.cfg.Vendor, err)
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, req Request) (*Response, error) {
	ctx, span := otel.StartSpan(ctx, "vendor.request",
		attribute.String("vendor", c.cfg.Vendor),
		attribute.String("http.method", req.Method),
	)

	start := time.Now()
	var resp *Response
	err := c.breaker.ExecuteClassified(func() error {
		r, err := c.send(ctx, req)
		resp = r
		if err != nil {
			return err
		}
		if r.StatusCode >= 500 {
			return errServerStatus
		}
		return nil
	}, func(err error) bool {
		return !errors.Is(err, context.Canceled)
	})

	status := "error"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode)
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	}
	metrics.RecordVendorCall(c.cfg.Vendor, status, time.Since(start))

	if errors.Is(err, errServerStatus) {
		err = nil
	}
	otel.EndSpan(span, err)
	return resp, err
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	target, err := c.resolve(req)
	if err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		c.auth(httpReq)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}, nil
}

func (c *Client) resolve(req Request) (string, error) {
	raw := req.Path
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(raw, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid request url %q: %w", raw, err)
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// waitForSlot 限流器拒绝时等待，直到拿到配额或 ctx 取消
func (c *Client) waitForSlot(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	for !c.limiter.Allow() {
		wait := c.limiter.WaitTime()
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		metrics.RecordLimiterWait(c.cfg.Vendor, wait)
		c.logger.Debug("Limiter denied call, waiting", zap.Duration("wait", wait))
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) backoff(ctx context.Context, attempt int, reason string) error {
	delay := jittered(c.cfg.RetryBase<<attempt, c.cfg.JitterRatio, c.sample())
	metrics.IncrementVendorRetry(c.cfg.Vendor, reason)
	c.logger.Warn("Vendor call failed, backing off",
		zap.String("reason", reason),
		zap.Int("attempt", attempt+1),
		zap.Duration("delay", delay),
	)
	return c.sleep(ctx, delay)
}

// jittered sample=0.5 时正好是 base
func jittered(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 || ratio <= 0 {
		return base
	}
	sample = min(max(sample, 0), 1)
	factor := 1 + (sample*2-1)*ratio
	return time.Duration(float64(base) * factor)
}

// retryAfter 优先使用供应商的 Retry-After（秒或 HTTP 日期），其次限流器，最后默认值
func (c *Client) retryAfter(h http.Header) time.Duration {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
			return 0
		}
	}
	if c.limiter != nil {
		if wait := c.limiter.WaitTime(); wait > 0 {
			return wait
		}
	}
	return c.cfg.DefaultRetryAfter
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func snippet(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit]
	}
	return s
}

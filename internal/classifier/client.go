package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"ticketsync/internal/model"
	"ticketsync/pkg/circuitbreaker"
	"ticketsync/pkg/metrics"
	"ticketsync/pkg/trace"
)

// Client 外部 ML 服务，只在新建工单时调用，失败不影响同步
type Client interface {
	Classify(ctx context.Context, text string) (*model.Classification, error)
	Sentiment(ctx context.Context, text string) (*model.Sentiment, error)
}

// Noop 未配置分类服务时使用
type Noop struct{}

func (Noop) Classify(context.Context, string) (*model.Classification, error) { return nil, nil }
func (Noop) Sentiment(context.Context, string) (*model.Sentiment, error)      { return nil, nil }

const metricsVendor = "classifier"

// HTTPClient POST /classify 和 /sentiment，外面包一层熔断器
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
}

func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cbConfig := circuitbreaker.Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 2,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("Classifier circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		cb:         circuitbreaker.NewCircuitBreaker(metricsVendor, cbConfig),
		logger:     logger,
	}
}

// WithHTTPClient 测试用
func (c *HTTPClient) WithHTTPClient(hc *http.Client) *HTTPClient {
	c.httpClient = hc
	return c
}

type textInput struct {
	Text string `json:"text"`
}

func (c *HTTPClient) Classify(ctx context.Context, text string) (*model.Classification, error) {
	var out model.Classification
	if err := c.post(ctx, "/classify", text, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Sentiment(ctx context.Context, text string) (*model.Sentiment, error) {
	var out model.Sentiment
	if err := c.post(ctx, "/sentiment", text, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) post(ctx context.Context, path, text string, out any) error {
	return c.cb.Execute(func() error {
		start := time.Now()
		b, err := json.Marshal(textInput{Text: text})
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		// 传播 trace_id
		if traceID := trace.FromContext(ctx); traceID != "" {
			req.Header.Set(trace.HeaderName, traceID)
		}

		resp, err := c.httpClient.Do(req)
		latency := time.Since(start)
		if err != nil {
			metrics.RecordVendorCall(metricsVendor, "error", latency)
			return err
		}
		defer resp.Body.Close()

		metrics.RecordVendorCall(metricsVendor, fmt.Sprintf("%d", resp.StatusCode), latency)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("classifier %s returned %d", path, resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode classifier %s response: %w", path, err)
		}
		return nil
	})
}

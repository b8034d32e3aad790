package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vietddude/annotator/internal/annotating/metrics"
)

// StatusError is a non-200 answer from the classification service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// HTTPClient implements Classifier over JSON/HTTP.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
	retry      RetryConfig
}

// NewHTTPClient creates a new HTTP classifier client.
func NewHTTPClient(cfg Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		endpoint: strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: cfg.Retry.withDefaults(),
	}
}

type classifyRequest struct {
	Texts []string `json:"texts"`
}

type predictionPayload struct {
	Probabilities []float64 `json:"probabilities,omitempty"`
	Logits        []float64 `json:"logits,omitempty"`
}

type classifyResponse struct {
	Predictions []predictionPayload `json:"predictions"`
}

type labelsResponse struct {
	ID2Label map[string]string `json:"id2label"`
}

// Classify implements Classifier.
func (c *HTTPClient) Classify(ctx context.Context, texts []string) ([]Prediction, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(classifyRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	return callWithRetry(ctx, c.retry, func(ctx context.Context) ([]Prediction, error) {
		start := time.Now()
		data, err := c.do(ctx, http.MethodPost, "/classify", body)
		metrics.ClassifierLatency.WithLabelValues("http").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ClassifierErrors.WithLabelValues("http").Inc()
			return nil, err
		}

		var resp classifyResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, permanent(fmt.Errorf("decode response: %w", err))
		}
		preds, err := decodePredictions(resp.Predictions, len(texts))
		return preds, permanent(err)
	})
}

// Classes implements Classifier.
func (c *HTTPClient) Classes(ctx context.Context) (map[int]string, error) {
	return callWithRetry(ctx, c.retry, func(ctx context.Context) (map[int]string, error) {
		data, err := c.do(ctx, http.MethodGet, "/labels", nil)
		if err != nil {
			return nil, err
		}
		var resp labelsResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, permanent(fmt.Errorf("decode labels: %w", err))
		}
		classes, err := parseID2Label(resp.ID2Label)
		return classes, permanent(err)
	})
}

// Close implements Classifier.
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return nil, permanent(fmt.Errorf("create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier call: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		serr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		if serr.Retryable() {
			return nil, serr
		}
		return nil, permanent(serr)
	}
	return data, nil
}

func decodePredictions(payload []predictionPayload, want int) ([]Prediction, error) {
	if len(payload) != want {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrResultCount, len(payload), want)
	}
	preds := make([]Prediction, len(payload))
	for i, p := range payload {
		probs := p.Probabilities
		if len(probs) == 0 && len(p.Logits) > 0 {
			probs = Softmax(p.Logits)
		}
		if len(probs) == 0 {
			return nil, fmt.Errorf("prediction %d: %w", i, ErrEmptyDistribution)
		}
		preds[i] = Prediction{Probabilities: probs}
	}
	return preds, nil
}

func parseID2Label(raw map[string]string) (map[int]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("classifier reported no classes")
	}
	classes := make(map[int]string, len(raw))
	for k, v := range raw {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid class index %q: %w", k, err)
		}
		classes[idx] = v
	}
	return classes, nil
}

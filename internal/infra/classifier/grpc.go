package classifier

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vietddude/annotator/internal/annotating/metrics"
)

// Full method names served by the classification service. Requests and
// responses are google.protobuf.Struct messages with the same shape as the
// JSON bodies of the HTTP transport.
const (
	classifyMethod = "/annotator.v1.Classifier/Classify"
	labelsMethod   = "/annotator.v1.Classifier/Labels"
)

// GRPCClient implements Classifier over gRPC.
type GRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	retry   RetryConfig
}

// NewGRPCClient creates a new gRPC classifier client.
func NewGRPCClient(ctx context.Context, cfg Config) (*GRPCClient, error) {
	target := cfg.URL
	var opts []grpc.DialOption

	if strings.HasPrefix(target, "https://") || strings.HasSuffix(target, ":443") {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
		target = strings.TrimPrefix(target, "https://")
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		target = strings.TrimPrefix(target, "http://")
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}
	return NewGRPCClientFromConn(conn, cfg), nil
}

// NewGRPCClientFromConn wraps an existing connection.
func NewGRPCClientFromConn(conn *grpc.ClientConn, cfg Config) *GRPCClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &GRPCClient{
		conn:    conn,
		timeout: timeout,
		retry:   cfg.Retry.withDefaults(),
	}
}

// Classify implements Classifier.
func (c *GRPCClient) Classify(ctx context.Context, texts []string) ([]Prediction, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	list := make([]any, len(texts))
	for i, t := range texts {
		list[i] = t
	}
	req, err := structpb.NewStruct(map[string]any{"texts": list})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	return callWithRetry(ctx, c.retry, func(ctx context.Context) ([]Prediction, error) {
		start := time.Now()
		resp, err := c.invoke(ctx, classifyMethod, req)
		metrics.ClassifierLatency.WithLabelValues("grpc").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ClassifierErrors.WithLabelValues("grpc").Inc()
			return nil, err
		}

		var decoded classifyResponse
		if err := decodeStruct(resp, &decoded); err != nil {
			return nil, permanent(err)
		}
		preds, err := decodePredictions(decoded.Predictions, len(texts))
		return preds, permanent(err)
	})
}

// Classes implements Classifier.
func (c *GRPCClient) Classes(ctx context.Context) (map[int]string, error) {
	return callWithRetry(ctx, c.retry, func(ctx context.Context) (map[int]string, error) {
		resp, err := c.invoke(ctx, labelsMethod, &structpb.Struct{})
		if err != nil {
			return nil, err
		}
		var decoded labelsResponse
		if err := decodeStruct(resp, &decoded); err != nil {
			return nil, permanent(err)
		}
		classes, err := parseID2Label(decoded.ID2Label)
		return classes, permanent(err)
	})
}

// Close implements Classifier.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCClient) invoke(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(callCtx, method, req, resp); err != nil {
		if retryableCode(status.Code(err)) {
			return nil, fmt.Errorf("classifier call: %w", err)
		}
		return nil, permanent(fmt.Errorf("classifier call: %w", err))
	}
	return resp, nil
}

func retryableCode(code codes.Code) bool {
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}

// decodeStruct reuses the JSON payload types for Struct messages.
func decodeStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Package classifier talks to the external text classification service. The
// service maps a batch of texts to one probability distribution per text and
// exposes the names of its classes.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrResultCount is returned when the service answers with a different
	// number of predictions than texts submitted.
	ErrResultCount = errors.New("prediction count does not match input count")

	// ErrEmptyDistribution is returned for a prediction without scores.
	ErrEmptyDistribution = errors.New("empty probability distribution")
)

// Placeholder replaces blank comments so the service never sees empty input.
const Placeholder = " "

// Prediction is the service output for one text.
type Prediction struct {
	Probabilities []float64
}

// Argmax returns the most likely class index and its probability.
func (p Prediction) Argmax() (int, float64) {
	if len(p.Probabilities) == 0 {
		return 0, 0
	}
	best := 0
	for i, v := range p.Probabilities {
		if v > p.Probabilities[best] {
			best = i
		}
	}
	return best, p.Probabilities[best]
}

// Classifier is the classification capability used by the worker.
type Classifier interface {
	// Classify returns one prediction per text, in input order.
	Classify(ctx context.Context, texts []string) ([]Prediction, error)

	// Classes returns the class index to class name table.
	Classes(ctx context.Context) (map[int]string, error)

	// Close releases the connection.
	Close() error
}

// Config selects and configures the classifier transport.
type Config struct {
	Transport     string         `yaml:"transport"` // http, grpc
	URL           string         `yaml:"url"`
	Timeout       time.Duration  `yaml:"timeout"`
	MaxInputChars int            `yaml:"max_input_chars"` // 0 = no truncation
	Labels        map[int]string `yaml:"labels"`          // overrides the service's class names
	Retry         RetryConfig    `yaml:"retry"`
}

// New creates the classifier for cfg.Transport.
func New(ctx context.Context, cfg Config) (Classifier, error) {
	var (
		c   Classifier
		err error
	)
	switch strings.ToLower(cfg.Transport) {
	case "", "http":
		c = NewHTTPClient(cfg)
	case "grpc":
		c, err = NewGRPCClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown classifier transport %q", cfg.Transport)
	}
	if err != nil {
		return nil, err
	}
	if len(cfg.Labels) > 0 {
		c = WithClasses(c, cfg.Labels)
	}
	return c, nil
}

// PrepareTexts trims comments, replaces blank ones with Placeholder and cuts
// them to maxChars runes when maxChars > 0.
func PrepareTexts(comments []string, maxChars int) []string {
	out := make([]string, len(comments))
	for i, c := range comments {
		t := strings.TrimSpace(c)
		if t == "" {
			out[i] = Placeholder
			continue
		}
		if maxChars > 0 && utf8.RuneCountInString(t) > maxChars {
			t = string([]rune(t)[:maxChars])
		}
		out[i] = t
	}
	return out
}

// Softmax converts logits into a probability distribution.
func Softmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		maxLogit = math.Max(maxLogit, v)
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

type classesOverride struct {
	Classifier
	classes map[int]string
}

// WithClasses wraps c so that Classes returns the given table.
func WithClasses(c Classifier, classes map[int]string) Classifier {
	return &classesOverride{Classifier: c, classes: classes}
}

func (o *classesOverride) Classes(ctx context.Context) (map[int]string, error) {
	return o.classes, nil
}

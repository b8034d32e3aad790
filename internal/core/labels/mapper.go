// Package labels maps free-text class names reported by a classifier onto the
// five ordinal sentiment labels.
package labels

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vietddude/annotator/internal/core/domain"
)

// Rule matches a normalized class name that contains Contains and, when set,
// does not contain Without.
type Rule struct {
	Contains string       `yaml:"contains"`
	Without  string       `yaml:"without"`
	Label    domain.Label `yaml:"label"`
}

func (r Rule) match(name string) bool {
	if !strings.Contains(name, r.Contains) {
		return false
	}
	return r.Without == "" || !strings.Contains(name, r.Without)
}

// DefaultRules checks "very" variants before the plain ones so that
// "very negative" never resolves to neg.
var DefaultRules = []Rule{
	{Contains: "very negative", Label: domain.LabelVeryNegative},
	{Contains: "negative", Without: "very", Label: domain.LabelNegative},
	{Contains: "neutral", Label: domain.LabelNeutral},
	{Contains: "very positive", Label: domain.LabelVeryPositive},
	{Contains: "positive", Without: "very", Label: domain.LabelPositive},
}

// DefaultClasses is used when neither the classifier nor the config supply
// class names.
var DefaultClasses = map[int]string{
	0: "Very Negative",
	1: "Negative",
	2: "Neutral",
	3: "Positive",
	4: "Very Positive",
}

// Mapper evaluates rules in order; the first match wins.
type Mapper struct {
	rules    []Rule
	fallback domain.Label
}

// NewMapper validates and normalizes the rule list. Empty rules select
// DefaultRules; an empty fallback selects neu.
func NewMapper(rules []Rule, fallback domain.Label) (*Mapper, error) {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	if fallback == "" {
		fallback = domain.LabelNeutral
	}
	if !fallback.Valid() {
		return nil, fmt.Errorf("invalid fallback label %q", fallback)
	}

	normalized := make([]Rule, 0, len(rules))
	for i, r := range rules {
		r.Contains = normalize(r.Contains)
		r.Without = normalize(r.Without)
		if r.Contains == "" {
			return nil, fmt.Errorf("rule %d: contains must not be empty", i)
		}
		if !r.Label.Valid() {
			return nil, fmt.Errorf("rule %d: invalid label %q", i, r.Label)
		}
		normalized = append(normalized, r)
	}

	return &Mapper{rules: normalized, fallback: fallback}, nil
}

// Default returns a mapper over DefaultRules.
func Default() *Mapper {
	m, _ := NewMapper(nil, "")
	return m
}

// Map resolves a class name.
func (m *Mapper) Map(name string) domain.Label {
	n := normalize(name)
	for _, r := range m.rules {
		if r.match(n) {
			return r.Label
		}
	}
	return m.fallback
}

// MapIndex resolves a class index through the classes table. Unknown indexes
// are mapped by their decimal form, which normally hits the fallback.
func (m *Mapper) MapIndex(idx int, classes map[int]string) domain.Label {
	name, ok := classes[idx]
	if !ok {
		name = strconv.Itoa(idx)
	}
	return m.Map(name)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

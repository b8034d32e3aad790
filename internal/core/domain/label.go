package domain

import "fmt"

// Label is one of the five ordinal sentiment classes.
type Label string

const (
	LabelVeryNegative Label = "vneg"
	LabelNegative     Label = "neg"
	LabelNeutral      Label = "neu"
	LabelPositive     Label = "pos"
	LabelVeryPositive Label = "vpos"
)

// Labels lists all labels in ordinal order (vneg < neg < neu < pos < vpos).
var Labels = []Label{
	LabelVeryNegative,
	LabelNegative,
	LabelNeutral,
	LabelPositive,
	LabelVeryPositive,
}

// Rank returns the ordinal position of the label, or -1 if unknown.
func (l Label) Rank() int {
	for i, v := range Labels {
		if v == l {
			return i
		}
	}
	return -1
}

// Valid reports whether l is one of the five known labels.
func (l Label) Valid() bool {
	return l.Rank() >= 0
}

// ParseLabel validates a label code.
func ParseLabel(s string) (Label, error) {
	l := Label(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown sentiment label %q", s)
	}
	return l, nil
}

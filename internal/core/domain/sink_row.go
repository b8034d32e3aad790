package domain

import "time"

// SinkRow is one annotated record as written to the relational sink.
type SinkRow struct {
	ID             string    `db:"id"`
	UserID         string    `db:"user_id"`
	Comment        string    `db:"comment"`
	SentimentLabel Label     `db:"sentiment_label"`
	SentimentScore float64   `db:"sentiment_score"`
	RawJSON        *string   `db:"raw_json"`
	IngestTS       time.Time `db:"ingest_ts"` // assigned by the sink
}

// NewSinkRow builds the sink row for a classified record. The raw document is
// attached only when includeRaw is set.
func NewSinkRow(r *Record, label Label, score float64, includeRaw bool) *SinkRow {
	row := &SinkRow{
		ID:             r.ID,
		UserID:         r.UserID,
		Comment:        r.Comment,
		SentimentLabel: label,
		SentimentScore: score,
	}
	if includeRaw && len(r.Raw) > 0 {
		raw := string(r.Raw)
		row.RawJSON = &raw
	}
	return row
}

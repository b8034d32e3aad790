package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/annotator/internal/core/domain"
	"github.com/vietddude/annotator/internal/infra/storage"
)

// DefaultSinkTable is created by the bundled migrations.
const DefaultSinkTable = "dw_messages"

// sinkColumns are written on every insert; all but id are replaced on upsert.
var sinkColumns = []string{"id", "user_id", "comment", "sentiment_label", "sentiment_score", "raw_json"}

// SinkRepo writes annotated rows one at a time.
type SinkRepo struct {
	db     *sqlx.DB
	table  string
	query  string
	upsert bool
}

// NewSinkRepo creates a sink over table. With upsert set, a duplicate id
// replaces the existing row; ingest_ts keeps its server default.
func NewSinkRepo(db *sqlx.DB, table string, upsert bool) *SinkRepo {
	if table == "" {
		table = DefaultSinkTable
	}
	return &SinkRepo{
		db:     db,
		table:  table,
		query:  BuildInsertQuery(table, upsert),
		upsert: upsert,
	}
}

// BuildInsertQuery returns the named insert statement for the sink table.
func BuildInsertQuery(table string, upsert bool) string {
	named := make([]string, len(sinkColumns))
	for i, c := range sinkColumns {
		named[i] = ":" + c
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)",
		pq.QuoteIdentifier(table),
		strings.Join(sinkColumns, ", "),
		strings.Join(named, ", "),
	)

	if upsert {
		sets := make([]string, 0, len(sinkColumns)-1)
		for _, c := range sinkColumns[1:] {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
		b.WriteString(" ON CONFLICT (id) DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}
	return b.String()
}

// Write implements storage.Sink.
func (r *SinkRepo) Write(ctx context.Context, row *domain.SinkRow) error {
	if _, err := r.db.NamedExecContext(ctx, r.query, row); err != nil {
		return classifySinkError(row.ID, err)
	}
	return nil
}

// LabelCount is one row of the per-label summary.
type LabelCount struct {
	Label domain.Label `db:"sentiment_label"`
	Count int64        `db:"n"`
}

// CountByLabel summarizes the sink for the status command.
func (r *SinkRepo) CountByLabel(ctx context.Context) ([]LabelCount, error) {
	query := fmt.Sprintf(
		"SELECT sentiment_label, count(*) AS n FROM %s GROUP BY sentiment_label ORDER BY sentiment_label",
		pq.QuoteIdentifier(r.table),
	)
	var out []LabelCount
	if err := r.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("failed to count sink rows: %w", err)
	}
	return out, nil
}

func classifySinkError(id string, err error) *storage.SinkError {
	kind := storage.SinkErrorUnknown

	var pqErr *pq.Error
	var netErr net.Error
	switch {
	case errors.As(err, &pqErr):
		switch {
		case pqErr.Code == "23505":
			kind = storage.SinkErrorDuplicate
		case pqErr.Code.Class() == "23":
			kind = storage.SinkErrorConstraint
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			kind = storage.SinkErrorConnectivity
		}
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &netErr):
		kind = storage.SinkErrorConnectivity
	}

	return &storage.SinkError{Kind: kind, ID: id, Err: err}
}

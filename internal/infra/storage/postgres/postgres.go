package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vietddude/annotator/internal/core/domain"
	"github.com/vietddude/annotator/internal/infra/storage"
)

// RecordStore is a DocumentStore over the records table. Claims rely on
// FOR UPDATE SKIP LOCKED, so concurrent workers never pick the same row.
type RecordStore struct {
	pool *pgxpool.Pool
}

// NewRecordStore opens a pgx pool for the record store.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	poolCfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &RecordStore{pool: pool}, nil
}

const claimQuery = `
	UPDATE records
	SET proc_status = 'locked', proc_ts = NOW(), proc_worker = $1, proc_error = NULL
	WHERE id = (
		SELECT id FROM records
		WHERE proc_status IS NULL
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING id, COALESCE(user_id, ''), COALESCE(comment, ''), raw, proc_ts
`

func (s *RecordStore) ClaimOne(ctx context.Context, workerID string) (*domain.Record, error) {
	var (
		rec   domain.Record
		raw   []byte
		since time.Time
	)
	err := s.pool.QueryRow(ctx, claimQuery, workerID).Scan(&rec.ID, &rec.UserID, &rec.Comment, &raw, &since)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim failed: %w", err)
	}
	rec.Raw = raw
	rec.Proc = domain.Locked{Since: since, WorkerID: workerID}
	return &rec, nil
}

func (s *RecordStore) MarkDone(ctx context.Context, rec *domain.Record, label domain.Label, score float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET proc_status = 'done', proc_ts = NOW(), pred_label = $3, pred_score = $4
		WHERE id = $1 AND proc_status = 'locked' AND proc_worker = $2`,
		rec.ID, rec.LockedBy(), string(label), score)
	if err != nil {
		return fmt.Errorf("mark done failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", storage.ErrRecordNotFound, rec.ID)
	}
	return nil
}

func (s *RecordStore) MarkError(ctx context.Context, rec *domain.Record, msg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET proc_status = 'error', proc_ts = NOW(), proc_error = $3
		WHERE id = $1 AND proc_status = 'locked' AND proc_worker = $2`,
		rec.ID, rec.LockedBy(), msg)
	if err != nil {
		return fmt.Errorf("mark error failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", storage.ErrRecordNotFound, rec.ID)
	}
	return nil
}

func (s *RecordStore) Counts(ctx context.Context) (domain.StatusCounts, error) {
	var c domain.StatusCounts
	rows, err := s.pool.Query(ctx, `SELECT COALESCE(proc_status, ''), count(*) FROM records GROUP BY 1`)
	if err != nil {
		return c, fmt.Errorf("count failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		switch domain.ProcStatus(status) {
		case domain.ProcStatusUnclaimed:
			c.Unclaimed = n
		case domain.ProcStatusLocked:
			c.Locked = n
		case domain.ProcStatusDone:
			c.Done = n
		case domain.ProcStatusError:
			c.Error = n
		}
	}
	return c, rows.Err()
}

func (s *RecordStore) Requeue(ctx context.Context, status domain.ProcStatus, olderThan time.Duration) (int64, error) {
	if status == domain.ProcStatusUnclaimed {
		return 0, errors.New("unclaimed records cannot be requeued")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE records
		SET proc_status = NULL, proc_ts = NULL, proc_worker = NULL, proc_error = NULL,
		    pred_label = NULL, pred_score = NULL
		WHERE proc_status = $1
		  AND ($2::double precision = 0 OR proc_ts < NOW() - make_interval(secs => $2::double precision))`,
		string(status), olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("requeue failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Insert adds a record to the store; used by seeding and tests.
func (s *RecordStore) Insert(ctx context.Context, rec *domain.Record) error {
	var raw any
	if len(rec.Raw) > 0 {
		raw = string(rec.Raw)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO records (id, user_id, comment, raw) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.UserID, rec.Comment, raw)
	return err
}

func (s *RecordStore) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

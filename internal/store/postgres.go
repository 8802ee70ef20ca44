package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"plugin-runner/internal/models"
)

var _ Records = (*Postgres)(nil)

// Postgres wraps pgxpool for record persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a pending record in a single statement.
func (s *Postgres) Create(ctx context.Context, jobKind string, parameters []byte) (models.Record, error) {
	rec := models.Record{
		ID:         uuid.New().String(),
		JobKind:    jobKind,
		Parameters: parameters,
		Status:     models.StatusPending,
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_records (id, job_kind, parameters, status, result_refs, created_at)
		VALUES ($1, $2, $3, $4, '[]'::jsonb, $5)
	`, rec.ID, rec.JobKind, rec.Parameters, string(rec.Status), rec.CreatedAt)
	if err != nil {
		return models.Record{}, fmt.Errorf("insert job record: %w: %v", models.ErrStorage, err)
	}
	return rec, nil
}

// Load fetches a record and its log entries.
func (s *Postgres) Load(ctx context.Context, id string) (models.Record, error) {
	return loadRecord(ctx, s.pool, id, false)
}

// Update locks the row, applies mutate, validates and writes the result in
// one transaction. New log entries are inserted in the same transaction.
func (s *Postgres) Update(ctx context.Context, id string, mutate Mutation) (models.Record, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Record{}, fmt.Errorf("begin tx: %w: %v", models.ErrStorage, err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	prev, err := loadRecord(ctx, tx, id, true)
	if err != nil {
		return models.Record{}, err
	}
	next := prev.Clone()
	if err := mutate(&next); err != nil {
		return models.Record{}, err
	}
	if err := models.CheckUpdate(prev, next); err != nil {
		return models.Record{}, fmt.Errorf("update %s: %w", id, err)
	}

	refsJSON, err := json.Marshal(next.ResultRefs)
	if err != nil {
		return models.Record{}, fmt.Errorf("marshal result refs: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE job_records
		SET status = $2, started_at = $3, finished_at = $4, result_refs = $5
		WHERE id = $1
	`, id, string(next.Status), next.StartedAt, next.FinishedAt, refsJSON); err != nil {
		return models.Record{}, fmt.Errorf("update job record: %w: %v", models.ErrStorage, err)
	}
	for _, entry := range next.Log[len(prev.Log):] {
		if _, err := tx.Exec(ctx, `
			INSERT INTO job_log_entries (job_id, at, text) VALUES ($1, $2, $3)
		`, id, entry.At, entry.Text); err != nil {
			return models.Record{}, fmt.Errorf("insert log entry: %w: %v", models.ErrStorage, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Record{}, fmt.Errorf("commit: %w: %v", models.ErrStorage, err)
	}
	return next, nil
}

// AppendLog inserts a log row. It does not lock the record.
func (s *Postgres) AppendLog(ctx context.Context, id string, text string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("append log %s: %w", id, models.ErrNotFound)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO job_log_entries (job_id, at, text)
		SELECT id, NOW(), $2 FROM job_records WHERE id = $1
	`, id, text)
	if err != nil {
		return fmt.Errorf("insert log entry: %w: %v", models.ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("append log %s: %w", id, models.ErrNotFound)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadRecord(ctx context.Context, q querier, id string, forUpdate bool) (models.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Record{}, fmt.Errorf("load %s: %w", id, models.ErrNotFound)
	}

	query := `
		SELECT id, job_kind, parameters, status, result_refs, created_at, started_at, finished_at
		FROM job_records WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var rec models.Record
	var status string
	var refsJSON []byte
	err := q.QueryRow(ctx, query, id).Scan(&rec.ID, &rec.JobKind, &rec.Parameters, &status, &refsJSON, &rec.CreatedAt, &rec.StartedAt, &rec.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Record{}, fmt.Errorf("load %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Record{}, fmt.Errorf("scan job record: %w: %v", models.ErrStorage, err)
	}
	rec.Status = models.Status(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if len(refsJSON) > 0 {
		if err := json.Unmarshal(refsJSON, &rec.ResultRefs); err != nil {
			return models.Record{}, fmt.Errorf("unmarshal result refs: %w", err)
		}
	}

	rows, err := q.Query(ctx, `
		SELECT at, text FROM job_log_entries WHERE job_id = $1 ORDER BY seq
	`, id)
	if err != nil {
		return models.Record{}, fmt.Errorf("query log entries: %w: %v", models.ErrStorage, err)
	}
	defer rows.Close()
	for rows.Next() {
		var entry models.LogEntry
		if err := rows.Scan(&entry.At, &entry.Text); err != nil {
			return models.Record{}, fmt.Errorf("scan log entry: %w: %v", models.ErrStorage, err)
		}
		entry.At = entry.At.UTC()
		rec.Log = append(rec.Log, entry)
	}
	if err := rows.Err(); err != nil {
		return models.Record{}, fmt.Errorf("read log entries: %w: %v", models.ErrStorage, err)
	}
	return rec, nil
}

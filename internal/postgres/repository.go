package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/umeshrajanna/deepship-llm-worker/internal/domain"
)

// SearchJobRepository abstracts all database access for search jobs.
type SearchJobRepository interface {
	Create(ctx context.Context, job *domain.SearchJob) error
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus) error
	SetResult(ctx context.Context, id string, result string) error
	SetError(ctx context.Context, id string, message string) error
	GetByID(ctx context.Context, id string) (*domain.SearchJob, error)
	ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]*domain.SearchJob, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the SearchJobRepository interface.
func NewRepository(pool *pgxpool.Pool) SearchJobRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (r *repository) Create(ctx context.Context, job *domain.SearchJob) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO search_jobs
			(id, query, status, envelope_id, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6)
	`,
		job.ID, job.Query, string(job.Status), job.EnvelopeID,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

func (r *repository) UpdateStatus(ctx context.Context, id string, status domain.JobStatus) error {
	now := time.Now().UTC()
	var completedAt *time.Time
	if status.IsTerminal() {
		t := now
		completedAt = &t
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE search_jobs
		SET status = $1, updated_at = $2, completed_at = COALESCE($3, completed_at)
		WHERE id = $4
	`, string(status), now, completedAt, id)
	if err != nil {
		return fmt.Errorf("update status for job %s: %w", id, err)
	}
	return nil
}

func (r *repository) SetResult(ctx context.Context, id string, result string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE search_jobs
		SET result = $1, updated_at = $2
		WHERE id = $3
	`, result, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set result for job %s: %w", id, err)
	}
	return nil
}

func (r *repository) SetError(ctx context.Context, id string, message string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE search_jobs
		SET error = $1, updated_at = $2
		WHERE id = $3
	`, message, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set error for job %s: %w", id, err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*domain.SearchJob, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, query, status, result, error, envelope_id,
		       created_at, updated_at, completed_at
		FROM search_jobs
		WHERE id = $1
	`, id)
	return scanJob(row)
}

func (r *repository) ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]*domain.SearchJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, query, status, result, error, envelope_id,
		       created_at, updated_at, completed_at
		FROM search_jobs
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status %s: %w", status, err)
	}
	defer rows.Close()

	var jobs []*domain.SearchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// scanJob reads a job row from any pgx row type.
func scanJob(row interface {
	Scan(...any) error
}) (*domain.SearchJob, error) {
	var job domain.SearchJob
	var statusStr string
	var result, errMsg, envelopeID *string
	err := row.Scan(
		&job.ID, &job.Query, &statusStr, &result, &errMsg, &envelopeID,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.JobNotFoundError{JobID: "unknown"}
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Status = domain.JobStatus(statusStr)
	if result != nil {
		job.Result = *result
	}
	if errMsg != nil {
		job.Error = *errMsg
	}
	if envelopeID != nil {
		job.EnvelopeID = *envelopeID
	}
	return &job, nil
}

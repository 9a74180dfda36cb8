// Package repo provides the Postgres-backed GenerationRecord store for
// deployments that set DATABASE_URL. The in-memory store in
// internal/jobs remains the default.
package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// GenerationRepositoryPG implements jobs.RecordStore on PostgreSQL.
type GenerationRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewGenerationRepository creates a record store backed by PostgreSQL.
func NewGenerationRepository(pool *pgxpool.Pool) *GenerationRepositoryPG {
	return &GenerationRepositoryPG{pool: pool}
}

const generationColumns = `id, status, type, provider, model_name, provider_job_id, prompt,
duration_sec, video_url, image_url, thumbnail_url, error_code, error_message, created_at, updated_at`

// Create inserts a new generation record.
func (r *GenerationRepositoryPG) Create(ctx context.Context, rec *domain.GenerationRecord) error {
	query := `
INSERT INTO generations (id, status, type, provider, model_name, provider_job_id, prompt,
duration_sec, video_url, image_url, thumbnail_url, error_code, error_message, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
`
	_, err := r.pool.Exec(ctx, query,
		rec.ID,
		rec.Status,
		rec.Type,
		rec.Provider,
		rec.ModelName,
		rec.ProviderJobID,
		rec.Prompt,
		rec.DurationSec,
		rec.VideoURL,
		rec.ImageURL,
		rec.ThumbnailURL,
		rec.ErrorCode,
		rec.ErrorMessage,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}

// Update rewrites the mutable columns of one record.
func (r *GenerationRepositoryPG) Update(ctx context.Context, rec *domain.GenerationRecord) error {
	query := `
UPDATE generations
SET status = $2,
    duration_sec = $3,
    video_url = $4,
    image_url = $5,
    thumbnail_url = $6,
    error_code = $7,
    error_message = $8,
    updated_at = NOW()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query,
		rec.ID,
		rec.Status,
		rec.DurationSec,
		rec.VideoURL,
		rec.ImageURL,
		rec.ThumbnailURL,
		rec.ErrorCode,
		rec.ErrorMessage,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Get fetches a record by its identifier.
func (r *GenerationRepositoryPG) Get(ctx context.Context, id string) (*domain.GenerationRecord, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE id = $1;`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// GetByProviderJobID fetches a record by the provider-assigned job id.
func (r *GenerationRepositoryPG) GetByProviderJobID(ctx context.Context, providerJobID string) (*domain.GenerationRecord, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE provider_job_id = $1;`
	return r.scanOne(r.pool.QueryRow(ctx, query, providerJobID))
}

// List returns all records, newest first.
func (r *GenerationRepositoryPG) List(ctx context.Context) ([]*domain.GenerationRecord, error) {
	query := `SELECT ` + generationColumns + ` FROM generations ORDER BY created_at DESC;`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.GenerationRecord
	for rows.Next() {
		rec, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes a record. Deleting a missing record is not an error.
func (r *GenerationRepositoryPG) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM generations WHERE id = $1;`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *GenerationRepositoryPG) scanOne(row rowScanner) (*domain.GenerationRecord, error) {
	var rec domain.GenerationRecord
	if err := row.Scan(
		&rec.ID,
		&rec.Status,
		&rec.Type,
		&rec.Provider,
		&rec.ModelName,
		&rec.ProviderJobID,
		&rec.Prompt,
		&rec.DurationSec,
		&rec.VideoURL,
		&rec.ImageURL,
		&rec.ThumbnailURL,
		&rec.ErrorCode,
		&rec.ErrorMessage,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// PostgresDraftRepository stores drafts in the local_drafts table. Used by
// lab deployments where several kiosks share one database.
type PostgresDraftRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresDraftRepository creates a new PostgresDraftRepository.
func NewPostgresDraftRepository(pool *pgxpool.Pool) *PostgresDraftRepository {
	return &PostgresDraftRepository{pool: pool}
}

// Get retrieves the draft of an olympiad.
func (r *PostgresDraftRepository) Get(ctx context.Context, olympiadID string) (*model.Draft, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx,
		`SELECT record FROM local_drafts WHERE olympiad_id = $1`, olympiadID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDraftNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select draft: %w", err)
	}

	var d model.Draft
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode draft: %w", err)
	}
	return &d, nil
}

// Put UPSERTs the draft record.
func (r *PostgresDraftRepository) Put(ctx context.Context, d *model.Draft) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO local_drafts (olympiad_id, record, updated_at)
		 VALUES ($1, $2::jsonb, $3)
		 ON CONFLICT (olympiad_id) DO UPDATE
		 SET record = EXCLUDED.record, updated_at = EXCLUDED.updated_at`,
		d.OlympiadID, raw, d.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("upsert draft: %w", err)
	}
	return nil
}

// Delete removes the draft of an olympiad.
func (r *PostgresDraftRepository) Delete(ctx context.Context, olympiadID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM local_drafts WHERE olympiad_id = $1`, olympiadID)
	return err
}

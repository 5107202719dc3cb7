package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type WatermarkRepository struct {
	db *sql.DB
}

func NewWatermarkRepository(db *sql.DB) *WatermarkRepository {
	return &WatermarkRepository{db: db}
}

func (r *WatermarkRepository) Get(ctx context.Context, chain string) (uint64, bool, error) {
	var position int64
	err := r.db.QueryRowContext(ctx,
		`SELECT position FROM scan_watermarks WHERE chain = $1`, chain).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(position), true, nil
}

func (r *WatermarkRepository) Advance(ctx context.Context, chain string, position uint64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scan_watermarks (chain, position, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (chain) DO UPDATE
		SET position = GREATEST(scan_watermarks.position, EXCLUDED.position), updated_at = NOW()
	`, chain, int64(position))
	if err != nil {
		return fmt.Errorf("advance watermark for %s to %d: %w", chain, position, err)
	}
	return nil
}

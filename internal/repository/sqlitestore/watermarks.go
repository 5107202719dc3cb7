package sqlitestore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WatermarkStore struct {
	db *gorm.DB
}

func NewWatermarkStore(db *gorm.DB) *WatermarkStore {
	return &WatermarkStore{db: db}
}

func (s *WatermarkStore) Get(ctx context.Context, chain string) (uint64, bool, error) {
	var row watermarkRow
	err := s.db.WithContext(ctx).Where("chain = ?", chain).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return row.Position, true, nil
}

func (s *WatermarkStore) Advance(ctx context.Context, chain string, position uint64) error {
	row := watermarkRow{Chain: chain, Position: position, UpdatedAt: toNanos(time.Now())}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "chain"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"position":   gorm.Expr("MAX(scan_watermarks.position, excluded.position)"),
			"updated_at": row.UpdatedAt,
		}),
	}).Create(&row).Error
}

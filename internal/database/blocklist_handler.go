package database

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpnshield/internal/domain"
)

const blocklistInsertBatchSize = 500

// ReplaceBlocklist makes entries the complete stored blocklist. Entries that
// were already known keep their first_seen_at; everything not in entries is
// removed. It returns how many stale rows were dropped. The replacement runs on
// the store writer like every other mutation.
func (s *Store) ReplaceBlocklist(ctx context.Context, entries []domain.BlocklistEntry) (int64, error) {
	now := s.clock.Now().UTC()

	var removed int64
	err := s.writer.submit(ctx, "blocklist", func(db *gorm.DB) error {
		// A failed batch is retried, so ids filled by an earlier attempt are reset.
		for i := range entries {
			entries[i].ID = 0
			entries[i].FirstSeenAt = now
			entries[i].LastSeenAt = now
		}
		return db.Transaction(func(tx *gorm.DB) error {
			if len(entries) > 0 {
				err := tx.Clauses(clause.OnConflict{
					Columns: []clause.Column{{Name: "cidr"}},
					DoUpdates: clause.Assignments(map[string]any{
						"source":       gorm.Expr("EXCLUDED.source"),
						"last_seen_at": gorm.Expr("EXCLUDED.last_seen_at"),
					}),
				}).CreateInBatches(&entries, blocklistInsertBatchSize).Error
				if err != nil {
					return fmt.Errorf("upsert blocklist: %w", err)
				}
			}

			result := tx.Where("last_seen_at < ?", now).Delete(&domain.BlocklistEntry{})
			if result.Error != nil {
				return fmt.Errorf("prune blocklist: %w", result.Error)
			}
			removed = result.RowsAffected
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// LoadBlocklist returns every stored entry ordered by network.
func (s *Store) LoadBlocklist(ctx context.Context) ([]domain.BlocklistEntry, error) {
	var entries []domain.BlocklistEntry
	if err := s.db.WithContext(ctx).Order("cidr ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("load blocklist: %w", err)
	}
	return entries, nil
}

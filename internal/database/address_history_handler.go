package database

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpnshield/internal/domain"
)

func upsertAddressHistory(tx *gorm.DB, entry *domain.AddressHistory) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "subject_id"}, {Name: "address"}},
		DoUpdates: clause.Assignments(map[string]any{
			"visit_count":  gorm.Expr("address_history.visit_count + 1"),
			"last_seen":    gorm.Expr("EXCLUDED.last_seen"),
			"is_vpn":       gorm.Expr("EXCLUDED.is_vpn"),
			"subject_name": gorm.Expr("EXCLUDED.subject_name"),
		}),
	}).Create(entry).Error
}

func findLikelyRealAddress(db *gorm.DB, subjectID string) (string, error) {
	var entry domain.AddressHistory
	err := db.Where("subject_id = ? AND is_vpn = ?", subjectID, false).
		Order("visit_count DESC").
		Order("last_seen DESC").
		Take(&entry).Error
	if err != nil {
		return "", err
	}
	return entry.Address, nil
}

func findAddressHistory(db *gorm.DB, subjectID string) ([]domain.AddressHistory, error) {
	var entries []domain.AddressHistory
	err := db.Where("subject_id = ?", subjectID).
		Order("last_seen DESC").
		Find(&entries).Error
	return entries, err
}

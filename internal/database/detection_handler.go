package database

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vpnshield/internal/domain"
)

var detectionUpdateColumns = []string{
	"subject_name",
	"is_vpn",
	"is_proxy",
	"is_hosting",
	"is_tor",
	"provider",
	"isp",
	"org",
	"asn",
	"country",
	"country_code",
	"city",
	"real_address",
	"risk_score",
	"api_provider",
	"action",
	"detected_at",
}

func upsertDetection(tx *gorm.DB, detection *domain.Detection) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "address"}, {Name: "subject_id"}},
		DoUpdates: clause.AssignmentColumns(detectionUpdateColumns),
	}).Create(detection).Error
}

func incrementProviderStat(tx *gorm.DB, name string, detectedAt time.Time) error {
	stat := domain.ProviderStat{
		ProviderName:   name,
		DetectionCount: 1,
		FirstDetected:  detectedAt,
		LastDetected:   detectedAt,
	}

	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "provider_name"}},
		DoUpdates: clause.Assignments(map[string]any{
			"detection_count": gorm.Expr("provider_stats.detection_count + 1"),
			"last_detected":   gorm.Expr("EXCLUDED.last_detected"),
		}),
	}).Create(&stat).Error
}

func hasDangerousDetection(db *gorm.DB, address string) (bool, error) {
	var count int64
	err := db.Model(&domain.Detection{}).
		Where("address = ?", address).
		Where("is_vpn = ? OR is_proxy = ? OR is_hosting = ? OR is_tor = ?", true, true, true, true).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func findRecentDetections(db *gorm.DB, limit int) ([]domain.Detection, error) {
	var detections []domain.Detection
	err := db.Order("detected_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&detections).Error
	return detections, err
}

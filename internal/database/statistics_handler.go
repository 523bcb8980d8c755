package database

import (
	"fmt"

	"gorm.io/gorm"

	"vpnshield/internal/domain"
)

func collectStats(db *gorm.DB) (domain.Stats, error) {
	var stats domain.Stats

	dangerous := "is_vpn = ? OR is_proxy = ? OR is_hosting = ? OR is_tor = ?"
	counts := []struct {
		target *int64
		where  string
		args   []any
	}{
		{&stats.TotalDetections, "", nil},
		{&stats.DangerousDetections, dangerous, []any{true, true, true, true}},
		{&stats.VPNDetections, "is_vpn = ?", []any{true}},
		{&stats.ProxyDetections, "is_proxy = ?", []any{true}},
		{&stats.HostingDetections, "is_hosting = ?", []any{true}},
		{&stats.TorDetections, "is_tor = ?", []any{true}},
	}

	for _, c := range counts {
		query := db.Model(&domain.Detection{})
		if c.where != "" {
			query = query.Where(c.where, c.args...)
		}
		if err := query.Count(c.target).Error; err != nil {
			return domain.Stats{}, fmt.Errorf("count detections: %w", err)
		}
	}

	if err := db.Model(&domain.Detection{}).Distinct("address").Count(&stats.UniqueAddresses).Error; err != nil {
		return domain.Stats{}, fmt.Errorf("count unique addresses: %w", err)
	}
	if err := db.Model(&domain.AddressHistory{}).Distinct("subject_id").Count(&stats.TrackedSubjects).Error; err != nil {
		return domain.Stats{}, fmt.Errorf("count tracked subjects: %w", err)
	}

	if err := db.Order("detection_count DESC").
		Order("last_detected DESC").
		Limit(topProvidersLimit).
		Find(&stats.TopProviders).Error; err != nil {
		return domain.Stats{}, fmt.Errorf("top providers: %w", err)
	}

	return stats, nil
}

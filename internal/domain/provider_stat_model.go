package domain

import "time"

// ProviderStat aggregates dangerous detections per reported service name
// (the VPN brand or hosting company, not the lookup API).
type ProviderStat struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	ProviderName   string    `gorm:"size:128;not null;uniqueIndex" json:"provider_name"`
	DetectionCount int64     `gorm:"not null;default:0" json:"detection_count"`
	FirstDetected  time.Time `gorm:"not null" json:"first_detected"`
	LastDetected   time.Time `gorm:"not null" json:"last_detected"`
}

func (ProviderStat) TableName() string {
	return "provider_stats"
}

// Stats is the aggregate reporting view over the store.
type Stats struct {
	TotalDetections     int64          `json:"total_detections"`
	DangerousDetections int64          `json:"dangerous_detections"`
	VPNDetections       int64          `json:"vpn_detections"`
	ProxyDetections     int64          `json:"proxy_detections"`
	HostingDetections   int64          `json:"hosting_detections"`
	TorDetections       int64          `json:"tor_detections"`
	UniqueAddresses     int64          `json:"unique_addresses"`
	TrackedSubjects     int64          `json:"tracked_subjects"`
	TopProviders        []ProviderStat `json:"top_providers"`
}

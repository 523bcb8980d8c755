package domain

import "time"

// AddressHistory counts how often a subject was seen on one address.
type AddressHistory struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SubjectID   string    `gorm:"size:64;not null;uniqueIndex:idx_address_history_subject_address,priority:1" json:"subject_id"`
	SubjectName string    `gorm:"size:64;not null;default:''" json:"subject_name"`
	Address     string    `gorm:"size:45;not null;uniqueIndex:idx_address_history_subject_address,priority:2" json:"address"`
	IsVPN       bool      `gorm:"not null;default:false" json:"is_vpn"`
	FirstSeen   time.Time `gorm:"not null" json:"first_seen"`
	LastSeen    time.Time `gorm:"not null;index" json:"last_seen"`
	VisitCount  int64     `gorm:"not null;default:1" json:"visit_count"`
}

func (AddressHistory) TableName() string {
	return "address_history"
}

package domain

import "time"

// BlocklistEntry is one address or network taken from a downloaded VPN or
// datacenter list. Single addresses are stored as a full-length prefix.
type BlocklistEntry struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement" json:"-"`
	CIDR   string `gorm:"column:cidr;size:49;uniqueIndex;not null" json:"cidr"`
	Source string `gorm:"size:512;not null;default:''" json:"source"`

	FirstSeenAt time.Time `gorm:"not null" json:"first_seen_at"`
	LastSeenAt  time.Time `gorm:"not null" json:"last_seen_at"`
}

func (BlocklistEntry) TableName() string {
	return "blocklist_entries"
}

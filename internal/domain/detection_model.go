package domain

import "time"

// Detection is the latest lookup outcome for one (address, subject) pair.
// SubjectID is empty for checks that were not tied to an authenticated subject.
type Detection struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	Address     string    `gorm:"size:45;not null;uniqueIndex:idx_detection_address_subject,priority:1" json:"address"`
	SubjectID   string    `gorm:"size:64;not null;default:'';uniqueIndex:idx_detection_address_subject,priority:2" json:"subject_id,omitempty"`
	SubjectName string    `gorm:"size:64;not null;default:''" json:"subject_name,omitempty"`
	IsVPN       bool      `gorm:"not null;default:false" json:"is_vpn"`
	IsProxy     bool      `gorm:"not null;default:false" json:"is_proxy"`
	IsHosting   bool      `gorm:"not null;default:false" json:"is_hosting"`
	IsTor       bool      `gorm:"not null;default:false" json:"is_tor"`
	Provider    string    `gorm:"size:128;not null;default:''" json:"provider,omitempty"`
	ISP         string    `gorm:"size:256;not null;default:''" json:"isp,omitempty"`
	Org         string    `gorm:"size:256;not null;default:''" json:"org,omitempty"`
	ASN         string    `gorm:"size:32;not null;default:''" json:"asn,omitempty"`
	Country     string    `gorm:"size:64;not null;default:''" json:"country,omitempty"`
	CountryCode string    `gorm:"size:2;not null;default:''" json:"country_code,omitempty"`
	City        string    `gorm:"size:128;not null;default:''" json:"city,omitempty"`
	RealAddress string    `gorm:"size:45;not null;default:''" json:"real_address,omitempty"`
	RiskScore   int       `gorm:"not null;default:0" json:"risk_score"`
	APIProvider string    `gorm:"size:32;not null;default:''" json:"api_provider"`
	Action      string    `gorm:"size:16;not null;default:''" json:"action"`
	DetectedAt  time.Time `gorm:"not null;index" json:"detected_at"`
}

func (Detection) TableName() string {
	return "detections"
}

// Dangerous mirrors Result.Dangerous for persisted rows.
func (d Detection) Dangerous() bool {
	return d.IsVPN || d.IsProxy || d.IsHosting || d.IsTor
}

// NewDetection flattens a Result into a row for the given subject.
func NewDetection(result Result, subject Subject, action string, detectedAt time.Time) Detection {
	return Detection{
		Address:     result.Address(),
		SubjectID:   subject.ID,
		SubjectName: subject.Name,
		IsVPN:       result.IsVPN(),
		IsProxy:     result.IsProxy(),
		IsHosting:   result.IsHosting(),
		IsTor:       result.IsTor(),
		Provider:    result.ServiceName(),
		ISP:         result.ISP(),
		Org:         result.Org(),
		ASN:         result.ASN(),
		Country:     result.Country(),
		CountryCode: result.CountryCode(),
		City:        result.City(),
		RealAddress: result.RealAddress(),
		RiskScore:   result.RiskScore(),
		APIProvider: result.Provider(),
		Action:      action,
		DetectedAt:  detectedAt,
	}
}

package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
	"gorm.io/gorm"

	"vpnshield/internal/domain"
)

const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 1000
	topProvidersLimit  = 10
)

// Store persists detections and per-subject address history. Writes funnel
// through one writer goroutine; reads use the connection pool directly.
type Store struct {
	db     *gorm.DB
	clock  clock.Clock
	writer *writer
}

type StoreOption func(*Store)

func WithClock(c clock.Clock) StoreOption {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewStore wraps db, falling back to the package connection when db is nil.
func NewStore(db *gorm.DB, opts ...StoreOption) (*Store, error) {
	if db == nil {
		db = DB
	}
	if db == nil {
		return nil, fmt.Errorf("database: store requires a connection")
	}

	s := &Store{db: db, clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	s.writer = newWriter(db)
	return s, nil
}

// Close flushes pending writes. Further writes return ErrStoreClosed.
func (s *Store) Close() {
	s.writer.close()
}

// LogDetection upserts the detection row for (address, subject) and, for a
// dangerous result naming a service, bumps that service's statistics.
func (s *Store) LogDetection(ctx context.Context, result domain.Result, subject domain.Subject, action string) error {
	now := s.clock.Now()
	detection := domain.NewDetection(result, subject, action, now)
	serviceName := strings.TrimSpace(result.ServiceName())
	countService := result.Dangerous() && serviceName != ""

	err := s.writer.submit(ctx, "detection", func(tx *gorm.DB) error {
		if err := upsertDetection(tx, &detection); err != nil {
			return err
		}
		if countService {
			return incrementProviderStat(tx, serviceName, now)
		}
		return nil
	})
	if err != nil {
		log.Error("Failed to log detection", "address", detection.Address, "subject", subject.ID, "error", err)
	}
	return err
}

// TrackAddress records that subject was seen on address.
func (s *Store) TrackAddress(ctx context.Context, subject domain.Subject, address string, isVPN bool) error {
	if subject.Anonymous() {
		return fmt.Errorf("database: track address: subject id is required")
	}

	now := s.clock.Now()
	entry := domain.AddressHistory{
		SubjectID:   subject.ID,
		SubjectName: subject.Name,
		Address:     address,
		IsVPN:       isVPN,
		FirstSeen:   now,
		LastSeen:    now,
		VisitCount:  1,
	}

	err := s.writer.submit(ctx, "address_history", func(tx *gorm.DB) error {
		return upsertAddressHistory(tx, &entry)
	})
	if err != nil {
		log.Error("Failed to track address", "address", address, "subject", subject.ID, "error", err)
	}
	return err
}

// GetLikelyRealAddress returns the non-VPN address the subject used most often.
func (s *Store) GetLikelyRealAddress(ctx context.Context, subjectID string) (string, bool) {
	address, err := findLikelyRealAddress(s.db.WithContext(ctx), subjectID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error("Failed to query likely real address", "subject", subjectID, "error", err)
		}
		return "", false
	}
	return address, true
}

// IsKnownDangerous reports whether any stored detection flagged address.
func (s *Store) IsKnownDangerous(ctx context.Context, address string) bool {
	dangerous, err := hasDangerousDetection(s.db.WithContext(ctx), address)
	if err != nil {
		log.Error("Failed to query detection history", "address", address, "error", err)
		return false
	}
	return dangerous
}

func (s *Store) GetStats(ctx context.Context) domain.Stats {
	stats, err := collectStats(s.db.WithContext(ctx))
	if err != nil {
		log.Error("Failed to collect detection statistics", "error", err)
		return domain.Stats{}
	}
	return stats
}

// GetRecentDetections returns up to limit detections, newest first.
func (s *Store) GetRecentDetections(ctx context.Context, limit int) []domain.Detection {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}

	detections, err := findRecentDetections(s.db.WithContext(ctx), limit)
	if err != nil {
		log.Error("Failed to query recent detections", "error", err)
		return nil
	}
	return detections
}

// GetAddressHistory lists every address recorded for subject, most recent first.
func (s *Store) GetAddressHistory(ctx context.Context, subjectID string) []domain.AddressHistory {
	entries, err := findAddressHistory(s.db.WithContext(ctx), subjectID)
	if err != nil {
		log.Error("Failed to query address history", "subject", subjectID, "error", err)
		return nil
	}
	return entries
}

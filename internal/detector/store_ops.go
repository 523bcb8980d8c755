package detector

import (
	"context"

	"github.com/charmbracelet/log"

	"vpnshield/internal/domain"
)

// runStore schedules op on the pool and resolves the future with its value,
// or with fallback when there is no store or the pool is saturated.
func runStore[T any](s *Service, name string, fallback T, op func(ctx context.Context, store Store) (T, error)) *Future[T] {
	if s.store == nil {
		return resolvedFuture(fallback, nil)
	}

	future := newFuture[T]()
	err := s.submit(func() {
		defer func() {
			if p := recover(); p != nil {
				log.Error("Store task panicked", "operation", name, "panic", p)
				future.resolve(fallback, nil)
			}
		}()
		value, err := op(context.Background(), s.store)
		future.resolve(value, err)
	})
	if err != nil {
		log.Warn("Store operation not scheduled", "operation", name, "error", err)
		future.resolve(fallback, err)
	}
	return future
}

func (s *Service) LogDetection(result domain.Result, subject domain.Subject, action string) *Future[struct{}] {
	return runStore(s, "log_detection", struct{}{}, func(ctx context.Context, store Store) (struct{}, error) {
		return struct{}{}, store.LogDetection(ctx, result, subject, action)
	})
}

func (s *Service) TrackAddress(subject domain.Subject, address string, isVPN bool) *Future[struct{}] {
	return runStore(s, "track_address", struct{}{}, func(ctx context.Context, store Store) (struct{}, error) {
		return struct{}{}, store.TrackAddress(ctx, subject, address, isVPN)
	})
}

// GetLikelyRealAddress resolves to "" when the subject has no clean history.
func (s *Service) GetLikelyRealAddress(subjectID string) *Future[string] {
	return runStore(s, "likely_real_address", "", func(ctx context.Context, store Store) (string, error) {
		address, _ := store.GetLikelyRealAddress(ctx, subjectID)
		return address, nil
	})
}

func (s *Service) IsKnownDangerous(address string) *Future[bool] {
	return runStore(s, "known_dangerous", false, func(ctx context.Context, store Store) (bool, error) {
		return store.IsKnownDangerous(ctx, address), nil
	})
}

func (s *Service) GetStats() *Future[domain.Stats] {
	return runStore(s, "stats", domain.Stats{}, func(ctx context.Context, store Store) (domain.Stats, error) {
		return store.GetStats(ctx), nil
	})
}

func (s *Service) GetRecentDetections(limit int) *Future[[]domain.Detection] {
	return runStore(s, "recent_detections", []domain.Detection(nil), func(ctx context.Context, store Store) ([]domain.Detection, error) {
		return store.GetRecentDetections(ctx, limit), nil
	})
}

func (s *Service) GetAddressHistory(subjectID string) *Future[[]domain.AddressHistory] {
	return runStore(s, "address_history", []domain.AddressHistory(nil), func(ctx context.Context, store Store) ([]domain.AddressHistory, error) {
		return store.GetAddressHistory(ctx, subjectID), nil
	})
}

package database

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"vpnshield/internal/domain"
)

func setupStoreTestDB(t *testing.T) (*gorm.DB, *Store, *clock.Mock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: silentLogger()})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("set busy timeout: %v", err)
	}

	if _, err := SetupDB(WithExistingDB(db), WithMigrations(DefaultMigrations()...)); err != nil {
		t.Fatalf("setup database: %v", err)
	}

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	store, err := NewStore(nil, WithClock(mock))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
		DB = nil
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	return db, store, mock
}

var alice = domain.Subject{ID: "0b9c7a4e-alice", Name: "alice"}

func TestTrackAddressUpsertsSingleRow(t *testing.T) {
	db, store, mock := setupStoreTestDB(t)
	ctx := context.Background()

	var third time.Time
	for i := 0; i < 3; i++ {
		if i > 0 {
			mock.Add(time.Minute)
		}
		third = mock.Now()
		if err := store.TrackAddress(ctx, alice, "203.0.113.10", false); err != nil {
			t.Fatalf("TrackAddress call %d: %v", i+1, err)
		}
	}

	var rows []domain.AddressHistory
	if err := db.Where("subject_id = ? AND address = ?", alice.ID, "203.0.113.10").Find(&rows).Error; err != nil {
		t.Fatalf("query history: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("history rows = %d, want 1", len(rows))
	}
	if rows[0].VisitCount != 3 {
		t.Fatalf("visit_count = %d, want 3", rows[0].VisitCount)
	}
	if !rows[0].LastSeen.Equal(third) {
		t.Fatalf("last_seen = %s, want %s", rows[0].LastSeen, third)
	}
	if want := third.Add(-2 * time.Minute); !rows[0].FirstSeen.Equal(want) {
		t.Fatalf("first_seen = %s, want %s", rows[0].FirstSeen, want)
	}
}

func TestTrackAddressRefreshesFlagAndName(t *testing.T) {
	db, store, _ := setupStoreTestDB(t)
	ctx := context.Background()

	if err := store.TrackAddress(ctx, alice, "198.51.100.4", false); err != nil {
		t.Fatalf("TrackAddress: %v", err)
	}
	renamed := domain.Subject{ID: alice.ID, Name: "alice_2"}
	if err := store.TrackAddress(ctx, renamed, "198.51.100.4", true); err != nil {
		t.Fatalf("TrackAddress: %v", err)
	}

	var row domain.AddressHistory
	if err := db.Where("subject_id = ?", alice.ID).Take(&row).Error; err != nil {
		t.Fatalf("query history: %v", err)
	}
	if !row.IsVPN || row.SubjectName != "alice_2" || row.VisitCount != 2 {
		t.Fatalf("row = %+v, want is_vpn=true name=alice_2 visits=2", row)
	}
}

func TestTrackAddressRequiresSubject(t *testing.T) {
	_, store, _ := setupStoreTestDB(t)
	if err := store.TrackAddress(context.Background(), domain.Subject{}, "198.51.100.4", false); err == nil {
		t.Fatal("expected an error for an anonymous subject")
	}
}

func TestGetLikelyRealAddressPrefersMostVisitedNonVPN(t *testing.T) {
	db, store, mock := setupStoreTestDB(t)
	now := mock.Now()

	history := []domain.AddressHistory{
		{SubjectID: alice.ID, Address: "ip1", IsVPN: false, VisitCount: 5, FirstSeen: now, LastSeen: now.Add(-time.Hour)},
		{SubjectID: alice.ID, Address: "ip2", IsVPN: false, VisitCount: 2, FirstSeen: now, LastSeen: now},
		{SubjectID: alice.ID, Address: "ip3", IsVPN: true, VisitCount: 10, FirstSeen: now, LastSeen: now},
	}
	if err := db.Create(&history).Error; err != nil {
		t.Fatalf("seed history: %v", err)
	}

	got, ok := store.GetLikelyRealAddress(context.Background(), alice.ID)
	if !ok || got != "ip1" {
		t.Fatalf("GetLikelyRealAddress() = %q, %v; want ip1, true", got, ok)
	}
}

func TestGetLikelyRealAddressBreaksTiesByLastSeen(t *testing.T) {
	db, store, mock := setupStoreTestDB(t)
	now := mock.Now()

	history := []domain.AddressHistory{
		{SubjectID: alice.ID, Address: "older", VisitCount: 4, FirstSeen: now, LastSeen: now.Add(-time.Hour)},
		{SubjectID: alice.ID, Address: "newer", VisitCount: 4, FirstSeen: now, LastSeen: now},
	}
	if err := db.Create(&history).Error; err != nil {
		t.Fatalf("seed history: %v", err)
	}

	if got, _ := store.GetLikelyRealAddress(context.Background(), alice.ID); got != "newer" {
		t.Fatalf("GetLikelyRealAddress() = %q, want newer", got)
	}
}

func TestGetLikelyRealAddressAbsent(t *testing.T) {
	db, store, mock := setupStoreTestDB(t)
	now := mock.Now()

	vpnOnly := domain.AddressHistory{SubjectID: alice.ID, Address: "ip3", IsVPN: true, VisitCount: 10, FirstSeen: now, LastSeen: now}
	if err := db.Create(&vpnOnly).Error; err != nil {
		t.Fatalf("seed history: %v", err)
	}

	if got, ok := store.GetLikelyRealAddress(context.Background(), alice.ID); ok {
		t.Fatalf("GetLikelyRealAddress() = %q, want absent", got)
	}
	if _, ok := store.GetLikelyRealAddress(context.Background(), "nobody"); ok {
		t.Fatal("unknown subject should have no likely address")
	}
}

func TestLogDetectionReplacesRowPerAddressAndSubject(t *testing.T) {
	db, store, mock := setupStoreTestDB(t)
	ctx := context.Background()

	vpn := domain.NewResultBuilder("203.0.113.50").VPN(true).ServiceName("NordVPN").Provider("iphub").RiskScore(100).Build()
	if err := store.LogDetection(ctx, vpn, alice, "kick"); err != nil {
		t.Fatalf("LogDetection: %v", err)
	}
	mock.Add(time.Minute)
	if err := store.LogDetection(ctx, vpn, alice, "warn"); err != nil {
		t.Fatalf("LogDetection: %v", err)
	}
	if err := store.LogDetection(ctx, vpn, domain.Subject{}, "warn"); err != nil {
		t.Fatalf("LogDetection anonymous: %v", err)
	}

	var rows []domain.Detection
	if err := db.Order("subject_id DESC").Find(&rows).Error; err != nil {
		t.Fatalf("query detections: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("detection rows = %d, want 2", len(rows))
	}
	if rows[0].SubjectID != alice.ID || rows[0].Action != "warn" || !rows[0].DetectedAt.Equal(mock.Now()) {
		t.Fatalf("subject row = %+v, want latest warn detection", rows[0])
	}
	if rows[0].APIProvider != "iphub" || rows[0].Provider != "NordVPN" {
		t.Fatalf("provider columns = %q/%q", rows[0].APIProvider, rows[0].Provider)
	}

	var stat domain.ProviderStat
	if err := db.Where("provider_name = ?", "NordVPN").Take(&stat).Error; err != nil {
		t.Fatalf("query provider stat: %v", err)
	}
	if stat.DetectionCount != 3 || !stat.LastDetected.Equal(mock.Now()) {
		t.Fatalf("provider stat = %+v, want count 3 and last detected now", stat)
	}
}

func TestLogDetectionSkipsStatsForCleanOrUnnamed(t *testing.T) {
	db, store, _ := setupStoreTestDB(t)
	ctx := context.Background()

	clean := domain.NewResultBuilder("198.51.100.1").ServiceName("Comcast").Provider("ip-api").Build()
	unnamed := domain.NewResultBuilder("198.51.100.2").Hosting(true).Provider("ip-api").Build()
	for _, r := range []domain.Result{clean, unnamed} {
		if err := store.LogDetection(ctx, r, alice, "none"); err != nil {
			t.Fatalf("LogDetection: %v", err)
		}
	}

	var count int64
	if err := db.Model(&domain.ProviderStat{}).Count(&count).Error; err != nil {
		t.Fatalf("count provider stats: %v", err)
	}
	if count != 0 {
		t.Fatalf("provider stats = %d, want 0", count)
	}
}

func TestIsKnownDangerous(t *testing.T) {
	_, store, _ := setupStoreTestDB(t)
	ctx := context.Background()

	tor := domain.NewResultBuilder("203.0.113.66").Tor(true).Provider("ipinfo").Build()
	clean := domain.NewResultBuilder("203.0.113.67").Provider("ipinfo").Build()
	_ = store.LogDetection(ctx, tor, alice, "kick")
	_ = store.LogDetection(ctx, clean, alice, "none")

	if !store.IsKnownDangerous(ctx, "203.0.113.66") {
		t.Fatal("tor exit should be known dangerous")
	}
	if store.IsKnownDangerous(ctx, "203.0.113.67") {
		t.Fatal("clean address reported dangerous")
	}
	if store.IsKnownDangerous(ctx, "192.0.2.1") {
		t.Fatal("unseen address reported dangerous")
	}
}

func TestGetStatsAndRecentDetections(t *testing.T) {
	_, store, mock := setupStoreTestDB(t)
	ctx := context.Background()

	results := []domain.Result{
		domain.NewResultBuilder("203.0.113.1").VPN(true).ServiceName("Mullvad").Build(),
		domain.NewResultBuilder("203.0.113.2").Proxy(true).Hosting(true).ServiceName("Mullvad").Build(),
		domain.NewResultBuilder("203.0.113.3").Tor(true).Build(),
		domain.NewResultBuilder("203.0.113.4").Build(),
	}
	for _, r := range results {
		if err := store.LogDetection(ctx, r, alice, "warn"); err != nil {
			t.Fatalf("LogDetection: %v", err)
		}
		mock.Add(time.Second)
	}
	_ = store.LogDetection(ctx, results[0], domain.Subject{ID: "bob"}, "warn")
	_ = store.TrackAddress(ctx, alice, "203.0.113.4", false)
	_ = store.TrackAddress(ctx, domain.Subject{ID: "bob"}, "203.0.113.1", true)

	stats := store.GetStats(ctx)
	if stats.TotalDetections != 5 || stats.DangerousDetections != 4 {
		t.Fatalf("total/dangerous = %d/%d, want 5/4", stats.TotalDetections, stats.DangerousDetections)
	}
	if stats.VPNDetections != 2 || stats.ProxyDetections != 1 || stats.HostingDetections != 1 || stats.TorDetections != 1 {
		t.Fatalf("flag counts = %+v", stats)
	}
	if stats.UniqueAddresses != 4 || stats.TrackedSubjects != 2 {
		t.Fatalf("unique addresses/subjects = %d/%d, want 4/2", stats.UniqueAddresses, stats.TrackedSubjects)
	}
	if len(stats.TopProviders) != 1 || stats.TopProviders[0].ProviderName != "Mullvad" || stats.TopProviders[0].DetectionCount != 3 {
		t.Fatalf("top providers = %+v", stats.TopProviders)
	}

	recent := store.GetRecentDetections(ctx, 2)
	if len(recent) != 2 {
		t.Fatalf("recent detections = %d, want 2", len(recent))
	}
	if recent[0].SubjectID != "bob" || recent[1].Address != "203.0.113.4" {
		t.Fatalf("recent order = %s/%s, %s/%s", recent[0].Address, recent[0].SubjectID, recent[1].Address, recent[1].SubjectID)
	}
}

func TestConcurrentWritesAreSerialized(t *testing.T) {
	db, store, _ := setupStoreTestDB(t)
	ctx := context.Background()

	const writers = 40
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.TrackAddress(ctx, alice, "203.0.113.200", false); err != nil {
				t.Errorf("TrackAddress: %v", err)
			}
		}()
	}
	wg.Wait()

	var row domain.AddressHistory
	if err := db.Where("subject_id = ?", alice.ID).Take(&row).Error; err != nil {
		t.Fatalf("query history: %v", err)
	}
	if row.VisitCount != writers {
		t.Fatalf("visit_count = %d, want %d", row.VisitCount, writers)
	}
}

func TestWritesAfterCloseFail(t *testing.T) {
	_, store, _ := setupStoreTestDB(t)
	store.Close()

	if err := store.TrackAddress(context.Background(), alice, "203.0.113.9", false); err != ErrStoreClosed {
		t.Fatalf("TrackAddress after close = %v, want ErrStoreClosed", err)
	}
}

package blocklist

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"vpnshield/internal/database"
	"vpnshield/internal/domain"
)

func newStoreRepo(t *testing.T) (*database.Store, *clock.Mock) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.AutoMigrate(&domain.BlocklistEntry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))

	store, err := database.NewStore(db, database.WithClock(mock))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return store, mock
}

func TestRefreshPersistsThroughStore(t *testing.T) {
	srv := listServer(t, map[string]string{
		"/vpn.txt": "192.0.2.0/24\n198.51.100.5\n2001:db8::/32\n",
	})
	store, mock := newStoreRepo(t)
	m := NewManager(store)

	outcome, err := m.Refresh(context.Background(), []string{srv.URL + "/vpn.txt"})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if outcome.Entries != 3 {
		t.Fatalf("outcome = %+v", outcome)
	}
	if _, ok := mustLookup(t, m, "192.0.2.77"); !ok {
		t.Fatal("refreshed range does not match")
	}

	follower := NewManager(store)
	if err := follower.LoadCache(context.Background()); err != nil {
		t.Fatalf("LoadCache: %v", err)
	}
	for _, addr := range []string{"198.51.100.5", "2001:db8::1"} {
		if _, ok := mustLookup(t, follower, addr); !ok {
			t.Fatalf("follower does not match %s", addr)
		}
	}

	mock.Add(time.Hour)
	srv2 := listServer(t, map[string]string{"/vpn.txt": "192.0.2.0/24\n"})
	outcome, err = m.Refresh(context.Background(), []string{srv2.URL + "/vpn.txt"})
	if err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if outcome.RemovedEntries != 2 {
		t.Fatalf("second outcome = %+v, want 2 removed", outcome)
	}

	stored, err := store.LoadBlocklist(context.Background())
	if err != nil {
		t.Fatalf("LoadBlocklist: %v", err)
	}
	if len(stored) != 1 || stored[0].CIDR != "192.0.2.0/24" {
		t.Fatalf("stored = %+v", stored)
	}
}

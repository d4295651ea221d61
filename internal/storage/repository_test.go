package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chris-hammond-ross/pi-podcast/internal/logging"
	"github.com/chris-hammond-ross/pi-podcast/internal/model"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := New(context.Background(), filepath.Join(t.TempDir(), "devices.db"), logging.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestInsertIfAbsentIsBenignOnDuplicate(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec := model.DeviceRecord{MAC: "00:11:22:33:44:56", Name: "JBL Flip 6", RSSI: -48}
	if err := repo.InsertIfAbsent(ctx, rec); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	dup := rec
	dup.Name = "Imposter"
	if err := repo.InsertIfAbsent(ctx, dup); err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}

	got, err := repo.GetByMAC(ctx, "00:11:22:33:44:56")
	if err != nil {
		t.Fatalf("GetByMAC: %v", err)
	}
	if got.Name != "JBL Flip 6" {
		t.Fatalf("duplicate insert overwrote name: %q", got.Name)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("created_at not populated")
	}
}

func TestGetByMACNormalizesLookupKey(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	if err := repo.InsertIfAbsent(ctx, model.DeviceRecord{MAC: "AA:BB:CC:DD:EE:FF", Name: "Speaker"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := repo.GetByMAC(ctx, "aa-bb-cc-dd-ee-ff")
	if err != nil {
		t.Fatalf("lookup with legacy key form: %v", err)
	}
	if got.MAC != "AA:BB:CC:DD:EE:FF" {
		t.Fatalf("mac = %q", got.MAC)
	}

	if _, err := repo.GetByMAC(ctx, "00:00:00:00:00:00"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing row err = %v, want ErrNotFound", err)
	}
}

func TestRefreshSightingKeepsNameWhenAnnouncementHasNone(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	mac := "00:11:22:33:44:56"

	if err := repo.InsertIfAbsent(ctx, model.DeviceRecord{MAC: mac, Name: "JBL Flip 6", RSSI: -70}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	seen := time.Now().UTC().Truncate(time.Millisecond)
	if err := repo.RefreshSighting(ctx, mac, "", -42, seen); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	got, err := repo.GetByMAC(ctx, mac)
	if err != nil {
		t.Fatalf("GetByMAC: %v", err)
	}
	if got.Name != "JBL Flip 6" {
		t.Fatalf("empty name clobbered stored name: %q", got.Name)
	}
	if got.RSSI != -42 {
		t.Fatalf("rssi = %d, want -42", got.RSSI)
	}
	if !got.LastSeen.Equal(seen) {
		t.Fatalf("last_seen = %v, want %v", got.LastSeen, seen)
	}

	if err := repo.RefreshSighting(ctx, mac, "JBL Flip 6 Home", -42, seen); err != nil {
		t.Fatalf("refresh with name: %v", err)
	}
	got, _ = repo.GetByMAC(ctx, mac)
	if got.Name != "JBL Flip 6 Home" {
		t.Fatalf("name not updated: %q", got.Name)
	}
}

func TestSetFlagsAndNotFound(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	mac := "00:11:22:33:44:56"

	if err := repo.SetPaired(ctx, mac, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetPaired on missing row err = %v, want ErrNotFound", err)
	}

	if err := repo.InsertIfAbsent(ctx, model.DeviceRecord{MAC: mac}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.SetPaired(ctx, mac, true); err != nil {
		t.Fatalf("SetPaired: %v", err)
	}
	if err := repo.SetTrusted(ctx, mac, true); err != nil {
		t.Fatalf("SetTrusted: %v", err)
	}

	got, err := repo.GetByMAC(ctx, mac)
	if err != nil {
		t.Fatalf("GetByMAC: %v", err)
	}
	if !got.Paired || !got.Trusted {
		t.Fatalf("flags not persisted: %+v", got)
	}
}

func TestDeleteAndListAll(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for _, mac := range []string{"00:00:00:00:00:02", "00:00:00:00:00:01"} {
		if err := repo.InsertIfAbsent(ctx, model.DeviceRecord{MAC: mac}); err != nil {
			t.Fatalf("insert %s: %v", mac, err)
		}
	}

	all, err := repo.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 2 || all[0].MAC != "00:00:00:00:00:01" || all[1].MAC != "00:00:00:00:00:02" {
		t.Fatalf("unexpected listing: %+v", all)
	}

	if err := repo.Delete(ctx, "00:00:00:00:00:01"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.GetByMAC(ctx, "00:00:00:00:00:01"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted row still readable: %v", err)
	}
	// Deleting an already-absent row is not an error.
	if err := repo.Delete(ctx, "00:00:00:00:00:01"); err != nil {
		t.Fatalf("repeat Delete: %v", err)
	}
}

func TestLegacyMACKeysNormalizedOnOpen(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// Simulate rows written before MAC canonicalization.
	_, err := repo.db.ExecContext(ctx, `
		INSERT INTO bluetooth_devices (mac, name, created_at)
		VALUES ('aa-bb-cc-dd-ee-ff', 'Old Speaker', ?)`,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		t.Fatalf("seed legacy row: %v", err)
	}

	if err := repo.normalizeLegacyMACKeys(ctx); err != nil {
		t.Fatalf("normalize: %v", err)
	}

	got, err := repo.GetByMAC(ctx, "AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("canonical lookup after normalization: %v", err)
	}
	if got.Name != "Old Speaker" {
		t.Fatalf("name = %q", got.Name)
	}

	all, err := repo.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("legacy row not collapsed: %+v", all)
	}
}

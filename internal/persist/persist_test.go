package persist

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tmcfarlane/mailsort/internal/message"
)

func TestOrdered(t *testing.T) {
	cases := []struct {
		u uint64
		s int64
	}{
		{0, math.MinInt64},
		{math.MaxUint64, math.MaxInt64},
		{math.MaxInt64 + 1, 0},
	}
	for _, tc := range cases {
		s := orderedToSigned(tc.u)
		if s != tc.s {
			t.Errorf("orderedToSigned(%x) = %x, want %x", tc.u, s, tc.s)
		}
		u := orderedToUnsigned(tc.s)
		if u != tc.u {
			t.Errorf("orderedToUnsigned(%x) = %x, want %x", tc.s, u, tc.u)
		}
	}
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCursorMonotonicity(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	got, err := db.Cursor(ctx)
	if err != nil || got != 0 {
		t.Fatalf("Cursor() = %d, %v; want 0, nil", got, err)
	}

	if err := db.WriteCursor(ctx, 100); err != nil {
		t.Fatalf("WriteCursor(100) = %v", err)
	}
	if err := db.WriteCursor(ctx, 250); err != nil {
		t.Fatalf("WriteCursor(250) = %v", err)
	}
	// Re-writing the current value is an idempotent no-op.
	if err := db.WriteCursor(ctx, 250); err != nil {
		t.Fatalf("WriteCursor(250) again = %v", err)
	}
	if err := db.WriteCursor(ctx, 200); err == nil {
		t.Error("WriteCursor(200) = nil, want monotonicity violation")
	}

	got, err = db.Cursor(ctx)
	if err != nil || got != 250 {
		t.Fatalf("Cursor() = %d, %v; want 250, nil", got, err)
	}
}

func TestResetCursorReseeds(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if err := db.WriteCursor(ctx, 9000); err != nil {
		t.Fatal(err)
	}
	if err := db.ResetCursor(ctx, 42); err != nil {
		t.Fatalf("ResetCursor(42) = %v", err)
	}
	got, err := db.Cursor(ctx)
	if err != nil || got != 42 {
		t.Fatalf("Cursor() = %d, %v; want 42, nil", got, err)
	}
	// Normal monotonic writes resume from the new seed.
	if err := db.WriteCursor(ctx, 43); err != nil {
		t.Errorf("WriteCursor(43) after reset = %v", err)
	}
}

func TestLeaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if _, ok, err := db.Lease(ctx); err != nil || ok {
		t.Fatalf("Lease() on fresh store = ok=%v, %v; want absent", ok, err)
	}

	lease := message.Lease{
		HistoryID: 777,
		ExpiresAt: time.Now().Add(7 * 24 * time.Hour).Truncate(time.Millisecond),
		Topic:     "projects/demo/topics/mail",
	}
	if err := db.WriteLease(ctx, lease); err != nil {
		t.Fatalf("WriteLease() = %v", err)
	}
	got, ok, err := db.Lease(ctx)
	if err != nil || !ok {
		t.Fatalf("Lease() = ok=%v, %v; want present", ok, err)
	}
	if got.HistoryID != lease.HistoryID || got.Topic != lease.Topic ||
		!got.ExpiresAt.Equal(lease.ExpiresAt) {
		t.Errorf("Lease() = %+v, want %+v", got, lease)
	}

	// Renewal replaces the single row.
	lease.HistoryID = 778
	lease.ExpiresAt = lease.ExpiresAt.Add(24 * time.Hour)
	if err := db.WriteLease(ctx, lease); err != nil {
		t.Fatalf("WriteLease() renewal = %v", err)
	}
	got, _, err = db.Lease(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.HistoryID != 778 {
		t.Errorf("renewed lease HistoryID = %d, want 778", got.HistoryID)
	}
}

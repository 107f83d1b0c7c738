package uploads

import (
	"context"
	"errors"
	"testing"
	"time"

	stevedoreapi "spyglass/pkg/api/stevedore"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	want := pendingRecord("u1")
	if err := store.Put(ctx, want); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != want {
		t.Fatalf("record mismatch:\n got %+v\nwant %+v", got, want)
	}

	if _, err := store.Get(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreSetStatus(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	if err := store.Put(ctx, pendingRecord("u1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.SetStatus(ctx, "u1", stevedoreapi.StatusFailed, "transcode crashed")
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if got.Status != stevedoreapi.StatusFailed || got.Error != "transcode crashed" {
		t.Fatalf("unexpected record %+v", got)
	}

	if _, err := store.SetStatus(ctx, "ghost", stevedoreapi.StatusReady, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreRecordsExpire(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }
	if err := store.Put(ctx, pendingRecord("u1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	store.now = func() time.Time { return base.Add(59 * time.Minute) }
	if _, err := store.Get(ctx, "u1"); err != nil {
		t.Fatalf("expected live record, got %v", err)
	}

	store.now = func() time.Time { return base.Add(61 * time.Minute) }
	if _, err := store.Get(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired record, got %v", err)
	}
	if _, err := store.SetStatus(ctx, "u1", stevedoreapi.StatusReady, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired record from SetStatus, got %v", err)
	}
}

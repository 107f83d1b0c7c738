package uploads

import (
	"context"
	"errors"
	"testing"
	"time"

	stevedoreapi "spyglass/pkg/api/stevedore"
	"spyglass/pkg/logging"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, ttl, logging.NewNopLogger()), mr
}

func pendingRecord(uploadID string) Record {
	now := time.Now().UTC().Truncate(time.Second)
	return Record{
		UploadID:    uploadID,
		PubKey:      "author1",
		FileName:    "clip.mp4",
		ContentType: "video/mp4",
		SizeBytes:   1 << 20,
		ObjectKey:   "uploads/author1/" + uploadID + ".mp4",
		Status:      stevedoreapi.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, _ := newRedisStore(t, time.Hour)
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
}

func TestRedisStoreMissingRecord(t *testing.T) {
	store, _ := newRedisStore(t, time.Hour)

	if _, err := store.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.SetStatus(context.Background(), "ghost", stevedoreapi.StatusReady, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from SetStatus, got %v", err)
	}
}

func TestRedisStoreRecordsExpire(t *testing.T) {
	store, mr := newRedisStore(t, time.Hour)
	ctx := context.Background()

	if err := store.Put(ctx, pendingRecord("u1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	mr.FastForward(61 * time.Minute)

	if _, err := store.Get(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired record, got %v", err)
	}
}

func TestRedisStoreSetStatusKeepsTTL(t *testing.T) {
	store, mr := newRedisStore(t, time.Hour)
	ctx := context.Background()

	if err := store.Put(ctx, pendingRecord("u1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	mr.FastForward(45 * time.Minute)

	got, err := store.SetStatus(ctx, "u1", stevedoreapi.StatusProcessing, "")
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if got.Status != stevedoreapi.StatusProcessing {
		t.Fatalf("expected processing, got %s", got.Status)
	}

	// The original deadline must still apply.
	mr.FastForward(30 * time.Minute)
	if _, err := store.Get(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected record to expire on original TTL, got %v", err)
	}
}

func TestRedisStoreBroadcastsStatusEvents(t *testing.T) {
	store, _ := newRedisStore(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan stevedoreapi.StatusEvent, 1)
	subDone := make(chan struct{})
	go func() {
		defer close(subDone)
		_ = store.SubscribeStatus(ctx, func(ev stevedoreapi.StatusEvent) {
			select {
			case events <- ev:
			default:
			}
		})
	}()
	// Let the subscriber attach before publishing.
	time.Sleep(50 * time.Millisecond)

	if err := store.Put(ctx, pendingRecord("u1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := store.SetStatus(ctx, "u1", stevedoreapi.StatusProcessing, ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	select {
	case ev := <-events:
		if ev.UploadID != "u1" || ev.Status != stevedoreapi.StatusProcessing {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("status event never arrived")
	}

	cancel()
	select {
	case <-subDone:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop on cancel")
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	store, mr := newRedisStore(t, time.Hour)
	mr.Close()

	if err := store.Put(context.Background(), pendingRecord("u1")); err == nil {
		t.Fatal("expected Put to fail when redis is unavailable")
	}
	if _, err := store.Get(context.Background(), "u1"); err == nil {
		t.Fatal("expected Get to fail when redis is unavailable")
	}
}

package keystore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/trunov/grouphub/internal/entities"
)

const testChangeStream = "changefeed"

func newTestStore(t *testing.T) (*Store, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })
	return NewStore(rc, testChangeStream, 1000), rc
}

func TestCreateAggregateIfAbsent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created, err := store.CreateAggregateIfAbsent(ctx, "acme", "u1", entities.StatusCollecting)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatal("first create should report created")
	}

	created, err = store.CreateAggregateIfAbsent(ctx, "acme", "u1", entities.StatusDisabled)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatal("second create should be a no-op")
	}

	agg, err := store.GetAggregate(ctx, "acme", "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if agg.Status != entities.StatusCollecting {
		t.Errorf("status overwritten by losing create: %q", agg.Status)
	}
	if agg.CreatedAt.IsZero() {
		t.Error("created_at not stamped")
	}
}

func TestAppendImageAccumulates(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.CreateAggregateIfAbsent(ctx, "acme", "u1", entities.StatusCollecting)
	for _, k := range []string{"acme/uploads/u1/0.jpg", "acme/uploads/u1/1.jpg"} {
		if err := store.AppendImage(ctx, "acme", "u1", k); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	agg, err := store.GetAggregate(ctx, "acme", "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(agg.ImageKeys) != 2 || agg.ImageKeys[0] != "acme/uploads/u1/0.jpg" {
		t.Fatalf("unexpected image keys: %v", agg.ImageKeys)
	}
}

func TestSetMarkerAtIfUnset(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	store.CreateAggregateIfAbsent(ctx, "acme", "u1", entities.StatusCollecting)

	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	set, err := store.SetMarkerAtIfUnset(ctx, "acme", "u1", first)
	if err != nil || !set {
		t.Fatalf("first set = (%v, %v), want (true, nil)", set, err)
	}

	// a redelivered trigger must not move the timestamp
	set, err = store.SetMarkerAtIfUnset(ctx, "acme", "u1", first.Add(time.Hour))
	if err != nil || set {
		t.Fatalf("second set = (%v, %v), want (false, nil)", set, err)
	}

	agg, _ := store.GetAggregate(ctx, "acme", "u1")
	if !agg.CompletionMarkerAt.Equal(first) {
		t.Errorf("marker moved: %v", agg.CompletionMarkerAt)
	}
}

func TestCreateClaimAtMostOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	claim := entities.GroupingClaim{Tenant: "acme", UploadID: "u1", Status: entities.ClaimPending, CreatedAt: time.Now().UTC()}

	wins := 0
	for i := 0; i < 5; i++ {
		won, err := store.CreateClaim(ctx, claim)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if won {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins)
	}

	got, err := store.GetClaim(ctx, "acme", "u1")
	if err != nil || got == nil {
		t.Fatalf("get claim: %v, %v", got, err)
	}
	if got.Status != entities.ClaimPending {
		t.Errorf("claim status = %q", got.Status)
	}
}

func TestWritesFeedChangeStream(t *testing.T) {
	store, rc := newTestStore(t)
	ctx := context.Background()

	store.CreateAggregateIfAbsent(ctx, "acme", "u1", entities.StatusCollecting)
	store.CreateClaim(ctx, entities.GroupingClaim{Tenant: "acme", UploadID: "u1", Status: entities.ClaimPending})

	msgs, err := rc.XRange(ctx, testChangeStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) < 2 {
		t.Fatalf("expected change records for aggregate and claim, got %d", len(msgs))
	}

	var sawClaim bool
	for _, m := range msgs {
		var rec ChangeRecord
		if err := json.Unmarshal([]byte(m.Values["payload"].(string)), &rec); err != nil {
			t.Fatalf("unmarshal change record: %v", err)
		}
		if rec.Key == ClaimKey("acme", "u1") && rec.Action == ActionCreate {
			sawClaim = true
		}
	}
	if !sawClaim {
		t.Error("claim creation missing from change feed")
	}
}

package expiry_test

import (
	"context"
	"testing"
	"time"

	"github.com/unkn0wn-root/tiercache/expiry"
	"github.com/unkn0wn-root/tiercache/fasttier/memory"
)

func newIndex() (*expiry.Index, *memory.Store) {
	fast := memory.New()
	return expiry.New(fast, "ids", "flags", "config"), fast
}

func TestRecordAndExpiringBefore(t *testing.T) {
	ctx := context.Background()
	idx, _ := newIndex()

	if err := idx.Record(ctx, "1", time.Hour); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := idx.Record(ctx, "2", 48*time.Hour); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := idx.Record(ctx, "3", 30*time.Minute); err != nil {
		t.Fatalf("Record: %v", err)
	}

	members, err := idx.ExpiringBefore(ctx, 2*time.Hour, 10)
	if err != nil {
		t.Fatalf("ExpiringBefore: %v", err)
	}
	// soonest first
	if len(members) != 2 || members[0] != "3" || members[1] != "1" {
		t.Fatalf("ExpiringBefore = %v, want [3 1]", members)
	}
}

func TestExpiringBeforeRespectsLimit(t *testing.T) {
	ctx := context.Background()
	idx, _ := newIndex()
	for _, m := range []string{"1", "2", "3", "4"} {
		if err := idx.Record(ctx, m, time.Minute); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	members, err := idx.ExpiringBefore(ctx, time.Hour, 2)
	if err != nil {
		t.Fatalf("ExpiringBefore: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("limit ignored: %v", members)
	}
}

func TestRecordUpsertsScore(t *testing.T) {
	ctx := context.Background()
	idx, _ := newIndex()

	if err := idx.Record(ctx, "1", time.Minute); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := idx.Record(ctx, "1", 72*time.Hour); err != nil {
		t.Fatalf("Record: %v", err)
	}

	members, err := idx.ExpiringBefore(ctx, time.Hour, 10)
	if err != nil {
		t.Fatalf("ExpiringBefore: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("old score survived upsert: %v", members)
	}
	n, err := idx.TrackedCount(ctx)
	if err != nil || n != 1 {
		t.Fatalf("TrackedCount = %d, %v", n, err)
	}
}

func TestBatchTracked(t *testing.T) {
	ctx := context.Background()
	idx, _ := newIndex()
	if err := idx.Record(ctx, "1", time.Hour); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := idx.BatchTracked(ctx, []string{"1", "2"})
	if err != nil {
		t.Fatalf("BatchTracked: %v", err)
	}
	if !got["1"] || got["2"] {
		t.Fatalf("BatchTracked = %v", got)
	}

	empty, err := idx.BatchTracked(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("BatchTracked(nil) = %v, %v", empty, err)
	}
}

func TestRemoveAndDrop(t *testing.T) {
	ctx := context.Background()
	idx, _ := newIndex()
	for _, m := range []string{"1", "2"} {
		if err := idx.Record(ctx, m, time.Hour); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	if err := idx.Remove(ctx, "1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n, _ := idx.TrackedCount(ctx); n != 1 {
		t.Fatalf("TrackedCount after Remove = %d", n)
	}

	if err := idx.Drop(ctx); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if n, _ := idx.TrackedCount(ctx); n != 0 {
		t.Fatalf("TrackedCount after Drop = %d", n)
	}
}

func TestRemoveStale(t *testing.T) {
	ctx := context.Background()
	idx, _ := newIndex()
	for _, m := range []string{"1", "2", "3", "4", "5"} {
		if err := idx.Record(ctx, m, time.Hour); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	// entities 2 and 4 no longer exist
	live := func(_ context.Context, members []string) (map[string]bool, error) {
		out := make(map[string]bool, len(members))
		for _, m := range members {
			out[m] = m != "2" && m != "4"
		}
		return out, nil
	}

	removed, err := idx.RemoveStale(ctx, 2, live)
	if err != nil {
		t.Fatalf("RemoveStale: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	got, err := idx.BatchTracked(ctx, []string{"1", "2", "3", "4", "5"})
	if err != nil {
		t.Fatalf("BatchTracked: %v", err)
	}
	for m, want := range map[string]bool{"1": true, "2": false, "3": true, "4": false, "5": true} {
		if got[m] != want {
			t.Fatalf("member %s tracked=%v, want %v", m, got[m], want)
		}
	}
}

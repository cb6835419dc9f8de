package retention

import (
	"context"
	"testing"
	"time"

	"github.com/cortexgw/cortex/internal/store"
	"github.com/cortexgw/cortex/pkg/models"
)

func TestSweepTrimsOldRecords(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	records := []models.UsageRecord{
		{RequestID: "old", ServedName: "m1", Status: 200, CreatedAt: now.AddDate(0, 0, -100)},
		{RequestID: "fresh", ServedName: "m1", Status: 200, CreatedAt: now},
	}
	if err := s.InsertUsage(ctx, records); err != nil {
		t.Fatalf("InsertUsage: %v", err)
	}

	removed, err := New(s, 90).Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed %d, want 1", removed)
	}
	left, err := s.ListUsage(ctx, store.UsageFilter{})
	if err != nil {
		t.Fatalf("ListUsage: %v", err)
	}
	if len(left) != 1 || left[0].RequestID != "fresh" {
		t.Fatalf("remaining = %+v", left)
	}
}

func TestSweepDisabled(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	if err := s.InsertUsage(ctx, []models.UsageRecord{
		{RequestID: "old", Status: 200, CreatedAt: time.Now().AddDate(-1, 0, 0)},
	}); err != nil {
		t.Fatalf("InsertUsage: %v", err)
	}
	removed, err := New(s, 0).Sweep(ctx)
	if err != nil || removed != 0 {
		t.Fatalf("disabled janitor removed %d (err %v)", removed, err)
	}
}

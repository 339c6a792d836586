package mysql

import (
	"context"
	"testing"
	"time"
)

func TestMemoryTelemetryRecordAndList(t *testing.T) {
	t.Parallel()

	repo, err := NewMemoryTelemetry(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create memory telemetry: %v", err)
	}

	ctx := context.Background()
	now := time.Now().Unix()
	for i, action := range []string{"enter-range", "hold", "adjust-range"} {
		record := CycleRecord{
			ThreadID:  "thread-1",
			PoolID:    "eth-usdc-3000",
			Strategy:  "clmm-range",
			Action:    action,
			Reason:    "test",
			MidPrice:  2000,
			Outcome:   "simulated",
			CreatedAt: now + int64(i),
		}
		if err := repo.Record(ctx, record); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	if err := repo.Record(ctx, CycleRecord{ThreadID: "thread-2", Action: "hold", CreatedAt: now}); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	latest, err := repo.ListLatest(ctx, 2)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(latest) != 2 || latest[0].ThreadID != "thread-2" {
		t.Fatalf("unexpected latest records: %+v", latest)
	}

	byThread, err := repo.ListByThread(ctx, "thread-1", 10)
	if err != nil {
		t.Fatalf("list by thread failed: %v", err)
	}
	if len(byThread) != 3 || byThread[0].Action != "adjust-range" {
		t.Fatalf("unexpected thread records: %+v", byThread)
	}
}

func TestMemoryTelemetrySurvivesReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	repo, err := NewMemoryTelemetry(dir)
	if err != nil {
		t.Fatalf("failed to create memory telemetry: %v", err)
	}
	if err := repo.Record(ctx, CycleRecord{ThreadID: "thread-1", Action: "enter-range", CreatedAt: time.Now().Unix()}); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	reloaded, err := NewMemoryTelemetry(dir)
	if err != nil {
		t.Fatalf("failed to reload telemetry: %v", err)
	}
	records, err := reloaded.ListLatest(ctx, 10)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(records) != 1 || records[0].Action != "enter-range" {
		t.Fatalf("expected persisted record after reload, got %+v", records)
	}
}

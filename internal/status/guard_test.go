package status

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/golemcloud/golem-worker-executor/internal/model"
)

type fakeLog struct {
	entries []model.OplogEntry
}

func (f *fakeLog) CurrentIndex() model.OplogIndex { return model.OplogIndex(len(f.entries)) }

func (f *fakeLog) Read(_ context.Context, idx model.OplogIndex) (model.OplogEntry, error) {
	return f.entries[idx-1], nil
}

func newCreateLog() *fakeLog {
	return &fakeLog{entries: []model.OplogEntry{
		{Kind: model.KindCreate, Create: &model.CreateEntry{ComponentVersion: 1}},
	}}
}

func TestGuard_Check_NoDriftWhenRecordsAgree(t *testing.T) {
	log := newCreateLog()
	rec, err := RecomputeFromScratch(context.Background(), log, nil)
	if err != nil {
		t.Fatalf("RecomputeFromScratch: %v", err)
	}

	g := NewGuard(zap.NewNop(), 1)
	if err := g.Check(context.Background(), rec, log, nil); err != nil {
		t.Fatalf("expected no drift, got: %v", err)
	}

	stats := g.GetStats()
	if stats.ChecksPerformed != 1 {
		t.Errorf("expected 1 check performed, got %d", stats.ChecksPerformed)
	}
	if stats.DriftDetected != 0 {
		t.Errorf("expected 0 drifts, got %d", stats.DriftDetected)
	}
}

func TestGuard_Check_DetectsDrift(t *testing.T) {
	log := newCreateLog()
	rec, err := RecomputeFromScratch(context.Background(), log, nil)
	if err != nil {
		t.Fatalf("RecomputeFromScratch: %v", err)
	}
	// Corrupt the incremental record so it no longer matches what a
	// from-scratch recompute over the same log would produce.
	rec.ComponentVersion = 999

	g := NewGuard(zap.NewNop(), 1)
	err = g.Check(context.Background(), rec, log, nil)
	if err == nil {
		t.Fatal("expected ErrDrift, got nil")
	}

	stats := g.GetStats()
	if stats.DriftDetected != 1 {
		t.Errorf("expected 1 drift detected, got %d", stats.DriftDetected)
	}
}

func TestGuard_Check_RespectsCheckInterval(t *testing.T) {
	log := newCreateLog()
	rec, _ := RecomputeFromScratch(context.Background(), log, nil)

	g := NewGuard(zap.NewNop(), 3)
	for i := 0; i < 2; i++ {
		if err := g.Check(context.Background(), rec, log, nil); err != nil {
			t.Fatalf("unexpected error on call %d: %v", i, err)
		}
	}
	if stats := g.GetStats(); stats.ChecksPerformed != 0 {
		t.Errorf("expected no checks performed before interval elapses, got %d", stats.ChecksPerformed)
	}

	if err := g.Check(context.Background(), rec, log, nil); err != nil {
		t.Fatalf("unexpected error on the interval-triggering call: %v", err)
	}
	if stats := g.GetStats(); stats.ChecksPerformed != 1 {
		t.Errorf("expected 1 check performed once interval elapses, got %d", stats.ChecksPerformed)
	}
}

func TestGuard_Check_DisabledWhenIntervalNonPositive(t *testing.T) {
	log := newCreateLog()
	rec, _ := RecomputeFromScratch(context.Background(), log, nil)
	rec.ComponentVersion = 999 // would drift if ever checked

	g := NewGuard(zap.NewNop(), 0)
	if err := g.Check(context.Background(), rec, log, nil); err != nil {
		t.Fatalf("expected Check to be a no-op when checkEvery <= 0, got: %v", err)
	}
	if stats := g.GetStats(); stats.ChecksPerformed != 0 {
		t.Errorf("expected 0 checks performed, got %d", stats.ChecksPerformed)
	}
}

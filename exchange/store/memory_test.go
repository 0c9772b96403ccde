package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	record := RoundRecord{
		RoundNumber: 1,
		StartedAt:   time.Unix(0, 0),
		Duration:    5 * time.Millisecond,
		Visited:     []string{"a", "b"},
		Changed:     []string{"b"},
	}
	if err := s.SaveRound(ctx, record); err != nil {
		t.Fatalf("SaveRound: %v", err)
	}

	got, err := s.LoadRound(ctx, 1)
	if err != nil {
		t.Fatalf("LoadRound: %v", err)
	}
	if got.Duration != record.Duration || len(got.Visited) != 2 || len(got.Changed) != 1 {
		t.Errorf("LoadRound = %+v, want %+v", got, record)
	}
}

func TestMemoryStoreLoadMissing(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.LoadRound(context.Background(), 99); err != ErrNotFound {
		t.Errorf("LoadRound(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreRecentRoundsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 1; i <= 3; i++ {
		s.SaveRound(ctx, RoundRecord{RoundNumber: i})
	}

	got, err := s.RecentRounds(ctx, 2)
	if err != nil {
		t.Fatalf("RecentRounds: %v", err)
	}
	if len(got) != 2 || got[0].RoundNumber != 3 || got[1].RoundNumber != 2 {
		t.Errorf("RecentRounds(2) = %+v, want [3, 2]", got)
	}
}

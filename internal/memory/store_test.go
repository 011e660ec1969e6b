package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"helmsman/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "helm.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOrchestrationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := &types.Orchestration{
		ID:       uuid.NewString(),
		Pattern:  types.PatternParallel,
		AgentIDs: []string{"researcher-1", "researcher-2"},
		TaskID:   "T1",
		Input:    "Research token bucket algorithms",
		Result:   "Token buckets smooth bursts while enforcing average rate",
		Success:  true,
		Duration: 42 * time.Second,
		Usage:    types.TokenUsage{Input: 1000, Output: 500, CacheRead: 200},
		CostUSD:  0.0123,
		Concepts: []string{"rate-limiting", "algorithms"},
	}
	if err := s.RecordOrchestration(ctx, o); err != nil {
		t.Fatalf("RecordOrchestration: %v", err)
	}

	got, err := s.GetOrchestration(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetOrchestration: %v", err)
	}
	if got.Pattern != types.PatternParallel || !got.Success {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Usage.Total() != 1700 {
		t.Errorf("usage total = %d, want 1700", got.Usage.Total())
	}
	if len(got.AgentIDs) != 2 || got.AgentIDs[0] != "researcher-1" {
		t.Errorf("agent ids = %v", got.AgentIDs)
	}

	// Save -> search by any full word from the title retrieves it.
	for _, word := range []string{"token", "bucket", "algorithms"} {
		hits, err := s.SearchOrchestrations(ctx, word, 10)
		if err != nil {
			t.Fatalf("SearchOrchestrations(%q): %v", word, err)
		}
		if len(hits) == 0 || hits[0].ID != o.ID {
			t.Errorf("search %q did not return orchestration, hits=%v", word, hits)
		}
	}

	if _, err := s.GetOrchestration(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryOrchestrationsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, pat := range []types.Pattern{types.PatternParallel, types.PatternDebate} {
		o := &types.Orchestration{
			ID:       uuid.NewString(),
			Pattern:  pat,
			AgentIDs: []string{"agent-a"},
			Success:  i == 0,
			Input:    "work item",
		}
		if err := s.RecordOrchestration(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.QueryOrchestrations(ctx, OrchestrationFilter{Pattern: types.PatternDebate})
	if err != nil {
		t.Fatalf("QueryOrchestrations: %v", err)
	}
	if len(got) != 1 || got[0].Pattern != types.PatternDebate {
		t.Errorf("pattern filter: got %d results", len(got))
	}

	ok := true
	got, err = s.QueryOrchestrations(ctx, OrchestrationFilter{Success: &ok})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !got[0].Success {
		t.Errorf("success filter: got %d results", len(got))
	}

	got, err = s.QueryOrchestrations(ctx, OrchestrationFilter{AgentID: "agent-a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("agent filter: got %d results, want 2", len(got))
	}
}

func TestObservationInvariants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := &types.Observation{ID: uuid.NewString(), OrchestrationID: "o1"}
	if err := s.RecordObservation(ctx, bad); err == nil {
		t.Fatalf("empty content should be rejected")
	}

	o := &types.Observation{
		ID:              uuid.NewString(),
		OrchestrationID: "o1",
		Type:            types.ObsDiscovery,
		Content:         "Connection pool exhaustion under load spikes",
		Concepts:        []string{"Connection-Pool", " LOAD "},
		Importance:      22,
	}
	if err := s.RecordObservation(ctx, o); err != nil {
		t.Fatalf("RecordObservation: %v", err)
	}

	got, err := s.GetObservation(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetObservation: %v", err)
	}
	if got.Importance != 10 {
		t.Errorf("importance = %d, want clipped 10", got.Importance)
	}
	if got.Concepts[0] != "connection-pool" || got.Concepts[1] != "load" {
		t.Errorf("concepts not normalized: %v", got.Concepts)
	}

	hits, err := s.SearchObservationsFTS(ctx, "exhaustion", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != o.ID {
		t.Errorf("observation FTS miss: %v", hits)
	}
}

func TestObservationsForOrderedByImportance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, imp := range []int{3, 9, 6} {
		o := &types.Observation{
			ID:              uuid.NewString(),
			OrchestrationID: "orch-1",
			Type:            types.ObsDecision,
			Content:         "decision " + string(rune('a'+i)),
			Importance:      imp,
		}
		if err := s.RecordObservation(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ObservationsFor(ctx, "orch-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Importance != 9 || got[2].Importance != 3 {
		t.Errorf("wrong ordering: %v", []int{got[0].Importance, got[1].Importance, got[2].Importance})
	}
}

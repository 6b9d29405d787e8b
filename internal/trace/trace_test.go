package trace

import (
	"context"
	"testing"

	"cgot.sh/engine/internal/domain"
)

func TestDisabledStoreIsNoOp(t *testing.T) {
	s := New(nil)
	if s.Enabled() {
		t.Fatal("expected a nil-backed Store to report disabled")
	}

	if err := s.Record(context.Background(), Run{QuestionID: "q1"}); err != nil {
		t.Errorf("Record on disabled store should be a no-op, got %v", err)
	}

	// RecordBestEffort must never panic on a disabled store.
	s.RecordBestEffort(context.Background(), Run{QuestionID: "q1"})

	if _, err := s.Get(context.Background(), "q1"); err != ErrNotFound {
		t.Errorf("Get on disabled store = %v, want ErrNotFound", err)
	}

	runs, err := s.ListRecent(context.Background(), 10)
	if err != nil || runs != nil {
		t.Errorf("ListRecent on disabled store = (%v, %v), want (nil, nil)", runs, err)
	}
}

func TestConstraintRecordsFromSnapshotsPlannerMetadata(t *testing.T) {
	c := domain.NewConstraint("c1", "P57", "director", domain.OpEquals, "Q123")
	c.EstimatedRows = 42
	c.PriorityScore = 0.75

	records := ConstraintRecordsFrom([]*domain.Constraint{c})
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	r := records[0]
	if r.ID != "c1" || r.EstimatedRows != 42 || r.PriorityScore != 0.75 {
		t.Errorf("record = %+v, did not snapshot planner metadata correctly", r)
	}
}

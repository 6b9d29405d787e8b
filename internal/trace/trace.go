// Package trace persists a best-effort, append-only audit log of each
// question run -- its normalized constraints, final thought graph, and
// answer set -- to Postgres for offline review.
package trace

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"cgot.sh/engine/core/db"
	"cgot.sh/engine/internal/domain"
)

// ErrNotFound is returned when a run trace lookup finds no matching row.
var ErrNotFound = errors.New("trace: not found")

// Run is one persisted question run.
type Run struct {
	QuestionID  string
	Question    string
	Constraints []ConstraintRecord
	Candidates  []string
	StepCount   int
	CreatedAt   time.Time
}

// ConstraintRecord is the planner-ordered, post-normalization snapshot of a
// single constraint, stored as part of the run's audit record.
type ConstraintRecord struct {
	ID            string  `json:"id"`
	PropertyLabel string  `json:"property_label"`
	Operator      string  `json:"operator"`
	Value         string  `json:"value"`
	EstimatedRows int     `json:"estimated_rows"`
	PriorityScore float64 `json:"priority_score"`
}

// ConstraintRecordsFrom snapshots a planner-ordered constraint slice for
// storage.
func ConstraintRecordsFrom(constraints []*domain.Constraint) []ConstraintRecord {
	out := make([]ConstraintRecord, 0, len(constraints))
	for _, c := range constraints {
		out = append(out, ConstraintRecord{
			ID:            c.ID,
			PropertyLabel: c.PropertyLabel,
			Operator:      string(c.Operator),
			Value:         c.Value,
			EstimatedRows: c.EstimatedRows,
			PriorityScore: c.PriorityScore,
		})
	}
	return out
}

// Store persists run traces to Postgres. A nil Store is valid and every
// method on it is a no-op, so callers can leave the trace database
// unconfigured without special-casing the call sites.
type Store struct {
	db *db.DB
}

// New wraps a *db.DB for run-trace persistence. Passing a nil DB yields a
// disabled Store.
func New(database *db.DB) *Store {
	return &Store{db: database}
}

// Enabled reports whether this Store is backed by a real database.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Record persists one run. Persistence is never on the critical path; the
// returned error is provided for tests and for callers that want to know
// anyway, and production call sites should log it and move on rather than
// fail the question.
func (s *Store) Record(ctx context.Context, run Run) error {
	if !s.Enabled() {
		return nil
	}

	constraintsJSON, err := json.Marshal(run.Constraints)
	if err != nil {
		return err
	}
	candidatesJSON, err := json.Marshal(run.Candidates)
	if err != nil {
		return err
	}

	const q = `
INSERT INTO run_traces (question_id, question, constraints, candidates, step_count, created_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (question_id) DO UPDATE SET
  question    = EXCLUDED.question,
  constraints = EXCLUDED.constraints,
  candidates  = EXCLUDED.candidates,
  step_count  = EXCLUDED.step_count`

	_, err = s.db.Pool().Exec(ctx, q, run.QuestionID, run.Question, constraintsJSON, candidatesJSON, run.StepCount)
	return err
}

// RecordBestEffort calls Record and logs (rather than returns) any failure,
// for use directly on the agent's hot path.
func (s *Store) RecordBestEffort(ctx context.Context, run Run) {
	if !s.Enabled() {
		return
	}
	if err := s.Record(ctx, run); err != nil {
		slog.WarnContext(ctx, "trace: failed to persist run", "question_id", run.QuestionID, "error", err)
	}
}

// Get fetches one run trace by question id.
func (s *Store) Get(ctx context.Context, questionID string) (*Run, error) {
	if !s.Enabled() {
		return nil, ErrNotFound
	}

	const q = `
SELECT question_id, question, constraints, candidates, step_count, created_at
FROM run_traces WHERE question_id = $1`

	row := s.db.Pool().QueryRow(ctx, q, questionID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRecent returns up to limit runs, most recent first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Run, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	const q = `
SELECT question_id, question, constraints, candidates, step_count, created_at
FROM run_traces ORDER BY created_at DESC LIMIT $1`

	rows, err := s.db.Pool().Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var constraintsJSON, candidatesJSON []byte
	if err := row.Scan(&run.QuestionID, &run.Question, &constraintsJSON, &candidatesJSON, &run.StepCount, &run.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(constraintsJSON, &run.Constraints); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(candidatesJSON, &run.Candidates); err != nil {
		return nil, err
	}
	return &run, nil
}

// Schema is the DDL the operator applies out of band before enabling
// trace persistence; no migration tool is wired in this build.
const Schema = `
CREATE TABLE IF NOT EXISTS run_traces (
  question_id TEXT PRIMARY KEY,
  question    TEXT NOT NULL,
  constraints JSONB NOT NULL,
  candidates  JSONB NOT NULL,
  step_count  INT NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Package agent implements the Reasoning Agent: a bounded loop over an
// explicit thought-graph DAG that consults an external LM oracle for control
// decisions and dispatches its choice onto the query environment's four
// tools under a guard that skips failed steps instead of aborting.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"cgot.sh/engine/common/id"
	"cgot.sh/engine/common/logger"
	"cgot.sh/engine/internal/critic"
	"cgot.sh/engine/internal/domain"
	"cgot.sh/engine/internal/oracle"
	"cgot.sh/engine/internal/queryenv"
)

// idInitOnce guards a fallback snowflake node init, so freshNodeID works even
// if cmd/cgot's own id.Init(1) call at startup was skipped (e.g. in tests);
// id.Init is itself sync.Once-guarded, so whichever call happens first wins.
var idInitOnce sync.Once

func ensureIDNode() {
	idInitOnce.Do(func() {
		_ = id.Init(1)
	})
}

// Config bounds the reasoning agent's step loop.
type Config struct {
	MaxSteps int
}

// DefaultConfig holds the stock step bound.
func DefaultConfig() Config {
	return Config{MaxSteps: 15}
}

// Oracle is the subset of internal/oracle.Oracle the agent depends on, kept
// as an interface so a scripted test double can stand in for a real
// provider in unit tests.
type Oracle interface {
	Decide(ctx context.Context, req oracle.Request) (domain.Action, error)
}

// Environment is the subset of internal/queryenv.Environment the agent
// dispatches actions against.
type Environment interface {
	Anchor(ctx context.Context, c *domain.Constraint) (queryenv.CandidateSet, error)
	Filter(ctx context.Context, parent queryenv.CandidateSet, c *domain.Constraint) (queryenv.CandidateSet, error)
	Intersect(a, b queryenv.CandidateSet) queryenv.CandidateSet
}

// Agent drives the thought graph for a single question.
type Agent struct {
	env    Environment
	oracle Oracle
	cfg    Config
}

// New constructs an Agent around env and oracle.
func New(env Environment, llmOracle Oracle, cfg Config) *Agent {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultConfig().MaxSteps
	}
	return &Agent{env: env, oracle: llmOracle, cfg: cfg}
}

// Result is the outcome of one Run.
type Result struct {
	Candidates queryenv.CandidateSet
	Graph      *domain.ThoughtGraph
	Steps      int
}

// Run solves question given its (already planner-ordered) constraints,
// returning the final candidate set and the constructed thought graph. It
// never returns an error for ordinary reasoning failures (dead ends,
// malformed oracle responses, guarded dispatch failures) -- those are
// logged and the loop continues. The only error path is a caller-supplied context that is
// already done on entry.
func (a *Agent) Run(ctx context.Context, questionID, question string, constraints []*domain.Constraint) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("agent: context already done: %w", err)
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		QuestionID: logger.Ptr(questionID),
		Component:  "cgot.agent",
	})

	constraintMap := make(map[string]*domain.Constraint, len(constraints))
	for _, c := range constraints {
		constraintMap[c.ID] = c
	}

	graph := domain.NewThoughtGraph()
	candidateSets := map[string]queryenv.CandidateSet{domain.RootNodeID: {}}

	step := 0
	for ; step < a.cfg.MaxSteps; step++ {
		if ctx.Err() != nil {
			slog.WarnContext(ctx, "agent: deadline exceeded, terminating early", "step", step)
			break
		}

		stepCtx := logger.WithLogFields(ctx, logger.LogFields{StepIndex: logger.Ptr(step)})
		sc := logger.StartSpan(stepCtx, "cgot.agent.step", oteltrace.WithAttributes(attribute.Int("step_index", step)))
		stepCtx = sc.Context()

		advice := critic.Evaluate(constraints)
		req := oracle.Request{
			Question:        question,
			ConstraintLines: constraintLines(constraints),
			GraphSummary:    graph.Summary(),
			CriticAdvice:    advice.Render(),
			StepIndex:       step,
		}

		decision, err := a.oracle.Decide(stepCtx, req)
		if err != nil {
			slog.WarnContext(stepCtx, "agent: oracle step skipped", "step", step, "error", err)
			sc.RecordError(err)
			sc.End()
			continue
		}

		sc.Span().SetAttributes(attribute.String("action", string(decision.Action)))
		slog.DebugContext(stepCtx, "agent: dispatching action", "step", step, "action", decision.Action, "reasoning", decision.Reasoning)

		if decision.Action == domain.ActionFinish {
			candidates := a.finish(stepCtx, graph, candidateSets, decision)
			graph.AppendHistory(fmt.Sprintf("Step %d: FINISH - %s", step, decision.Reasoning))
			sc.End()
			return Result{Candidates: candidates, Graph: graph, Steps: step + 1}, nil
		}

		node, candidates, err := a.act(stepCtx, candidateSets, constraintMap, decision)
		if err != nil {
			slog.WarnContext(stepCtx, "agent: action failed, step skipped", "step", step, "error", err)
			sc.RecordError(err)
			sc.End()
			continue
		}

		graph.AddNode(node)
		candidateSets[node.NodeID] = candidates
		graph.AppendHistory(fmt.Sprintf("Step %d: %s - %s", step, decision.Action, decision.Reasoning))
		sc.End()
	}

	last := graph.LastLive()
	return Result{Candidates: candidateSets[last.NodeID], Graph: graph, Steps: step}, nil
}

// act dispatches the non-FINISH actions. A returned error is a
// *domain.ActionError naming the failed action; the step is skipped without
// extending the graph.
func (a *Agent) act(
	ctx context.Context,
	candidateSets map[string]queryenv.CandidateSet,
	constraintMap map[string]*domain.Constraint,
	decision domain.Action,
) (*domain.ThoughtNode, queryenv.CandidateSet, error) {
	var (
		node       *domain.ThoughtNode
		candidates queryenv.CandidateSet
		err        error
	)
	switch decision.Action {
	case domain.ActionSearchAnchor:
		node, candidates, err = a.searchAnchor(ctx, constraintMap, decision)
	case domain.ActionFilter:
		node, candidates, err = a.filter(ctx, candidateSets, constraintMap, decision)
	case domain.ActionIntersect:
		node, candidates, err = a.intersect(candidateSets, decision)
	case domain.ActionRelaxConstraint:
		node, candidates, err = a.relax(constraintMap, decision)
	default:
		err = fmt.Errorf("unknown action %q", decision.Action)
	}
	if err != nil {
		return nil, nil, &domain.ActionError{Action: decision.Action, Err: err}
	}
	return node, candidates, nil
}

func (a *Agent) searchAnchor(ctx context.Context, constraintMap map[string]*domain.Constraint, decision domain.Action) (*domain.ThoughtNode, queryenv.CandidateSet, error) {
	params, err := domain.ParseActionData[domain.SearchAnchorParams](decision)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing SEARCH_ANCHOR params: %w", err)
	}
	c, ok := constraintMap[params.ConstraintID]
	if !ok {
		return nil, nil, fmt.Errorf("unknown constraint %q", params.ConstraintID)
	}

	candidates, err := a.env.Anchor(ctx, c)
	if err != nil {
		return nil, nil, fmt.Errorf("anchor %s: %w", c.ID, err)
	}

	node := &domain.ThoughtNode{
		NodeID:      freshNodeID("search"),
		Description: fmt.Sprintf("Anchor on %s", c.PropertyLabel),
		Candidates:  setToMap(candidates),
		ParentIDs:   []string{domain.RootNodeID},
	}
	return node, candidates, nil
}

func (a *Agent) filter(
	ctx context.Context,
	candidateSets map[string]queryenv.CandidateSet,
	constraintMap map[string]*domain.Constraint,
	decision domain.Action,
) (*domain.ThoughtNode, queryenv.CandidateSet, error) {
	params, err := domain.ParseActionData[domain.FilterParams](decision)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing FILTER params: %w", err)
	}
	parent, ok := candidateSets[params.ParentNodeID]
	if !ok {
		return nil, nil, fmt.Errorf("unknown parent node %q", params.ParentNodeID)
	}
	c, ok := constraintMap[params.ConstraintID]
	if !ok {
		return nil, nil, fmt.Errorf("unknown constraint %q", params.ConstraintID)
	}

	candidates, err := a.env.Filter(ctx, parent, c)
	if err != nil {
		return nil, nil, fmt.Errorf("filter %s: %w", c.ID, err)
	}

	node := &domain.ThoughtNode{
		NodeID:      freshNodeID("filter"),
		Description: fmt.Sprintf("Filter by %s", c.PropertyLabel),
		Candidates:  setToMap(candidates),
		ParentIDs:   []string{params.ParentNodeID},
		// An empty filter result is a dead end; mark it so fallback
		// answer selection skips it.
		IsTerminal: len(candidates) == 0,
	}
	return node, candidates, nil
}

func (a *Agent) intersect(
	candidateSets map[string]queryenv.CandidateSet,
	decision domain.Action,
) (*domain.ThoughtNode, queryenv.CandidateSet, error) {
	params, err := domain.ParseActionData[domain.IntersectParams](decision)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing INTERSECT params: %w", err)
	}
	a1, ok := candidateSets[params.NodeID1]
	if !ok {
		return nil, nil, fmt.Errorf("unknown node %q", params.NodeID1)
	}
	a2, ok := candidateSets[params.NodeID2]
	if !ok {
		return nil, nil, fmt.Errorf("unknown node %q", params.NodeID2)
	}

	candidates := a.env.Intersect(a1, a2)
	node := &domain.ThoughtNode{
		NodeID:      freshNodeID("merge"),
		Description: "Intersection",
		Candidates:  setToMap(candidates),
		ParentIDs:   []string{params.NodeID1, params.NodeID2},
	}
	return node, candidates, nil
}

// relax replaces the constraint's own operator/value so the next FILTER
// sees the relaxed form, and appends a sentinel node with no parents and
// empty candidates.
func (a *Agent) relax(constraintMap map[string]*domain.Constraint, decision domain.Action) (*domain.ThoughtNode, queryenv.CandidateSet, error) {
	params, err := domain.ParseActionData[domain.RelaxConstraintParams](decision)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing RELAX_CONSTRAINT params: %w", err)
	}
	c, ok := constraintMap[params.ConstraintID]
	if !ok {
		return nil, nil, fmt.Errorf("unknown constraint %q", params.ConstraintID)
	}

	relaxed := queryenv.Relax(c)
	c.Operator = relaxed.Operator
	c.Value = relaxed.Value

	node := &domain.ThoughtNode{
		NodeID:      freshNodeID("relax"),
		Description: fmt.Sprintf("Relaxed %s -> %s %s", c.ID, c.Operator, c.Value),
		Candidates:  map[string]struct{}{},
		IsTerminal:  true,
	}
	return node, queryenv.CandidateSet{}, nil
}

// finish resolves the FINISH action's target node, falling back to the most
// recently added live node if the oracle named an invalid one.
func (a *Agent) finish(ctx context.Context, graph *domain.ThoughtGraph, candidateSets map[string]queryenv.CandidateSet, decision domain.Action) queryenv.CandidateSet {
	params, err := domain.ParseActionData[domain.FinishParams](decision)
	if err != nil {
		slog.WarnContext(ctx, "agent: malformed FINISH params, using last live node", "error", err)
		return candidateSets[graph.LastLive().NodeID]
	}

	if candidates, ok := candidateSets[params.FinalNodeID]; ok {
		return candidates
	}
	slog.WarnContext(ctx, "agent: FINISH named unknown node, falling back to last live node", "node_id", params.FinalNodeID)
	return candidateSets[graph.LastLive().NodeID]
}

func freshNodeID(prefix string) string {
	ensureIDNode()
	return fmt.Sprintf("%s_%d", prefix, id.New())
}

func setToMap(set queryenv.CandidateSet) map[string]struct{} {
	out := make(map[string]struct{}, len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out
}

func constraintLines(constraints []*domain.Constraint) []string {
	lines := make([]string, 0, len(constraints))
	for _, c := range constraints {
		lines = append(lines, fmt.Sprintf("%s: %s %s %s", c.ID, c.PropertyLabel, c.Operator, c.Value))
	}
	return lines
}


package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cgot.sh/engine/internal/agent"
	"cgot.sh/engine/internal/domain"
	"cgot.sh/engine/internal/ingest"
	"cgot.sh/engine/internal/kg"
	"cgot.sh/engine/internal/oracle"
	"cgot.sh/engine/internal/planner"
	"cgot.sh/engine/internal/queryenv"
	"cgot.sh/engine/internal/trace"
)

// fakeKGServer answers every SPARQL query with one fixed binding, enough to
// exercise a SEARCH_ANCHOR+FINISH round trip end to end without a real KG.
func fakeKGServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/sparql-results+json")
		w.Write([]byte(`{"results":{"bindings":[{"item":{"value":"http://www.wikidata.org/entity/Q42"}}]}}`))
	}))
}

// scriptedOracle replays one decision then always FINISHes on the last node.
type scriptedOracle struct {
	decisions []domain.Action
	calls     int
}

func (s *scriptedOracle) Decide(ctx context.Context, req oracle.Request) (domain.Action, error) {
	if s.calls >= len(s.decisions) {
		return domain.Action{Action: domain.ActionFinish, Params: []byte(`{"final_node_id":"__last__"}`)}, nil
	}
	d := s.decisions[s.calls]
	s.calls++
	return d, nil
}

func newDisabledTraceStoreForTest(t *testing.T) *trace.Store {
	t.Helper()
	return trace.New(nil)
}

func TestRunLoopSolvesOneQuestionEndToEnd(t *testing.T) {
	srv := fakeKGServer(t)
	defer srv.Close()

	gateway, err := kg.New(kg.Config{
		Endpoint:             srv.URL,
		EntitySearchEndpoint: srv.URL,
		UserAgent:            "cgot-test/1.0",
	})
	if err != nil {
		t.Fatalf("kg.New: %v", err)
	}
	defer gateway.Close()

	env := queryenv.New(gateway)
	o := &scriptedOracle{decisions: []domain.Action{
		{Action: domain.ActionSearchAnchor, Reasoning: "anchor", Params: []byte(`{"constraint_id":"c1"}`)},
	}}
	reasoner := agent.New(env, o, agent.Config{MaxSteps: 5})

	traceStore := newDisabledTraceStoreForTest(t)
	plannerCfg := planner.Config{ProbeLimit: 1000, ProbeTimeout: 2.0, FanOut: 2}

	question := ingest.Question{
		ID:   "q1",
		Text: "who directed it",
		Constraints: []ingest.RawConstraint{
			{ID: "c1", PropertyLabel: "director", PropertyCode: "P57", Operator: "=", Value: "Q123"},
		},
	}
	body, err := json.Marshal(question)
	if err != nil {
		t.Fatalf("marshal question: %v", err)
	}

	var out bytes.Buffer
	if err := runLoop(context.Background(), bytes.NewReader(body), &out, gateway, env, reasoner, traceStore, plannerCfg); err != nil {
		t.Fatalf("runLoop: %v", err)
	}

	var got answer
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal answer: %v (raw=%s)", err, out.String())
	}
	if got.QuestionID != "q1" {
		t.Errorf("question_id = %q, want q1", got.QuestionID)
	}
	if len(got.Candidates) != 1 || got.Candidates[0] != "Q42" {
		t.Errorf("candidates = %v, want [Q42]", got.Candidates)
	}
}

func TestRunLoopGeneratesQuestionIDWhenAbsent(t *testing.T) {
	srv := fakeKGServer(t)
	defer srv.Close()
	gateway, _ := kg.New(kg.Config{Endpoint: srv.URL, EntitySearchEndpoint: srv.URL, UserAgent: "cgot-test/1.0"})
	defer gateway.Close()
	env := queryenv.New(gateway)
	reasoner := agent.New(env, &scriptedOracle{}, agent.Config{MaxSteps: 1})

	var out bytes.Buffer
	input := `{"text":"anything","constraints":[]}`
	if err := runLoop(context.Background(), strings.NewReader(input), &out, gateway, env, reasoner, newDisabledTraceStoreForTest(t), planner.DefaultConfig()); err != nil {
		t.Fatalf("runLoop: %v", err)
	}

	var got answer
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal answer: %v (raw=%s)", err, out.String())
	}
	if got.QuestionID == "" {
		t.Error("expected a generated question id for input without one")
	}
}

func TestRunLoopStopsCleanlyOnEOF(t *testing.T) {
	srv := fakeKGServer(t)
	defer srv.Close()
	gateway, _ := kg.New(kg.Config{Endpoint: srv.URL, EntitySearchEndpoint: srv.URL, UserAgent: "cgot-test/1.0"})
	defer gateway.Close()
	env := queryenv.New(gateway)
	reasoner := agent.New(env, &scriptedOracle{}, agent.Config{MaxSteps: 1})

	var out bytes.Buffer
	err := runLoop(context.Background(), strings.NewReader(""), &out, gateway, env, reasoner, newDisabledTraceStoreForTest(t), planner.DefaultConfig())
	if err != nil {
		t.Fatalf("runLoop on empty input should return nil, got %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no output for empty input, got %q", out.String())
	}
}

package queryenv

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cgot.sh/engine/internal/domain"
	"cgot.sh/engine/internal/kg"
)

// capturingKG backs an Environment with a fake SPARQL endpoint that records
// every query it receives and answers each with respond(query).
func capturingKG(t *testing.T, respond func(query string) string) (*kg.Gateway, *[]string) {
	t.Helper()
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("query")
		queries = append(queries, q)
		w.Header().Set("Content-Type", "application/sparql-results+json")
		w.Write([]byte(respond(q)))
	}))
	t.Cleanup(srv.Close)

	gw, err := kg.New(kg.Config{Endpoint: srv.URL, UserAgent: "test-agent/1.0"})
	if err != nil {
		t.Fatalf("kg.New: %v", err)
	}
	t.Cleanup(func() { gw.Close() })
	return gw, &queries
}

func itemBindings(codes ...string) string {
	var rows []string
	for _, c := range codes {
		rows = append(rows, `{"item":{"value":"http://www.wikidata.org/entity/`+c+`"}}`)
	}
	return `{"results":{"bindings":[` + strings.Join(rows, ",") + `]}}`
}

func valueBindings(values ...string) string {
	var rows []string
	for _, v := range values {
		rows = append(rows, `{"v":{"value":"`+v+`"}}`)
	}
	return `{"results":{"bindings":[` + strings.Join(rows, ",") + `]}}`
}

func TestFilterUsesSubclassClosureForEntityValues(t *testing.T) {
	gw, queries := capturingKG(t, func(q string) string {
		return itemBindings("Q100")
	})
	env := New(gw)

	parent := NewCandidateSet([]string{"Q100", "Q200"})
	c := domain.NewConstraint("c1", "P31", "instance of", domain.OpEquals, "Q11424")

	got, err := env.Filter(context.Background(), parent, c)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}

	if len(*queries) != 1 {
		t.Fatalf("expected exactly one query, got %d", len(*queries))
	}
	q := (*queries)[0]
	if !strings.Contains(q, "wdt:P279*") {
		t.Errorf("filter query lacks subclass closure: %q", q)
	}
	if !strings.Contains(q, "VALUES ?item") {
		t.Errorf("filter query not restricted to parent set: %q", q)
	}
	if _, ok := got["Q100"]; !ok || len(got) != 1 {
		t.Errorf("filter result = %v, want [Q100]", got.Slice())
	}
}

func TestFilterAlignsMagnitudeForThisCallOnly(t *testing.T) {
	gw, queries := capturingKG(t, func(q string) string {
		if strings.Contains(q, "SELECT ?v") {
			return valueBindings("1400000", "1500000", "1600000")
		}
		return itemBindings("Q64")
	})
	env := New(gw)

	parent := NewCandidateSet([]string{"Q64", "Q90"})
	c := domain.NewConstraint("c1", "P1082", "population", domain.OpLessThan, "1.5")

	if _, err := env.Filter(context.Background(), parent, c); err != nil {
		t.Fatalf("Filter: %v", err)
	}

	filterQuery := (*queries)[len(*queries)-1]
	if !strings.Contains(filterQuery, "?v < 1500000") {
		t.Errorf("expected the threshold rewritten to 1500000 for this call, got %q", filterQuery)
	}
	if c.Value != "1.5" {
		t.Errorf("original constraint value mutated to %q", c.Value)
	}
}

func TestFilterAlignmentIsNoopWhenMedianMatchesValue(t *testing.T) {
	gw, queries := capturingKG(t, func(q string) string {
		if strings.Contains(q, "SELECT ?v") {
			return valueBindings("7350")
		}
		return itemBindings("Q64")
	})
	env := New(gw)

	parent := NewCandidateSet([]string{"Q64"})
	c := domain.NewConstraint("c1", "P2047", "duration", domain.OpLessThan, "7350")

	if _, err := env.Filter(context.Background(), parent, c); err != nil {
		t.Fatalf("Filter: %v", err)
	}

	filterQuery := (*queries)[len(*queries)-1]
	if !strings.Contains(filterQuery, "?v < 7350") {
		t.Errorf("expected the user threshold untouched, got %q", filterQuery)
	}
}

func TestFilterIgnoreReturnsParentUnchanged(t *testing.T) {
	env := New(nil)
	parent := NewCandidateSet([]string{"Q1", "Q2"})
	c := domain.NewConstraint("c1", "P31", "instance of", domain.OpIgnore, "Q11424")

	got, err := env.Filter(context.Background(), parent, c)
	if err != nil {
		t.Fatalf("Filter: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("IGNORE filter = %v, want the parent set unchanged", got.Slice())
	}
}

func TestRelaxNumericMultipliesThreshold(t *testing.T) {
	lt := domain.NewConstraint("c1", "P2047", "duration", domain.OpLessThan, "100")
	relaxed := Relax(lt)
	if relaxed.Value != "150" {
		t.Errorf("< relax: value = %q, want 150", relaxed.Value)
	}
	if relaxed.Operator != domain.OpLessThan {
		t.Errorf("< relax: operator changed to %q", relaxed.Operator)
	}

	gt := domain.NewConstraint("c2", "P2047", "duration", domain.OpGreaterThan, "100")
	relaxedGT := Relax(gt)
	if relaxedGT.Value != "50" {
		t.Errorf("> relax: value = %q, want 50", relaxedGT.Value)
	}
}

func TestRelaxEntityCodeBecomesIgnore(t *testing.T) {
	c := domain.NewConstraint("c1", "P57", "director", domain.OpEquals, "Q123")
	relaxed := Relax(c)
	if relaxed.Operator != domain.OpIgnore {
		t.Errorf("operator = %q, want IGNORE", relaxed.Operator)
	}
}

func TestRelaxEqualsBecomesContains(t *testing.T) {
	c := domain.NewConstraint("c1", "P136", "genre", domain.OpEquals, "horror")
	relaxed := Relax(c)
	if relaxed.Operator != domain.OpContains {
		t.Errorf("operator = %q, want contains", relaxed.Operator)
	}
	if relaxed.Value != "horror" {
		t.Errorf("value changed: %q", relaxed.Value)
	}
}

func TestRelaxDoesNotMutateOriginal(t *testing.T) {
	c := domain.NewConstraint("c1", "P2047", "duration", domain.OpLessThan, "100")
	_ = Relax(c)
	if c.Value != "100" || c.Operator != domain.OpLessThan {
		t.Errorf("original constraint mutated: %+v", c)
	}
}

func TestRelaxIsIdempotentOnIgnore(t *testing.T) {
	c := domain.NewConstraint("c1", "P57", "director", domain.OpIgnore, "Q123")
	relaxed := Relax(c)
	if relaxed.Operator != domain.OpIgnore {
		t.Errorf("relaxing an IGNORE constraint should stay IGNORE, got %q", relaxed.Operator)
	}
}

func TestIntersect(t *testing.T) {
	env := New(nil)
	a := NewCandidateSet([]string{"Q1", "Q2", "Q3"})
	b := NewCandidateSet([]string{"Q2", "Q3", "Q4"})

	got := env.Intersect(a, b)

	want := map[string]bool{"Q2": true, "Q3": true}
	if len(got) != len(want) {
		t.Fatalf("intersect = %v, want %v", got.Slice(), want)
	}
	for k := range want {
		if _, ok := got[k]; !ok {
			t.Errorf("missing %q in intersection", k)
		}
	}
}

func TestMatchFactorRecognizesTimeAndMagnitudeRatios(t *testing.T) {
	cases := []struct {
		ratio      float64
		wantFactor float64
		wantOK     bool
	}{
		{60, 60, true},
		{1.0 / 60, 1.0 / 60, true},
		{3600, 3600, true},
		{1_000_000, 1_000_000, true},
		{1.2, 0, false}, // within the "already consistent" band, handled by caller
	}
	for _, tc := range cases {
		factor, ok := matchFactor(tc.ratio)
		if ok != tc.wantOK {
			t.Errorf("matchFactor(%v) ok = %v, want %v", tc.ratio, ok, tc.wantOK)
			continue
		}
		if ok && factor != tc.wantFactor {
			t.Errorf("matchFactor(%v) = %v, want %v", tc.ratio, factor, tc.wantFactor)
		}
	}
}

func TestMedianOf(t *testing.T) {
	if m := medianOf([]float64{3, 1, 2}); m != 2 {
		t.Errorf("median of odd slice = %v, want 2", m)
	}
	if m := medianOf([]float64{1, 2, 3, 4}); m != 2.5 {
		t.Errorf("median of even slice = %v, want 2.5", m)
	}
}

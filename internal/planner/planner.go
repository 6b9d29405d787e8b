// Package planner implements the cost-based constraint planner: it probes
// the KG for per-constraint result cardinality and orders constraints from
// most to least selective, fanning the independent probes out under a
// bounded-concurrency semaphore.
package planner

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"cgot.sh/engine/internal/domain"
	"cgot.sh/engine/internal/kg"
)

// Config bounds the planner's probing behavior.
type Config struct {
	ProbeLimit   int
	ProbeTimeout float64 // seconds
	FanOut       int
}

// DefaultConfig holds the stock probe bounds.
func DefaultConfig() Config {
	return Config{ProbeLimit: 1000, ProbeTimeout: 2.0, FanOut: 4}
}

// Plan probes every constraint's cardinality and returns them sorted
// descending by priority score (most selective anchor candidate first).
// Constraints are probed concurrently, bounded by cfg.FanOut; the final
// ordering is deterministic regardless of probe completion order.
func Plan(ctx context.Context, gateway *kg.Gateway, constraints []*domain.Constraint, cfg Config) []*domain.Constraint {
	fanOut := cfg.FanOut
	if fanOut <= 0 {
		fanOut = 1
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 2.0
	}
	limit := cfg.ProbeLimit
	if limit <= 0 {
		limit = 1000
	}

	sem := make(chan struct{}, fanOut)
	var wg sync.WaitGroup
	for _, c := range constraints {
		wg.Add(1)
		go func(c *domain.Constraint) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			probeOne(ctx, gateway, c, limit, timeout)
		}(c)
	}
	wg.Wait()

	ordered := make([]*domain.Constraint, len(constraints))
	copy(ordered, constraints)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].PriorityScore > ordered[j].PriorityScore
	})
	return ordered
}

func probeOne(ctx context.Context, gateway *kg.Gateway, c *domain.Constraint, limit int, timeoutSeconds float64) {
	query := buildProbeQuery(c)
	timeout := time.Duration(timeoutSeconds * float64(time.Second))

	count := gateway.ProbeCount(ctx, query, limit, timeout)

	c.EstimatedRows = count
	if count >= domain.Unbounded {
		c.EstimatedRows = domain.Unbounded
		c.PriorityScore = 0
		return
	}
	c.PriorityScore = 1 / math.Log10(float64(count)+2)
}

// buildProbeQuery branches on
// whether the constraint's value is an entity code, a year on a date-like
// property, a full date, a number, or a free string, and on the operator
// (=, >, <, contains).
func buildProbeQuery(c *domain.Constraint) string {
	triple := fmt.Sprintf("?item wdt:%s ?v", c.PropertyCode)

	switch {
	case domain.IsEntityCode(c.Value):
		return fmt.Sprintf("SELECT ?item WHERE { ?item wdt:%s wd:%s }", c.PropertyCode, c.Value)
	case c.Operator == domain.OpContains:
		return fmt.Sprintf(`SELECT ?item WHERE { %s . FILTER(CONTAINS(LCASE(STR(?v)), LCASE("%s"))) }`, triple, escapeLiteral(c.Value))
	case domain.IsYear(c.Value) && isDateLike(c.PropertyLabel):
		return fmt.Sprintf("SELECT ?item WHERE { %s . FILTER(YEAR(?v) %s %s) }", triple, operatorSymbol(c.Operator), c.Value)
	case domain.IsFullDate(c.Value):
		return fmt.Sprintf(`SELECT ?item WHERE { %s . FILTER(?v %s "%s"^^xsd:dateTime) }`, triple, operatorSymbol(c.Operator), c.Value)
	case domain.IsNumber(c.Value):
		return fmt.Sprintf("SELECT ?item WHERE { %s . FILTER(?v %s %s) }", triple, operatorSymbol(c.Operator), c.Value)
	default:
		return fmt.Sprintf(`SELECT ?item WHERE { ?item wdt:%s ?target . ?target rdfs:label ?lbl . FILTER(LANG(?lbl) = "en") . FILTER(LCASE(STR(?lbl)) = LCASE("%s")) }`, c.PropertyCode, escapeLiteral(c.Value))
	}
}

// isDateLike reports whether a property label names a date or point in
// time, so a bare four-digit value on it is compared as a year.
func isDateLike(label string) bool {
	lower := strings.ToLower(label)
	for _, keyword := range []string{"date", "year", "inception", " time"} {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

func operatorSymbol(op domain.Operator) string {
	switch op {
	case domain.OpGreaterThan:
		return ">"
	case domain.OpLessThan:
		return "<"
	case domain.OpGreaterEq:
		return ">="
	case domain.OpLessEq:
		return "<="
	default:
		return "="
	}
}

func escapeLiteral(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}


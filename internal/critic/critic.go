// Package critic turns planner metadata into human-readable advice for the
// reasoning oracle.
package critic

import (
	"fmt"
	"strings"

	"cgot.sh/engine/internal/domain"
)

// Thresholds for the anchor-quality categories.
const (
	strongThreshold     = 1000
	acceptableThreshold = 10000
	inefficientAsFilter = 100_000
)

// Advice is the Critic's stateless report over an ordered constraint list.
type Advice struct {
	// BestAnchorCategory is one of "STRONG", "ACCEPTABLE", "CAUTION".
	BestAnchorCategory string
	// Warnings is one line per constraint flagged as expensive.
	Warnings []string
	// RelaxationCandidates lists softness > 0.5 constraints by id.
	RelaxationCandidates []string
}

// Evaluate computes advice over constraints, which must already be
// planner-ordered (most selective first). It never executes a query; it
// reads only metadata the planner already attached.
func Evaluate(constraints []*domain.Constraint) Advice {
	var advice Advice

	if len(constraints) > 0 {
		advice.BestAnchorCategory = categorize(constraints[0].EstimatedRows)
	}

	for _, c := range constraints {
		switch {
		case c.IsUnbounded():
			advice.Warnings = append(advice.Warnings,
				fmt.Sprintf("%s: too expensive to probe; apply late, not as anchor", c.ID))
		case c.EstimatedRows >= inefficientAsFilter:
			advice.Warnings = append(advice.Warnings,
				fmt.Sprintf("%s: estimated %d rows, inefficient as a filter", c.ID, c.EstimatedRows))
		}
		if c.Softness > 0.5 {
			advice.RelaxationCandidates = append(advice.RelaxationCandidates, c.ID)
		}
	}

	return advice
}

func categorize(estimatedRows int) string {
	switch {
	case estimatedRows < 0:
		return "CAUTION"
	case estimatedRows < strongThreshold:
		return "STRONG"
	case estimatedRows < acceptableThreshold:
		return "ACCEPTABLE"
	default:
		return "CAUTION"
	}
}

// Render produces the plain-text block the agent embeds in its oracle prompt.
func (a Advice) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Best anchor category: %s\n", a.BestAnchorCategory)
	for _, w := range a.Warnings {
		fmt.Fprintf(&b, "WARNING: %s\n", w)
	}
	if len(a.RelaxationCandidates) > 0 {
		fmt.Fprintf(&b, "NOTE: relaxation candidates: %s\n", strings.Join(a.RelaxationCandidates, ", "))
	}
	return b.String()
}

// Package ingest implements the boundary this engine draws around its
// upstream NL-parsing collaborator: we load the collaborator's output shape
// -- a flat JSON list of atomic constraint records -- and resolve any
// missing property codes against the Gateway, but we do not implement the
// collaborator's own prompting.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"cgot.sh/engine/internal/domain"
	"cgot.sh/engine/internal/kg"
)

// RawConstraint is the wire shape produced by the upstream NL-parsing
// collaborator. property_code is optional and is resolved against the KG
// when absent.
type RawConstraint struct {
	ID            string  `json:"id"`
	PropertyLabel string  `json:"property_label"`
	PropertyCode  string  `json:"property_code,omitempty"`
	Operator      string  `json:"operator"`
	Value         string  `json:"value"`
	Unit          string  `json:"unit,omitempty"`
	Softness      float64 `json:"softness,omitempty"`
}

// Question is the top-level ingest record: the original natural-language
// question plus its parsed constraint list, kept paired at the boundary so
// downstream traces and prompts always carry the question text.
type Question struct {
	ID          string          `json:"id"`
	Text        string          `json:"text"`
	Constraints []RawConstraint `json:"constraints"`
}

// Decode parses a Question from r. It performs no KG resolution; call
// Resolve afterward.
func Decode(r io.Reader) (Question, error) {
	var q Question
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&q); err != nil {
		return Question{}, fmt.Errorf("ingest: decoding question: %w", err)
	}
	return q, nil
}

// Resolve converts a Question's raw constraints into domain.Constraint
// values, resolving any missing property_code via gateway.SearchProperty. A
// constraint whose property label cannot be linked is dropped with a logged
// warning rather than failing the whole question.
func Resolve(ctx context.Context, gateway *kg.Gateway, q Question) []*domain.Constraint {
	out := make([]*domain.Constraint, 0, len(q.Constraints))
	for _, raw := range q.Constraints {
		propertyCode := raw.PropertyCode
		if propertyCode == "" {
			code, ok, err := gateway.SearchProperty(ctx, raw.PropertyLabel)
			if err != nil || !ok {
				slog.WarnContext(ctx, "ingest: dropping unlinkable constraint", "id", raw.ID, "property_label", raw.PropertyLabel, "error", err)
				continue
			}
			propertyCode = code
		}

		c := domain.NewConstraint(raw.ID, propertyCode, raw.PropertyLabel, domain.Operator(raw.Operator), raw.Value)
		c.Unit = raw.Unit
		c.Softness = raw.Softness
		out = append(out, c)
	}
	return out
}

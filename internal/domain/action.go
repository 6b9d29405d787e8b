package domain

import "encoding/json"

// ActionType enumerates the five moves the reasoning agent may dispatch.
type ActionType string

const (
	ActionSearchAnchor    ActionType = "SEARCH_ANCHOR"
	ActionFilter          ActionType = "FILTER"
	ActionIntersect       ActionType = "INTERSECT"
	ActionRelaxConstraint ActionType = "RELAX_CONSTRAINT"
	ActionFinish          ActionType = "FINISH"
)

// Action is the oracle's structured decision for a single step: the action
// name, its (action-specific) parameters, and the oracle's stated reasoning.
type Action struct {
	Action    ActionType      `json:"action"`
	Params    json.RawMessage `json:"params"`
	Reasoning string          `json:"reasoning"`
}

// SearchAnchorParams is Action.Params for ActionSearchAnchor.
type SearchAnchorParams struct {
	ConstraintID string `json:"constraint_id"`
}

// FilterParams is Action.Params for ActionFilter.
type FilterParams struct {
	ParentNodeID string `json:"parent_node_id"`
	ConstraintID string `json:"constraint_id"`
}

// IntersectParams is Action.Params for ActionIntersect.
type IntersectParams struct {
	NodeID1 string `json:"node_id_1"`
	NodeID2 string `json:"node_id_2"`
}

// RelaxConstraintParams is Action.Params for ActionRelaxConstraint.
type RelaxConstraintParams struct {
	ConstraintID string `json:"constraint_id"`
}

// FinishParams is Action.Params for ActionFinish.
type FinishParams struct {
	FinalNodeID string `json:"final_node_id"`
}

// ParseActionData unmarshals an Action's raw params into a concrete type T.
func ParseActionData[T any](a Action) (T, error) {
	var out T
	if len(a.Params) == 0 {
		return out, nil
	}
	err := json.Unmarshal(a.Params, &out)
	return out, err
}

// ActionError wraps a failure that occurred while executing one step,
// naming the action that failed, so the agent's guard can log it and
// continue the loop rather than abort the whole question.
type ActionError struct {
	Action ActionType
	Err    error
}

func (e *ActionError) Error() string {
	return string(e.Action) + ": " + e.Err.Error()
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

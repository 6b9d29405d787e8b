// Package oracle binds the reasoning agent's abstract LM oracle contract to
// a concrete provider: one schema-constrained request per agent step, one
// structured JSON decision back, no multi-turn tool-calling conversation.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"cgot.sh/engine/internal/domain"
)

// Request is everything the agent conveys to the oracle for a single
// decision: the original question, the constraint definitions, the current
// graph summary, the critic's advice, and the step index.
type Request struct {
	Question        string
	ConstraintLines []string // one "id: label operator value" line per constraint
	GraphSummary    string
	CriticAdvice    string
	StepIndex       int
}

// decision is the wire shape the provider must emit: a single JSON object
// with reasoning/action/params, matching domain.Action exactly.
type decision struct {
	Reasoning string          `json:"reasoning"`
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params"`
}

// ErrMalformed wraps any failure to obtain a well-formed decision from the
// provider -- invalid JSON, an unknown action name, or a transport failure
// after retries. The agent treats this as a no-op step.
var ErrMalformed = errors.New("oracle: malformed or unusable response")

// Config configures the Oracle provider.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Oracle is the concrete LM binding the reasoning agent consults once per
// step.
type Oracle struct {
	client openai.Client
	model  string
}

// New constructs an Oracle. An empty APIKey is valid: the oracle is then
// unusable (every Decide call fails with ErrMalformed), which lets the
// engine still run against a test-double oracle without one configured.
func New(cfg Config) (*Oracle, error) {
	model := cfg.Model
	if model == "" {
		model = "gpt-4.1"
	}

	if cfg.APIKey == "" {
		return &Oracle{model: model}, nil
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Oracle{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

var validActions = map[domain.ActionType]bool{
	domain.ActionSearchAnchor:    true,
	domain.ActionFilter:          true,
	domain.ActionIntersect:       true,
	domain.ActionRelaxConstraint: true,
	domain.ActionFinish:          true,
}

// Decide asks the oracle for the next action. Any transport failure or
// malformed/unknown-action response is reported as ErrMalformed, never as a
// panic or a zero-value Action silently accepted.
func (o *Oracle) Decide(ctx context.Context, req Request) (domain.Action, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(decision{})

	params := openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt()),
			openai.UserMessage(buildPrompt(req)),
		},
		MaxTokens: openai.Int(800),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        "agent_decision",
					Description: openai.String("The agent's next reasoning action"),
					Schema:      schema,
					Strict:      openai.Bool(true),
				},
			},
		},
	}

	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		slog.WarnContext(ctx, "oracle: chat completion failed", "error", err, "step", req.StepIndex)
		return domain.Action{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if len(resp.Choices) == 0 {
		return domain.Action{}, fmt.Errorf("%w: no choices in response", ErrMalformed)
	}

	var d decision
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &d); err != nil {
		return domain.Action{}, fmt.Errorf("%w: decoding decision: %w", ErrMalformed, err)
	}

	action := domain.ActionType(d.Action)
	if !validActions[action] {
		return domain.Action{}, fmt.Errorf("%w: unknown action %q", ErrMalformed, d.Action)
	}

	slog.DebugContext(ctx, "oracle decided",
		"step", req.StepIndex,
		"action", d.Action,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	return domain.Action{
		Action:    action,
		Params:    d.Params,
		Reasoning: d.Reasoning,
	}, nil
}

func systemPrompt() string {
	return `You are an autonomous Graph-of-Thoughts reasoning agent over a knowledge graph.
Your goal is to find the entity set satisfying ALL user constraints.

Rules:
- Do not apply a constraint already present in history on the current path.
- If a FILTER produced zero candidates, your next action must be RELAX_CONSTRAINT on that constraint.
- Respond with exactly one JSON object: {"reasoning": "...", "action": "...", "params": {...}}.`
}

func buildPrompt(req Request) string {
	prompt := fmt.Sprintf("Question: %q\n\nStep: %d\n\n=== Constraint Definitions ===\n",
		req.Question, req.StepIndex)
	for _, line := range req.ConstraintLines {
		prompt += "- " + line + "\n"
	}
	prompt += "\n=== Current Graph State ===\n" + req.GraphSummary
	prompt += "\n=== Critic Advice ===\n" + req.CriticAdvice
	prompt += `
Available actions:
  SEARCH_ANCHOR{"constraint_id"}
  FILTER{"parent_node_id","constraint_id"}
  INTERSECT{"node_id_1","node_id_2"}
  RELAX_CONSTRAINT{"constraint_id"}
  FINISH{"final_node_id"}
`
	return prompt
}

// IsRetryable reports whether a Decide failure is worth a fresh attempt by
// the caller (rate limit, 5xx, or a bare network error).
func IsRetryable(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return true
}

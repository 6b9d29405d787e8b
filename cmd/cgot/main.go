// Command cgot is the one-shot CLI driver for the CGoT reasoning engine: it
// reads questions from stdin, solves each against the knowledge graph, and
// writes the answer sets to stdout as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cgot.sh/engine/common/id"
	"cgot.sh/engine/common/logger"
	"cgot.sh/engine/common/otel"
	"cgot.sh/engine/core/config"
	"cgot.sh/engine/core/db"
	"cgot.sh/engine/internal/agent"
	"cgot.sh/engine/internal/ingest"
	"cgot.sh/engine/internal/kg"
	"cgot.sh/engine/internal/oracle"
	"cgot.sh/engine/internal/planner"
	"cgot.sh/engine/internal/queryenv"
	"cgot.sh/engine/internal/trace"
	"cgot.sh/engine/internal/unit"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	// OTel must init before logger (logger uses the OTel log provider in production).
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	if telemetry != nil {
		slog.Info("otel initialized", "endpoint", cfg.OTel.Endpoint)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := telemetry.Shutdown(shutdownCtx); err != nil {
				slog.Error("otel shutdown failed", "error", err)
			}
		}()
	} else {
		slog.Info("otel disabled (no endpoint configured)")
	}

	slog.Info("cgot engine starting", "env", cfg.Env)

	if err := id.Init(1); err != nil {
		slog.Error("failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}

	gateway, err := kg.New(kg.Config(cfg.Gateway))
	if err != nil {
		slog.Error("failed to initialize kg gateway", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := gateway.Close(); err != nil {
			slog.Error("kg gateway close failed", "error", err)
		}
	}()

	llmOracle, err := oracle.New(oracle.Config{
		APIKey:  cfg.Oracle.APIKey,
		BaseURL: cfg.Oracle.BaseURL,
		Model:   cfg.Oracle.Model,
	})
	if err != nil {
		slog.Error("failed to initialize oracle client", "error", err)
		os.Exit(1)
	}

	env := queryenv.New(gateway)
	reasoner := agent.New(env, llmOracle, agent.Config{MaxSteps: cfg.Agent.MaxSteps})

	traceStore := trace.New(nil)
	if cfg.TraceEnabled() {
		database, err := db.New(ctx, cfg.Trace)
		if err != nil {
			slog.Error("failed to connect to trace database, continuing with tracing disabled", "error", err)
		} else {
			defer database.Close()
			traceStore = trace.New(database)
			slog.Info("run trace store connected")
		}
	}

	plannerCfg := planner.Config{
		ProbeLimit:   cfg.Planner.ProbeLimit,
		ProbeTimeout: cfg.Planner.ProbeTimeout.Seconds(),
		FanOut:       cfg.Planner.FanOut,
	}

	slog.Info("cgot engine ready, reading questions from stdin")

	if err := runLoop(ctx, os.Stdin, os.Stdout, gateway, env, reasoner, traceStore, plannerCfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("engine loop exited with error", "error", err)
		os.Exit(1)
	}

	slog.Info("cgot engine shutting down")
}

// runLoop reads one ingest.Question JSON document at a time from r until
// EOF or ctx is cancelled, solves it, and writes its candidate answer set to
// w as JSON. Each question's normalization, planning, and reasoning is
// strictly sequential; the engine works one question at a time.
func runLoop(
	ctx context.Context,
	r io.Reader,
	w io.Writer,
	gateway *kg.Gateway,
	env *queryenv.Environment,
	reasoner *agent.Agent,
	traceStore *trace.Store,
	plannerCfg planner.Config,
) error {
	dec := json.NewDecoder(r)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var q ingest.Question
		if err := dec.Decode(&q); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decoding question: %w", err)
		}
		if q.ID == "" {
			q.ID = id.NewQuestionID()
		}

		result := solveOne(ctx, gateway, env, reasoner, traceStore, plannerCfg, q)
		if err := json.NewEncoder(w).Encode(result); err != nil {
			return fmt.Errorf("encoding answer: %w", err)
		}
	}
}

// answer is the shape written to stdout for each question.
type answer struct {
	QuestionID string   `json:"question_id"`
	Candidates []string `json:"candidates"`
	Steps      int      `json:"steps"`
}

func solveOne(
	ctx context.Context,
	gateway *kg.Gateway,
	env *queryenv.Environment,
	reasoner *agent.Agent,
	traceStore *trace.Store,
	plannerCfg planner.Config,
	q ingest.Question,
) answer {
	questionCtx := logger.WithLogFields(ctx, logger.LogFields{
		QuestionID: logger.Ptr(q.ID),
		Component:  "cgot.cmd",
	})

	constraints := ingest.Resolve(questionCtx, gateway, q)
	unit.Normalize(constraints)
	constraints = planner.Plan(questionCtx, gateway, constraints, plannerCfg)

	result, err := reasoner.Run(questionCtx, q.ID, q.Text, constraints)
	if err != nil {
		slog.ErrorContext(questionCtx, "agent run failed", "question_id", q.ID, "error", err)
		return answer{QuestionID: q.ID}
	}

	candidates := result.Candidates.Slice()
	traceStore.RecordBestEffort(questionCtx, trace.Run{
		QuestionID:  q.ID,
		Question:    q.Text,
		Constraints: trace.ConstraintRecordsFrom(constraints),
		Candidates:  candidates,
		StepCount:   result.Steps,
	})

	return answer{QuestionID: q.ID, Candidates: candidates, Steps: result.Steps}
}

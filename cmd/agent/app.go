package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/easeaico/family-agent/internal/autonomy"
	"github.com/easeaico/family-agent/internal/config"
	"github.com/easeaico/family-agent/internal/execution"
	"github.com/easeaico/family-agent/internal/llm"
	"github.com/easeaico/family-agent/internal/memory"
	"github.com/easeaico/family-agent/internal/reasoning"
	"github.com/easeaico/family-agent/internal/service"
	"github.com/easeaico/family-agent/internal/store"
	"github.com/easeaico/family-agent/internal/tools"
	"github.com/easeaico/family-agent/internal/worker"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	store    store.Store
	episodic *memory.RedisEpisodic
	llm      *llm.Client
	pool     *worker.Pool
	registry *tools.Registry
	memory   *memory.Manager
	gate     *autonomy.Gate
	pipeline *execution.Pipeline
	agent    *service.Agent
}

// newApp connects the store and builds every component. Redis and the
// Gemini client are optional: without them the episodic and semantic tiers
// stay empty and replies come from templates.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	s, err := store.Open(ctx, cfg.Database.Type, cfg.Database.URL, cfg.LLM.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a := &app{cfg: cfg, store: s}

	if cfg.Database.Migrate {
		if err := s.Migrate(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to migrate store: %w", err)
		}
	}

	if cfg.Redis.URL != "" {
		ep, err := memory.NewRedisEpisodic(ctx, cfg.Redis.URL, cfg.Memory.EpisodicTTL)
		if err != nil {
			log.Warn().Err(err).Msg("episodic memory disabled")
		} else {
			a.episodic = ep
		}
	}

	if cfg.LLM.APIKey != "" {
		client, err := llm.NewClient(ctx, llm.Options{
			APIKey:         cfg.LLM.APIKey,
			ChatModel:      cfg.LLM.ChatModel,
			EmbeddingModel: cfg.LLM.EmbeddingModel,
			EmbedRPS:       cfg.LLM.EmbedRPS,
			EmbedBurst:     cfg.LLM.EmbedBurst,
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to create llm client: %w", err)
		}
		a.llm = client
	} else {
		log.Warn().Msg("no API key configured, semantic memory and generated replies are disabled")
	}

	a.pool = worker.New(worker.Options{
		Name:        "background",
		Concurrency: cfg.Worker.Concurrency,
		QueueSize:   cfg.Worker.QueueSize,
		TaskTimeout: cfg.Worker.TaskTimeout,
	})

	memDeps := memory.Deps{Index: s, Patterns: s, Pool: a.pool}
	if a.episodic != nil {
		memDeps.Episodic = a.episodic
		memDeps.Tasks = a.episodic
	}
	if a.llm != nil {
		memDeps.Embedder = a.llm
	}
	a.memory = memory.NewManager(memDeps, memory.Options{
		WorkingCapacity:       cfg.Memory.WorkingCapacity,
		EpisodicRecall:        cfg.Memory.EpisodicRecall,
		SemanticTopK:          cfg.Memory.SemanticTopK,
		ProceduralLimit:       cfg.Memory.ProceduralLimit,
		SignificanceThreshold: cfg.Memory.SignificanceThreshold,
	})

	a.registry = tools.Default(s, tools.WithTaskObserver(a.memory))

	reasoningRules := reasoning.DefaultRules()
	if cfg.Reasoning.RulesFile != "" {
		if reasoningRules, err = reasoning.LoadRules(cfg.Reasoning.RulesFile); err != nil {
			a.close()
			return nil, err
		}
	}
	engine := reasoning.New(reasoningRules, reasoning.Options{
		Catalogue: a.registry,
		Schedule:  reasoning.CalendarChecker{Tools: a.registry},
		Log:       s,
		Pool:      a.pool,
	})

	autonomyRules := autonomy.DefaultRules()
	if cfg.Autonomy.RulesFile != "" {
		if autonomyRules, err = autonomy.LoadRules(cfg.Autonomy.RulesFile); err != nil {
			a.close()
			return nil, err
		}
	}
	a.gate = autonomy.New(s, autonomyRules, autonomy.Options{
		DefaultLevel:  cfg.Autonomy.DefaultLevel,
		HistoryWindow: cfg.Autonomy.HistoryWindow,
		Pool:          a.pool,
	})

	a.pipeline = execution.New(execution.Deps{
		Store:   s,
		Tools:   a.registry,
		Learner: a.gate,
		Memory:  a.memory,
		Pool:    a.pool,
	}, execution.Options{
		MaxToolCalls:  cfg.Execution.MaxToolCalls,
		ToolTimeout:   cfg.Execution.ToolTimeout,
		PendingWindow: cfg.Execution.PendingWindow,
	})

	deps := service.Deps{
		Memory:   a.memory,
		Reasoner: engine,
		Gate:     a.gate,
		Executor: a.pipeline,
		Tools:    a.registry,
		Auditor:  s,
	}
	if a.llm != nil {
		deps.Generator = a.llm
	}
	a.agent = service.NewAgent(deps, service.Options{RequestTimeout: cfg.Execution.RequestTimeout})

	return a, nil
}

// close drains background work before releasing connections.
func (a *app) close() {
	var errs []error
	if a.pool != nil {
		errs = append(errs, a.pool.Close(a.cfg.Worker.ShutdownTimeout))
	}
	if a.episodic != nil {
		errs = append(errs, a.episodic.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
}

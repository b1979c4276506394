package main

import (
	"fmt"

	"kindred/internal/ceremony"
	"kindred/internal/config"
	"kindred/internal/engine"
	"kindred/internal/logging"
	"kindred/internal/persona"
	"kindred/internal/pipeline"
	"kindred/internal/provider"
	"kindred/internal/store"
)

// runtime bundles every wired component a command needs. Commands that only
// read the store (status, persona list) open it directly instead.
type runtime struct {
	cfg        *config.Config
	store      *store.Store
	state      *persona.MemoryState
	bus        *engine.Bus
	audit      *engine.AuditLog
	queue      *engine.RequestQueue
	orch       *engine.Orchestrator
	extraction *pipeline.Extraction
	scheduler  *ceremony.Scheduler
}

// buildRuntime loads config and assembles the full engine: store-backed
// state, provider client, executor, queue, orchestrator, pipelines, and the
// ceremony scheduler with its handlers registered.
func buildRuntime() (*runtime, error) {
	log := logging.Get(logging.CategoryBoot)

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}

	personas, err := st.LoadPersonas()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load personas: %w", err)
	}
	human, err := st.LoadHuman()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load human profile: %w", err)
	}
	state := persona.NewMemoryState(personas, human)
	state.SetNotifier(persona.NotifierFunc(func(kind, id string) {
		switch kind {
		case persona.KindPersona:
			if p, ok := state.GetPersona(id); ok {
				if err := st.SavePersona(p); err != nil {
					log.Errorf("persist persona %s: %v", id, err)
				}
			}
		case persona.KindHuman:
			if err := st.SaveHuman(state.Human()); err != nil {
				log.Errorf("persist human profile: %v", err)
			}
		}
	}))

	audit, err := engine.NewAuditLog(cfg.Storage.AuditLogPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	client, err := provider.New(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	bus := engine.NewBus(64)
	exec := engine.NewModelExecutor(client, engine.ExecutorConfig{
		DefaultDeadline: cfg.CallTimeout(),
	})

	var orch *engine.Orchestrator
	queue := engine.NewRequestQueue(queueConfig(cfg),
		engine.TagFunc(func(tag string) bool { return orch.Known(tag) }),
		exec, bus, audit)
	orch = engine.NewOrchestrator(queue, exec, state)
	queue.SetPaused(cfg.Queue.Paused)

	extraction := pipeline.NewExtraction()
	if err := extraction.Register(orch); err != nil {
		st.Close()
		return nil, fmt.Errorf("register extraction pipeline: %w", err)
	}

	sched := ceremony.NewScheduler(ceremony.Config{
		Hour:              cfg.Ceremony.Hour,
		Minute:            cfg.Ceremony.Minute,
		MinActiveTopics:   cfg.Ceremony.MinActiveTopics,
		ActiveTopicWeight: cfg.Ceremony.ActiveTopicWeight,
		ExpireBelowWeight: cfg.Ceremony.ExpireBelowWeight,
		LastPersona:       cfg.Ceremony.LastPersona,
	}, state, st, orch, bus)
	if err := sched.RegisterHandlers(orch); err != nil {
		st.Close()
		return nil, fmt.Errorf("register ceremony handlers: %w", err)
	}

	log.Infof("runtime assembled (%d personas, provider=%s)", len(personas), cfg.Provider.Name)
	return &runtime{
		cfg:        cfg,
		store:      st,
		state:      state,
		bus:        bus,
		audit:      audit,
		queue:      queue,
		orch:       orch,
		extraction: extraction,
		scheduler:  sched,
	}, nil
}

func queueConfig(cfg *config.Config) engine.QueueConfig {
	return engine.QueueConfig{
		MaxAttempts:          cfg.Queue.MaxAttempts,
		BackoffBase:          cfg.BackoffBase(),
		BackoffMax:           cfg.BackoffMax(),
		RateLimitBackoffBase: cfg.RateLimitBackoffBase(),
		RateLimitBackoffMax:  cfg.RateLimitBackoffMax(),
	}
}

// close releases runtime resources in dependency order.
func (r *runtime) close() {
	r.bus.Close()
	if err := r.audit.Close(); err != nil {
		logging.Get(logging.CategoryBoot).Warnf("close audit log: %v", err)
	}
	if err := r.store.Close(); err != nil {
		logging.Get(logging.CategoryBoot).Warnf("close store: %v", err)
	}
}

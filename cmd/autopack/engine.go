package main

import (
	"context"

	"go.uber.org/zap"

	"autopack/internal/agent"
	"autopack/internal/approval"
	"autopack/internal/config"
	"autopack/internal/learning"
	"autopack/internal/llm"
	"autopack/internal/orchestrator"
	"autopack/internal/shell"
	"autopack/internal/store"
)

// engine bundles the run-execution stack: provider registry, agents,
// approval broker and orchestrator over one shared store. Both the daemon
// and a foreground `run submit --wait` build the same stack.
type engine struct {
	cfg    *config.Config
	ws     string
	st     *store.Store
	learn  *learning.Store
	broker *approval.Broker
	orch   *orchestrator.Orchestrator
	mgr    *orchestrator.Manager
	inbox  *approval.Inbox
}

// newEngine wires the stack for a workspace. The store stays owned by the
// caller; the learning store is owned by the engine.
func newEngine(cfg *config.Config, ws string, st *store.Store) (*engine, error) {
	learn, err := learning.Open(absJoin(ws, cfg.Workspace.LearningDatabasePath))
	if err != nil {
		return nil, exitf(exitInfra, "opening learning store: %v", err)
	}

	reg := llm.NewRegistry(cfg)
	exec := shell.NewExecutorFromConfig(cfg)
	broker := approval.NewBroker(st, nil, cfg, approval.FromConfig(cfg)...)
	orch := orchestrator.New(orchestrator.Deps{
		Config:    cfg,
		Store:     st,
		Learning:  learn,
		Broker:    broker,
		Registry:  reg,
		Executor:  exec,
		Builder:   agent.NewBuilder(reg, cfg),
		Auditor:   agent.NewAuditor(reg, cfg),
		Doctor:    agent.NewDoctor(reg, cfg),
		Replanner: agent.NewReplanner(reg, cfg),
	})

	return &engine{
		cfg:    cfg,
		ws:     ws,
		st:     st,
		learn:  learn,
		broker: broker,
		orch:   orch,
		mgr:    orchestrator.NewManager(orch, cfg.Budgets.MaxConcurrentRuns),
	}, nil
}

// start brings up the approval plumbing: the timeout sweeper and the file
// inbox a second shell drops decisions into. Inbox trouble is reported but
// not fatal; notifier channels and the HTTP API still resolve requests.
func (e *engine) start(ctx context.Context) {
	e.broker.Start(ctx)
	inbox, err := approval.NewInbox(e.broker, absJoin(e.ws, e.cfg.Approvals.InboxDir))
	if err != nil {
		zlog.Warn("approval inbox unavailable", zap.Error(err))
		return
	}
	if err := inbox.Start(ctx); err != nil {
		zlog.Warn("approval inbox failed to start", zap.Error(err))
		return
	}
	e.inbox = inbox
	zlog.Debug("approval inbox watching", zap.String("dir", absJoin(e.ws, e.cfg.Approvals.InboxDir)))
}

// stop tears the plumbing down. The run store stays open for the caller.
func (e *engine) stop() {
	if e.inbox != nil {
		e.inbox.Stop()
	}
	e.broker.Stop()
	if err := e.learn.Close(); err != nil {
		zlog.Warn("closing learning store", zap.Error(err))
	}
}

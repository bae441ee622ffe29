package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"chimera/internal/config"
	"chimera/internal/events"
	"chimera/internal/intent"
	"chimera/internal/logging"
	"chimera/internal/metacog"
	"chimera/internal/metrics"
	"chimera/internal/nodes"
	"chimera/internal/store"
	"chimera/internal/tools"
)

// pollInterval drives the periodic learning-trigger check. Polls also run
// after every completed plan, so this only bounds how long an idle node
// waits before reacting to accumulated failures.
const pollInterval = 10 * time.Second

// Core wires the autarch's components together: persistence, events,
// tools, nodes, metacognition, and intent compilation. It is constructed
// once at startup and passed by reference; it owns no long-lived task
// state beyond the in-flight dispatch table.
type Core struct {
	cfg *config.Config

	prom     *metrics.Metrics
	broker   *events.Broker
	store    *store.Store
	tools    *tools.Registry
	nodes    *nodes.Registry
	engine   *metacog.Engine
	compiler *intent.Compiler
	auth     *nodes.Authenticator

	pendMu  sync.Mutex
	pending map[string]*pendingTask

	// learning tracks background learning rounds so Close can drain them.
	learning sync.WaitGroup

	// bg outlives individual client requests; learning rounds and other
	// node-scoped work run under it.
	bg       context.Context
	bgCancel context.CancelFunc

	closeLLM func() error
}

// New builds a Core from configuration. A persistence open failure is
// fatal: the caller should exit non-zero.
func New(ctx context.Context, cfg *config.Config) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	prom := metrics.New()
	broker := events.NewBroker(events.Options{
		BufferSize:          cfg.Events.BufferSize,
		SubscriberQueueSize: cfg.Events.SubscriberQueueSize,
		DropAlertThreshold:  cfg.Events.DropAlertThreshold,
		Metrics:             prom,
	})

	st, err := store.New(cfg.Persistence.DatabasePath, store.Options{
		BackupDir: cfg.Persistence.BackupDir(),
		Metrics:   prom,
	})
	if err != nil {
		broker.Close()
		return nil, fmt.Errorf("failed to open persistence store: %w", err)
	}

	registry := tools.NewRegistry(tools.RegistryOptions{
		Broker:  broker,
		Sink:    st,
		Metrics: prom,
	})
	tools.RegisterBuiltins(registry)

	var closeLLM func() error
	if cfg.Intent.GenAIAPIKey != "" {
		llm, closer, err := tools.NewLLMChatTool(ctx, cfg.Intent.GenAIAPIKey, cfg.Intent.GenAIModel)
		if err != nil {
			logging.Boot("llm_chat unavailable: %v", err)
		} else {
			registry.MustRegister(llm)
			closeLLM = closer
		}
	}

	nodeReg := nodes.NewRegistry(nodes.RegistryOptions{
		HeartbeatTimeout: cfg.GetHeartbeatTimeout(),
		ReputationUp:     cfg.Nodes.ReputationUp,
		ReputationDown:   cfg.Nodes.ReputationDown,
		Broker:           broker,
		Metrics:          prom,
	})

	engine := metacog.NewEngine(metacog.Options{
		WindowSize:          cfg.Metacognitive.HistoryWindow,
		ConfidenceThreshold: cfg.Metacognitive.ConfidenceThreshold,
		Cooldown:            cfg.GetLearningCooldown(),
		MinSamples:          cfg.Metacognitive.MinSamples,
		Broker:              broker,
		Sink:                st,
	})

	bg, bgCancel := context.WithCancel(context.Background())
	c := &Core{
		cfg:      cfg,
		prom:     prom,
		broker:   broker,
		store:    st,
		tools:    registry,
		nodes:    nodeReg,
		engine:   engine,
		compiler: intent.NewCompiler(cfg.Intent.DefaultTool),
		auth:     nodes.NewAuthenticator(cfg.Nodes.SharedSecret, cfg.GetReplayWindow()),
		pending:  make(map[string]*pendingTask),
		bg:       bg,
		bgCancel: bgCancel,
		closeLLM: closeLLM,
	}

	if prior, err := st.LoadRecentEvolutions(5); err == nil && len(prior) > 0 {
		logging.Core("Resuming with %d prior evolutions, most recent on topic %q", len(prior), prior[0].Topic)
	}
	logging.Core("Core assembled: %d tools, default intent tool %q", registry.Count(), cfg.Intent.DefaultTool)
	return c, nil
}

// Run drives the periodic machinery until the context ends: node liveness
// sweeps, store backups, learning-trigger polls, dispatch cleanup for
// disconnected nodes, and the optional metrics listener.
func (c *Core) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.nodes.RunSweeper(ctx, c.cfg.GetHeartbeatInterval())
		return nil
	})
	g.Go(func() error {
		c.store.RunBackups(ctx, c.cfg.GetBackupInterval(), c.cfg.Persistence.BackupRetention)
		return nil
	})
	g.Go(func() error {
		return c.pollLoop(ctx)
	})
	g.Go(func() error {
		return c.watchDisconnects(ctx)
	})
	if addr := c.cfg.Metrics.ListenAddr; addr != "" {
		g.Go(func() error {
			return c.prom.Serve(ctx, addr)
		})
	}

	logging.Core("Autarch core running")
	return g.Wait()
}

// Close drains background learning rounds and releases every component.
// Call after Run has returned.
func (c *Core) Close() {
	c.bgCancel()
	c.learning.Wait()
	c.broker.Close()
	if err := c.store.Close(); err != nil {
		logging.CoreError("Store close: %v", err)
	}
	if c.closeLLM != nil {
		if err := c.closeLLM(); err != nil {
			logging.CoreError("LLM client close: %v", err)
		}
	}
	logging.Core("Autarch core stopped")
}

// pollLoop periodically checks for learning triggers so an idle node
// still reacts to a decayed topic.
func (c *Core) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.pollLearning()
		}
	}
}

// watchDisconnects fails in-flight dispatches held by nodes that drop
// out, so their awaiting steps classify as remote crashes instead of
// waiting out the full timeout.
func (c *Core) watchDisconnects(ctx context.Context) error {
	sub := c.broker.Subscribe("core-dispatch", events.NodeDisconnected)
	defer c.broker.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if id, ok := ev.Data["node_id"].(string); ok {
				c.failPendingForNode(id)
			}
		}
	}
}

// Component accessors for the control plane.

func (c *Core) Config() *config.Config             { return c.cfg }
func (c *Core) Broker() *events.Broker             { return c.broker }
func (c *Core) Store() *store.Store                { return c.store }
func (c *Core) Tools() *tools.Registry             { return c.tools }
func (c *Core) Nodes() *nodes.Registry             { return c.nodes }
func (c *Core) Engine() *metacog.Engine            { return c.engine }
func (c *Core) Auth() *nodes.Authenticator         { return c.auth }
func (c *Core) MetricsCollector() *metrics.Metrics { return c.prom }

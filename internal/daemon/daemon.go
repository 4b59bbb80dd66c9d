// Package daemon wires every subsystem into a running server: it owns
// the Unix socket listener, the per-connection read loop, and the
// handler registry. Grounded on cmd/goclaw/main.go's top-level wiring
// and gateway.go's accept loop.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ylcn91/agentctl/internal/account"
	"github.com/ylcn91/agentctl/internal/autolaunch"
	"github.com/ylcn91/agentctl/internal/capability"
	"github.com/ylcn91/agentctl/internal/collab"
	"github.com/ylcn91/agentctl/internal/config"
	"github.com/ylcn91/agentctl/internal/council"
	"github.com/ylcn91/agentctl/internal/delegation"
	"github.com/ylcn91/agentctl/internal/eventbus"
	"github.com/ylcn91/agentctl/internal/herr"
	"github.com/ylcn91/agentctl/internal/obs"
	"github.com/ylcn91/agentctl/internal/progress"
	"github.com/ylcn91/agentctl/internal/router"
	"github.com/ylcn91/agentctl/internal/sla"
	"github.com/ylcn91/agentctl/internal/store"
	"github.com/ylcn91/agentctl/internal/tasks"
	"github.com/ylcn91/agentctl/internal/watchdog"
	"github.com/ylcn91/agentctl/internal/wire"
	"github.com/ylcn91/agentctl/internal/workflow"
	"github.com/ylcn91/agentctl/internal/workspace"
)

// Daemon holds every long-lived subsystem and the listener accept
// loop.
type Daemon struct {
	cfgPath string
	cfg     *config.Config
	logger  *slog.Logger

	accounts *account.Registry
	cap      *capability.Capability
	router   *router.Router

	tasksMgr      *tasks.Manager
	progressTrack *progress.Tracker
	delegationMgr *delegation.Manager
	autolaunchEng *autolaunch.Engine
	slaEngine     *sla.Engine
	collabMgr     *collab.Manager
	councilCoord  *council.Coordinator
	workspaceMgr  *workspace.Manager
	scheduler     *workflow.Scheduler
	watchdogLoop  *watchdog.Watchdog
	metrics       *obs.Metrics

	mu    sync.Mutex
	conns map[string]*connState
}

// connState tracks one live connection's authentication state (spec
// §6 "Authentication": the first frame on a connection must be auth;
// every subsequent frame except auth/ping is refused until then).
type connState struct {
	conn          *wire.Conn
	authenticated bool
	account       string
}

// New constructs a Daemon from config and an account registry, opening
// every store and wiring every subsystem. cfgPath is retained for
// config_reload. Callers must call Close.
func New(cfg *config.Config, cfgPath string, accounts *account.Registry, logger *slog.Logger) (*Daemon, error) {
	stores, err := openStores(cfg)
	if err != nil {
		return nil, err
	}

	metrics, err := obs.New()
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	bus := eventbus.New(512, logger)
	bus.SetMetrics(metrics)
	progressTrack := progress.New(stores.Progress, cfg.SLA.StaleAfter)
	tasksMgr := tasks.New(stores.Tasks, stores.Progress, bus)
	delegationMgr := delegation.New(accounts, stores.Tasks, stores.Messages, bus)
	collabMgr := collab.New(func() string { return uuid.NewString() })

	autolaunchEng := autolaunch.New(autolaunch.Policy{
		Enabled:            cfg.AutoLaunch.Enabled,
		BlockSelfHandoff:   cfg.AutoLaunch.BlockSelfHandoff,
		CooldownWindow:     cfg.AutoLaunch.CooldownWindow,
		BreakerThreshold:   cfg.AutoLaunch.BreakerThreshold,
		DedupWindow:        cfg.AutoLaunch.DedupWindow,
		MaxSpawnsPerMinute: cfg.AutoLaunch.MaxSpawnsPerMinute,
	}, accounts, func(ctx context.Context, task store.Task, target string) error {
		return fmt.Errorf("no process launcher configured")
	})

	slaEngine := sla.New(sla.Config{
		TickInterval:                    cfg.SLA.TickInterval,
		StaleAfter:                      cfg.SLA.StaleAfter,
		PingAfterMinutes:                cfg.SLA.PingAfterMinutes,
		SuggestReassignAfterMinutes:     cfg.SLA.SuggestReassignAfterMinutes,
		MaxReassignments:                cfg.SLA.MaxReassignments,
		CooldownMinutes:                 cfg.SLA.CooldownMinutes,
		UnresponsiveThresholdMinutes:    cfg.SLA.UnresponsiveThresholdMinutes,
		BehindScheduleThresholdPercent:  cfg.SLA.BehindThreshold,
		ConsecutiveRejectionsForPenalty: cfg.SLA.ConsecutiveRejectionsForPenalty,
	}, stores.Tasks, progressTrack, bus, logger, metrics, func(ctx context.Context) ([]store.Task, error) {
		return stores.Tasks.ListByStatus(ctx, store.StatusInProgress)
	})

	councilCoord := council.New(accounts, stores.Council, bus, func(ctx context.Context, member, taskID string, stage store.CouncilStage, context string) (string, error) {
		return "", fmt.Errorf("no council member caller configured")
	})

	workspaceMgr := workspace.NewManager(cfg.Workspace.ReposRoot, cfg.Workspace.WorktreeRoot, nil, cfg.Workspace.Image)

	scheduler := workflow.NewScheduler(logger, func(ctx context.Context, workflowName string) error {
		return fmt.Errorf("workflow trigger not wired: %s", workflowName)
	})

	wd := watchdog.New(30*time.Second, logger)
	wd.Register("sessions_db", func(ctx context.Context) error { return stores.Sessions.DB().PingContext(ctx) })
	wd.Register("tasks_db", func(ctx context.Context) error { return stores.Tasks.DB().PingContext(ctx) })

	cp := &capability.Capability{
		Accounts: accounts,
		Stores: capability.Stores{
			Sessions: stores.Sessions, Messages: stores.Messages, Tasks: stores.Tasks,
			Progress: stores.Progress, Workflows: stores.Workflows, Retros: stores.Retros, Council: stores.Council,
		},
		Bus:    bus,
		Logger: logger,
		Features: capability.Features{
			AutoLaunch: cfg.Features.AutoLaunch,
			Council:    cfg.Features.Council,
			Workspace:  cfg.Features.Workspace,
		},
	}

	d := &Daemon{
		cfgPath: cfgPath, cfg: cfg, logger: logger, accounts: accounts, cap: cp,
		tasksMgr: tasksMgr, progressTrack: progressTrack, delegationMgr: delegationMgr,
		autolaunchEng: autolaunchEng, slaEngine: slaEngine, collabMgr: collabMgr,
		councilCoord: councilCoord, workspaceMgr: workspaceMgr, scheduler: scheduler, watchdogLoop: wd,
		metrics: metrics,
		conns:   make(map[string]*connState),
	}
	d.cap.Reply = d.reply
	d.router = buildRouter(d)
	return d, nil
}

// openStoresResult is an internal grouping used only during New.
type openStoresResult struct {
	Sessions  *store.SessionStore
	Messages  *store.MessageStore
	Tasks     *store.TaskStore
	Progress  *store.ProgressStore
	Workflows *store.WorkflowStore
	Retros    *store.RetroStore
	Council   *store.CouncilStore
}

func openStores(cfg *config.Config) (*openStoresResult, error) {
	sessions, err := store.OpenSessionStore(cfg.SessionsDB())
	if err != nil {
		return nil, fmt.Errorf("open sessions store: %w", err)
	}
	messages, err := store.OpenMessageStore(cfg.SessionsDB())
	if err != nil {
		return nil, fmt.Errorf("open messages store: %w", err)
	}
	taskStore, err := store.OpenTaskStore(cfg.TasksDB())
	if err != nil {
		return nil, fmt.Errorf("open tasks store: %w", err)
	}
	progressStore, err := store.OpenProgressStore(cfg.TasksDB())
	if err != nil {
		return nil, fmt.Errorf("open progress store: %w", err)
	}
	workflows, err := store.OpenWorkflowStore(cfg.WorkflowsDB())
	if err != nil {
		return nil, fmt.Errorf("open workflows store: %w", err)
	}
	retros, err := store.OpenRetroStore(cfg.RetrosDB())
	if err != nil {
		return nil, fmt.Errorf("open retros store: %w", err)
	}
	councilStore, err := store.OpenCouncilStore(cfg.CouncilDB())
	if err != nil {
		return nil, fmt.Errorf("open council store: %w", err)
	}
	return &openStoresResult{
		Sessions: sessions, Messages: messages, Tasks: taskStore, Progress: progressStore,
		Workflows: workflows, Retros: retros, Council: councilStore,
	}, nil
}

// Run accepts connections on listener until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context, listener net.Listener) error {
	go d.watchdogLoop.Run(ctx)
	go d.slaEngine.Run(ctx)
	d.scheduler.Start()
	defer d.scheduler.Stop()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		raw, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go d.handleConn(ctx, raw)
	}
}

// unauthenticatedTypes may be dispatched before a connection has
// authenticated (spec §6 "Unauthenticated frames except auth and ping
// are refused").
var unauthenticatedTypes = map[string]bool{"auth": true, "ping": true}

func (d *Daemon) handleConn(ctx context.Context, raw net.Conn) {
	connID := uuid.NewString()
	conn := wire.NewConn(raw)

	d.mu.Lock()
	d.conns[connID] = &connState{conn: conn}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.conns, connID)
		d.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		env, err := conn.ReadEnvelope(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Debug("connection closed", "conn_id", connID, "error", err)
			return
		}

		if !unauthenticatedTypes[env.Type] && !d.isAuthenticated(connID) {
			_ = conn.WriteError(env.RequestID, wire.ErrorPayload{
				Kind: string(herr.KindAuth), Message: "connection has not authenticated", Retryable: false,
			})
			continue
		}

		reply, err := d.router.Dispatch(ctx, d.cap, connID, env.Type, env.Payload)
		if err != nil {
			hErr := herr.AsError(err)
			_ = conn.WriteError(env.RequestID, wire.ErrorPayload{
				Kind: string(hErr.Kind), Message: hErr.Message, Retryable: hErr.Retryable,
			})
			continue
		}

		replyType := env.Type + "_reply"
		if env.Type == "auth" {
			replyType = "auth_ok"
		}
		payload, marshalErr := json.Marshal(reply)
		if marshalErr != nil {
			_ = conn.WriteError(env.RequestID, wire.ErrorPayload{Kind: "internal", Message: marshalErr.Error()})
			continue
		}
		if writeErr := conn.WriteEnvelope(wire.Envelope{Type: replyType, RequestID: env.RequestID, Payload: payload}); writeErr != nil {
			d.logger.Debug("write reply failed", "conn_id", connID, "error", writeErr)
			return
		}
	}
}

// isAuthenticated reports whether connID has completed the auth
// handshake.
func (d *Daemon) isAuthenticated(connID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs, ok := d.conns[connID]
	return ok && cs.authenticated
}

// authenticate marks connID authenticated as account, called by the
// auth handler after a successful credential check.
func (d *Daemon) authenticate(connID, account string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cs, ok := d.conns[connID]; ok {
		cs.authenticated = true
		cs.account = account
	}
}

// reply is the capability.Capability.Reply implementation: push an
// out-of-band payload to a specific connection (used for event
// fan-out rather than request/reply correlation).
func (d *Daemon) reply(connID string, payload any) error {
	d.mu.Lock()
	cs, ok := d.conns[connID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("connection %s not found", connID)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return cs.conn.WriteEnvelope(wire.Envelope{Type: "event", Payload: b})
}

// Close releases every held store.
func (d *Daemon) Close() error {
	var firstErr error
	closers := []func() error{
		d.cap.Stores.Sessions.Close, d.cap.Stores.Messages.Close, d.cap.Stores.Tasks.Close,
		d.cap.Stores.Progress.Close, d.cap.Stores.Workflows.Close, d.cap.Stores.Retros.Close,
		d.cap.Stores.Council.Close,
	}
	for _, c := range closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := d.metrics.Shutdown(context.Background()); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

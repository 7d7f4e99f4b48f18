// Package engine is the central orchestrator of the risk-enforcement
// daemon.
//
// It wires together all subsystems:
//
//  1. A gateway session manages the 24h token and its encrypted cache.
//  2. The stream consumer holds the user and market hub connections and
//     merges their pushes into one event channel.
//  3. The dispatcher serializes events per account, updates state,
//     evaluates the rules, and submits remediation intents.
//  4. The enforcement executor runs intents against the REST gateway.
//  5. The reset scheduler fires daily session rollovers; the lockout
//     manager persists and auto-expires lockouts.
//  6. An optional status server exposes a snapshot and a WebSocket feed
//     of lockout/enforcement/connectivity events.
//
// Lifecycle: New() → Start() → [runs until SIGINT or Fatal] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"futures-riskd/internal/api"
	"futures-riskd/internal/config"
	"futures-riskd/internal/dispatch"
	"futures-riskd/internal/enforce"
	"futures-riskd/internal/gateway"
	"futures-riskd/internal/lockout"
	"futures-riskd/internal/rules"
	"futures-riskd/internal/sched"
	"futures-riskd/internal/state"
	"futures-riskd/internal/store"
	"futures-riskd/internal/stream"
	"futures-riskd/internal/timer"
	"futures-riskd/pkg/types"
)

// Engine owns the lifecycle of every component and background goroutine.
type Engine struct {
	cfg        *config.Config
	persist    *store.Store
	st         *state.Store
	session    *gateway.Session
	client     *gateway.Client
	timers     *timer.Service
	lockouts   *lockout.Manager
	registry   *rules.Registry
	exec       *enforce.Executor
	dispatcher *dispatch.Dispatcher
	consumer   *stream.Consumer
	scheduler  *sched.Scheduler
	status     *api.Server

	fatalCh chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates and wires all components. One credential set — the first
// enabled account's — authenticates the gateway session for the daemon.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	var primary *config.AccountConfig
	for i := range cfg.Accounts {
		if cfg.Accounts[i].Enabled {
			primary = &cfg.Accounts[i]
			break
		}
	}
	if primary == nil {
		return nil, fmt.Errorf("no enabled accounts")
	}

	persist, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	tokenCache := filepath.Join(filepath.Dir(cfg.Store.Path), "token.cache")
	session := gateway.NewSession(cfg.Gateway, primary.Username, primary.APIKey, tokenCache, logger)
	client := gateway.NewClient(cfg.Gateway, session, cfg.DryRun, logger)

	st := state.New(persist, state.NewQuoteCache(), state.NewContractCache(client))
	for _, acct := range cfg.Accounts {
		if !acct.Enabled {
			continue
		}
		tz := acct.Timezone
		if tz == "" {
			tz = "America/Chicago"
		}
		loc, err := time.LoadLocation(tz)
		if err != nil {
			persist.Close()
			return nil, fmt.Errorf("account %d: timezone %q: %w", acct.AccountID, tz, err)
		}
		resetTime := acct.ResetTime
		if resetTime == "" {
			resetTime = "17:00"
		}
		var resetHour, resetMin int
		if _, err := fmt.Sscanf(resetTime, "%d:%d", &resetHour, &resetMin); err != nil {
			persist.Close()
			return nil, fmt.Errorf("account %d: reset_time %q: %w", acct.AccountID, resetTime, err)
		}
		st.RegisterAccount(acct.AccountID, loc, resetHour, resetMin)
	}
	if err := st.LoadFromStore(); err != nil {
		persist.Close()
		return nil, fmt.Errorf("restore state: %w", err)
	}

	timers := timer.New(logger)
	lockouts := lockout.NewManager(persist, timers, logger)
	if err := lockouts.LoadFromStore(); err != nil {
		persist.Close()
		return nil, fmt.Errorf("restore lockouts: %w", err)
	}

	registry, err := rules.NewRegistry(cfg, logger)
	if err != nil {
		persist.Close()
		return nil, err
	}

	exec := enforce.New(client, st, persist, cfg.Enforcement, logger)
	dispatcher, err := dispatch.New(cfg, st, lockouts, timers, registry, exec, logger)
	if err != nil {
		persist.Close()
		return nil, err
	}

	consumer := stream.NewConsumer(cfg.Gateway.HubBaseURL, session, cfg.Gateway.KeepAliveInterval, logger)

	scheduler, err := sched.New(cfg.Accounts, cfg.Holidays, logger)
	if err != nil {
		persist.Close()
		return nil, err
	}

	var status *api.Server
	if cfg.Status.Enabled {
		status = api.NewServer(cfg.Status, cfg.Accounts, st, lockouts, cfg.Quotes.MaxAge, cfg.DryRun, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		persist:    persist,
		st:         st,
		session:    session,
		client:     client,
		timers:     timers,
		lockouts:   lockouts,
		registry:   registry,
		exec:       exec,
		dispatcher: dispatcher,
		consumer:   consumer,
		scheduler:  scheduler,
		status:     status,
		fatalCh:    make(chan error, 1),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With("component", "engine"),
	}
	e.wire()
	return e, nil
}

// publish forwards an event to the status server when one is running.
func (e *Engine) publish(evt api.StatusEvent) {
	if e.status != nil {
		e.status.Publish(evt)
	}
}

// wire connects the cross-component callbacks.
func (e *Engine) wire() {
	e.lockouts.OnChange = func(set bool, rec store.LockoutRecord) {
		e.publish(api.NewLockoutEvent(set, rec))
	}
	e.lockouts.OnExpired = func(accountID int64) {
		e.dispatcher.Post(types.Event{
			Kind:      types.EventTimer,
			AccountID: accountID,
			Received:  time.Now(),
			Timer:     &types.TimerEvent{Kind: types.TimerLockoutExpired, FiredAt: time.Now()},
		})
	}

	e.exec.Notify = func(rec store.EnforcementRecord) {
		e.publish(api.NewEnforcementEvent(rec))
	}

	e.dispatcher.Degraded = func(accountID int64, err error) {
		e.publish(api.NewDegradedEvent(accountID, err))
	}
	e.dispatcher.Fatal = func(accountID int64, err error) {
		e.publish(api.StatusEvent{Type: api.EventOffline, Timestamp: time.Now(), AccountID: accountID})
		select {
		case e.fatalCh <- fmt.Errorf("account %d: persistence unavailable: %w", accountID, err):
		default:
		}
	}
	e.dispatcher.OnPositionChange = e.positionChanged

	e.scheduler.OnRollover = func(accountID int64, at time.Time) {
		e.dispatcher.Post(types.Event{
			Kind:      types.EventTimer,
			AccountID: accountID,
			Received:  at,
			Timer:     &types.TimerEvent{Kind: types.TimerResetRollover, FiredAt: at},
		})
	}

	e.consumer.User.OnConnect = func() {
		e.publish(api.NewStreamEvent(true))
		go e.reconcileAll()
	}
	e.consumer.User.OnDisconnect = func() {
		e.publish(api.NewStreamEvent(false))
	}
}

// positionChanged keeps quote subscriptions and contract metadata in step
// with the set of held contracts.
func (e *Engine) positionChanged(accountID int64, contractID string, size, prevSize int) {
	switch {
	case size != 0 && prevSize == 0:
		if err := e.consumer.SubscribeQuotes(contractID); err != nil {
			e.logger.Warn("quote subscribe failed", "contract", contractID, "error", err)
		}
		e.warmContract(contractID)
	case size == 0 && prevSize != 0:
		if e.stillHeld(contractID) {
			return
		}
		if err := e.consumer.UnsubscribeQuotes(contractID); err != nil {
			e.logger.Warn("quote unsubscribe failed", "contract", contractID, "error", err)
		}
	}
}

func (e *Engine) stillHeld(contractID string) bool {
	for _, acct := range e.cfg.Accounts {
		if !acct.Enabled {
			continue
		}
		if _, held := e.st.Position(acct.AccountID, contractID); held {
			return true
		}
	}
	return false
}

func (e *Engine) warmContract(contractID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, 15*time.Second)
		defer cancel()
		if _, err := e.st.Contracts.Get(ctx, contractID); err != nil {
			e.logger.Warn("contract metadata fetch failed", "contract", contractID, "error", err)
		}
	}()
}

// reconcileAll pulls the gateway-reported positions and orders for every
// account and hands them to the dispatcher. Runs after every (re)connect.
func (e *Engine) reconcileAll() {
	for _, acct := range e.cfg.Accounts {
		if !acct.Enabled {
			continue
		}
		ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
		positions, err := e.client.SearchOpenPositions(ctx, acct.AccountID)
		if err != nil {
			cancel()
			e.logger.Error("reconciliation position search failed", "account", acct.AccountID, "error", err)
			continue
		}
		orders, err := e.client.SearchOpenOrders(ctx, acct.AccountID)
		cancel()
		if err != nil {
			e.logger.Error("reconciliation order search failed", "account", acct.AccountID, "error", err)
			continue
		}
		e.dispatcher.Reconcile(acct.AccountID, positions, orders)
	}
}

// Start launches all background goroutines.
func (e *Engine) Start() error {
	// Prove the credentials before anything consumes events.
	loginCtx, cancel := context.WithTimeout(e.ctx, e.cfg.Gateway.RequestTimeout+5*time.Second)
	_, err := e.session.Token(loginCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("initial login: %w", err)
	}

	e.exec.Start(e.ctx)
	e.dispatcher.Start(e.ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.timers.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.session.Run(e.ctx)
	}()

	// Register subscriptions before the hubs connect; they replay on every
	// (re)connect.
	for _, acct := range e.cfg.Accounts {
		if !acct.Enabled {
			continue
		}
		if err := e.consumer.SubscribeAccount(acct.AccountID); err != nil {
			e.logger.Warn("account subscribe failed", "account", acct.AccountID, "error", err)
		}
		for _, pos := range e.st.Positions(acct.AccountID) {
			if err := e.consumer.SubscribeQuotes(pos.ContractID); err != nil {
				e.logger.Warn("quote subscribe failed", "contract", pos.ContractID, "error", err)
			}
			e.warmContract(pos.ContractID)
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.consumer.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pumpEvents()
	}()

	e.scheduler.Start()

	if e.status != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.status.Start(); err != nil {
				e.logger.Error("status server failed", "error", err)
			}
		}()
	}

	e.logger.Info("engine started",
		"accounts", len(e.cfg.Accounts), "dry_run", e.cfg.DryRun)
	return nil
}

// pumpEvents moves stream events into the dispatcher.
func (e *Engine) pumpEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt := <-e.consumer.Events():
			e.dispatcher.Post(evt)
		}
	}
}

// Fatal signals an unrecoverable condition; main exits non-zero on it.
func (e *Engine) Fatal() <-chan error { return e.fatalCh }

// Stop shuts everything down: scheduler first so no new rollovers fire,
// then the executor drains in-flight intents, then the rest.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.scheduler.Stop()
	e.cancel()
	e.exec.Stop()

	if e.status != nil {
		if err := e.status.Stop(); err != nil {
			e.logger.Error("status server stop failed", "error", err)
		}
	}

	e.wg.Wait()
	e.dispatcher.Wait()
	if err := e.persist.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}
	e.logger.Info("shutdown complete")
}

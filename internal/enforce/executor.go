// Package enforce executes remediation intents against the gateway.
//
// Intents arrive from the dispatcher and run on a bounded worker pool:
// global concurrency is capped, but intents for one account always execute
// serially and in submission order. Before an intent runs it is
// fingerprinted as (account, kind, target, generation); a fingerprint with
// an intent still queued or in flight is dropped, which deduplicates
// re-triggered breaches and coalesces close-all storms. The fingerprint is
// released when the intent completes, so a later identical breach (a
// position reopened after enforcement closed it) enforces again; the
// flat-skip check keeps harmless repeats cheap. The dispatcher bumps the
// generation on reconciliation and session reset, which drops every
// pending fingerprint for the account.
//
// Retry policy per gateway call: 429 waits the configured backoff; 401
// forces one token refresh; 5xx and transport errors back off
// exponentially up to the cap; any other 4xx fails the intent and surfaces
// it.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"futures-riskd/internal/config"
	"futures-riskd/internal/gateway"
	"futures-riskd/internal/state"
	"futures-riskd/internal/store"
	"futures-riskd/pkg/types"
)

// Gateway is the REST surface the executor needs.
type Gateway interface {
	ClosePosition(ctx context.Context, accountID int64, contractID string) error
	PartialClose(ctx context.Context, accountID int64, contractID string, size int) error
	CancelOrder(ctx context.Context, accountID, orderID int64) error
	ModifyOrder(ctx context.Context, req gateway.ModifyRequest) error
	ForceRefresh()
}

const accountQueueSize = 64

type accountQueue struct {
	ch chan types.Intent
}

// Executor runs remediation intents.
type Executor struct {
	gw      Gateway
	st      *state.Store
	persist *store.Store
	cfg     config.EnforcementConfig

	// Notify surfaces every outcome to the status frontend. May be nil.
	Notify func(rec store.EnforcementRecord)

	mu         sync.Mutex
	queues     map[int64]*accountQueue
	generation map[int64]uint64
	submitted  map[string]bool // fingerprints queued or in flight

	sem     chan struct{}  // global concurrency bound
	pending sync.WaitGroup // queued + in-flight intents
	wg      sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	sleep  func(context.Context, time.Duration) error
	logger *slog.Logger
}

// New creates an executor. Start must be called before Submit.
func New(gw Gateway, st *state.Store, persist *store.Store, cfg config.EnforcementConfig, logger *slog.Logger) *Executor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Executor{
		gw:         gw,
		st:         st,
		persist:    persist,
		cfg:        cfg,
		queues:     make(map[int64]*accountQueue),
		generation: make(map[int64]uint64),
		submitted:  make(map[string]bool),
		sem:        make(chan struct{}, workers),
		sleep:      sleepCtx,
		logger:     logger.With("component", "enforce"),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start begins accepting intents.
func (e *Executor) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
}

// Stop drains queued and in-flight intents, waiting up to the shutdown
// grace, then stops the queue runners.
func (e *Executor) Stop() {
	done := make(chan struct{})
	go func() {
		e.pending.Wait()
		close(done)
	}()
	grace := e.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		e.logger.Warn("shutdown grace elapsed with intents in flight")
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// BumpGeneration invalidates the account's fingerprints; breaches that
// re-trigger after a reconciliation or session reset enforce again.
func (e *Executor) BumpGeneration(accountID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generation[accountID]++
	gen := e.generation[accountID]
	prefix := fmt.Sprintf("%d|", accountID)
	for fp := range e.submitted {
		if len(fp) > len(prefix) && fp[:len(prefix)] == prefix {
			delete(e.submitted, fp)
		}
	}
	e.logger.Debug("generation bumped", "account", accountID, "generation", gen)
}

func (e *Executor) fingerprint(intent types.Intent, gen uint64) string {
	return fmt.Sprintf("%d|%s|%s|%d", intent.AccountID, intent.Kind, intent.Target(), gen)
}

// Submit queues an intent for the account's serial lane. An intent whose
// fingerprint is already queued or in flight is dropped; the fingerprint
// frees up when that earlier intent completes.
func (e *Executor) Submit(intent types.Intent) {
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	e.mu.Lock()
	gen := e.generation[intent.AccountID]
	fp := e.fingerprint(intent, gen)
	if e.submitted[fp] {
		e.mu.Unlock()
		e.logger.Debug("duplicate intent dropped", "account", intent.AccountID,
			"kind", intent.Kind.String(), "target", intent.Target())
		return
	}
	e.submitted[fp] = true
	q := e.queues[intent.AccountID]
	if q == nil {
		q = &accountQueue{ch: make(chan types.Intent, accountQueueSize)}
		e.queues[intent.AccountID] = q
		e.wg.Add(1)
		go e.runQueue(q)
	}
	e.mu.Unlock()

	e.pending.Add(1)
	select {
	case q.ch <- intent:
	default:
		e.pending.Done()
		e.mu.Lock()
		delete(e.submitted, fp)
		e.mu.Unlock()
		e.logger.Error("account intent queue full, dropping",
			"account", intent.AccountID, "kind", intent.Kind.String())
	}
}

func (e *Executor) runQueue(q *accountQueue) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case intent := <-q.ch:
			e.sem <- struct{}{}
			e.execute(intent)
			<-e.sem
			e.pending.Done()
		}
	}
}

func (e *Executor) execute(intent types.Intent) {
	gen := e.currentGeneration(intent.AccountID)
	outcome, detail := e.dispatch(intent)
	e.release(intent)
	rec := store.EnforcementRecord{
		Timestamp:  time.Now(),
		AccountID:  intent.AccountID,
		Kind:       intent.Kind.String(),
		Target:     intent.Target(),
		Generation: gen,
		Outcome:    outcome,
		Detail:     detail,
	}
	if err := e.persist.AppendEnforcementLog(rec); err != nil {
		e.logger.Error("enforcement log write failed", "error", err)
	}
	level := slog.LevelInfo
	if outcome == "failed" {
		level = slog.LevelError
	}
	e.logger.Log(context.Background(), level, "enforcement "+outcome,
		"intent_id", intent.ID, "account", intent.AccountID, "kind", rec.Kind,
		"target", rec.Target, "rule", intent.Rule, "detail", detail)
	if e.Notify != nil {
		e.Notify(rec)
	}
}

// release frees the intent's fingerprint once it has run. If the
// generation was bumped mid-flight the old fingerprint is already gone
// and this is a no-op.
func (e *Executor) release(intent types.Intent) {
	e.mu.Lock()
	delete(e.submitted, e.fingerprint(intent, e.generation[intent.AccountID]))
	e.mu.Unlock()
}

func (e *Executor) currentGeneration(accountID int64) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation[accountID]
}

// dispatch expands and runs one intent, returning (outcome, detail).
func (e *Executor) dispatch(intent types.Intent) (string, string) {
	switch intent.Kind {
	case types.IntentClosePosition:
		if _, held := e.st.Position(intent.AccountID, intent.ContractID); !held {
			return "skipped", "position already flat"
		}
		return e.outcome(e.callWithRetry(func(ctx context.Context) error {
			return e.gw.ClosePosition(ctx, intent.AccountID, intent.ContractID)
		}))

	case types.IntentPartialClose:
		if _, held := e.st.Position(intent.AccountID, intent.ContractID); !held {
			return "skipped", "position already flat"
		}
		return e.outcome(e.callWithRetry(func(ctx context.Context) error {
			return e.gw.PartialClose(ctx, intent.AccountID, intent.ContractID, intent.Quantity)
		}))

	case types.IntentCloseAll:
		positions := e.st.Positions(intent.AccountID)
		if len(positions) == 0 {
			return "skipped", "no open positions"
		}
		var failed []string
		for _, pos := range positions {
			contractID := pos.ContractID
			if err := e.callWithRetry(func(ctx context.Context) error {
				return e.gw.ClosePosition(ctx, intent.AccountID, contractID)
			}); err != nil {
				failed = append(failed, contractID)
			}
		}
		if len(failed) > 0 {
			return "failed", fmt.Sprintf("close failed for %v", failed)
		}
		return "success", fmt.Sprintf("closed %d positions", len(positions))

	case types.IntentCancelAll:
		orders := e.st.OpenOrders(intent.AccountID)
		if len(orders) == 0 {
			return "skipped", "no open orders"
		}
		var failed []int64
		for _, ord := range orders {
			orderID := ord.ID
			if err := e.callWithRetry(func(ctx context.Context) error {
				return e.gw.CancelOrder(ctx, intent.AccountID, orderID)
			}); err != nil {
				failed = append(failed, orderID)
			}
		}
		if len(failed) > 0 {
			return "failed", fmt.Sprintf("cancel failed for %v", failed)
		}
		return "success", fmt.Sprintf("cancelled %d orders", len(orders))

	case types.IntentCancelOrder:
		return e.outcome(e.callWithRetry(func(ctx context.Context) error {
			return e.gw.CancelOrder(ctx, intent.AccountID, intent.OrderID)
		}))

	case types.IntentModifyOrder:
		req := gateway.ModifyRequest{AccountID: intent.AccountID, OrderID: intent.OrderID}
		if m := intent.Modify; m != nil {
			req.Size = m.Size
			req.LimitPrice = m.LimitPrice
			req.StopPrice = m.StopPrice
			req.TrailPrice = m.TrailPrice
		}
		return e.outcome(e.callWithRetry(func(ctx context.Context) error {
			return e.gw.ModifyOrder(ctx, req)
		}))
	}
	return "failed", fmt.Sprintf("unknown intent kind %d", intent.Kind)
}

func (e *Executor) outcome(err error) (string, string) {
	if err != nil {
		return "failed", err.Error()
	}
	return "success", ""
}

// callWithRetry applies the gateway retry policy to one call.
func (e *Executor) callWithRetry(call func(context.Context) error) error {
	maxRetries := e.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	baseDelay := e.cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := e.cfg.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	rateBackoff := e.cfg.RateLimitBackoff
	if rateBackoff <= 0 {
		rateBackoff = 2 * time.Second
	}

	refreshed := false
	delay := baseDelay
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = call(e.ctx)
		if lastErr == nil {
			return nil
		}

		var apiErr *gateway.APIError
		if errors.As(lastErr, &apiErr) {
			switch {
			case apiErr.RateLimited():
				if err := e.sleep(e.ctx, rateBackoff); err != nil {
					return err
				}
				continue
			case apiErr.Unauthorized():
				if refreshed {
					return lastErr
				}
				e.gw.ForceRefresh()
				refreshed = true
				continue
			case apiErr.ServerError():
				// exponential backoff below
			default:
				// a refusal the gateway will repeat; surface it
				return lastErr
			}
		}

		if err := e.sleep(e.ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return fmt.Errorf("retries exhausted: %w", lastErr)
}

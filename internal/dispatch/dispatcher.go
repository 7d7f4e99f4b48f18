// Package dispatch serializes all event handling per account.
//
// Every inbound event — gateway push, synthetic timer, reconciliation —
// flows through one buffered queue per account and is handled by that
// account's single goroutine, so rules always observe a consistent
// snapshot and all state mutation is race-free by construction. The
// pipeline per event is: lockout pre-gate, state update, rule evaluation,
// enforcement submit.
//
// Persistence failures on the decision path escalate: the dispatcher
// retries a bounded number of times, then parks the account and signals
// Fatal. The process prefers crashing over silently under-enforcing.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"futures-riskd/internal/config"
	"futures-riskd/internal/lockout"
	"futures-riskd/internal/rules"
	"futures-riskd/internal/state"
	"futures-riskd/internal/timer"
	"futures-riskd/pkg/types"
)

const (
	queueSize         = 256
	persistRetries    = 3
	persistRetryDelay = 200 * time.Millisecond

	unrealizedTickInterval = time.Second
	minuteTickInterval     = time.Minute
)

// Executor is the enforcement surface the dispatcher drives.
type Executor interface {
	Submit(intent types.Intent)
	BumpGeneration(accountID int64)
}

type accountInfo struct {
	resetHour, resetMin int
	loc                 *time.Location
}

// work is one queue element: either an event or a control function that
// runs on the account's goroutine (reconciliation).
type work struct {
	evt types.Event
	fn  func()
}

// Dispatcher routes events into per-account serialized pipelines.
type Dispatcher struct {
	cfg      *config.Config
	st       *state.Store
	lockouts *lockout.Manager
	timers   *timer.Service
	registry *rules.Registry
	exec     Executor

	queues   map[int64]chan work
	accounts map[int64]accountInfo

	// Fatal is invoked when an account's decision-path persistence keeps
	// failing after bounded retries. The engine exits non-zero from it.
	Fatal func(accountID int64, err error)
	// Degraded is invoked on every persistence retry, for the status
	// frontend. May be nil.
	Degraded func(accountID int64, err error)
	// OnPositionChange fires after a position event is applied; the engine
	// uses it to manage quote subscriptions and contract metadata.
	OnPositionChange func(accountID int64, contractID string, size, prevSize int)

	wg     sync.WaitGroup
	now    func() time.Time
	logger *slog.Logger
}

// New creates a dispatcher for the enabled accounts in cfg.
func New(cfg *config.Config, st *state.Store, lockouts *lockout.Manager,
	timers *timer.Service, registry *rules.Registry, exec Executor, logger *slog.Logger) (*Dispatcher, error) {

	d := &Dispatcher{
		cfg:      cfg,
		st:       st,
		lockouts: lockouts,
		timers:   timers,
		registry: registry,
		exec:     exec,
		queues:   make(map[int64]chan work),
		accounts: make(map[int64]accountInfo),
		now:      time.Now,
		logger:   logger.With("component", "dispatch"),
	}
	for _, acct := range cfg.Accounts {
		if !acct.Enabled {
			continue
		}
		info, err := accountInfoFor(acct)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", acct.AccountID, err)
		}
		d.accounts[acct.AccountID] = info
		d.queues[acct.AccountID] = make(chan work, queueSize)
	}
	return d, nil
}

func accountInfoFor(acct config.AccountConfig) (accountInfo, error) {
	resetTime := acct.ResetTime
	if resetTime == "" {
		resetTime = "17:00"
	}
	tz := acct.Timezone
	if tz == "" {
		tz = "America/Chicago"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return accountInfo{}, fmt.Errorf("timezone %q: %w", tz, err)
	}
	var hour, min int
	if _, err := fmt.Sscanf(resetTime, "%d:%d", &hour, &min); err != nil {
		return accountInfo{}, fmt.Errorf("reset_time %q: %w", resetTime, err)
	}
	return accountInfo{resetHour: hour, resetMin: min, loc: loc}, nil
}

// SetClock overrides the dispatcher's time source. Call before Start.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Start launches the per-account pipelines and the periodic tick source.
func (d *Dispatcher) Start(ctx context.Context) {
	for accountID, q := range d.queues {
		d.wg.Add(1)
		go d.runAccount(ctx, accountID, q)
	}
	d.wg.Add(1)
	go d.runTicks(ctx)
}

// Wait blocks until all pipelines have drained after context cancellation.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// runTicks posts the periodic evaluation timers into every account queue:
// a second-resolution unrealized-P&L tick and a minute-resolution session
// boundary tick.
func (d *Dispatcher) runTicks(ctx context.Context) {
	defer d.wg.Done()
	unrealized := time.NewTicker(unrealizedTickInterval)
	minute := time.NewTicker(minuteTickInterval)
	defer unrealized.Stop()
	defer minute.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-unrealized.C:
			d.postTick(types.TimerUnrealizedTick)
		case <-minute.C:
			d.postTick(types.TimerMinuteTick)
		}
	}
}

func (d *Dispatcher) postTick(kind types.TimerKind) {
	at := d.now()
	for accountID := range d.queues {
		d.Post(types.Event{
			Kind:      types.EventTimer,
			AccountID: accountID,
			Received:  at,
			Timer:     &types.TimerEvent{Kind: kind, FiredAt: at},
		})
	}
}

// Post routes an event to its account's queue. Quote events carry no
// account; they update the shared cache once and fan out to every account
// holding the contract.
func (d *Dispatcher) Post(evt types.Event) {
	if evt.Kind == types.EventQuote && evt.AccountID == 0 {
		d.fanOutQuote(evt)
		return
	}
	q, ok := d.queues[evt.AccountID]
	if !ok {
		d.logger.Debug("event for unmonitored account dropped",
			"account", evt.AccountID, "kind", evt.Kind.String())
		return
	}
	select {
	case q <- work{evt: evt}:
	default:
		d.logger.Error("account queue full, dropping event",
			"account", evt.AccountID, "kind", evt.Kind.String())
	}
}

func (d *Dispatcher) fanOutQuote(evt types.Event) {
	if evt.Quote == nil {
		return
	}
	d.st.Quotes.Update(evt.ContractID, *evt.Quote)
	for accountID, q := range d.queues {
		if _, held := d.st.Position(accountID, evt.ContractID); !held {
			continue
		}
		copied := evt
		copied.AccountID = accountID
		select {
		case q <- work{evt: copied}:
		default:
			d.logger.Warn("quote fan-out dropped", "account", accountID, "contract", evt.ContractID)
		}
	}
}

// Flush blocks until every event posted to the account before the call
// has been handled.
func (d *Dispatcher) Flush(accountID int64) {
	q, ok := d.queues[accountID]
	if !ok {
		return
	}
	done := make(chan struct{})
	deadline := time.After(5 * time.Second)
	select {
	case q <- work{fn: func() { close(done) }}:
	case <-deadline:
		return
	}
	select {
	case <-done:
	case <-deadline:
	}
}

// Reconcile replaces the account's positions and open orders with the
// gateway-reported sets, on the account's own goroutine, then re-evaluates
// every surviving position so breaches that arose during the outage are
// remediated.
func (d *Dispatcher) Reconcile(accountID int64, positions []types.GatewayPosition, orders []types.GatewayOrder) {
	q, ok := d.queues[accountID]
	if !ok {
		return
	}
	q <- work{fn: func() { d.reconcile(accountID, positions, orders) }}
}

func (d *Dispatcher) reconcile(accountID int64, positions []types.GatewayPosition, orders []types.GatewayOrder) {
	prev := make(map[string]int)
	for _, p := range d.st.Positions(accountID) {
		prev[p.ContractID] = p.Size
	}
	if err := d.st.Reconcile(accountID, positions, orders); err != nil {
		if !d.persistFailed(accountID, err) {
			return
		}
	}
	d.exec.BumpGeneration(accountID)
	d.logger.Info("reconciled", "account", accountID,
		"positions", len(positions), "orders", len(orders))

	for contractID, size := range prev {
		still := false
		for _, p := range positions {
			if p.ContractID == contractID {
				still = true
				break
			}
		}
		if !still && d.OnPositionChange != nil {
			d.OnPositionChange(accountID, contractID, 0, size)
		}
	}
	for _, p := range positions {
		evt := types.Event{
			Kind:       types.EventPosition,
			AccountID:  accountID,
			ContractID: p.ContractID,
			Received:   d.now(),
			Position:   &p,
			PrevSize:   prev[p.ContractID],
		}
		if d.OnPositionChange != nil {
			d.OnPositionChange(accountID, p.ContractID, p.Size, prev[p.ContractID])
		}
		d.evaluate(evt)
	}
}

func (d *Dispatcher) runAccount(ctx context.Context, accountID int64, q chan work) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-q:
			if w.fn != nil {
				w.fn()
				continue
			}
			if !d.handle(w.evt) {
				// Parked: stop consuming for this account.
				d.logger.Error("account parked, pipeline halted", "account", accountID)
				return
			}
		}
	}
}

// handle runs the pipeline for one event. Returns false when the account
// must be parked after a persistence escalation.
func (d *Dispatcher) handle(evt types.Event) bool {
	if evt.Kind == types.EventTimer && evt.Timer != nil && evt.Timer.Kind == types.TimerResetRollover {
		return d.rollover(evt)
	}

	gated := d.preGate(evt)

	if ok := d.updateState(&evt); !ok {
		return false
	}

	if gated {
		return true
	}
	d.evaluate(evt)
	return true
}

// preGate enforces lockouts before rules run: a locked account that opens
// a position gets the position closed immediately, and rule evaluation is
// skipped for every event kind except account events (AuthLossGuard must
// still observe a restored can_trade) and timer events (expiries and
// session boundaries must be processed while locked).
func (d *Dispatcher) preGate(evt types.Event) bool {
	switch evt.Kind {
	case types.EventAccount, types.EventTimer:
		return false
	}

	accountLocked := d.lockouts.IsLocked(evt.AccountID)
	symbolLocked := false
	if evt.Kind == types.EventPosition && evt.Position != nil {
		symbolLocked = d.lockouts.IsSymbolLocked(evt.AccountID, types.SymbolOf(evt.Position.ContractID))
	}
	if !accountLocked && !symbolLocked {
		return false
	}

	if evt.Kind == types.EventPosition && evt.Position != nil && evt.Position.Size != 0 {
		reason := "position opened while locked out"
		if symbolLocked && !accountLocked {
			reason = "position opened in locked symbol"
		}
		d.exec.Submit(types.Intent{
			Kind:       types.IntentClosePosition,
			AccountID:  evt.AccountID,
			ContractID: evt.Position.ContractID,
			Rule:       "lockout",
			Reason:     reason,
		})
	}
	return true
}

// updateState applies the event to the state store, filling PrevSize for
// position events. Returns false when the account was parked.
func (d *Dispatcher) updateState(evt *types.Event) bool {
	var err error
	switch evt.Kind {
	case types.EventTrade:
		if evt.Trade != nil {
			_, err = d.st.ApplyTrade(*evt.Trade)
		}
	case types.EventPosition:
		if evt.Position != nil {
			var prevSize int
			prevSize, err = d.st.UpsertPosition(*evt.Position)
			evt.PrevSize = prevSize
			if err == nil && d.OnPositionChange != nil {
				d.OnPositionChange(evt.AccountID, evt.Position.ContractID, evt.Position.Size, prevSize)
			}
		}
	case types.EventOrder:
		if evt.Order != nil {
			err = d.st.UpsertOrder(*evt.Order)
		}
	case types.EventAccount:
		if evt.Account != nil {
			d.st.SetCanTrade(evt.AccountID, evt.Account.CanTrade)
		}
	case types.EventQuote:
		// Cache already updated at fan-out.
	case types.EventTimer:
	}
	if err != nil {
		return d.persistFailed(evt.AccountID, err)
	}
	return true
}

// evaluate runs the registry over the event. The first action carrying
// immediate remediation wins its intents; lockouts, timer bookkeeping, and
// lockout clears from every action are all applied.
func (d *Dispatcher) evaluate(evt types.Event) {
	snap := d.st.Snapshot(evt.AccountID, d.cfg.Quotes.MaxAge)
	snap.Now = d.now()

	intentsTaken := false
	for _, rule := range d.registry.ForEvent(evt.Kind) {
		act := rule.Evaluate(snap, evt)
		if act == nil {
			continue
		}
		if len(act.Intents) > 0 && !intentsTaken {
			intentsTaken = true
			d.logger.Warn("rule breach", "account", evt.AccountID,
				"rule", act.Rule, "reason", act.Reason, "event", evt.Kind.String())
			for _, it := range act.Intents {
				d.exec.Submit(it)
			}
		}
		d.applyLockout(evt.AccountID, act)
		d.applyTimers(evt.AccountID, act)
	}
}

func (d *Dispatcher) applyLockout(accountID int64, act *rules.Action) {
	if act.ClearLockoutPrefix != "" {
		if err := d.lockouts.ClearByReasonPrefix(accountID, act.ClearLockoutPrefix); err != nil {
			d.persistFailed(accountID, err)
		}
	}
	li := act.Lockout
	if li == nil {
		return
	}

	var err error
	switch li.Kind {
	case rules.LockoutCooldown:
		err = d.lockouts.SetCooldown(accountID, li.Reason, li.Duration)
	case rules.LockoutSymbol:
		until := li.Until
		if li.Never || until.IsZero() {
			until = lockout.Never
		}
		err = d.lockouts.SetSymbol(accountID, li.Symbol, li.Reason, until)
	case rules.LockoutHard:
		until := li.Until
		switch {
		case li.Never:
			until = lockout.Never
		case li.UntilRollover:
			until = d.nextRollover(accountID)
		}
		err = d.lockouts.SetHard(accountID, li.Reason, until)
	}
	if err != nil {
		d.persistFailed(accountID, err)
	}
}

func (d *Dispatcher) applyTimers(accountID int64, act *rules.Action) {
	for _, name := range act.CancelTimers {
		d.timers.Cancel(name)
	}
	for _, req := range act.StartTimers {
		req := req
		d.timers.Start(req.Name, req.Duration, func() {
			d.Post(types.Event{
				Kind:       types.EventTimer,
				AccountID:  accountID,
				ContractID: req.ContractID,
				Received:   d.now(),
				Timer: &types.TimerEvent{
					Kind:       req.Kind,
					Name:       req.Name,
					ContractID: req.ContractID,
					FiredAt:    d.now(),
				},
			})
		})
	}
}

// rollover resets the session at the scheduler's boundary: realized P&L
// and session counters zero, hard lockouts that expire at or before the
// boundary clear, and enforcement fingerprints start a new generation.
func (d *Dispatcher) rollover(evt types.Event) bool {
	at := evt.Timer.FiredAt
	if at.IsZero() {
		at = d.now()
	}
	if err := d.st.ResetSession(evt.AccountID, at); err != nil {
		return d.persistFailed(evt.AccountID, err)
	}
	if err := d.lockouts.ClearExpiredHard(evt.AccountID, at); err != nil {
		return d.persistFailed(evt.AccountID, err)
	}
	d.exec.BumpGeneration(evt.AccountID)
	d.logger.Info("session rolled over", "account", evt.AccountID, "at", at)
	return true
}

// nextRollover computes the account's next session boundary in its own
// timezone, strictly after now.
func (d *Dispatcher) nextRollover(accountID int64) time.Time {
	info, ok := d.accounts[accountID]
	if !ok {
		info = accountInfo{resetHour: 17, loc: time.UTC}
	}
	now := d.now().In(info.loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), info.resetHour, info.resetMin, 0, 0, info.loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// persistFailed escalates a decision-path write failure: probe the store
// a bounded number of times; if it stays broken, park the account and
// signal Fatal. Returns true when the store recovered. Even on recovery
// the failed write is gone — the caller's event is not replayed — but the
// next delivery of the same state will persist correctly.
func (d *Dispatcher) persistFailed(accountID int64, err error) bool {
	d.logger.Error("decision-path persistence failure", "account", accountID, "error", err)
	if d.Degraded != nil {
		d.Degraded(accountID, err)
	}
	for attempt := 1; attempt <= persistRetries; attempt++ {
		time.Sleep(persistRetryDelay)
		if d.st.Healthy() {
			d.logger.Warn("persistence recovered", "account", accountID, "attempt", attempt)
			return true
		}
	}
	d.logger.Error("CRITICAL: persistence unavailable, parking account", "account", accountID)
	if d.Fatal != nil {
		d.Fatal(accountID, err)
	}
	return false
}

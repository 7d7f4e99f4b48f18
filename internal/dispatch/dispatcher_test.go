package dispatch

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-riskd/internal/config"
	"futures-riskd/internal/lockout"
	"futures-riskd/internal/rules"
	"futures-riskd/internal/state"
	"futures-riskd/internal/store"
	"futures-riskd/internal/timer"
	"futures-riskd/pkg/types"
)

const (
	acctID = int64(1001)
	mnq    = "CON.F.US.MNQ.Z25"
	rty    = "CON.F.US.RTY.U25"
	es     = "CON.F.US.EP.U25"
)

type fakeExec struct {
	mu      sync.Mutex
	intents []types.Intent
	bumps   []int64
}

func (f *fakeExec) Submit(it types.Intent) {
	f.mu.Lock()
	f.intents = append(f.intents, it)
	f.mu.Unlock()
}

func (f *fakeExec) BumpGeneration(accountID int64) {
	f.mu.Lock()
	f.bumps = append(f.bumps, accountID)
	f.mu.Unlock()
}

func (f *fakeExec) submitted() []types.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Intent, len(f.intents))
	copy(out, f.intents)
	return out
}

func (f *fakeExec) bumped() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.bumps))
	copy(out, f.bumps)
	return out
}

type harness struct {
	d        *Dispatcher
	st       *state.Store
	lockouts *lockout.Manager
	exec     *fakeExec
	persist  *store.Store
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newHarness wires a dispatcher over real state, lockout, and timer
// services with one monitored account in New York. The clock is pinned for
// the dispatcher and state store; the timer loop runs on real time.
func newHarness(t *testing.T, now time.Time, mutate func(*config.Config)) *harness {
	t.Helper()
	logger := testLogger()

	cfg := &config.Config{
		Quotes: config.QuotesConfig{MaxAge: 10 * time.Second},
		Accounts: []config.AccountConfig{{
			AccountID: acctID, Username: "u", APIKey: "k", Enabled: true,
			ResetTime: "17:00", Timezone: "America/New_York",
		}},
	}
	if mutate != nil {
		mutate(cfg)
	}

	persist, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { persist.Close() })

	loc, _ := time.LoadLocation("America/New_York")
	st := state.New(persist, state.NewQuoteCache(), state.NewContractCache(nil))
	if !now.IsZero() {
		st.SetClock(func() time.Time { return now })
	}
	st.RegisterAccount(acctID, loc, 17, 0)

	timers := timer.New(logger)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go timers.Run(ctx)

	lockouts := lockout.NewManager(persist, timers, logger)
	registry, err := rules.NewRegistry(cfg, logger)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	exec := &fakeExec{}
	d, err := New(cfg, st, lockouts, timers, registry, exec, logger)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	if !now.IsZero() {
		d.SetClock(func() time.Time { return now })
	}
	d.Start(ctx)

	return &harness{d: d, st: st, lockouts: lockouts, exec: exec, persist: persist}
}

func dec(fv float64) decimal.Decimal { return decimal.NewFromFloat(fv) }

func tradeEvent(id int64, pnl *decimal.Decimal, at time.Time) types.Event {
	return types.Event{
		Kind:      types.EventTrade,
		AccountID: acctID,
		Received:  at,
		Trade: &types.GatewayTrade{
			ID: id, AccountID: acctID, ContractID: mnq,
			CreationTimestamp: at, ProfitAndLoss: pnl, Size: 1,
		},
	}
}

func positionEvent(contractID string, size int) types.Event {
	ptype := types.PositionLong
	if size < 0 {
		ptype = types.PositionShort
	}
	return types.Event{
		Kind:       types.EventPosition,
		AccountID:  acctID,
		ContractID: contractID,
		Position: &types.GatewayPosition{
			AccountID: acctID, ContractID: contractID,
			Type: ptype, Size: size, AveragePrice: dec(21000),
		},
	}
}

func waitIntents(t *testing.T, exec *fakeExec, n int) []types.Intent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := exec.submitted(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d intents, have %+v", n, exec.submitted())
	return nil
}

func TestRealizedLossLockoutAndRollover(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("America/New_York")
	now := time.Date(2027, 3, 2, 14, 0, 0, 0, loc)
	h := newHarness(t, now, func(cfg *config.Config) {
		cfg.Rules.DailyRealizedLoss = config.PnLLimitConfig{Enabled: true, Limit: -500}
	})

	for i, pnl := range []float64{100, -300, -250} {
		v := dec(pnl)
		h.d.Post(tradeEvent(int64(i+1), &v, now))
	}
	h.d.Flush(acctID)
	if got := h.st.Realized(acctID); !got.Equal(dec(-450)) {
		t.Fatalf("realized = %s, want -450", got)
	}
	if len(h.exec.submitted()) != 0 {
		t.Fatalf("no breach expected at -450, got %+v", h.exec.submitted())
	}

	v := dec(-100)
	h.d.Post(tradeEvent(4, &v, now))
	h.d.Flush(acctID)
	intents := waitIntents(t, h.exec, 2)
	if intents[0].Kind != types.IntentCloseAll || intents[1].Kind != types.IntentCancelAll {
		t.Errorf("intents = %+v, want close_all then cancel_all", intents)
	}

	rec, ok := h.lockouts.Info(acctID)
	if !ok || rec.Kind != lockout.KindHard {
		t.Fatalf("lockout = %+v, %v", rec, ok)
	}
	wantExpiry := time.Date(2027, 3, 2, 17, 0, 0, 0, loc)
	if !rec.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expires_at = %s, want %s", rec.ExpiresAt, wantExpiry)
	}

	h.d.Post(types.Event{
		Kind:      types.EventTimer,
		AccountID: acctID,
		Timer:     &types.TimerEvent{Kind: types.TimerResetRollover, FiredAt: wantExpiry},
	})
	h.d.Flush(acctID)

	if !h.st.Realized(acctID).IsZero() {
		t.Errorf("realized after rollover = %s, want 0", h.st.Realized(acctID))
	}
	if _, locked := h.lockouts.Info(acctID); locked {
		t.Error("hard lockout must clear at rollover")
	}
	if bumps := h.exec.bumped(); len(bumps) != 1 || bumps[0] != acctID {
		t.Errorf("generation bumps = %v", bumps)
	}
}

func TestSymbolBlockRedelivery(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Time{}, func(cfg *config.Config) {
		cfg.Rules.SymbolBlocks = config.SymbolBlocksConfig{Enabled: true, Blocked: []string{"RTY"}}
	})

	h.d.Post(positionEvent(rty, 1))
	h.d.Flush(acctID)
	intents := waitIntents(t, h.exec, 1)
	if intents[0].Kind != types.IntentClosePosition || intents[0].ContractID != rty {
		t.Fatalf("intent = %+v", intents[0])
	}
	locks := h.lockouts.SymbolLockouts(acctID)
	if len(locks) != 1 || !locks[0].ExpiresAt.Equal(lockout.Never) {
		t.Fatalf("symbol lockouts = %+v", locks)
	}
	firstReason := locks[0].Reason

	// Redelivery: the pre-gate resubmits the close (deduplicated by the
	// executor fingerprint) and the lockout set is unchanged.
	h.d.Post(positionEvent(rty, 1))
	h.d.Flush(acctID)
	intents = h.exec.submitted()
	if len(intents) != 2 {
		t.Fatalf("intents = %+v", intents)
	}
	if intents[1].Kind != intents[0].Kind || intents[1].ContractID != intents[0].ContractID ||
		intents[1].AccountID != intents[0].AccountID {
		t.Errorf("redelivered close differs in fingerprint fields: %+v vs %+v", intents[1], intents[0])
	}
	locks = h.lockouts.SymbolLockouts(acctID)
	if len(locks) != 1 || locks[0].Reason != firstReason {
		t.Errorf("lockout set changed on redelivery: %+v", locks)
	}
}

func TestPerInstrumentReduce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Time{}, func(cfg *config.Config) {
		cfg.Rules.MaxContractsPerInstrument = config.PerInstrumentConfig{
			Enabled: true, Limits: map[string]int{"MNQ": 2}, Mode: "reduce_to_limit",
			UnknownSymbolPolicy: "allow_unlimited",
		}
	})

	h.d.Post(positionEvent(mnq, 3))
	h.d.Flush(acctID)
	intents := waitIntents(t, h.exec, 1)
	if intents[0].Kind != types.IntentPartialClose || intents[0].Quantity != 1 || intents[0].ContractID != mnq {
		t.Fatalf("intent = %+v, want partial_close qty 1", intents[0])
	}

	h.d.Post(positionEvent(mnq, 2))
	h.d.Flush(acctID)
	if got := h.exec.submitted(); len(got) != 1 {
		t.Errorf("no further intent expected at size 2, got %+v", got)
	}
}

func TestGraceCloseFiresAfterDuration(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Time{}, func(cfg *config.Config) {
		cfg.Rules.NoStopLossGrace = config.NoStopLossGraceConfig{
			Enabled: true, GracePeriod: 150 * time.Millisecond,
		}
	})

	start := time.Now()
	h.d.Post(positionEvent(mnq, 1))
	h.d.Flush(acctID)
	if len(h.exec.submitted()) != 0 {
		t.Fatal("close must wait for the grace period")
	}

	intents := waitIntents(t, h.exec, 1)
	elapsed := time.Since(start)
	if intents[0].Kind != types.IntentClosePosition || intents[0].ContractID != mnq {
		t.Fatalf("intent = %+v", intents[0])
	}
	if elapsed < 150*time.Millisecond {
		t.Errorf("closed after %s, before the grace period", elapsed)
	}
}

func TestGraceCancelledWhenFlat(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Time{}, func(cfg *config.Config) {
		cfg.Rules.NoStopLossGrace = config.NoStopLossGraceConfig{
			Enabled: true, GracePeriod: 150 * time.Millisecond,
		}
	})

	h.d.Post(positionEvent(mnq, 1))
	h.d.Post(positionEvent(mnq, 0))
	h.d.Flush(acctID)

	time.Sleep(400 * time.Millisecond)
	if got := h.exec.submitted(); len(got) != 0 {
		t.Errorf("flat position must not be closed, got %+v", got)
	}
}

func TestSessionOutsideBlocksNewPosition(t *testing.T) {
	t.Parallel()
	loc, _ := time.LoadLocation("America/New_York")
	now := time.Date(2027, 3, 1, 20, 0, 0, 0, loc) // Monday 20:00 ET
	h := newHarness(t, now, func(cfg *config.Config) {
		cfg.Rules.SessionBlockOutside = config.SessionBlockConfig{
			Enabled:  true,
			Window:   config.SessionWindow{Start: "09:30", End: "16:00"},
			Timezone: "America/New_York",
		}
	})

	h.d.Post(positionEvent(mnq, 1))
	h.d.Flush(acctID)
	intents := waitIntents(t, h.exec, 2)
	if intents[0].Kind != types.IntentClosePosition || intents[1].Kind != types.IntentCancelAll {
		t.Fatalf("intents = %+v, want close then cancel_all", intents)
	}

	rec, ok := h.lockouts.Info(acctID)
	if !ok || rec.Kind != lockout.KindHard {
		t.Fatalf("lockout = %+v, %v", rec, ok)
	}
	wantUntil := time.Date(2027, 3, 2, 9, 30, 0, 0, loc)
	if !rec.ExpiresAt.Equal(wantUntil) {
		t.Errorf("expires_at = %s, want next open %s", rec.ExpiresAt, wantUntil)
	}
}

func TestLockedPreGateClosesNewPosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Time{}, nil)
	if err := h.lockouts.SetHard(acctID, "test", lockout.Never); err != nil {
		t.Fatal(err)
	}

	h.d.Post(positionEvent(mnq, 1))
	h.d.Flush(acctID)
	intents := waitIntents(t, h.exec, 1)
	if intents[0].Kind != types.IntentClosePosition || intents[0].Rule != "lockout" {
		t.Fatalf("intent = %+v", intents[0])
	}
	// State still tracks the position so the executor's flat-check passes.
	if _, held := h.st.Position(acctID, mnq); !held {
		t.Error("position must be tracked while locked")
	}
}

func TestDuplicateTradeIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Time{}, func(cfg *config.Config) {
		cfg.Rules.DailyRealizedLoss = config.PnLLimitConfig{Enabled: true, Limit: -500}
	})

	v := dec(-300)
	evt := tradeEvent(9, &v, time.Now())
	h.d.Post(evt)
	h.d.Post(evt)
	h.d.Flush(acctID)

	if got := h.st.Realized(acctID); !got.Equal(dec(-300)) {
		t.Errorf("realized = %s, want -300 (duplicate must not double-count)", got)
	}
	if got := h.exec.submitted(); len(got) != 0 {
		t.Errorf("no breach expected, got %+v", got)
	}
}

func TestReconcilePrunesExternallyClosedPosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Time{}, nil)

	var removedMu sync.Mutex
	var removed []string
	h.d.OnPositionChange = func(_ int64, contractID string, size, prevSize int) {
		if size == 0 && prevSize != 0 {
			removedMu.Lock()
			removed = append(removed, contractID)
			removedMu.Unlock()
		}
	}

	h.d.Post(positionEvent(es, 1))
	h.d.Flush(acctID)
	if _, held := h.st.Position(acctID, es); !held {
		t.Fatal("seed position missing")
	}

	// Gateway closed the position during the outage: reconciliation reports
	// an empty set.
	h.d.Reconcile(acctID, nil, nil)
	h.d.Flush(acctID)

	if _, held := h.st.Position(acctID, es); held {
		t.Error("reconciliation must prune the externally closed position")
	}
	if bumps := h.exec.bumped(); len(bumps) != 1 {
		t.Errorf("generation bumps = %v", bumps)
	}
	removedMu.Lock()
	defer removedMu.Unlock()
	if len(removed) != 1 || removed[0] != es {
		t.Errorf("position-change hook = %v, want [%s]", removed, es)
	}
}

func TestQuoteFanOutReachesHolders(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Time{}, func(cfg *config.Config) {
		cfg.Rules.MaxUnrealizedProfit = config.PnLLimitConfig{Enabled: true, Limit: 300}
	})
	h.st.Contracts.Put(types.ContractMeta{
		ContractID: mnq, Symbol: "MNQ", TickSize: dec(0.25), TickValue: dec(0.5),
	})

	h.d.Post(positionEvent(mnq, 1))
	h.d.Flush(acctID)

	// 800 ticks in profit at $0.50 per tick: +$400 ≥ the $300 cap.
	h.d.Post(types.Event{
		Kind:       types.EventQuote,
		ContractID: mnq,
		Quote:      &types.GatewayQuote{Symbol: mnq, LastPrice: dec(21200)},
	})
	h.d.Flush(acctID)

	intents := waitIntents(t, h.exec, 2)
	if intents[0].Kind != types.IntentCloseAll || intents[1].Kind != types.IntentCancelAll {
		t.Errorf("intents = %+v, want close_all then cancel_all", intents)
	}
	if last, ok := h.st.Quotes.Last(mnq); !ok || !last.Equal(dec(21200)) {
		t.Errorf("quote cache = %s, %v", last, ok)
	}
}

func TestQuoteForUnheldContractNotFannedOut(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Time{}, func(cfg *config.Config) {
		cfg.Rules.MaxUnrealizedProfit = config.PnLLimitConfig{Enabled: true, Limit: 300}
	})

	h.d.Post(types.Event{
		Kind:       types.EventQuote,
		ContractID: mnq,
		Quote:      &types.GatewayQuote{Symbol: mnq, LastPrice: dec(21062.5)},
	})
	h.d.Flush(acctID)

	if got := h.exec.submitted(); len(got) != 0 {
		t.Errorf("unheld contract must not trigger evaluation, got %+v", got)
	}
	if _, ok := h.st.Quotes.Last(mnq); !ok {
		t.Error("cache must still record the quote")
	}
}

func TestAuthLossGuardRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t, time.Time{}, func(cfg *config.Config) {
		cfg.Rules.AuthLossGuard = config.AuthLossGuardConfig{Enabled: true}
	})

	h.d.Post(types.Event{
		Kind: types.EventAccount, AccountID: acctID,
		Account: &types.GatewayAccount{ID: acctID, CanTrade: false},
	})
	h.d.Flush(acctID)
	intents := waitIntents(t, h.exec, 2)
	if intents[0].Kind != types.IntentCloseAll {
		t.Fatalf("intents = %+v", intents)
	}
	if rec, ok := h.lockouts.Info(acctID); !ok || !rec.ExpiresAt.Equal(lockout.Never) {
		t.Fatalf("lockout = %+v, %v", rec, ok)
	}

	// The account event passes the pre-gate even while locked, so the
	// restored flag clears the guard's own lockout.
	h.d.Post(types.Event{
		Kind: types.EventAccount, AccountID: acctID,
		Account: &types.GatewayAccount{ID: acctID, CanTrade: true},
	})
	h.d.Flush(acctID)
	if _, ok := h.lockouts.Info(acctID); ok {
		t.Error("auth-loss lockout must clear when can_trade is restored")
	}
}

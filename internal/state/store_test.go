package state

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-riskd/internal/store"
	"futures-riskd/pkg/types"
)

const (
	mnq = "CON.F.US.MNQ.Z25"
	es  = "CON.F.US.EP.U25"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	persist, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open persist: %v", err)
	}
	t.Cleanup(func() { persist.Close() })

	st := New(persist, NewQuoteCache(), NewContractCache(nil))
	st.RegisterAccount(1001, time.UTC, 0, 0)
	return st
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func position(contract string, typ types.PositionType, size int, avg float64) types.GatewayPosition {
	return types.GatewayPosition{
		AccountID:    1001,
		ContractID:   contract,
		Type:         typ,
		Size:         size,
		AveragePrice: dec(avg),
	}
}

func TestUpsertPositionPruneOnFlat(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	prev, err := st.UpsertPosition(position(mnq, types.PositionLong, 2, 21000))
	if err != nil || prev != 0 {
		t.Fatalf("first upsert: prev=%d err=%v", prev, err)
	}
	prev, err = st.UpsertPosition(position(mnq, types.PositionLong, 3, 21001))
	if err != nil || prev != 2 {
		t.Fatalf("second upsert: prev=%d err=%v", prev, err)
	}

	prev, err = st.UpsertPosition(position(mnq, types.PositionLong, 0, 0))
	if err != nil || prev != 3 {
		t.Fatalf("flat upsert: prev=%d err=%v", prev, err)
	}
	if _, ok := st.Position(1001, mnq); ok {
		t.Error("flat position should be pruned")
	}
}

func TestUpsertOrderTerminalStatesAreFinal(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	ord := types.GatewayOrder{ID: 7, AccountID: 1001, ContractID: mnq,
		Status: types.OrderStatusOpen, Type: types.OrderTypeStop, Side: types.SideAsk, Size: 1}
	if err := st.UpsertOrder(ord); err != nil {
		t.Fatal(err)
	}
	ord.Status = types.OrderStatusCancelled
	if err := st.UpsertOrder(ord); err != nil {
		t.Fatal(err)
	}

	// Stale reopen after terminal must be dropped.
	ord.Status = types.OrderStatusOpen
	if err := st.UpsertOrder(ord); err != nil {
		t.Fatal(err)
	}
	if open := st.OpenOrders(1001); len(open) != 0 {
		t.Errorf("cancelled order resurfaced: %+v", open)
	}
}

func TestApplyTradeRealizedAndIdempotence(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	pnl1 := dec(100)
	pnl2 := dec(-300)
	trades := []types.GatewayTrade{
		{ID: 1, AccountID: 1001, ContractID: mnq, Price: dec(21000), ProfitAndLoss: &pnl1},
		{ID: 2, AccountID: 1001, ContractID: mnq, Price: dec(21010), ProfitAndLoss: &pnl2},
		{ID: 3, AccountID: 1001, ContractID: mnq, Price: dec(21005)}, // half-turn, no P&L
	}
	var total decimal.Decimal
	var err error
	for _, tr := range trades {
		total, err = st.ApplyTrade(tr)
		if err != nil {
			t.Fatal(err)
		}
	}
	if !total.Equal(dec(-200)) {
		t.Errorf("realized = %s, want -200", total)
	}
	if n := st.TradeCount(1001, WindowSession); n != 3 {
		t.Errorf("session count = %d, want 3 (half-turn still counts)", n)
	}

	// Duplicate delivery changes nothing.
	total, err = st.ApplyTrade(trades[1])
	if err != nil {
		t.Fatal(err)
	}
	if !total.Equal(dec(-200)) {
		t.Errorf("after duplicate realized = %s, want -200", total)
	}
	if n := st.TradeCount(1001, WindowSession); n != 3 {
		t.Errorf("after duplicate session count = %d, want 3", n)
	}
}

func TestApplyTradeVoidReversal(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	pnl := dec(-350)
	tr := types.GatewayTrade{ID: 9, AccountID: 1001, ContractID: mnq, Price: dec(21000), ProfitAndLoss: &pnl}
	if _, err := st.ApplyTrade(tr); err != nil {
		t.Fatal(err)
	}
	if got := st.Realized(1001); !got.Equal(dec(-350)) {
		t.Fatalf("realized = %s", got)
	}

	tr.Voided = true
	total, err := st.ApplyTrade(tr)
	if err != nil {
		t.Fatal(err)
	}
	if !total.IsZero() {
		t.Errorf("after void realized = %s, want 0", total)
	}

	// Re-delivering the voided trade is a no-op.
	total, _ = st.ApplyTrade(tr)
	if !total.IsZero() {
		t.Errorf("void redelivery realized = %s, want 0", total)
	}
}

func TestTradeCountWindows(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	base := time.Now()
	st.now = func() time.Time { return base }

	mk := func(id int64, at time.Time) types.GatewayTrade {
		return types.GatewayTrade{ID: id, AccountID: 1001, ContractID: mnq, Price: dec(1), CreationTimestamp: at}
	}
	// Two trades 30 minutes ago, three within the last minute.
	st.ApplyTrade(mk(1, base.Add(-30*time.Minute)))
	st.ApplyTrade(mk(2, base.Add(-30*time.Minute)))
	st.ApplyTrade(mk(3, base.Add(-30*time.Second)))
	st.ApplyTrade(mk(4, base.Add(-20*time.Second)))
	st.ApplyTrade(mk(5, base.Add(-10*time.Second)))

	if n := st.TradeCount(1001, WindowMinute); n != 3 {
		t.Errorf("minute count = %d, want 3", n)
	}
	if n := st.TradeCount(1001, WindowHour); n != 5 {
		t.Errorf("hour count = %d, want 5", n)
	}

	// Advance 2 minutes: minute window empties, hour window keeps all 5.
	st.now = func() time.Time { return base.Add(2 * time.Minute) }
	if n := st.TradeCount(1001, WindowMinute); n != 0 {
		t.Errorf("minute count after 2m = %d, want 0", n)
	}
	if n := st.TradeCount(1001, WindowHour); n != 5 {
		t.Errorf("hour count after 2m = %d, want 5", n)
	}
}

func TestResetSession(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	pnl := dec(-550)
	st.ApplyTrade(types.GatewayTrade{ID: 1, AccountID: 1001, ContractID: mnq, Price: dec(1), ProfitAndLoss: &pnl})
	if st.TradeCount(1001, WindowSession) != 1 {
		t.Fatal("session count should be 1")
	}

	rollover := time.Now().Add(time.Second)
	if err := st.ResetSession(1001, rollover); err != nil {
		t.Fatal(err)
	}
	if got := st.Realized(1001); !got.IsZero() {
		t.Errorf("realized after reset = %s, want 0", got)
	}
	if n := st.TradeCount(1001, WindowSession); n != 0 {
		t.Errorf("session count after reset = %d, want 0", n)
	}

	// A second reset at the same instant (clock skip replay) is a no-op.
	if err := st.ResetSession(1001, rollover); err != nil {
		t.Fatal(err)
	}
}

func TestRestartBeforeRolloverResumesSession(t *testing.T) {
	t.Parallel()
	persist, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open persist: %v", err)
	}
	t.Cleanup(func() { persist.Close() })

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}

	// Evening trade after the 17:00 rollover opens the Mar 1 session.
	evening := time.Date(2027, 3, 1, 18, 0, 0, 0, loc)
	st := New(persist, NewQuoteCache(), NewContractCache(nil))
	st.SetClock(func() time.Time { return evening })
	st.RegisterAccount(1001, loc, 17, 0)

	pnl := dec(-400)
	if _, err := st.ApplyTrade(types.GatewayTrade{
		ID: 1, AccountID: 1001, ContractID: mnq, Price: dec(21000),
		ProfitAndLoss: &pnl, CreationTimestamp: evening,
	}); err != nil {
		t.Fatal(err)
	}

	// Crash-restart the next morning, before that session's rollover. The
	// fresh store must resume the running session, not start a new one.
	morning := time.Date(2027, 3, 2, 9, 0, 0, 0, loc)
	st2 := New(persist, NewQuoteCache(), NewContractCache(nil))
	st2.SetClock(func() time.Time { return morning })
	st2.RegisterAccount(1001, loc, 17, 0)
	if err := st2.LoadFromStore(); err != nil {
		t.Fatal(err)
	}

	if got := st2.SessionDate(1001); got != "2027-03-01" {
		t.Errorf("session date after restart = %s, want 2027-03-01", got)
	}
	if got := st2.Realized(1001); !got.Equal(dec(-400)) {
		t.Errorf("realized after restart = %s, want -400", got)
	}
	if n := st2.TradeCount(1001, WindowSession); n != 1 {
		t.Errorf("session count after restart = %d, want 1", n)
	}
}

func TestReconcilePrunes(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	st.UpsertPosition(position(mnq, types.PositionLong, 1, 21000))
	st.UpsertPosition(position(es, types.PositionShort, 2, 5400))
	st.UpsertOrder(types.GatewayOrder{ID: 1, AccountID: 1001, ContractID: mnq, Status: types.OrderStatusOpen, Size: 1})

	// Gateway reports only the ES position and no open orders.
	err := st.Reconcile(1001, []types.GatewayPosition{position(es, types.PositionShort, 2, 5400)}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.Position(1001, mnq); ok {
		t.Error("MNQ position should be pruned after reconcile")
	}
	if _, ok := st.Position(1001, es); !ok {
		t.Error("ES position should survive reconcile")
	}
	if open := st.OpenOrders(1001); len(open) != 0 {
		t.Errorf("orders should be pruned, got %+v", open)
	}
}

func TestUnrealizedPnL(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)

	st.Contracts.Put(types.ContractMeta{ContractID: mnq, Symbol: "MNQ", TickSize: dec(0.25), TickValue: dec(0.5)})
	st.UpsertPosition(position(mnq, types.PositionLong, 2, 21000))

	// No quote yet: zero contribution, partial.
	total, partial := st.UnrealizedPnL(1001, 10*time.Second)
	if !total.IsZero() || !partial {
		t.Errorf("no quote: total=%s partial=%v", total, partial)
	}

	// 10 points up on MNQ: 40 ticks × $0.50 × 2 = $40.
	st.Quotes.Update(mnq, types.GatewayQuote{Symbol: mnq, LastPrice: dec(21010)})
	total, partial = st.UnrealizedPnL(1001, 10*time.Second)
	if !total.Equal(dec(40)) {
		t.Errorf("unrealized = %s, want 40", total)
	}
	if partial {
		t.Error("should not be partial with fresh quote")
	}

	// Short position inverts the sign.
	st.UpsertPosition(position(mnq, types.PositionShort, 2, 21000))
	total, _ = st.UnrealizedPnL(1001, 10*time.Second)
	if !total.Equal(dec(-40)) {
		t.Errorf("short unrealized = %s, want -40", total)
	}
}

func TestProfitTicks(t *testing.T) {
	t.Parallel()

	meta := types.ContractMeta{TickSize: dec(0.25), TickValue: dec(0.5)}
	long := position(mnq, types.PositionLong, 1, 21000)
	if got := ProfitTicks(long, dec(21005), meta); got != 20 {
		t.Errorf("long profit ticks = %d, want 20", got)
	}
	short := position(mnq, types.PositionShort, 1, 21000)
	if got := ProfitTicks(short, dec(21005), meta); got != -20 {
		t.Errorf("short profit ticks = %d, want -20", got)
	}
}

package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures-riskd/internal/store"
	"futures-riskd/pkg/types"
)

// tradeMark remembers a trade seen this session, for duplicate-delivery
// idempotence and void reversal.
type tradeMark struct {
	pnl    decimal.Decimal
	hasPnL bool
	voided bool
	at     time.Time
}

// accountState is the per-account mutable state. Mutations are serialized
// by the dispatcher; the mutex exists for cross-account readers (status
// frontend, executor flat-checks).
type accountState struct {
	positions map[string]types.GatewayPosition
	orders    map[int64]types.GatewayOrder
	trades    map[int64]tradeMark

	realized     decimal.Decimal
	sessionDate  string
	sessionStart time.Time
	loc          *time.Location
	canTrade     bool

	// tradeTimes is the rolling sequence backing the minute and hour
	// windows; entries older than an hour are folded into sessionBase.
	tradeTimes  []time.Time
	sessionBase int
}

// Store is the authoritative in-memory state, write-through persisted.
type Store struct {
	mu       sync.RWMutex
	persist  *store.Store
	accounts map[int64]*accountState

	Quotes    *QuoteCache
	Contracts *ContractCache

	now func() time.Time
}

// New creates a state store over the given persistence store and caches.
func New(persist *store.Store, quotes *QuoteCache, contracts *ContractCache) *Store {
	return &Store{
		persist:   persist,
		accounts:  make(map[int64]*accountState),
		Quotes:    quotes,
		Contracts: contracts,
		now:       time.Now,
	}
}

// SetClock overrides the store's time source. Call before RegisterAccount.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Healthy probes the persistence layer.
func (s *Store) Healthy() bool { return s.persist.Ping() == nil }

// RegisterAccount initializes state for a monitored account. The session
// is keyed by its rollover instant: before today's reset time the account
// is still inside yesterday's session, so a restart between midnight and
// the rollover resumes the running day's durable P&L instead of starting
// a fresh one.
func (s *Store) RegisterAccount(accountID int64, loc *time.Location, resetHour, resetMin int) {
	if loc == nil {
		loc = time.UTC
	}
	now := s.now().In(loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), resetHour, resetMin, 0, 0, loc)
	if now.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[accountID] = &accountState{
		positions:    make(map[string]types.GatewayPosition),
		orders:       make(map[int64]types.GatewayOrder),
		trades:       make(map[int64]tradeMark),
		sessionDate:  start.Format("2006-01-02"),
		sessionStart: start,
		loc:          loc,
		canTrade:     true,
	}
}

func (s *Store) acct(accountID int64) *accountState {
	a, ok := s.accounts[accountID]
	if !ok {
		// Unregistered accounts get UTC defaults; events for them are
		// normally filtered out upstream.
		s.accounts[accountID] = &accountState{
			positions:   make(map[string]types.GatewayPosition),
			orders:      make(map[int64]types.GatewayOrder),
			trades:      make(map[int64]tradeMark),
			sessionDate: s.now().UTC().Format("2006-01-02"),
			loc:         time.UTC,
			canTrade:    true,
		}
		a = s.accounts[accountID]
	}
	return a
}

// LoadFromStore rebuilds in-memory state from the durable replica. Called
// once at startup, after RegisterAccount and before the stream connects.
func (s *Store) LoadFromStore() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	positions, err := s.persist.LoadPositionSnapshots()
	if err != nil {
		return err
	}
	for _, p := range positions {
		s.acct(p.AccountID).positions[p.ContractID] = p
	}

	orders, err := s.persist.LoadOrderSnapshots()
	if err != nil {
		return err
	}
	for _, o := range orders {
		s.acct(o.AccountID).orders[o.ID] = o
	}

	now := s.now()
	for id, a := range s.accounts {
		realized, err := s.persist.LoadDailyPnL(id, a.sessionDate)
		if err != nil {
			return err
		}
		a.realized = realized
	}

	buckets, err := s.persist.LoadTradeBuckets(now.Add(-25 * time.Hour))
	if err != nil {
		return err
	}
	// Minute buckets rebuild the rolling sequence (timestamps collapse to
	// bucket start — a legal predecessor of the crash-time windows);
	// session buckets restore the remainder of the session count.
	reconstructed := make(map[int64]int)
	for _, b := range buckets {
		if b.WindowKind != "minute" || now.Sub(b.WindowStart) > time.Hour {
			continue
		}
		a := s.acct(b.AccountID)
		for i := 0; i < b.Count; i++ {
			a.tradeTimes = append(a.tradeTimes, b.WindowStart)
		}
		if !b.WindowStart.Before(a.sessionStart) {
			reconstructed[b.AccountID] += b.Count
		}
	}
	for _, b := range buckets {
		if b.WindowKind != "session" {
			continue
		}
		a := s.acct(b.AccountID)
		if b.WindowStart.Equal(a.sessionStart) || b.WindowStart.After(a.sessionStart) {
			if extra := b.Count - reconstructed[b.AccountID]; extra > 0 {
				a.sessionBase += extra
			}
		}
	}
	for _, a := range s.accounts {
		sort.Slice(a.tradeTimes, func(i, j int) bool { return a.tradeTimes[i].Before(a.tradeTimes[j]) })
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// UpsertPosition applies a position event and returns the previous size
// (0 when the position was flat or unknown). Size 0 prunes the record.
func (s *Store) UpsertPosition(p types.GatewayPosition) (prevSize int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.acct(p.AccountID)

	if prev, ok := a.positions[p.ContractID]; ok {
		prevSize = prev.Size
	}
	if p.Size == 0 {
		delete(a.positions, p.ContractID)
	} else {
		a.positions[p.ContractID] = p
	}
	if err := s.persist.SavePositionSnapshot(p); err != nil {
		return prevSize, fmt.Errorf("persist position: %w", err)
	}
	return prevSize, nil
}

// Position returns the open position for (account, contract).
func (s *Store) Position(accountID int64, contractID string) (types.GatewayPosition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return types.GatewayPosition{}, false
	}
	p, ok := a.positions[contractID]
	return p, ok
}

// Positions returns all open positions for the account, ordered by contract.
func (s *Store) Positions(accountID int64) []types.GatewayPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil
	}
	out := make([]types.GatewayPosition, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractID < out[j].ContractID })
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// UpsertOrder applies an order event. Transitions out of a terminal state
// are rejected (the stale update is dropped).
func (s *Store) UpsertOrder(o types.GatewayOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.acct(o.AccountID)

	if prev, ok := a.orders[o.ID]; ok && prev.Status.Terminal() && !o.Status.Terminal() {
		return nil
	}
	a.orders[o.ID] = o
	if err := s.persist.SaveOrderSnapshot(o); err != nil {
		return fmt.Errorf("persist order: %w", err)
	}
	return nil
}

// OpenOrders returns non-terminal orders for the account.
func (s *Store) OpenOrders(accountID int64) []types.GatewayOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil
	}
	out := make([]types.GatewayOrder, 0, len(a.orders))
	for _, o := range a.orders {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Trades / daily P&L / trade-count windows
// ————————————————————————————————————————————————————————————————————————

// ApplyTrade folds a trade event into realized P&L and the rolling trade
// counters, persisting both. Duplicate deliveries are no-ops; a voided
// flip reverses the trade's earlier P&L contribution. Returns the updated
// realized daily total.
func (s *Store) ApplyTrade(t types.GatewayTrade) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.acct(t.AccountID)

	mark, seen := a.trades[t.ID]
	if seen {
		if t.Voided && !mark.voided {
			if mark.hasPnL {
				a.realized = a.realized.Sub(mark.pnl)
				if err := s.persist.SaveDailyPnL(t.AccountID, a.sessionDate, a.realized); err != nil {
					return a.realized, fmt.Errorf("persist daily pnl: %w", err)
				}
			}
			mark.voided = true
			a.trades[t.ID] = mark
		}
		return a.realized, nil
	}

	at := t.CreationTimestamp
	if at.IsZero() {
		at = s.now()
	}
	mark = tradeMark{voided: t.Voided, at: at}
	if t.ProfitAndLoss != nil {
		mark.pnl = *t.ProfitAndLoss
		mark.hasPnL = true
	}
	a.trades[t.ID] = mark

	if !t.Voided {
		a.tradeTimes = append(a.tradeTimes, at)
		a.pruneTimes(s.now())
		if err := s.persistCounters(t.AccountID, a, at); err != nil {
			return a.realized, err
		}
	}

	if mark.hasPnL && !t.Voided {
		a.realized = a.realized.Add(mark.pnl)
		if err := s.persist.SaveDailyPnL(t.AccountID, a.sessionDate, a.realized); err != nil {
			return a.realized, fmt.Errorf("persist daily pnl: %w", err)
		}
	}
	return a.realized, nil
}

// pruneTimes folds entries older than the hour horizon into sessionBase.
func (a *accountState) pruneTimes(now time.Time) {
	horizon := now.Add(-time.Hour)
	i := 0
	for ; i < len(a.tradeTimes) && a.tradeTimes[i].Before(horizon); i++ {
		if !a.tradeTimes[i].Before(a.sessionStart) {
			a.sessionBase++
		}
	}
	if i > 0 {
		a.tradeTimes = append([]time.Time(nil), a.tradeTimes[i:]...)
	}
}

func (a *accountState) countSince(horizon time.Time) int {
	n := 0
	for _, ts := range a.tradeTimes {
		if !ts.Before(horizon) {
			n++
		}
	}
	return n
}

func (s *Store) persistCounters(accountID int64, a *accountState, at time.Time) error {
	minute := at.Truncate(time.Minute)
	hour := at.Truncate(time.Hour)
	inMinute := 0
	inHour := 0
	for _, ts := range a.tradeTimes {
		if !ts.Before(minute) {
			inMinute++
		}
		if !ts.Before(hour) {
			inHour++
		}
	}
	session := a.sessionBase + a.countSince(a.sessionStart)

	for _, b := range []store.TradeBucket{
		{AccountID: accountID, WindowKind: "minute", WindowStart: minute, Count: inMinute},
		{AccountID: accountID, WindowKind: "hour", WindowStart: hour, Count: inHour},
		{AccountID: accountID, WindowKind: "session", WindowStart: a.sessionStart, Count: session},
	} {
		if err := s.persist.SaveTradeBucket(b); err != nil {
			return fmt.Errorf("persist trade bucket: %w", err)
		}
	}
	return nil
}

// Realized returns the account's realized daily P&L.
func (s *Store) Realized(accountID int64) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return decimal.Zero
	}
	return a.realized
}

// WindowKind selects a trade-count window.
type WindowKind int

const (
	WindowMinute WindowKind = iota
	WindowHour
	WindowSession
)

// TradeCount returns the rolling count for the window, evicting expired
// entries first.
func (s *Store) TradeCount(accountID int64, w WindowKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return 0
	}
	now := s.now()
	a.pruneTimes(now)
	switch w {
	case WindowMinute:
		return a.countSince(now.Add(-time.Minute))
	case WindowHour:
		return a.countSince(now.Add(-time.Hour))
	default:
		return a.sessionBase + a.countSince(a.sessionStart)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Account flags / session
// ————————————————————————————————————————————————————————————————————————

// SetCanTrade records the gateway's trade-permission flag.
func (s *Store) SetCanTrade(accountID int64, canTrade bool) {
	s.mu.Lock()
	s.acct(accountID).canTrade = canTrade
	s.mu.Unlock()
}

// CanTrade returns the last known trade-permission flag.
func (s *Store) CanTrade(accountID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return true
	}
	return a.canTrade
}

// SessionDate returns the account's current session date key.
func (s *Store) SessionDate(accountID int64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return s.now().UTC().Format("2006-01-02")
	}
	return a.sessionDate
}

// ResetSession zeroes the realized daily P&L and the session trade-count
// window at the rollover instant. Minute/hour windows are rolling and are
// left intact. Idempotent: a second reset at the same instant is a no-op.
func (s *Store) ResetSession(accountID int64, rolloverAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.acct(accountID)

	local := rolloverAt.In(a.loc)
	if a.sessionStart.Equal(local) {
		return nil
	}

	oldDate := a.sessionDate
	a.realized = decimal.Zero
	a.sessionBase = 0
	a.sessionStart = local
	a.sessionDate = local.Format("2006-01-02")
	a.trades = make(map[int64]tradeMark)

	if err := s.persist.DeleteDailyPnL(accountID, oldDate); err != nil {
		return fmt.Errorf("reset daily pnl: %w", err)
	}
	if err := s.persist.ClearTradeBuckets(accountID); err != nil {
		return fmt.Errorf("reset trade buckets: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Reconciliation
// ————————————————————————————————————————————————————————————————————————

// Reconcile overwrites the account's positions and open orders with the
// gateway-reported sets, pruning anything the gateway no longer reports.
func (s *Store) Reconcile(accountID int64, positions []types.GatewayPosition, orders []types.GatewayOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.acct(accountID)

	reported := make(map[string]bool, len(positions))
	for _, p := range positions {
		reported[p.ContractID] = true
		a.positions[p.ContractID] = p
		if err := s.persist.SavePositionSnapshot(p); err != nil {
			return fmt.Errorf("reconcile position: %w", err)
		}
	}
	for contractID := range a.positions {
		if !reported[contractID] {
			delete(a.positions, contractID)
			if err := s.persist.DeletePositionSnapshot(accountID, contractID); err != nil {
				return fmt.Errorf("reconcile prune position: %w", err)
			}
		}
	}

	reportedOrders := make(map[int64]bool, len(orders))
	for _, o := range orders {
		reportedOrders[o.ID] = true
		a.orders[o.ID] = o
		if err := s.persist.SaveOrderSnapshot(o); err != nil {
			return fmt.Errorf("reconcile order: %w", err)
		}
	}
	for id, o := range a.orders {
		if !o.Status.Terminal() && !reportedOrders[id] {
			delete(a.orders, id)
			if err := s.persist.DeleteOrderSnapshot(accountID, id); err != nil {
				return fmt.Errorf("reconcile prune order: %w", err)
			}
		}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Unrealized P&L and rule snapshots
// ————————————————————————————————————————————————————————————————————————

// UnrealizedPnL marks all open positions to the latest quotes. partial is
// true when any held contract has a missing or stale quote (its
// contribution is zero) or missing metadata.
func (s *Store) UnrealizedPnL(accountID int64, maxAge time.Duration) (decimal.Decimal, bool) {
	positions := s.Positions(accountID)
	total := decimal.Zero
	partial := false
	for _, p := range positions {
		last, ok := s.Quotes.Last(p.ContractID)
		if !ok || s.Quotes.IsStale(p.ContractID, maxAge) {
			partial = true
			continue
		}
		meta, ok := s.Contracts.Cached(p.ContractID)
		if !ok {
			partial = true
			continue
		}
		total = total.Add(PositionUnrealized(p, last, meta))
	}
	return total, partial
}

// Snapshot is an immutable view of one account's state taken at the top of
// rule evaluation. Rules read it and never write back.
type Snapshot struct {
	AccountID   int64
	Now         time.Time
	SessionDate string

	Positions  []types.GatewayPosition
	OpenOrders []types.GatewayOrder

	Realized          decimal.Decimal
	Unrealized        decimal.Decimal
	UnrealizedPartial bool

	CountMinute  int
	CountHour    int
	CountSession int

	CanTrade    bool
	QuoteMaxAge time.Duration

	quotes    *QuoteCache
	contracts *ContractCache
}

// QuoteLast returns the latest price for a contract.
func (sn *Snapshot) QuoteLast(contractID string) (decimal.Decimal, bool) {
	return sn.quotes.Last(contractID)
}

// QuoteStale reports staleness against the snapshot's configured max age.
func (sn *Snapshot) QuoteStale(contractID string) bool {
	return sn.quotes.IsStale(contractID, sn.QuoteMaxAge)
}

// Meta returns cached contract metadata.
func (sn *Snapshot) Meta(contractID string) (types.ContractMeta, bool) {
	return sn.contracts.Cached(contractID)
}

// TotalOpenSize sums |size| across the snapshot's open positions.
func (sn *Snapshot) TotalOpenSize() int {
	n := 0
	for _, p := range sn.Positions {
		if p.Size < 0 {
			n -= p.Size
		} else {
			n += p.Size
		}
	}
	return n
}

// Snapshot captures the account's state for rule evaluation.
func (s *Store) Snapshot(accountID int64, maxAge time.Duration) *Snapshot {
	unrealized, partial := s.UnrealizedPnL(accountID, maxAge)
	return &Snapshot{
		AccountID:         accountID,
		Now:               s.now(),
		SessionDate:       s.SessionDate(accountID),
		Positions:         s.Positions(accountID),
		OpenOrders:        s.OpenOrders(accountID),
		Realized:          s.Realized(accountID),
		Unrealized:        unrealized,
		UnrealizedPartial: partial,
		CountMinute:       s.TradeCount(accountID, WindowMinute),
		CountHour:         s.TradeCount(accountID, WindowHour),
		CountSession:      s.TradeCount(accountID, WindowSession),
		CanTrade:          s.CanTrade(accountID),
		QuoteMaxAge:       maxAge,
		quotes:            s.Quotes,
		contracts:         s.Contracts,
	}
}

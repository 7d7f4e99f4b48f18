package api

import (
	"time"

	"futures-riskd/internal/config"
	"futures-riskd/internal/lockout"
	"futures-riskd/internal/state"
	"futures-riskd/internal/store"
	"futures-riskd/pkg/types"
)

// BuildSnapshot assembles the full status view from live state.
func BuildSnapshot(accounts []config.AccountConfig, st *state.Store, locks *lockout.Manager,
	maxAge time.Duration, dryRun, streamUp bool) StatusSnapshot {

	snap := StatusSnapshot{
		Timestamp:       time.Now(),
		DryRun:          dryRun,
		StreamConnected: streamUp,
	}
	for _, acct := range accounts {
		if !acct.Enabled {
			continue
		}
		snap.Accounts = append(snap.Accounts, accountStatus(acct, st, locks, maxAge))
	}
	return snap
}

func accountStatus(acct config.AccountConfig, st *state.Store, locks *lockout.Manager, maxAge time.Duration) AccountStatus {
	id := acct.AccountID
	unrealized, partial := st.UnrealizedPnL(id, maxAge)

	out := AccountStatus{
		AccountID:         id,
		Nickname:          acct.Nickname,
		CanTrade:          st.CanTrade(id),
		Realized:          st.Realized(id),
		Unrealized:        unrealized,
		UnrealizedPartial: partial,
		OpenOrders:        len(st.OpenOrders(id)),
		TradesMinute:      st.TradeCount(id, state.WindowMinute),
		TradesHour:        st.TradeCount(id, state.WindowHour),
		TradesSession:     st.TradeCount(id, state.WindowSession),
	}
	for _, p := range st.Positions(id) {
		// The gateway reports shorts with positive size and type=short;
		// the status view uses signed sizes.
		size := p.Size
		if p.Type == types.PositionShort && size > 0 {
			size = -size
		}
		out.Positions = append(out.Positions, PositionStatus{
			ContractID:   p.ContractID,
			Size:         size,
			AveragePrice: p.AveragePrice,
		})
	}
	if rec, ok := locks.Info(id); ok {
		out.Locked = true
		out.Lockout = lockoutStatus(rec)
	}
	for _, rec := range locks.SymbolLockouts(id) {
		out.SymbolLockouts = append(out.SymbolLockouts, *lockoutStatus(rec))
	}
	return out
}

func lockoutStatus(rec store.LockoutRecord) *LockoutStatus {
	return &LockoutStatus{
		Kind:      rec.Kind,
		Symbol:    rec.Symbol,
		Reason:    rec.Reason,
		ExpiresAt: rec.ExpiresAt,
		CreatedAt: rec.CreatedAt,
	}
}

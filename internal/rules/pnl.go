package rules

import (
	"fmt"

	"github.com/shopspring/decimal"

	"futures-riskd/internal/config"
	"futures-riskd/internal/state"
	"futures-riskd/pkg/types"
)

// DailyRealizedLoss flattens the account and locks it out until rollover
// once the session's realized P&L reaches the configured (negative) limit.
type DailyRealizedLoss struct {
	limit decimal.Decimal
}

func NewDailyRealizedLoss(cfg config.PnLLimitConfig) *DailyRealizedLoss {
	return &DailyRealizedLoss{limit: decimal.NewFromFloat(cfg.Limit)}
}

func (r *DailyRealizedLoss) Name() string            { return "daily_realized_loss" }
func (r *DailyRealizedLoss) Events() types.EventMask { return types.MaskTrade }

func (r *DailyRealizedLoss) Evaluate(snap *state.Snapshot, evt types.Event) *Action {
	// Half-turn fills carry no P&L and cannot move realized.
	if evt.Trade != nil && evt.Trade.ProfitAndLoss == nil {
		return nil
	}
	if snap.Realized.GreaterThan(r.limit) {
		return nil
	}
	reason := fmt.Sprintf("realized P&L %s breached limit %s", snap.Realized, r.limit)
	return &Action{
		Rule:    r.Name(),
		Reason:  reason,
		Intents: closeAllAndCancel(r.Name(), reason, snap.AccountID),
		Lockout: &LockoutIntent{Kind: LockoutHard, Reason: r.Name() + ": " + reason, UntilRollover: true},
	}
}

// DailyUnrealizedLoss flattens and locks out when open-position P&L drops
// to the configured (negative) limit. Defers while any held contract's
// quote is stale.
type DailyUnrealizedLoss struct {
	limit decimal.Decimal
}

func NewDailyUnrealizedLoss(cfg config.PnLLimitConfig) *DailyUnrealizedLoss {
	return &DailyUnrealizedLoss{limit: decimal.NewFromFloat(cfg.Limit)}
}

func (r *DailyUnrealizedLoss) Name() string { return "daily_unrealized_loss" }
func (r *DailyUnrealizedLoss) Events() types.EventMask {
	return types.MaskPosition | types.MaskQuote | types.MaskTimer
}

func (r *DailyUnrealizedLoss) Evaluate(snap *state.Snapshot, evt types.Event) *Action {
	if snap.UnrealizedPartial {
		return nil // stale or missing quote: defer rather than act on bad data
	}
	if snap.Unrealized.GreaterThan(r.limit) {
		return nil
	}
	reason := fmt.Sprintf("unrealized P&L %s breached limit %s", snap.Unrealized, r.limit)
	return &Action{
		Rule:    r.Name(),
		Reason:  reason,
		Intents: closeAllAndCancel(r.Name(), reason, snap.AccountID),
		Lockout: &LockoutIntent{Kind: LockoutHard, Reason: r.Name() + ": " + reason, UntilRollover: true},
	}
}

// MaxUnrealizedProfit is the profit-taking mirror of DailyUnrealizedLoss:
// banking the session once open profit reaches the (positive) limit.
type MaxUnrealizedProfit struct {
	limit decimal.Decimal
}

func NewMaxUnrealizedProfit(cfg config.PnLLimitConfig) *MaxUnrealizedProfit {
	return &MaxUnrealizedProfit{limit: decimal.NewFromFloat(cfg.Limit)}
}

func (r *MaxUnrealizedProfit) Name() string { return "max_unrealized_profit" }
func (r *MaxUnrealizedProfit) Events() types.EventMask {
	return types.MaskPosition | types.MaskQuote | types.MaskTimer
}

func (r *MaxUnrealizedProfit) Evaluate(snap *state.Snapshot, evt types.Event) *Action {
	if snap.UnrealizedPartial {
		return nil
	}
	if snap.Unrealized.LessThan(r.limit) {
		return nil
	}
	reason := fmt.Sprintf("unrealized P&L %s reached profit target %s", snap.Unrealized, r.limit)
	return &Action{
		Rule:    r.Name(),
		Reason:  reason,
		Intents: closeAllAndCancel(r.Name(), reason, snap.AccountID),
		Lockout: &LockoutIntent{Kind: LockoutHard, Reason: r.Name() + ": " + reason, UntilRollover: true},
	}
}

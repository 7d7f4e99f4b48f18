package rules

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"futures-riskd/internal/config"
	"futures-riskd/internal/state"
	"futures-riskd/pkg/types"
)

// TradeFrequencyLimit sets a cooldown when rolling trade counts exceed the
// per-minute, per-hour, or per-session limits. Positions stay open.
type TradeFrequencyLimit struct {
	cfg config.TradeFrequencyConfig
}

func NewTradeFrequencyLimit(cfg config.TradeFrequencyConfig) *TradeFrequencyLimit {
	return &TradeFrequencyLimit{cfg: cfg}
}

func (r *TradeFrequencyLimit) Name() string            { return "trade_frequency_limit" }
func (r *TradeFrequencyLimit) Events() types.EventMask { return types.MaskTrade }

func (r *TradeFrequencyLimit) Evaluate(snap *state.Snapshot, evt types.Event) *Action {
	windows := []struct {
		name  string
		count int
		limit int
	}{
		{"minute", snap.CountMinute, r.cfg.PerMinute},
		{"hour", snap.CountHour, r.cfg.PerHour},
		{"session", snap.CountSession, r.cfg.PerSession},
	}
	for _, w := range windows {
		if w.limit > 0 && w.count > w.limit {
			reason := fmt.Sprintf("%d trades in %s window exceeds limit %d", w.count, w.name, w.limit)
			return &Action{
				Rule:    r.Name(),
				Reason:  reason,
				Lockout: &LockoutIntent{Kind: LockoutCooldown, Reason: r.Name() + ": " + reason, Duration: r.cfg.Cooldown},
			}
		}
	}
	return nil
}

// CooldownAfterLoss sets a tiered cooldown after a losing round turn.
// Tier thresholds are negative; the deepest tier the trade's P&L reaches
// decides the duration, and a loss shallower than every tier is ignored.
type CooldownAfterLoss struct {
	tiers []config.LossTier // sorted by LossAmount ascending, deepest first
}

func NewCooldownAfterLoss(cfg config.CooldownAfterLossConfig) *CooldownAfterLoss {
	tiers := make([]config.LossTier, len(cfg.Tiers))
	copy(tiers, cfg.Tiers)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].LossAmount < tiers[j].LossAmount })
	return &CooldownAfterLoss{tiers: tiers}
}

func (r *CooldownAfterLoss) Name() string            { return "cooldown_after_loss" }
func (r *CooldownAfterLoss) Events() types.EventMask { return types.MaskTrade }

func (r *CooldownAfterLoss) Evaluate(snap *state.Snapshot, evt types.Event) *Action {
	tr := evt.Trade
	if tr == nil || tr.ProfitAndLoss == nil || !tr.ProfitAndLoss.IsNegative() || tr.Voided {
		return nil
	}
	for _, tier := range r.tiers {
		if tr.ProfitAndLoss.LessThanOrEqual(decimal.NewFromFloat(tier.LossAmount)) {
			reason := fmt.Sprintf("losing trade %s reached tier %.2f", tr.ProfitAndLoss, tier.LossAmount)
			return &Action{
				Rule:    r.Name(),
				Reason:  reason,
				Lockout: &LockoutIntent{Kind: LockoutCooldown, Reason: r.Name() + ": " + reason, Duration: tier.Cooldown},
			}
		}
	}
	return nil
}

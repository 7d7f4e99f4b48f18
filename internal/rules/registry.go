package rules

import (
	"fmt"
	"log/slog"

	"futures-riskd/internal/config"
	"futures-riskd/pkg/types"
)

// Registry holds the enabled rules in evaluation order.
type Registry struct {
	rules []Rule
}

// NewRegistry constructs every enabled rule in the configured order.
func NewRegistry(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	r := &cfg.Rules
	build := map[string]func() (Rule, error){
		"max_contracts": func() (Rule, error) {
			if !r.MaxContracts.Enabled {
				return nil, nil
			}
			return NewMaxContracts(r.MaxContracts), nil
		},
		"max_contracts_per_instrument": func() (Rule, error) {
			if !r.MaxContractsPerInstrument.Enabled {
				return nil, nil
			}
			return NewMaxContractsPerInstrument(r.MaxContractsPerInstrument), nil
		},
		"daily_realized_loss": func() (Rule, error) {
			if !r.DailyRealizedLoss.Enabled {
				return nil, nil
			}
			return NewDailyRealizedLoss(r.DailyRealizedLoss), nil
		},
		"daily_unrealized_loss": func() (Rule, error) {
			if !r.DailyUnrealizedLoss.Enabled {
				return nil, nil
			}
			return NewDailyUnrealizedLoss(r.DailyUnrealizedLoss), nil
		},
		"max_unrealized_profit": func() (Rule, error) {
			if !r.MaxUnrealizedProfit.Enabled {
				return nil, nil
			}
			return NewMaxUnrealizedProfit(r.MaxUnrealizedProfit), nil
		},
		"trade_frequency_limit": func() (Rule, error) {
			if !r.TradeFrequencyLimit.Enabled {
				return nil, nil
			}
			return NewTradeFrequencyLimit(r.TradeFrequencyLimit), nil
		},
		"cooldown_after_loss": func() (Rule, error) {
			if !r.CooldownAfterLoss.Enabled {
				return nil, nil
			}
			return NewCooldownAfterLoss(r.CooldownAfterLoss), nil
		},
		"no_stop_loss_grace": func() (Rule, error) {
			if !r.NoStopLossGrace.Enabled {
				return nil, nil
			}
			return NewNoStopLossGrace(r.NoStopLossGrace), nil
		},
		"session_block_outside": func() (Rule, error) {
			if !r.SessionBlockOutside.Enabled {
				return nil, nil
			}
			return NewSessionBlockOutside(r.SessionBlockOutside, cfg.Holidays)
		},
		"auth_loss_guard": func() (Rule, error) {
			if !r.AuthLossGuard.Enabled {
				return nil, nil
			}
			return NewAuthLossGuard(r.AuthLossGuard), nil
		},
		"symbol_blocks": func() (Rule, error) {
			if !r.SymbolBlocks.Enabled {
				return nil, nil
			}
			return NewSymbolBlocks(r.SymbolBlocks), nil
		},
		"trade_management": func() (Rule, error) {
			if !r.TradeManagement.Enabled {
				return nil, nil
			}
			return NewTradeManagement(r.TradeManagement), nil
		},
	}

	reg := &Registry{}
	for _, id := range cfg.RuleOrder() {
		ctor, ok := build[id]
		if !ok {
			return nil, fmt.Errorf("unknown rule id %q", id)
		}
		rule, err := ctor()
		if err != nil {
			return nil, err
		}
		if rule == nil {
			continue
		}
		reg.rules = append(reg.rules, rule)
		logger.Info("rule enabled", "rule", id)
	}
	return reg, nil
}

// Rules returns all enabled rules in evaluation order.
func (reg *Registry) Rules() []Rule { return reg.rules }

// ForEvent returns the ordered rules subscribed to the event kind.
func (reg *Registry) ForEvent(kind types.EventKind) []Rule {
	var out []Rule
	for _, rule := range reg.rules {
		if rule.Events().Has(kind) {
			out = append(out, rule)
		}
	}
	return out
}

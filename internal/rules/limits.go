package rules

import (
	"fmt"
	"sort"

	"futures-riskd/internal/config"
	"futures-riskd/internal/state"
	"futures-riskd/pkg/types"
)

// MaxContracts caps total open size across every instrument.
type MaxContracts struct {
	cfg config.MaxContractsConfig
}

func NewMaxContracts(cfg config.MaxContractsConfig) *MaxContracts { return &MaxContracts{cfg: cfg} }

func (r *MaxContracts) Name() string            { return "max_contracts" }
func (r *MaxContracts) Events() types.EventMask { return types.MaskPosition }

func (r *MaxContracts) Evaluate(snap *state.Snapshot, evt types.Event) *Action {
	total := snap.TotalOpenSize()
	if total <= r.cfg.Limit {
		return nil
	}
	reason := fmt.Sprintf("open size %d exceeds limit %d", total, r.cfg.Limit)

	if r.cfg.Mode == "close_all" {
		return &Action{
			Rule:    r.Name(),
			Reason:  reason,
			Intents: []types.Intent{intent(types.IntentCloseAll, r.Name(), reason, snap.AccountID)},
		}
	}
	return &Action{
		Rule:    r.Name(),
		Reason:  reason,
		Intents: reduceToLimit(snap.Positions, total-r.cfg.Limit, r.Name(), reason, snap.AccountID),
	}
}

// reduceToLimit sheds excess contracts, partial-closing the largest
// position first, then the next, until the excess is covered.
func reduceToLimit(positions []types.GatewayPosition, excess int, rule, reason string, accountID int64) []types.Intent {
	sorted := make([]types.GatewayPosition, len(positions))
	copy(sorted, positions)
	sort.Slice(sorted, func(i, j int) bool {
		return abs(sorted[i].Size) > abs(sorted[j].Size)
	})

	var intents []types.Intent
	for _, pos := range sorted {
		if excess <= 0 {
			break
		}
		size := abs(pos.Size)
		cut := size
		if cut > excess {
			cut = excess
		}
		it := intent(types.IntentPartialClose, rule, reason, accountID)
		it.ContractID = pos.ContractID
		it.Quantity = cut
		if cut == size {
			it.Kind = types.IntentClosePosition
			it.Quantity = 0
		}
		intents = append(intents, it)
		excess -= cut
	}
	return intents
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// MaxContractsPerInstrument caps open size per symbol.
type MaxContractsPerInstrument struct {
	cfg config.PerInstrumentConfig
}

func NewMaxContractsPerInstrument(cfg config.PerInstrumentConfig) *MaxContractsPerInstrument {
	return &MaxContractsPerInstrument{cfg: cfg}
}

func (r *MaxContractsPerInstrument) Name() string            { return "max_contracts_per_instrument" }
func (r *MaxContractsPerInstrument) Events() types.EventMask { return types.MaskPosition }

// limitFor returns the symbol's cap and whether any cap applies.
func (r *MaxContractsPerInstrument) limitFor(symbol string) (int, bool) {
	if limit, ok := r.cfg.Limits[symbol]; ok {
		return limit, true
	}
	switch r.cfg.UnknownSymbolPolicy {
	case "block":
		return 0, true
	case "allow_with_limit":
		return r.cfg.UnknownSymbolLimit, true
	default: // allow_unlimited
		return 0, false
	}
}

func (r *MaxContractsPerInstrument) Evaluate(snap *state.Snapshot, evt types.Event) *Action {
	symbol := types.SymbolOf(evt.ContractID)
	limit, capped := r.limitFor(symbol)
	if !capped {
		return nil
	}

	var symbolPositions []types.GatewayPosition
	total := 0
	for _, pos := range snap.Positions {
		if types.SymbolOf(pos.ContractID) == symbol {
			symbolPositions = append(symbolPositions, pos)
			total += abs(pos.Size)
		}
	}
	if total <= limit {
		return nil
	}
	reason := fmt.Sprintf("%s open size %d exceeds limit %d", symbol, total, limit)

	if r.cfg.Mode == "close_all" {
		var intents []types.Intent
		for _, pos := range symbolPositions {
			it := intent(types.IntentClosePosition, r.Name(), reason, snap.AccountID)
			it.ContractID = pos.ContractID
			intents = append(intents, it)
		}
		return &Action{Rule: r.Name(), Reason: reason, Intents: intents}
	}
	return &Action{
		Rule:    r.Name(),
		Reason:  reason,
		Intents: reduceToLimit(symbolPositions, total-limit, r.Name(), reason, snap.AccountID),
	}
}

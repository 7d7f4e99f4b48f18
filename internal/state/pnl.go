package state

import (
	"github.com/shopspring/decimal"

	"futures-riskd/pkg/types"
)

// pnlScale is the fractional precision used for divisions in P&L math.
const pnlScale = 10

// PositionUnrealized marks one open position to the given price:
// ((current − entry) / tick_size) × tick_value × size, sign inverted for
// short positions.
func PositionUnrealized(pos types.GatewayPosition, current decimal.Decimal, meta types.ContractMeta) decimal.Decimal {
	if pos.Size == 0 || meta.TickSize.IsZero() {
		return decimal.Zero
	}
	ticks := current.Sub(pos.AveragePrice).DivRound(meta.TickSize, pnlScale)
	v := ticks.Mul(meta.TickValue).Mul(decimal.NewFromInt(int64(pos.Size)))
	if pos.Type == types.PositionShort {
		v = v.Neg()
	}
	return v
}

// ProfitTicks returns the position's unrealized profit in whole ticks at
// the given price (positive = in profit), rounded toward zero.
func ProfitTicks(pos types.GatewayPosition, current decimal.Decimal, meta types.ContractMeta) int64 {
	if meta.TickSize.IsZero() {
		return 0
	}
	diff := current.Sub(pos.AveragePrice)
	if pos.Type == types.PositionShort {
		diff = diff.Neg()
	}
	return diff.DivRound(meta.TickSize, pnlScale).IntPart()
}

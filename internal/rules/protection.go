package rules

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"futures-riskd/internal/config"
	"futures-riskd/internal/state"
	"futures-riskd/pkg/types"
)

// GraceTimerName is the timer identity for one account/contract grace
// window.
func GraceTimerName(accountID int64, contractID string) string {
	return "grace:" + strconv.FormatInt(accountID, 10) + ":" + contractID
}

// protectiveStopFor returns the most recent open stop-kind order on the
// opposing side of the position: a long is protected by an ask-side stop,
// a short by a bid-side stop.
func protectiveStopFor(snap *state.Snapshot, pos types.GatewayPosition) (types.GatewayOrder, bool) {
	want := types.SideAsk
	if pos.Type == types.PositionShort {
		want = types.SideBid
	}
	var best types.GatewayOrder
	found := false
	for _, ord := range snap.OpenOrders {
		if ord.ContractID != pos.ContractID || !ord.Type.IsStopKind() || ord.Side != want {
			continue
		}
		if !found || ord.UpdateTimestamp.After(best.UpdateTimestamp) {
			best = ord
			found = true
		}
	}
	return best, found
}

// NoStopLossGrace closes any position that is still unprotected when its
// grace window elapses. Opening a position starts the timer; flattening it
// cancels the timer.
type NoStopLossGrace struct {
	cfg config.NoStopLossGraceConfig
}

func NewNoStopLossGrace(cfg config.NoStopLossGraceConfig) *NoStopLossGrace {
	return &NoStopLossGrace{cfg: cfg}
}

func (r *NoStopLossGrace) Name() string            { return "no_stop_loss_grace" }
func (r *NoStopLossGrace) Events() types.EventMask { return types.MaskPosition | types.MaskTimer }

func (r *NoStopLossGrace) Evaluate(snap *state.Snapshot, evt types.Event) *Action {
	switch evt.Kind {
	case types.EventPosition:
		pos := evt.Position
		name := GraceTimerName(snap.AccountID, pos.ContractID)
		if pos.Size == 0 {
			return &Action{Rule: r.Name(), CancelTimers: []string{name}}
		}
		if evt.PrevSize == 0 {
			return &Action{Rule: r.Name(), StartTimers: []TimerRequest{{
				Name:       name,
				Duration:   r.cfg.GracePeriod,
				Kind:       types.TimerGraceExpired,
				ContractID: pos.ContractID,
			}}}
		}
		return nil

	case types.EventTimer:
		if evt.Timer.Kind != types.TimerGraceExpired {
			return nil
		}
		contractID := evt.Timer.ContractID
		var pos types.GatewayPosition
		held := false
		for _, p := range snap.Positions {
			if p.ContractID == contractID {
				pos, held = p, true
				break
			}
		}
		if !held {
			return nil // flattened before the grace elapsed
		}
		if _, protected := protectiveStopFor(snap, pos); protected {
			return nil
		}
		reason := fmt.Sprintf("no protective stop on %s within %s", contractID, r.cfg.GracePeriod)
		it := intent(types.IntentClosePosition, r.Name(), reason, snap.AccountID)
		it.ContractID = contractID
		return &Action{Rule: r.Name(), Reason: reason, Intents: []types.Intent{it}}
	}
	return nil
}

// TradeManagement ratchets the protective stop as open profit accrues:
// to entry at the breakeven trigger, then trailing the market at a fixed
// tick distance. Stops only ever tighten.
type TradeManagement struct {
	cfg config.TradeManagementConfig
}

func NewTradeManagement(cfg config.TradeManagementConfig) *TradeManagement {
	return &TradeManagement{cfg: cfg}
}

func (r *TradeManagement) Name() string { return "trade_management" }
func (r *TradeManagement) Events() types.EventMask {
	return types.MaskPosition | types.MaskQuote | types.MaskTimer
}

func (r *TradeManagement) Evaluate(snap *state.Snapshot, evt types.Event) *Action {
	var intents []types.Intent
	for _, pos := range snap.Positions {
		if evt.ContractID != "" && pos.ContractID != evt.ContractID {
			continue
		}
		if it, ok := r.adjust(snap, pos); ok {
			intents = append(intents, it)
		}
	}
	if len(intents) == 0 {
		return nil
	}
	return &Action{Rule: r.Name(), Reason: "stop adjustment", Intents: intents}
}

func (r *TradeManagement) adjust(snap *state.Snapshot, pos types.GatewayPosition) (types.Intent, bool) {
	if snap.QuoteStale(pos.ContractID) {
		return types.Intent{}, false
	}
	current, ok := snap.QuoteLast(pos.ContractID)
	if !ok {
		return types.Intent{}, false
	}
	meta, ok := snap.Meta(pos.ContractID)
	if !ok {
		return types.Intent{}, false
	}
	stop, ok := protectiveStopFor(snap, pos)
	if !ok || stop.StopPrice == nil {
		return types.Intent{}, false
	}

	profitTicks := state.ProfitTicks(pos, current, meta)
	var target decimal.Decimal
	switch {
	case r.cfg.TrailingActivation > 0 && profitTicks >= int64(r.cfg.TrailingActivation):
		distance := meta.TickSize.Mul(decimal.NewFromInt(int64(r.cfg.TrailingDistance)))
		if pos.Type == types.PositionLong {
			target = current.Sub(distance)
		} else {
			target = current.Add(distance)
		}
	case r.cfg.BreakevenTrigger > 0 && profitTicks >= int64(r.cfg.BreakevenTrigger):
		target = pos.AveragePrice
	default:
		return types.Intent{}, false
	}

	// Never regress: longs only raise the stop, shorts only lower it.
	if pos.Type == types.PositionLong && target.LessThanOrEqual(*stop.StopPrice) {
		return types.Intent{}, false
	}
	if pos.Type == types.PositionShort && target.GreaterThanOrEqual(*stop.StopPrice) {
		return types.Intent{}, false
	}

	reason := fmt.Sprintf("%s up %d ticks, moving stop %s -> %s", pos.ContractID, profitTicks, stop.StopPrice, target)
	it := intent(types.IntentModifyOrder, r.Name(), reason, snap.AccountID)
	it.OrderID = stop.ID
	it.ContractID = pos.ContractID
	it.Modify = &types.OrderModification{StopPrice: &target}
	return it, true
}

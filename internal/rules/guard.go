package rules

import (
	"fmt"

	"futures-riskd/internal/config"
	"futures-riskd/internal/state"
	"futures-riskd/pkg/types"
)

// AuthLossGuardPrefix tags lockouts set by AuthLossGuard so a later
// can_trade=true clears only those.
const AuthLossGuardPrefix = "auth_loss_guard"

// AuthLossGuard mirrors the gateway's own trade-permission flag: when the
// gateway revokes trading, flatten everything and lock out until the
// gateway restores it.
type AuthLossGuard struct{}

func NewAuthLossGuard(config.AuthLossGuardConfig) *AuthLossGuard { return &AuthLossGuard{} }

func (r *AuthLossGuard) Name() string            { return AuthLossGuardPrefix }
func (r *AuthLossGuard) Events() types.EventMask { return types.MaskAccount }

func (r *AuthLossGuard) Evaluate(snap *state.Snapshot, evt types.Event) *Action {
	acct := evt.Account
	if acct == nil {
		return nil
	}
	if acct.CanTrade {
		// Revoke only this rule's lockouts; a realized-loss lockout set
		// earlier in the session must survive.
		return &Action{Rule: r.Name(), ClearLockoutPrefix: AuthLossGuardPrefix}
	}
	reason := "gateway revoked trade permission"
	return &Action{
		Rule:    r.Name(),
		Reason:  reason,
		Intents: closeAllAndCancel(r.Name(), reason, snap.AccountID),
		Lockout: &LockoutIntent{Kind: LockoutHard, Reason: AuthLossGuardPrefix + ": " + reason, Never: true},
	}
}

// SymbolBlocks closes any position in a forbidden symbol and locks that
// symbol permanently.
type SymbolBlocks struct {
	blocked map[string]bool
}

func NewSymbolBlocks(cfg config.SymbolBlocksConfig) *SymbolBlocks {
	blocked := make(map[string]bool, len(cfg.Blocked))
	for _, s := range cfg.Blocked {
		blocked[s] = true
	}
	return &SymbolBlocks{blocked: blocked}
}

func (r *SymbolBlocks) Name() string            { return "symbol_blocks" }
func (r *SymbolBlocks) Events() types.EventMask { return types.MaskPosition }

func (r *SymbolBlocks) Evaluate(snap *state.Snapshot, evt types.Event) *Action {
	pos := evt.Position
	if pos == nil || pos.Size == 0 {
		return nil
	}
	symbol := types.SymbolOf(pos.ContractID)
	if !r.blocked[symbol] {
		return nil
	}
	reason := fmt.Sprintf("symbol %s is blocked", symbol)
	it := intent(types.IntentClosePosition, r.Name(), reason, snap.AccountID)
	it.ContractID = pos.ContractID
	return &Action{
		Rule:    r.Name(),
		Reason:  reason,
		Intents: []types.Intent{it},
		Lockout: &LockoutIntent{Kind: LockoutSymbol, Symbol: symbol, Reason: r.Name() + ": " + reason, Never: true},
	}
}

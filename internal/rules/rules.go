// Package rules implements the risk rules evaluated on every account event.
//
// Each rule is a pure function over an account snapshot and one event: it
// never mutates state, never calls the gateway, and returns at most one
// Action describing what the dispatcher should do — remediation intents for
// the executor, a lockout to set, grace timers to start or cancel. All
// side effects happen in the dispatcher and executor.
package rules

import (
	"time"

	"futures-riskd/internal/state"
	"futures-riskd/pkg/types"
)

// LockoutKind selects which lockout a rule wants set.
type LockoutKind int

const (
	LockoutHard LockoutKind = iota
	LockoutCooldown
	LockoutSymbol
)

// LockoutIntent asks the dispatcher to set a lockout. Exactly one of
// Until, Duration, UntilRollover, or Never describes the expiry.
type LockoutIntent struct {
	Kind   LockoutKind
	Reason string
	Symbol string // symbol lockouts only

	Duration      time.Duration // cooldown
	Until         time.Time     // absolute expiry
	UntilRollover bool          // hard lockout until the next session rollover
	Never         bool          // sentinel "manual clear only"
}

// TimerRequest asks the dispatcher to start a named timer that posts a
// synthetic event back into the account's queue.
type TimerRequest struct {
	Name       string
	Duration   time.Duration
	Kind       types.TimerKind
	ContractID string
}

// Action is a rule's verdict. Intents are immediate remediation (first
// producing rule wins for a given event); Lockout, timer bookkeeping, and
// lockout clears coexist across rules.
type Action struct {
	Rule   string
	Reason string

	Intents []types.Intent
	Lockout *LockoutIntent

	StartTimers  []TimerRequest
	CancelTimers []string

	// ClearLockoutPrefix clears lockouts whose reason starts with the
	// prefix (AuthLossGuard revoking only its own lockouts).
	ClearLockoutPrefix string
}

// Rule is one risk rule. Evaluate returns nil for no-op.
type Rule interface {
	Name() string
	Events() types.EventMask
	Evaluate(snap *state.Snapshot, evt types.Event) *Action
}

// intent builds a remediation intent stamped with the producing rule.
func intent(kind types.IntentKind, rule, reason string, accountID int64) types.Intent {
	return types.Intent{Kind: kind, AccountID: accountID, Rule: rule, Reason: reason}
}

// closeAllAndCancel is the shared remediation of the P&L threshold rules
// and AuthLossGuard: flatten everything, cancel every working order.
func closeAllAndCancel(rule, reason string, accountID int64) []types.Intent {
	return []types.Intent{
		intent(types.IntentCloseAll, rule, reason, accountID),
		intent(types.IntentCancelAll, rule, reason, accountID),
	}
}

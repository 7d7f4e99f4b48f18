package api

import (
	"time"

	"futures-riskd/internal/store"
)

// Event types pushed to status clients.
const (
	EventLockoutSet         = "lockout_set"
	EventLockoutCleared     = "lockout_cleared"
	EventEnforcementSuccess = "enforcement_success"
	EventEnforcementFailure = "enforcement_failure"
	EventStreamDisconnected = "stream_disconnected"
	EventStreamReconnected  = "stream_reconnected"
	EventDegraded           = "degraded"
	EventOffline            = "offline"
)

// StatusEvent is the wrapper for all events sent to status clients.
type StatusEvent struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	AccountID int64       `json:"account_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// LockoutEvent describes a lockout being set or cleared.
type LockoutEvent struct {
	Kind      string    `json:"kind"`
	Symbol    string    `json:"symbol,omitempty"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EnforcementEvent describes one executed remediation intent.
type EnforcementEvent struct {
	Kind    string `json:"kind"`
	Target  string `json:"target,omitempty"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

// DegradedEvent signals a persistence retry in progress.
type DegradedEvent struct {
	Error string `json:"error"`
}

// NewLockoutEvent builds the event for a lockout set or clear.
func NewLockoutEvent(set bool, rec store.LockoutRecord) StatusEvent {
	typ := EventLockoutCleared
	if set {
		typ = EventLockoutSet
	}
	return StatusEvent{
		Type:      typ,
		Timestamp: time.Now(),
		AccountID: rec.AccountID,
		Data: LockoutEvent{
			Kind:      rec.Kind,
			Symbol:    rec.Symbol,
			Reason:    rec.Reason,
			ExpiresAt: rec.ExpiresAt,
		},
	}
}

// NewEnforcementEvent builds the event for an executed intent.
func NewEnforcementEvent(rec store.EnforcementRecord) StatusEvent {
	typ := EventEnforcementSuccess
	if rec.Outcome == "failed" {
		typ = EventEnforcementFailure
	}
	return StatusEvent{
		Type:      typ,
		Timestamp: rec.Timestamp,
		AccountID: rec.AccountID,
		Data: EnforcementEvent{
			Kind:    rec.Kind,
			Target:  rec.Target,
			Outcome: rec.Outcome,
			Detail:  rec.Detail,
		},
	}
}

// NewStreamEvent builds the event for a stream state change.
func NewStreamEvent(connected bool) StatusEvent {
	typ := EventStreamDisconnected
	if connected {
		typ = EventStreamReconnected
	}
	return StatusEvent{Type: typ, Timestamp: time.Now()}
}

// NewDegradedEvent builds the event for a persistence retry.
func NewDegradedEvent(accountID int64, err error) StatusEvent {
	return StatusEvent{
		Type:      EventDegraded,
		Timestamp: time.Now(),
		AccountID: accountID,
		Data:      DegradedEvent{Error: err.Error()},
	}
}

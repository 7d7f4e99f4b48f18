package api

import (
	"time"

	"github.com/shopspring/decimal"
)

// StatusSnapshot is the complete daemon state served at /api/snapshot and
// pushed to newly connected WebSocket clients.
type StatusSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	DryRun          bool      `json:"dry_run"`
	StreamConnected bool      `json:"stream_connected"`

	Accounts []AccountStatus `json:"accounts"`
}

// AccountStatus is the per-account view.
type AccountStatus struct {
	AccountID int64  `json:"account_id"`
	Nickname  string `json:"nickname,omitempty"`
	CanTrade  bool   `json:"can_trade"`

	Realized          decimal.Decimal `json:"realized"`
	Unrealized        decimal.Decimal `json:"unrealized"`
	UnrealizedPartial bool            `json:"unrealized_partial"`

	Positions  []PositionStatus `json:"positions"`
	OpenOrders int              `json:"open_orders"`

	Locked         bool            `json:"locked"`
	Lockout        *LockoutStatus  `json:"lockout,omitempty"`
	SymbolLockouts []LockoutStatus `json:"symbol_lockouts,omitempty"`

	TradesMinute  int `json:"trades_minute"`
	TradesHour    int `json:"trades_hour"`
	TradesSession int `json:"trades_session"`
}

// PositionStatus is one open position.
type PositionStatus struct {
	ContractID   string          `json:"contract_id"`
	Size         int             `json:"size"`
	AveragePrice decimal.Decimal `json:"average_price"`
}

// LockoutStatus is one lockout in force.
type LockoutStatus struct {
	Kind      string    `json:"kind"`
	Symbol    string    `json:"symbol,omitempty"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the daemon — gateway wire
// payloads, enums, the tagged event variants the dispatcher consumes, and
// the remediation intents the enforcement executor acts on. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Gateway enums
// ————————————————————————————————————————————————————————————————————————

// OrderStatus mirrors the gateway's integer order status enumeration.
type OrderStatus int

const (
	OrderStatusNone      OrderStatus = 0
	OrderStatusOpen      OrderStatus = 1
	OrderStatusFilled    OrderStatus = 2
	OrderStatusCancelled OrderStatus = 3
	OrderStatusExpired   OrderStatus = 4
	OrderStatusRejected  OrderStatus = 5
	OrderStatusPending   OrderStatus = 6
)

// Terminal reports whether the status never transitions again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusNone:
		return "none"
	case OrderStatusOpen:
		return "open"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusExpired:
		return "expired"
	case OrderStatusRejected:
		return "rejected"
	case OrderStatusPending:
		return "pending"
	}
	return "unknown"
}

// OrderType mirrors the gateway's integer order type enumeration.
type OrderType int

const (
	OrderTypeLimit        OrderType = 1
	OrderTypeMarket       OrderType = 2
	OrderTypeStop         OrderType = 4
	OrderTypeTrailingStop OrderType = 5
)

// IsStopKind reports whether the order is a protective stop variant.
func (t OrderType) IsStopKind() bool {
	return t == OrderTypeStop || t == OrderTypeTrailingStop
}

// OrderSide: 0 = bid (buy), 1 = ask (sell).
type OrderSide int

const (
	SideBid OrderSide = 0
	SideAsk OrderSide = 1
)

func (s OrderSide) String() string {
	if s == SideBid {
		return "bid"
	}
	return "ask"
}

// PositionType: 1 = long, 2 = short.
type PositionType int

const (
	PositionLong  PositionType = 1
	PositionShort PositionType = 2
)

func (p PositionType) String() string {
	if p == PositionLong {
		return "long"
	}
	return "short"
}

// ————————————————————————————————————————————————————————————————————————
// Gateway wire payloads (server-push hub methods)
// ————————————————————————————————————————————————————————————————————————

// GatewayAccount is the payload of the GatewayUserAccount hub method.
type GatewayAccount struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Balance   decimal.Decimal `json:"balance"`
	CanTrade  bool            `json:"canTrade"`
	IsVisible bool            `json:"isVisible"`
	Simulated bool            `json:"simulated"`
}

// GatewayPosition is the payload of the GatewayUserPosition hub method.
// Size 0 means flat; the state store prunes the record on receipt.
type GatewayPosition struct {
	ID                int64           `json:"id"`
	AccountID         int64           `json:"accountId"`
	ContractID        string          `json:"contractId"`
	CreationTimestamp time.Time       `json:"creationTimestamp"`
	Type              PositionType    `json:"type"`
	Size              int             `json:"size"`
	AveragePrice      decimal.Decimal `json:"averagePrice"`
}

// GatewayOrder is the payload of the GatewayUserOrder hub method.
type GatewayOrder struct {
	ID                int64            `json:"id"`
	AccountID         int64            `json:"accountId"`
	ContractID        string           `json:"contractId"`
	SymbolID          string           `json:"symbolId"`
	CreationTimestamp time.Time        `json:"creationTimestamp"`
	UpdateTimestamp   time.Time        `json:"updateTimestamp"`
	Status            OrderStatus      `json:"status"`
	Type              OrderType        `json:"type"`
	Side              OrderSide        `json:"side"`
	Size              int              `json:"size"`
	LimitPrice        *decimal.Decimal `json:"limitPrice"`
	StopPrice         *decimal.Decimal `json:"stopPrice"`
	FillVolume        int              `json:"fillVolume"`
	FilledPrice       *decimal.Decimal `json:"filledPrice"`
	CustomTag         string           `json:"customTag"`
}

// GatewayTrade is the payload of the GatewayUserTrade hub method.
// ProfitAndLoss is nil for a half-turn (position-opening) fill.
type GatewayTrade struct {
	ID                int64            `json:"id"`
	AccountID         int64            `json:"accountId"`
	ContractID        string           `json:"contractId"`
	CreationTimestamp time.Time        `json:"creationTimestamp"`
	Price             decimal.Decimal  `json:"price"`
	ProfitAndLoss     *decimal.Decimal `json:"profitAndLoss"`
	Fees              decimal.Decimal  `json:"fees"`
	Side              OrderSide        `json:"side"`
	Size              int              `json:"size"`
	Voided            bool             `json:"voided"`
	OrderID           int64            `json:"orderId"`
}

// GatewayQuote is the payload of the GatewayQuote hub method.
// Symbol carries the full contract ID used on the quote subscription.
type GatewayQuote struct {
	Symbol      string          `json:"symbol"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	BestBid     decimal.Decimal `json:"bestBid"`
	BestAsk     decimal.Decimal `json:"bestAsk"`
	Change      float64         `json:"change"`
	Open        float64         `json:"open"`
	High        float64         `json:"high"`
	Low         float64         `json:"low"`
	Volume      float64         `json:"volume"`
	LastUpdated time.Time       `json:"lastUpdated"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ContractMeta is the metadata returned by POST /api/Contract/search.
type ContractMeta struct {
	ContractID string          `json:"id"`
	Symbol     string          `json:"name"`
	TickSize   decimal.Decimal `json:"tickSize"`
	TickValue  decimal.Decimal `json:"tickValue"`
	Expired    bool            `json:"expired"`
}

// SymbolOf extracts the instrument symbol from a gateway contract ID,
// e.g. "CON.F.US.RTY.U25" → "RTY". Returns the input unchanged when it
// does not follow the dotted form.
func SymbolOf(contractID string) string {
	parts := strings.Split(contractID, ".")
	if len(parts) >= 5 {
		return parts[3]
	}
	return contractID
}

// ————————————————————————————————————————————————————————————————————————
// Dispatcher events
// ————————————————————————————————————————————————————————————————————————

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventTrade EventKind = iota
	EventPosition
	EventOrder
	EventAccount
	EventQuote
	EventTimer
)

func (k EventKind) String() string {
	switch k {
	case EventTrade:
		return "trade"
	case EventPosition:
		return "position"
	case EventOrder:
		return "order"
	case EventAccount:
		return "account"
	case EventQuote:
		return "quote"
	case EventTimer:
		return "timer"
	}
	return "unknown"
}

// EventMask is a bit set of event kinds a rule subscribes to.
type EventMask uint8

const (
	MaskTrade    EventMask = 1 << EventTrade
	MaskPosition EventMask = 1 << EventPosition
	MaskOrder    EventMask = 1 << EventOrder
	MaskAccount  EventMask = 1 << EventAccount
	MaskQuote    EventMask = 1 << EventQuote
	MaskTimer    EventMask = 1 << EventTimer
)

// Has reports whether the mask includes the given kind.
func (m EventMask) Has(k EventKind) bool { return m&(1<<k) != 0 }

// TimerKind tags synthetic timer events injected into account queues.
type TimerKind int

const (
	TimerGraceExpired   TimerKind = iota // stop-loss grace period elapsed
	TimerResetRollover                   // daily session rollover
	TimerLockoutExpired                  // cooldown lockout reached its expiry
	TimerUnrealizedTick                  // periodic unrealized-P&L evaluation
	TimerMinuteTick                      // minute-resolution session window check
)

func (k TimerKind) String() string {
	switch k {
	case TimerGraceExpired:
		return "grace_expired"
	case TimerResetRollover:
		return "reset_rollover"
	case TimerLockoutExpired:
		return "lockout_expired"
	case TimerUnrealizedTick:
		return "unrealized_tick"
	case TimerMinuteTick:
		return "minute_tick"
	}
	return "unknown"
}

// TimerEvent is the payload of a synthetic EventTimer.
type TimerEvent struct {
	Kind       TimerKind
	Name       string // timer service name, when applicable
	ContractID string // set for grace expiry
	FiredAt    time.Time
}

// Event is the tagged variant flowing through per-account dispatch queues.
// Exactly one payload pointer matching Kind is non-nil.
type Event struct {
	Kind      EventKind
	AccountID int64
	Received  time.Time

	Trade    *GatewayTrade
	Position *GatewayPosition
	Order    *GatewayOrder
	Account  *GatewayAccount
	Quote    *GatewayQuote
	Timer    *TimerEvent

	// ContractID is set on quote events fanned out to accounts holding
	// the contract; for trade/position/order events it duplicates the
	// payload's contract for uniform routing.
	ContractID string

	// PrevSize is the position size before this event was applied, filled
	// by the dispatcher on position events so rules can detect the
	// flat-to-open transition.
	PrevSize int
}

// ————————————————————————————————————————————————————————————————————————
// Remediation intents
// ————————————————————————————————————————————————————————————————————————

// IntentKind enumerates the executor's remediation operations.
type IntentKind int

const (
	IntentClosePosition IntentKind = iota
	IntentPartialClose
	IntentCloseAll
	IntentCancelOrder
	IntentCancelAll
	IntentModifyOrder
)

func (k IntentKind) String() string {
	switch k {
	case IntentClosePosition:
		return "close_position"
	case IntentPartialClose:
		return "partial_close"
	case IntentCloseAll:
		return "close_all"
	case IntentCancelOrder:
		return "cancel_order"
	case IntentCancelAll:
		return "cancel_all"
	case IntentModifyOrder:
		return "modify_order"
	}
	return "unknown"
}

// OrderModification carries the optional fields of POST /api/Order/modify.
type OrderModification struct {
	Size       *int
	LimitPrice *decimal.Decimal
	StopPrice  *decimal.Decimal
	TrailPrice *decimal.Decimal
}

// Intent is a typed instruction for the enforcement executor.
type Intent struct {
	// ID correlates one intent across dispatcher, executor, and the
	// enforcement log. Assigned on submission when empty.
	ID         string
	Kind       IntentKind
	AccountID  int64
	ContractID string // close_position, partial_close
	OrderID    int64  // cancel_order, modify_order
	Quantity   int    // partial_close
	Modify     *OrderModification

	Rule   string // rule that produced the intent
	Reason string // human-readable breach description
}

// Target returns the fingerprint target component for idempotency checks:
// the contract for position intents, the order for order intents, empty
// for account-wide intents.
func (i Intent) Target() string {
	switch i.Kind {
	case IntentClosePosition, IntentPartialClose:
		return i.ContractID
	case IntentCancelOrder, IntentModifyOrder:
		return "order:" + strconv.FormatInt(i.OrderID, 10)
	}
	return ""
}

// Package stream consumes the gateway's two event hubs over WebSocket.
//
// Two independent hub connections run concurrently:
//
//   - User hub: account flags, positions, orders, trades for every
//     monitored account.
//   - Market hub: quotes for every contract any account holds.
//
// The wire protocol is JSON RPC frames terminated by a 0x1e record
// separator. Client invocations are {"type":1,"target":<method>,
// "arguments":[...]}; server pushes arrive in the same shape and are parsed
// into typed events. Both connections auto-reconnect forever (immediately
// on the first drop, then backing off to a 30s cap with jitter),
// re-invoke every subscription, and signal the engine so it can reconcile
// state that changed while the stream was down.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"futures-riskd/internal/gateway"
	"futures-riskd/pkg/types"
)

const (
	recordSeparator = 0x1e
	writeTimeout    = 10 * time.Second
	eventBufferSize = 256
)

// Hub method names pushed by the server.
const (
	methodAccount  = "GatewayUserAccount"
	methodPosition = "GatewayUserPosition"
	methodOrder    = "GatewayUserOrder"
	methodTrade    = "GatewayUserTrade"
	methodQuote    = "GatewayQuote"
)

// frame is the wire shape of both invocations and server pushes.
type frame struct {
	Type      int               `json:"type"`
	Target    string            `json:"target,omitempty"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
}

// Frame type codes.
const (
	frameInvocation = 1
	framePing       = 6
	frameClose      = 7
)

// subscription is one client invocation replayed on every (re)connect.
type subscription struct {
	target string
	args   []any
}

func (s subscription) key() string {
	return fmt.Sprintf("%s:%v", s.target, s.args)
}

// HubConn manages one hub connection: dial, handshake, subscription replay,
// keep-alive, read loop, reconnect.
type HubConn struct {
	name      string
	url       string
	tokens    gateway.TokenSource
	keepAlive time.Duration

	conn   *websocket.Conn
	connMu sync.Mutex

	subsMu sync.Mutex
	subs   map[string]subscription

	events    chan<- types.Event
	malformed *atomic.Uint64

	// OnConnect fires after handshake + resubscribe on every (re)connect;
	// OnDisconnect fires when an established connection drops.
	OnConnect    func()
	OnDisconnect func()

	logger *slog.Logger
}

func newHubConn(name, hubURL string, tokens gateway.TokenSource, keepAlive time.Duration,
	events chan<- types.Event, malformed *atomic.Uint64, logger *slog.Logger) *HubConn {
	if keepAlive <= 0 {
		keepAlive = 10 * time.Second
	}
	return &HubConn{
		name:      name,
		url:       hubURL,
		tokens:    tokens,
		keepAlive: keepAlive,
		subs:      make(map[string]subscription),
		events:    events,
		malformed: malformed,
		logger:    logger.With("component", "stream", "hub", name),
	}
}

// Subscribe registers an invocation, replayed on reconnect, and sends it
// now if connected.
func (h *HubConn) Subscribe(target string, args ...any) error {
	sub := subscription{target: target, args: args}
	h.subsMu.Lock()
	h.subs[sub.key()] = sub
	h.subsMu.Unlock()
	return h.invoke(sub)
}

// Unsubscribe drops the matching subscription and sends the inverse
// invocation ("SubscribeX" → "UnsubscribeX") if connected.
func (h *HubConn) Unsubscribe(target string, args ...any) error {
	sub := subscription{target: target, args: args}
	h.subsMu.Lock()
	delete(h.subs, sub.key())
	h.subsMu.Unlock()
	return h.invoke(subscription{target: "Un" + lowerFirst(target), args: args})
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]|0x20) + s[1:]
}

func (h *HubConn) invoke(sub subscription) error {
	args := make([]json.RawMessage, len(sub.args))
	for i, a := range sub.args {
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal argument: %w", err)
		}
		args[i] = raw
	}
	return h.writeFrame(frame{Type: frameInvocation, Target: sub.target, Arguments: args})
}

func (h *HubConn) writeFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	data = append(data, recordSeparator)

	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.conn == nil {
		// Not connected; the subscription replays on the next connect.
		return nil
	}
	h.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return h.conn.WriteMessage(websocket.TextMessage, data)
}

// Run connects and maintains the hub connection. Blocks until ctx is
// cancelled. Never gives up: transient failures back off to 30s.
func (h *HubConn) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: 2 * time.Second, Max: 30 * time.Second, Factor: 2.2, Jitter: true}

	for {
		err := h.connectAndRead(ctx, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// First retry after an established connection is immediate.
		var wait time.Duration
		if b.Attempt() > 0 {
			wait = b.Duration()
		} else {
			b.Duration() // consume the zero attempt
		}
		h.logger.Warn("hub disconnected, reconnecting", "error", err, "backoff", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (h *HubConn) connectAndRead(ctx context.Context, b *backoff.Backoff) error {
	token, err := h.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	dialURL := h.url
	if u, err := url.Parse(h.url); err == nil {
		q := u.Query()
		q.Set("access_token", token)
		u.RawQuery = q.Encode()
		dialURL = u.String()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	h.connMu.Lock()
	h.conn = conn
	h.connMu.Unlock()
	connected := false
	defer func() {
		h.connMu.Lock()
		conn.Close()
		h.conn = nil
		h.connMu.Unlock()
		if connected && h.OnDisconnect != nil {
			h.OnDisconnect()
		}
	}()

	if err := h.handshake(conn); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if err := h.resubscribe(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	connected = true
	b.Reset()
	h.logger.Info("hub connected")
	if h.OnConnect != nil {
		h.OnConnect()
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go h.pingLoop(pingCtx)

	readTimeout := 3 * h.keepAlive
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if closed := h.handleMessage(data); closed {
			return fmt.Errorf("server sent close frame")
		}
	}
}

func (h *HubConn) handshake(conn *websocket.Conn) error {
	req := append([]byte(`{"protocol":"json","version":1}`), recordSeparator)
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return err
	}
	conn.SetReadDeadline(time.Now().Add(writeTimeout))
	_, resp, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var ack struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(bytes.TrimRight(resp, "\x1e"), &ack); err != nil {
		return fmt.Errorf("bad handshake response: %w", err)
	}
	if ack.Error != "" {
		return fmt.Errorf("handshake rejected: %s", ack.Error)
	}
	return nil
}

func (h *HubConn) resubscribe() error {
	h.subsMu.Lock()
	subs := make([]subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subsMu.Unlock()

	for _, sub := range subs {
		if err := h.invoke(sub); err != nil {
			return err
		}
	}
	return nil
}

func (h *HubConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.writeFrame(frame{Type: framePing}); err != nil {
				h.logger.Warn("keep-alive failed", "error", err)
				return
			}
		}
	}
}

// handleMessage splits a WebSocket message into 0x1e-delimited records and
// routes each. Returns true when the server asked to close. Malformed
// records are counted and dropped without tearing down the connection.
func (h *HubConn) handleMessage(data []byte) (closed bool) {
	for _, record := range bytes.Split(data, []byte{recordSeparator}) {
		if len(record) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(record, &f); err != nil {
			h.malformed.Add(1)
			h.logger.Warn("malformed hub record dropped", "error", err)
			continue
		}
		switch f.Type {
		case frameInvocation:
			h.routePush(f)
		case framePing:
			// server keep-alive, nothing to do
		case frameClose:
			return true
		}
	}
	return false
}

// routePush converts a server invocation into a typed event. The payload is
// the last argument; unknown targets are ignored.
func (h *HubConn) routePush(f frame) {
	if len(f.Arguments) == 0 {
		h.malformed.Add(1)
		h.logger.Warn("hub push without arguments", "target", f.Target)
		return
	}
	payload := f.Arguments[len(f.Arguments)-1]
	now := time.Now()

	var evt types.Event
	switch f.Target {
	case methodAccount:
		var acct types.GatewayAccount
		if err := json.Unmarshal(payload, &acct); err != nil {
			h.drop(f.Target, err)
			return
		}
		evt = types.Event{Kind: types.EventAccount, AccountID: acct.ID, Account: &acct, Received: now}
	case methodPosition:
		var pos types.GatewayPosition
		if err := json.Unmarshal(payload, &pos); err != nil {
			h.drop(f.Target, err)
			return
		}
		evt = types.Event{Kind: types.EventPosition, AccountID: pos.AccountID, Position: &pos,
			ContractID: pos.ContractID, Received: now}
	case methodOrder:
		var ord types.GatewayOrder
		if err := json.Unmarshal(payload, &ord); err != nil {
			h.drop(f.Target, err)
			return
		}
		evt = types.Event{Kind: types.EventOrder, AccountID: ord.AccountID, Order: &ord,
			ContractID: ord.ContractID, Received: now}
	case methodTrade:
		var tr types.GatewayTrade
		if err := json.Unmarshal(payload, &tr); err != nil {
			h.drop(f.Target, err)
			return
		}
		evt = types.Event{Kind: types.EventTrade, AccountID: tr.AccountID, Trade: &tr,
			ContractID: tr.ContractID, Received: now}
	case methodQuote:
		var q types.GatewayQuote
		if err := json.Unmarshal(payload, &q); err != nil {
			h.drop(f.Target, err)
			return
		}
		// Quotes carry no account; the dispatcher fans them out to every
		// account holding the contract.
		evt = types.Event{Kind: types.EventQuote, Quote: &q, ContractID: q.Symbol, Received: now}
	default:
		h.logger.Debug("ignoring hub method", "target", f.Target)
		return
	}

	select {
	case h.events <- evt:
	default:
		h.logger.Warn("event channel full, dropping", "target", f.Target)
	}
}

func (h *HubConn) drop(target string, err error) {
	h.malformed.Add(1)
	h.logger.Warn("malformed hub payload dropped", "target", target, "error", err)
}

// Consumer owns both hub connections and the merged event channel.
type Consumer struct {
	User   *HubConn
	Market *HubConn

	events    chan types.Event
	malformed atomic.Uint64

	logger *slog.Logger
}

// NewConsumer builds the user and market hub connections. hubBaseURL is the
// ws(s) base; the hubs live at /hubs/user and /hubs/market.
func NewConsumer(hubBaseURL string, tokens gateway.TokenSource, keepAlive time.Duration, logger *slog.Logger) *Consumer {
	c := &Consumer{
		events: make(chan types.Event, eventBufferSize),
		logger: logger,
	}
	c.User = newHubConn("user", hubBaseURL+"/hubs/user", tokens, keepAlive, c.events, &c.malformed, logger)
	c.Market = newHubConn("market", hubBaseURL+"/hubs/market", tokens, keepAlive, c.events, &c.malformed, logger)
	return c
}

// Events is the merged stream of typed events from both hubs.
func (c *Consumer) Events() <-chan types.Event { return c.events }

// Malformed returns the count of dropped malformed records.
func (c *Consumer) Malformed() uint64 { return c.malformed.Load() }

// Run starts both hub loops and blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.User.Run(ctx) }()
	go func() { defer wg.Done(); c.Market.Run(ctx) }()
	wg.Wait()
}

// SubscribeAccount registers the per-account user-hub subscriptions.
func (c *Consumer) SubscribeAccount(accountID int64) error {
	if err := c.User.Subscribe("SubscribeAccounts"); err != nil {
		return err
	}
	for _, target := range []string{"SubscribeOrders", "SubscribePositions", "SubscribeTrades"} {
		if err := c.User.Subscribe(target, accountID); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeQuotes starts quote pushes for one contract.
func (c *Consumer) SubscribeQuotes(contractID string) error {
	return c.Market.Subscribe("SubscribeContractQuotes", contractID)
}

// UnsubscribeQuotes stops quote pushes for a contract nobody holds anymore.
func (c *Consumer) UnsubscribeQuotes(contractID string) error {
	return c.Market.Unsubscribe("SubscribeContractQuotes", contractID)
}

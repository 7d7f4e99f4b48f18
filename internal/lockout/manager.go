// Package lockout registers, queries, and auto-expires trading lockouts.
//
// Three kinds exist: hard (until an absolute wall-clock instant, cleared by
// the reset scheduler or an operator), cooldown (duration-based, cleared by
// a timer), and symbol (per-instrument, possibly with the "never" sentinel
// expiry). Every set and clear is persisted before the caller observes
// success, so lockouts outlast crashes.
package lockout

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"futures-riskd/internal/store"
	"futures-riskd/internal/timer"
)

// Kinds as persisted in the lockouts table.
const (
	KindHard     = "hard"
	KindCooldown = "cooldown"
	KindSymbol   = "symbol"
)

// Never is the sentinel expiry meaning "manual clear only".
var Never = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Manager owns all lockout state. An account has at most one account-wide
// lockout (hard or cooldown; newer replaces older) and any number of
// symbol lockouts.
type Manager struct {
	mu      sync.Mutex
	persist *store.Store
	timers  *timer.Service

	wide    map[int64]store.LockoutRecord            // account-wide
	symbols map[int64]map[string]store.LockoutRecord // per symbol

	// OnExpired is invoked (outside the lock) when a cooldown timer
	// clears a lockout; the engine posts a synthetic event from it.
	OnExpired func(accountID int64)
	// OnChange is invoked after any persisted set (set=true) or clear.
	OnChange func(set bool, rec store.LockoutRecord)

	now    func() time.Time
	logger *slog.Logger
}

// NewManager creates a lockout manager.
func NewManager(persist *store.Store, timers *timer.Service, logger *slog.Logger) *Manager {
	return &Manager{
		persist: persist,
		timers:  timers,
		wide:    make(map[int64]store.LockoutRecord),
		symbols: make(map[int64]map[string]store.LockoutRecord),
		now:     time.Now,
		logger:  logger.With("component", "lockout"),
	}
}

// LoadFromStore restores persisted lockouts, dropping any whose expiry has
// passed and re-registering timers for live cooldowns.
func (m *Manager) LoadFromStore() error {
	recs, err := m.persist.LoadLockouts()
	if err != nil {
		return err
	}
	now := m.now()
	for _, rec := range recs {
		if rec.ExpiresAt.Before(now) {
			if err := m.persist.DeleteLockout(rec.AccountID, rec.Symbol); err != nil {
				return fmt.Errorf("reap stale lockout: %w", err)
			}
			continue
		}
		if rec.Kind == KindSymbol {
			m.symbolMap(rec.AccountID)[rec.Symbol] = rec
			continue
		}
		m.wide[rec.AccountID] = rec
		if rec.Kind == KindCooldown {
			m.registerCooldownTimer(rec)
		}
	}
	return nil
}

func (m *Manager) symbolMap(accountID int64) map[string]store.LockoutRecord {
	sm, ok := m.symbols[accountID]
	if !ok {
		sm = make(map[string]store.LockoutRecord)
		m.symbols[accountID] = sm
	}
	return sm
}

// SetHard locks the account until the given instant.
func (m *Manager) SetHard(accountID int64, reason string, until time.Time) error {
	rec := store.LockoutRecord{
		AccountID: accountID,
		Kind:      KindHard,
		Reason:    reason,
		ExpiresAt: until,
		CreatedAt: m.now(),
	}
	m.mu.Lock()
	if err := m.persist.SaveLockout(rec); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("persist hard lockout: %w", err)
	}
	m.timers.Cancel(cooldownTimerName(accountID))
	m.wide[accountID] = rec
	m.mu.Unlock()

	m.logger.Warn("hard lockout set", "account", accountID, "reason", reason, "until", until)
	m.notify(true, rec)
	return nil
}

// SetCooldown locks the account for the given duration and registers a
// timer that clears it.
func (m *Manager) SetCooldown(accountID int64, reason string, d time.Duration) error {
	rec := store.LockoutRecord{
		AccountID: accountID,
		Kind:      KindCooldown,
		Reason:    reason,
		ExpiresAt: m.now().Add(d),
		CreatedAt: m.now(),
	}
	m.mu.Lock()
	if existing, ok := m.wide[accountID]; ok && existing.Kind == KindHard {
		// A hard lockout already in force outranks a new cooldown.
		m.mu.Unlock()
		return nil
	}
	if err := m.persist.SaveLockout(rec); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("persist cooldown lockout: %w", err)
	}
	m.wide[accountID] = rec
	m.registerCooldownTimer(rec)
	m.mu.Unlock()

	m.logger.Warn("cooldown lockout set", "account", accountID, "reason", reason, "duration", d)
	m.notify(true, rec)
	return nil
}

func (m *Manager) registerCooldownTimer(rec store.LockoutRecord) {
	d := rec.ExpiresAt.Sub(m.now())
	if d < 0 {
		d = 0
	}
	accountID := rec.AccountID
	m.timers.Start(cooldownTimerName(accountID), d, func() {
		if err := m.Clear(accountID); err != nil {
			m.logger.Error("cooldown expiry clear failed", "account", accountID, "error", err)
			return
		}
		if m.OnExpired != nil {
			m.OnExpired(accountID)
		}
	})
}

func cooldownTimerName(accountID int64) string {
	return "lockout-cooldown:" + strconv.FormatInt(accountID, 10)
}

// SetSymbol locks one instrument for the account.
func (m *Manager) SetSymbol(accountID int64, symbol, reason string, until time.Time) error {
	rec := store.LockoutRecord{
		AccountID: accountID,
		Symbol:    symbol,
		Kind:      KindSymbol,
		Reason:    reason,
		ExpiresAt: until,
		CreatedAt: m.now(),
	}
	m.mu.Lock()
	if _, exists := m.symbolMap(accountID)[symbol]; exists {
		// Re-delivered breach for an already-locked symbol: keep the
		// original record.
		m.mu.Unlock()
		return nil
	}
	if err := m.persist.SaveLockout(rec); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("persist symbol lockout: %w", err)
	}
	m.symbolMap(accountID)[symbol] = rec
	m.mu.Unlock()

	m.logger.Warn("symbol lockout set", "account", accountID, "symbol", symbol, "reason", reason)
	m.notify(true, rec)
	return nil
}

// Clear removes the account-wide lockout.
func (m *Manager) Clear(accountID int64) error {
	m.mu.Lock()
	rec, ok := m.wide[accountID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if err := m.persist.DeleteLockout(accountID, ""); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("clear lockout: %w", err)
	}
	delete(m.wide, accountID)
	m.timers.Cancel(cooldownTimerName(accountID))
	m.mu.Unlock()

	m.logger.Info("lockout cleared", "account", accountID, "kind", rec.Kind)
	m.notify(false, rec)
	return nil
}

// ClearSymbol removes one symbol lockout.
func (m *Manager) ClearSymbol(accountID int64, symbol string) error {
	m.mu.Lock()
	rec, ok := m.symbolMap(accountID)[symbol]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if err := m.persist.DeleteLockout(accountID, symbol); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("clear symbol lockout: %w", err)
	}
	delete(m.symbolMap(accountID), symbol)
	m.mu.Unlock()

	m.notify(false, rec)
	return nil
}

// ClearByReasonPrefix clears account-wide and symbol lockouts whose reason
// starts with the prefix (used to revoke only one rule's lockouts).
func (m *Manager) ClearByReasonPrefix(accountID int64, prefix string) error {
	m.mu.Lock()
	var cleared []store.LockoutRecord
	if rec, ok := m.wide[accountID]; ok && hasPrefix(rec.Reason, prefix) {
		if err := m.persist.DeleteLockout(accountID, ""); err != nil {
			m.mu.Unlock()
			return err
		}
		delete(m.wide, accountID)
		m.timers.Cancel(cooldownTimerName(accountID))
		cleared = append(cleared, rec)
	}
	for sym, rec := range m.symbolMap(accountID) {
		if hasPrefix(rec.Reason, prefix) {
			if err := m.persist.DeleteLockout(accountID, sym); err != nil {
				m.mu.Unlock()
				return err
			}
			delete(m.symbolMap(accountID), sym)
			cleared = append(cleared, rec)
		}
	}
	m.mu.Unlock()

	for _, rec := range cleared {
		m.notify(false, rec)
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// ClearExpiredHard clears the account's hard lockout when its expiry is at
// or before the given instant (reset scheduler rollover).
func (m *Manager) ClearExpiredHard(accountID int64, asOf time.Time) error {
	m.mu.Lock()
	rec, ok := m.wide[accountID]
	if !ok || rec.Kind != KindHard || rec.ExpiresAt.After(asOf) {
		m.mu.Unlock()
		return nil
	}
	if err := m.persist.DeleteLockout(accountID, ""); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("clear expired hard lockout: %w", err)
	}
	delete(m.wide, accountID)
	m.mu.Unlock()

	m.logger.Info("hard lockout cleared at rollover", "account", accountID)
	m.notify(false, rec)
	return nil
}

// IsLocked reports whether an account-wide lockout is in force, reaping an
// expired record first.
func (m *Manager) IsLocked(accountID int64) bool {
	m.mu.Lock()
	rec, ok := m.wide[accountID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if rec.ExpiresAt.Before(m.now()) {
		if err := m.persist.DeleteLockout(accountID, ""); err != nil {
			// Failing to reap keeps the account locked; safe direction.
			m.logger.Error("lockout reap failed", "account", accountID, "error", err)
			m.mu.Unlock()
			return true
		}
		delete(m.wide, accountID)
		m.mu.Unlock()
		m.notify(false, rec)
		return false
	}
	m.mu.Unlock()
	return true
}

// IsSymbolLocked reports whether the symbol is locked for the account.
func (m *Manager) IsSymbolLocked(accountID int64, symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.symbolMap(accountID)[symbol]
	if !ok {
		return false
	}
	if rec.ExpiresAt.Before(m.now()) {
		if err := m.persist.DeleteLockout(accountID, symbol); err == nil {
			delete(m.symbolMap(accountID), symbol)
			return false
		}
		return true
	}
	return true
}

// Info returns the account-wide lockout record, if any.
func (m *Manager) Info(accountID int64) (store.LockoutRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.wide[accountID]
	return rec, ok
}

// SymbolLockouts returns the account's symbol lockouts.
func (m *Manager) SymbolLockouts(accountID int64) []store.LockoutRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	sm := m.symbols[accountID]
	out := make([]store.LockoutRecord, 0, len(sm))
	for _, rec := range sm {
		out = append(out, rec)
	}
	return out
}

func (m *Manager) notify(set bool, rec store.LockoutRecord) {
	if m.OnChange != nil {
		m.OnChange(set, rec)
	}
}

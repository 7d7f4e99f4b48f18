// Package store provides the durable replica of enforcement state over an
// embedded sqlite database.
//
// Lockouts, daily P&L, rolling trade-count buckets, and position/order
// snapshots are committed here before the event that caused them is
// acknowledged, so a crash-restart always resumes from a legal predecessor
// of the crash-time state. The database runs in WAL mode; all writes from
// the dispatcher go through single-writer transactions.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // pure Go sqlite driver

	"futures-riskd/pkg/types"
)

// Store wraps the sqlite connection.
type Store struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS lockouts (
	account_id INTEGER NOT NULL,
	symbol     TEXT    NOT NULL DEFAULT '',
	kind       TEXT    NOT NULL,
	reason     TEXT    NOT NULL,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, symbol)
);
CREATE TABLE IF NOT EXISTS daily_pnl (
	account_id   INTEGER NOT NULL,
	session_date TEXT    NOT NULL,
	realized     TEXT    NOT NULL,
	PRIMARY KEY (account_id, session_date)
);
CREATE TABLE IF NOT EXISTS trade_counts (
	account_id   INTEGER NOT NULL,
	window_kind  TEXT    NOT NULL,
	window_start INTEGER NOT NULL,
	count        INTEGER NOT NULL,
	PRIMARY KEY (account_id, window_kind, window_start)
);
CREATE TABLE IF NOT EXISTS positions_snapshot (
	account_id  INTEGER NOT NULL,
	contract_id TEXT    NOT NULL,
	type        INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	avg_price   TEXT    NOT NULL,
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (account_id, contract_id)
);
CREATE TABLE IF NOT EXISTS orders_snapshot (
	account_id  INTEGER NOT NULL,
	order_id    INTEGER NOT NULL,
	contract_id TEXT    NOT NULL,
	status      INTEGER NOT NULL,
	type        INTEGER NOT NULL,
	side        INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	limit_price TEXT,
	stop_price  TEXT,
	fill_volume INTEGER NOT NULL DEFAULT 0,
	filled_price TEXT,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (account_id, order_id)
);
CREATE TABLE IF NOT EXISTS enforcement_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         INTEGER NOT NULL,
	account_id INTEGER NOT NULL,
	kind       TEXT    NOT NULL,
	target     TEXT    NOT NULL,
	generation INTEGER NOT NULL,
	outcome    TEXT    NOT NULL,
	detail     TEXT    NOT NULL DEFAULT ''
);
`

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping store: %w", err)
	}

	// Single writer keeps transactions serialized at the driver level.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is still reachable.
func (s *Store) Ping() error { return s.db.Ping() }

// WithTx runs fn inside a transaction, committing on nil error.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ————————————————————————————————————————————————————————————————————————
// Lockouts
// ————————————————————————————————————————————————————————————————————————

// LockoutRecord is the durable form of a lockout. Symbol is empty for
// account-wide (hard/cooldown) lockouts. A sentinel far-future expiry
// denotes "manual clear only".
type LockoutRecord struct {
	AccountID int64
	Symbol    string
	Kind      string // "hard", "cooldown", "symbol"
	Reason    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// SaveLockout upserts a lockout record. The (account, symbol) primary key
// makes a newer account-wide lockout replace an older one.
func (s *Store) SaveLockout(rec LockoutRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO lockouts (account_id, symbol, kind, reason, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, symbol) DO UPDATE SET
			kind = excluded.kind, reason = excluded.reason,
			expires_at = excluded.expires_at, created_at = excluded.created_at`,
		rec.AccountID, rec.Symbol, rec.Kind, rec.Reason,
		rec.ExpiresAt.UnixMilli(), rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save lockout: %w", err)
	}
	return nil
}

// DeleteLockout removes a lockout. Empty symbol targets the account-wide record.
func (s *Store) DeleteLockout(accountID int64, symbol string) error {
	_, err := s.db.Exec(`DELETE FROM lockouts WHERE account_id = ? AND symbol = ?`, accountID, symbol)
	if err != nil {
		return fmt.Errorf("delete lockout: %w", err)
	}
	return nil
}

// LoadLockouts returns every persisted lockout.
func (s *Store) LoadLockouts() ([]LockoutRecord, error) {
	rows, err := s.db.Query(`SELECT account_id, symbol, kind, reason, expires_at, created_at FROM lockouts`)
	if err != nil {
		return nil, fmt.Errorf("load lockouts: %w", err)
	}
	defer rows.Close()

	var out []LockoutRecord
	for rows.Next() {
		var rec LockoutRecord
		var exp, created int64
		if err := rows.Scan(&rec.AccountID, &rec.Symbol, &rec.Kind, &rec.Reason, &exp, &created); err != nil {
			return nil, fmt.Errorf("scan lockout: %w", err)
		}
		rec.ExpiresAt = time.UnixMilli(exp)
		rec.CreatedAt = time.UnixMilli(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Daily P&L
// ————————————————————————————————————————————————————————————————————————

// SaveDailyPnL upserts the running realized total for (account, session date).
func (s *Store) SaveDailyPnL(accountID int64, sessionDate string, realized decimal.Decimal) error {
	_, err := s.db.Exec(`
		INSERT INTO daily_pnl (account_id, session_date, realized) VALUES (?, ?, ?)
		ON CONFLICT (account_id, session_date) DO UPDATE SET realized = excluded.realized`,
		accountID, sessionDate, realized.String())
	if err != nil {
		return fmt.Errorf("save daily pnl: %w", err)
	}
	return nil
}

// LoadDailyPnL returns the realized total for (account, session date);
// zero when no row exists.
func (s *Store) LoadDailyPnL(accountID int64, sessionDate string) (decimal.Decimal, error) {
	var raw string
	err := s.db.QueryRow(`SELECT realized FROM daily_pnl WHERE account_id = ? AND session_date = ?`,
		accountID, sessionDate).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("load daily pnl: %w", err)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse daily pnl %q: %w", raw, err)
	}
	return d, nil
}

// DeleteDailyPnL removes all daily P&L rows for an account up to and
// including the given session date (rollover cleanup).
func (s *Store) DeleteDailyPnL(accountID int64, throughDate string) error {
	_, err := s.db.Exec(`DELETE FROM daily_pnl WHERE account_id = ? AND session_date <= ?`,
		accountID, throughDate)
	if err != nil {
		return fmt.Errorf("delete daily pnl: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Trade-count windows
// ————————————————————————————————————————————————————————————————————————

// TradeBucket is one persisted rolling-counter bucket.
type TradeBucket struct {
	AccountID   int64
	WindowKind  string // "minute", "hour", "session"
	WindowStart time.Time
	Count       int
}

// SaveTradeBucket upserts a counter bucket.
func (s *Store) SaveTradeBucket(b TradeBucket) error {
	_, err := s.db.Exec(`
		INSERT INTO trade_counts (account_id, window_kind, window_start, count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id, window_kind, window_start) DO UPDATE SET count = excluded.count`,
		b.AccountID, b.WindowKind, b.WindowStart.UnixMilli(), b.Count)
	if err != nil {
		return fmt.Errorf("save trade bucket: %w", err)
	}
	return nil
}

// LoadTradeBuckets returns every bucket newer than the horizon.
func (s *Store) LoadTradeBuckets(horizon time.Time) ([]TradeBucket, error) {
	rows, err := s.db.Query(`SELECT account_id, window_kind, window_start, count
		FROM trade_counts WHERE window_start >= ?`, horizon.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("load trade buckets: %w", err)
	}
	defer rows.Close()

	var out []TradeBucket
	for rows.Next() {
		var b TradeBucket
		var start int64
		if err := rows.Scan(&b.AccountID, &b.WindowKind, &start, &b.Count); err != nil {
			return nil, fmt.Errorf("scan trade bucket: %w", err)
		}
		b.WindowStart = time.UnixMilli(start)
		out = append(out, b)
	}
	return out, rows.Err()
}

// ClearTradeBuckets removes all counter buckets for an account (session reset).
func (s *Store) ClearTradeBuckets(accountID int64) error {
	_, err := s.db.Exec(`DELETE FROM trade_counts WHERE account_id = ?`, accountID)
	if err != nil {
		return fmt.Errorf("clear trade buckets: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Position / order snapshots
// ————————————————————————————————————————————————————————————————————————

// SavePositionSnapshot upserts a position row; size 0 deletes it.
func (s *Store) SavePositionSnapshot(p types.GatewayPosition) error {
	if p.Size == 0 {
		return s.DeletePositionSnapshot(p.AccountID, p.ContractID)
	}
	_, err := s.db.Exec(`
		INSERT INTO positions_snapshot (account_id, contract_id, type, size, avg_price, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, contract_id) DO UPDATE SET
			type = excluded.type, size = excluded.size, avg_price = excluded.avg_price`,
		p.AccountID, p.ContractID, int(p.Type), p.Size, p.AveragePrice.String(),
		p.CreationTimestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("save position snapshot: %w", err)
	}
	return nil
}

// DeletePositionSnapshot removes a position row.
func (s *Store) DeletePositionSnapshot(accountID int64, contractID string) error {
	_, err := s.db.Exec(`DELETE FROM positions_snapshot WHERE account_id = ? AND contract_id = ?`,
		accountID, contractID)
	if err != nil {
		return fmt.Errorf("delete position snapshot: %w", err)
	}
	return nil
}

// LoadPositionSnapshots returns all persisted positions.
func (s *Store) LoadPositionSnapshots() ([]types.GatewayPosition, error) {
	rows, err := s.db.Query(`SELECT account_id, contract_id, type, size, avg_price, created_at
		FROM positions_snapshot`)
	if err != nil {
		return nil, fmt.Errorf("load position snapshots: %w", err)
	}
	defer rows.Close()

	var out []types.GatewayPosition
	for rows.Next() {
		var p types.GatewayPosition
		var typ int
		var avg string
		var created int64
		if err := rows.Scan(&p.AccountID, &p.ContractID, &typ, &p.Size, &avg, &created); err != nil {
			return nil, fmt.Errorf("scan position snapshot: %w", err)
		}
		p.Type = types.PositionType(typ)
		p.CreationTimestamp = time.UnixMilli(created)
		d, err := decimal.NewFromString(avg)
		if err != nil {
			return nil, fmt.Errorf("parse avg price %q: %w", avg, err)
		}
		p.AveragePrice = d
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveOrderSnapshot upserts an order row; terminal orders are deleted since
// only open orders matter for resume.
func (s *Store) SaveOrderSnapshot(o types.GatewayOrder) error {
	if o.Status.Terminal() {
		return s.DeleteOrderSnapshot(o.AccountID, o.ID)
	}
	_, err := s.db.Exec(`
		INSERT INTO orders_snapshot (account_id, order_id, contract_id, status, type, side, size,
			limit_price, stop_price, fill_volume, filled_price, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, order_id) DO UPDATE SET
			status = excluded.status, type = excluded.type, side = excluded.side,
			size = excluded.size, limit_price = excluded.limit_price,
			stop_price = excluded.stop_price, fill_volume = excluded.fill_volume,
			filled_price = excluded.filled_price, updated_at = excluded.updated_at`,
		o.AccountID, o.ID, o.ContractID, int(o.Status), int(o.Type), int(o.Side), o.Size,
		decimalPtrString(o.LimitPrice), decimalPtrString(o.StopPrice),
		o.FillVolume, decimalPtrString(o.FilledPrice),
		o.CreationTimestamp.UnixMilli(), o.UpdateTimestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("save order snapshot: %w", err)
	}
	return nil
}

// DeleteOrderSnapshot removes an order row.
func (s *Store) DeleteOrderSnapshot(accountID, orderID int64) error {
	_, err := s.db.Exec(`DELETE FROM orders_snapshot WHERE account_id = ? AND order_id = ?`,
		accountID, orderID)
	if err != nil {
		return fmt.Errorf("delete order snapshot: %w", err)
	}
	return nil
}

// LoadOrderSnapshots returns all persisted open orders.
func (s *Store) LoadOrderSnapshots() ([]types.GatewayOrder, error) {
	rows, err := s.db.Query(`SELECT account_id, order_id, contract_id, status, type, side, size,
		limit_price, stop_price, fill_volume, filled_price, created_at, updated_at
		FROM orders_snapshot`)
	if err != nil {
		return nil, fmt.Errorf("load order snapshots: %w", err)
	}
	defer rows.Close()

	var out []types.GatewayOrder
	for rows.Next() {
		var o types.GatewayOrder
		var status, typ, side int
		var limit, stop, filled sql.NullString
		var created, updated int64
		if err := rows.Scan(&o.AccountID, &o.ID, &o.ContractID, &status, &typ, &side, &o.Size,
			&limit, &stop, &o.FillVolume, &filled, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan order snapshot: %w", err)
		}
		o.Status = types.OrderStatus(status)
		o.Type = types.OrderType(typ)
		o.Side = types.OrderSide(side)
		o.CreationTimestamp = time.UnixMilli(created)
		o.UpdateTimestamp = time.UnixMilli(updated)
		var err error
		if o.LimitPrice, err = nullDecimal(limit); err != nil {
			return nil, err
		}
		if o.StopPrice, err = nullDecimal(stop); err != nil {
			return nil, err
		}
		if o.FilledPrice, err = nullDecimal(filled); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Enforcement log
// ————————————————————————————————————————————————————————————————————————

// EnforcementRecord is one executor outcome.
type EnforcementRecord struct {
	Timestamp  time.Time
	AccountID  int64
	Kind       string
	Target     string
	Generation uint64
	Outcome    string // "success", "failed", "skipped"
	Detail     string
}

// AppendEnforcementLog records an executor outcome.
func (s *Store) AppendEnforcementLog(rec EnforcementRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO enforcement_log (ts, account_id, kind, target, generation, outcome, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UnixMilli(), rec.AccountID, rec.Kind, rec.Target,
		int64(rec.Generation), rec.Outcome, rec.Detail)
	if err != nil {
		return fmt.Errorf("append enforcement log: %w", err)
	}
	return nil
}

// RecentEnforcement returns the most recent n log records for an account.
func (s *Store) RecentEnforcement(accountID int64, n int) ([]EnforcementRecord, error) {
	rows, err := s.db.Query(`SELECT ts, account_id, kind, target, generation, outcome, detail
		FROM enforcement_log WHERE account_id = ? ORDER BY id DESC LIMIT ?`, accountID, n)
	if err != nil {
		return nil, fmt.Errorf("load enforcement log: %w", err)
	}
	defer rows.Close()

	var out []EnforcementRecord
	for rows.Next() {
		var rec EnforcementRecord
		var ts, gen int64
		if err := rows.Scan(&ts, &rec.AccountID, &rec.Kind, &rec.Target, &gen, &rec.Outcome, &rec.Detail); err != nil {
			return nil, fmt.Errorf("scan enforcement log: %w", err)
		}
		rec.Timestamp = time.UnixMilli(ts)
		rec.Generation = uint64(gen)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func decimalPtrString(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", s.String, err)
	}
	return &d, nil
}

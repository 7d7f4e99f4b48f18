package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-riskd/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLockoutRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	now := time.Now().Truncate(time.Millisecond)
	rec := LockoutRecord{
		AccountID: 1001,
		Kind:      "hard",
		Reason:    "daily realized loss limit",
		ExpiresAt: now.Add(3 * time.Hour),
		CreatedAt: now,
	}
	if err := s.SaveLockout(rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.LoadLockouts()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("loaded %d lockouts, want 1", len(got))
	}
	if got[0].Kind != "hard" || !got[0].ExpiresAt.Equal(rec.ExpiresAt) {
		t.Errorf("round trip mismatch: %+v", got[0])
	}

	// A newer account-wide lockout replaces the older one.
	rec.Kind = "cooldown"
	rec.Reason = "loss cooldown"
	if err := s.SaveLockout(rec); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, _ = s.LoadLockouts()
	if len(got) != 1 || got[0].Kind != "cooldown" {
		t.Errorf("expected single replaced lockout, got %+v", got)
	}

	// Symbol lockouts coexist with the account-wide one.
	if err := s.SaveLockout(LockoutRecord{AccountID: 1001, Symbol: "RTY", Kind: "symbol",
		Reason: "blocked symbol", ExpiresAt: now.Add(time.Hour), CreatedAt: now}); err != nil {
		t.Fatalf("symbol save: %v", err)
	}
	got, _ = s.LoadLockouts()
	if len(got) != 2 {
		t.Errorf("expected 2 lockouts, got %d", len(got))
	}

	if err := s.DeleteLockout(1001, ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = s.LoadLockouts()
	if len(got) != 1 || got[0].Symbol != "RTY" {
		t.Errorf("expected only symbol lockout after delete, got %+v", got)
	}
}

func TestDailyPnLRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if err := s.SaveDailyPnL(1001, "2026-08-24", decimal.NewFromInt(-450)); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.LoadDailyPnL(1001, "2026-08-24")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(-450)) {
		t.Errorf("realized = %s, want -450", got)
	}

	// Missing row reads as zero.
	got, err = s.LoadDailyPnL(1001, "2026-08-25")
	if err != nil || !got.IsZero() {
		t.Errorf("missing row: got %s, %v", got, err)
	}

	if err := s.DeleteDailyPnL(1001, "2026-08-24"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = s.LoadDailyPnL(1001, "2026-08-24")
	if !got.IsZero() {
		t.Errorf("after delete realized = %s, want 0", got)
	}
}

func TestTradeBuckets(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	minute := time.Now().Truncate(time.Minute)
	b := TradeBucket{AccountID: 1001, WindowKind: "minute", WindowStart: minute, Count: 3}
	if err := s.SaveTradeBucket(b); err != nil {
		t.Fatalf("save: %v", err)
	}
	b.Count = 4
	if err := s.SaveTradeBucket(b); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.LoadTradeBuckets(minute.Add(-time.Hour))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0].Count != 4 {
		t.Errorf("buckets = %+v, want one with count 4", got)
	}

	// Horizon filters out old buckets.
	got, _ = s.LoadTradeBuckets(minute.Add(time.Minute))
	if len(got) != 0 {
		t.Errorf("expected no buckets past horizon, got %d", len(got))
	}

	if err := s.ClearTradeBuckets(1001); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = s.LoadTradeBuckets(minute.Add(-time.Hour))
	if len(got) != 0 {
		t.Errorf("expected cleared buckets, got %d", len(got))
	}
}

func TestPositionSnapshotPrunesOnFlat(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	pos := types.GatewayPosition{
		AccountID:         1001,
		ContractID:        "CON.F.US.MNQ.Z25",
		Type:              types.PositionLong,
		Size:              2,
		AveragePrice:      decimal.NewFromFloat(21000.25),
		CreationTimestamp: time.Now(),
	}
	if err := s.SavePositionSnapshot(pos); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.LoadPositionSnapshots()
	if err != nil || len(got) != 1 {
		t.Fatalf("load: %v (%d rows)", err, len(got))
	}
	if !got[0].AveragePrice.Equal(pos.AveragePrice) || got[0].Size != 2 {
		t.Errorf("round trip mismatch: %+v", got[0])
	}

	pos.Size = 0
	if err := s.SavePositionSnapshot(pos); err != nil {
		t.Fatalf("flat save: %v", err)
	}
	got, _ = s.LoadPositionSnapshots()
	if len(got) != 0 {
		t.Errorf("flat position should be pruned, got %d rows", len(got))
	}
}

func TestOrderSnapshotDropsTerminal(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	stop := decimal.NewFromFloat(20950.0)
	ord := types.GatewayOrder{
		ID:         42,
		AccountID:  1001,
		ContractID: "CON.F.US.MNQ.Z25",
		Status:     types.OrderStatusOpen,
		Type:       types.OrderTypeStop,
		Side:       types.SideAsk,
		Size:       2,
		StopPrice:  &stop,
	}
	if err := s.SaveOrderSnapshot(ord); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.LoadOrderSnapshots()
	if err != nil || len(got) != 1 {
		t.Fatalf("load: %v (%d rows)", err, len(got))
	}
	if got[0].StopPrice == nil || !got[0].StopPrice.Equal(stop) {
		t.Errorf("stop price mismatch: %+v", got[0].StopPrice)
	}
	if got[0].LimitPrice != nil {
		t.Errorf("limit price should be nil")
	}

	ord.Status = types.OrderStatusFilled
	if err := s.SaveOrderSnapshot(ord); err != nil {
		t.Fatalf("terminal save: %v", err)
	}
	got, _ = s.LoadOrderSnapshots()
	if len(got) != 0 {
		t.Errorf("terminal order should be removed, got %d rows", len(got))
	}
}

func TestEnforcementLog(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		err := s.AppendEnforcementLog(EnforcementRecord{
			Timestamp:  time.Now(),
			AccountID:  1001,
			Kind:       "close_position",
			Target:     "CON.F.US.MNQ.Z25",
			Generation: uint64(i),
			Outcome:    "success",
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.RecentEnforcement(1001, 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].Generation != 2 {
		t.Errorf("most recent generation = %d, want 2", got[0].Generation)
	}
}

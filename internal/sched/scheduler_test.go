package sched

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"futures-riskd/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCronSpec(t *testing.T) {
	t.Parallel()

	spec, err := cronSpec("17:00", "America/Chicago")
	if err != nil {
		t.Fatal(err)
	}
	if spec != "CRON_TZ=America/Chicago 0 17 * * *" {
		t.Errorf("spec = %q", spec)
	}

	for _, bad := range []string{"1700", "25:00", "17:70", "ab:cd", ""} {
		if _, err := cronSpec(bad, "UTC"); err == nil {
			t.Errorf("cronSpec(%q) should fail", bad)
		}
	}
}

func TestNewRejectsBadAccount(t *testing.T) {
	t.Parallel()

	_, err := New([]config.AccountConfig{
		{AccountID: 1, Enabled: true, ResetTime: "99:99"},
	}, nil, testLogger())
	if err == nil {
		t.Fatal("bad reset_time should fail scheduler construction")
	}
}

func TestFireSkipsHolidays(t *testing.T) {
	t.Parallel()

	s, err := New(nil, []string{"2026-01-01"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	var fired []int64
	s.OnRollover = func(accountID int64, at time.Time) {
		fired = append(fired, accountID)
	}

	holiday := time.Date(2026, 1, 1, 17, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return holiday }
	s.fire(1001, time.UTC)
	if len(fired) != 0 {
		t.Errorf("rollover fired on a holiday: %v", fired)
	}

	workday := time.Date(2026, 1, 2, 17, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return workday }
	s.fire(1001, time.UTC)
	if len(fired) != 1 || fired[0] != 1001 {
		t.Errorf("fired = %v, want [1001]", fired)
	}
}

func TestHolidayDateUsesAccountZone(t *testing.T) {
	t.Parallel()

	s, err := New(nil, []string{"2026-07-03"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	var count int
	s.OnRollover = func(int64, time.Time) { count++ }

	chicago, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	// 22:00 UTC on July 3 is 17:00 in Chicago, still July 3 locally.
	s.now = func() time.Time { return time.Date(2026, 7, 3, 22, 0, 0, 0, time.UTC) }
	s.fire(1001, chicago)
	if count != 0 {
		t.Error("holiday in account zone should skip rollover")
	}

	// Same wall clock one day later is not a holiday.
	s.now = func() time.Time { return time.Date(2026, 7, 4, 22, 0, 0, 0, time.UTC) }
	s.fire(1001, chicago)
	if count != 1 {
		t.Errorf("rollover count = %d, want 1", count)
	}
}

// Package sched drives the daily session rollover. Each monitored account
// gets a cron entry at its local reset time; firing posts a rollover to the
// dispatcher, which resets daily P&L and session trade counts and clears
// hard lockouts that have reached their expiry.
package sched

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"futures-riskd/internal/config"
)

const (
	defaultResetTime = "17:00"
	defaultTimezone  = "America/Chicago"
)

// Scheduler owns the cron runner for session rollovers.
type Scheduler struct {
	cron     *cron.Cron
	holidays map[string]bool
	logger   *slog.Logger

	// OnRollover receives the account and the instant of the rollover.
	OnRollover func(accountID int64, at time.Time)

	now func() time.Time
}

// New builds a scheduler with one entry per enabled account. Entries are
// inert until Start.
func New(accounts []config.AccountConfig, holidays []string, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:     cron.New(),
		holidays: make(map[string]bool, len(holidays)),
		logger:   logger.With("component", "sched"),
		now:      time.Now,
	}
	for _, d := range holidays {
		s.holidays[d] = true
	}

	for _, acct := range accounts {
		if !acct.Enabled {
			continue
		}
		if err := s.addAccount(acct); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) addAccount(acct config.AccountConfig) error {
	resetTime := acct.ResetTime
	if resetTime == "" {
		resetTime = defaultResetTime
	}
	tz := acct.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	spec, err := cronSpec(resetTime, tz)
	if err != nil {
		return fmt.Errorf("account %d: %w", acct.AccountID, err)
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("account %d: timezone %q: %w", acct.AccountID, tz, err)
	}

	accountID := acct.AccountID
	_, err = s.cron.AddFunc(spec, func() {
		s.fire(accountID, loc)
	})
	if err != nil {
		return fmt.Errorf("account %d: cron spec %q: %w", acct.AccountID, spec, err)
	}
	s.logger.Info("rollover scheduled", "account", accountID, "reset_time", resetTime, "timezone", tz)
	return nil
}

// cronSpec turns "HH:MM" + an IANA zone into a CRON_TZ-prefixed 5-field
// spec, so DST transitions track the account's local wall clock.
func cronSpec(resetTime, tz string) (string, error) {
	parts := strings.SplitN(resetTime, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("reset_time %q is not HH:MM", resetTime)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return "", fmt.Errorf("reset_time %q: bad hour", resetTime)
	}
	min, err := strconv.Atoi(parts[1])
	if err != nil || min < 0 || min > 59 {
		return "", fmt.Errorf("reset_time %q: bad minute", resetTime)
	}
	return fmt.Sprintf("CRON_TZ=%s %d %d * * *", tz, min, hour), nil
}

func (s *Scheduler) fire(accountID int64, loc *time.Location) {
	at := s.now()
	date := at.In(loc).Format("2006-01-02")
	if s.holidays[date] {
		s.logger.Info("rollover skipped for holiday", "account", accountID, "date", date)
		return
	}
	s.logger.Info("session rollover", "account", accountID, "at", at)
	if s.OnRollover != nil {
		s.OnRollover(accountID, at)
	}
}

// Start begins firing entries.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the runner and waits for an in-flight entry to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

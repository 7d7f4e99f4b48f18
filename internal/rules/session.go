package rules

import (
	"fmt"
	"time"

	"futures-riskd/internal/config"
	"futures-riskd/internal/state"
	"futures-riskd/pkg/types"
)

// SessionBlockOutside forbids holding positions outside the configured
// session window. A new position opened outside the window is closed and
// the account hard-locked until the window next opens; with close_at_end
// set, positions still open when the window closes are flattened the same
// way. Holidays count as outside-window days.
type SessionBlockOutside struct {
	cfg      config.SessionBlockConfig
	loc      *time.Location
	holidays map[string]bool
}

func NewSessionBlockOutside(cfg config.SessionBlockConfig, holidays []string) (*SessionBlockOutside, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "America/Chicago"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("session_block_outside: timezone %q: %w", tz, err)
	}
	hset := make(map[string]bool, len(holidays))
	for _, d := range holidays {
		hset[d] = true
	}
	return &SessionBlockOutside{cfg: cfg, loc: loc, holidays: hset}, nil
}

func (r *SessionBlockOutside) Name() string            { return "session_block_outside" }
func (r *SessionBlockOutside) Events() types.EventMask { return types.MaskPosition | types.MaskTimer }

func (r *SessionBlockOutside) windowFor(symbol string) config.SessionWindow {
	if w, ok := r.cfg.Overrides[symbol]; ok {
		return w
	}
	return r.cfg.Window
}

func parseClock(s string) (h, m int, err error) {
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return 0, 0, err
	}
	return hh, mm, nil
}

// inWindow reports whether the local wall clock falls inside the window.
// Windows spanning midnight (start > end) wrap. Holidays are always
// outside.
func (r *SessionBlockOutside) inWindow(now time.Time, w config.SessionWindow) bool {
	local := now.In(r.loc)
	if r.holidays[local.Format("2006-01-02")] {
		return false
	}
	sh, sm, err := parseClock(w.Start)
	if err != nil {
		return true // unparseable window never blocks; config validation catches this
	}
	eh, em, err := parseClock(w.End)
	if err != nil {
		return true
	}
	minutes := local.Hour()*60 + local.Minute()
	start := sh*60 + sm
	end := eh*60 + em
	if start <= end {
		return minutes >= start && minutes < end
	}
	return minutes >= start || minutes < end
}

// nextOpen finds the next instant the window opens on a non-holiday day.
func (r *SessionBlockOutside) nextOpen(now time.Time, w config.SessionWindow) time.Time {
	sh, sm, err := parseClock(w.Start)
	if err != nil {
		return now.Add(24 * time.Hour)
	}
	local := now.In(r.loc)
	for day := 0; day < 14; day++ {
		candidate := time.Date(local.Year(), local.Month(), local.Day(), sh, sm, 0, 0, r.loc).
			AddDate(0, 0, day)
		if !candidate.After(now) {
			continue
		}
		if r.holidays[candidate.Format("2006-01-02")] {
			continue
		}
		return candidate
	}
	return now.Add(24 * time.Hour)
}

func (r *SessionBlockOutside) Evaluate(snap *state.Snapshot, evt types.Event) *Action {
	switch evt.Kind {
	case types.EventPosition:
		pos := evt.Position
		if pos.Size == 0 || evt.PrevSize != 0 {
			return nil
		}
		w := r.windowFor(types.SymbolOf(pos.ContractID))
		if r.inWindow(snap.Now, w) {
			return nil
		}
		reason := fmt.Sprintf("position opened outside session window %s-%s", w.Start, w.End)
		it := intent(types.IntentClosePosition, r.Name(), reason, snap.AccountID)
		it.ContractID = pos.ContractID
		return &Action{
			Rule:    r.Name(),
			Reason:  reason,
			Intents: []types.Intent{it, intent(types.IntentCancelAll, r.Name(), reason, snap.AccountID)},
			Lockout: &LockoutIntent{Kind: LockoutHard, Reason: r.Name() + ": " + reason, Until: r.nextOpen(snap.Now, w)},
		}

	case types.EventTimer:
		if evt.Timer.Kind != types.TimerMinuteTick || !r.cfg.CloseAtEnd {
			return nil
		}
		var intents []types.Intent
		for _, pos := range snap.Positions {
			w := r.windowFor(types.SymbolOf(pos.ContractID))
			if r.inWindow(snap.Now, w) {
				continue
			}
			reason := fmt.Sprintf("session window %s-%s closed with open position", w.Start, w.End)
			it := intent(types.IntentClosePosition, r.Name(), reason, snap.AccountID)
			it.ContractID = pos.ContractID
			intents = append(intents, it)
		}
		if len(intents) == 0 {
			return nil
		}
		reason := "positions open past session close"
		return &Action{
			Rule:    r.Name(),
			Reason:  reason,
			Intents: intents,
			Lockout: &LockoutIntent{Kind: LockoutHard, Reason: r.Name() + ": " + reason,
				Until: r.nextOpen(snap.Now, r.cfg.Window)},
		}
	}
	return nil
}

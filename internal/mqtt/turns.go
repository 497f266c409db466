package mqtt

import (
	"sync"
	"time"

	"github.com/ej52/hass-ollama-conversation/internal/events"
)

// TurnStats are the counters for the current local day.
type TurnStats struct {
	Turns        int64
	Failures     int64
	InputTokens  int64
	OutputTokens int64
	LastTurn     time.Time
}

// DailyTurns counts conversation turns and their token usage, resetting
// at local midnight. LastTurn survives the reset. It is safe for
// concurrent use.
type DailyTurns struct {
	mu       sync.Mutex
	stats    TurnStats
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyTurns creates a counter using loc for midnight detection. If
// loc is nil, [time.Local] is used.
func NewDailyTurns(loc *time.Location) *DailyTurns {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTurns{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Seed adds totals recorded before the process started, typically read
// back from the usage ledger.
func (d *DailyTurns) Seed(s TurnStats) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.stats.Turns += s.Turns
	d.stats.Failures += s.Failures
	d.stats.InputTokens += s.InputTokens
	d.stats.OutputTokens += s.OutputTokens
	if s.LastTurn.After(d.stats.LastTurn) {
		d.stats.LastTurn = s.LastTurn
	}
}

// Observe updates the counters from a conversation event. Events other
// than turn_complete and turn_failed are ignored.
func (d *DailyTurns) Observe(e events.Event) {
	if e.Source != events.SourceConversation {
		return
	}
	switch e.Kind {
	case events.KindTurnComplete, events.KindTurnFailed:
	default:
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.stats.Turns++
	if e.Kind == events.KindTurnFailed {
		d.stats.Failures++
	}
	d.stats.InputTokens += int64(intValue(e.Data["tokens_in"]))
	d.stats.OutputTokens += int64(intValue(e.Data["tokens_out"]))
	if e.Timestamp.After(d.stats.LastTurn) {
		d.stats.LastTurn = e.Timestamp
	}
}

// Snapshot returns today's totals after checking for midnight rollover.
func (d *DailyTurns) Snapshot() TurnStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.stats
}

// maybeReset zeroes the counters if the local day-of-year has changed.
// Must be called with d.mu held.
func (d *DailyTurns) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.stats = TurnStats{LastTurn: d.stats.LastTurn}
		d.resetDay = today
	}
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Package domain models hardcore run state: participants, runs, and the
// challenge clock spanning every run since the first server start.
package domain

import (
	"strings"
	"time"
)

// Participant tracks per-player counters across the whole challenge.
// Participants are created on first observed death and never deleted;
// counters only return to zero through an explicit administrative reset.
type Participant struct {
	Handle       string
	DeathCount   int
	RunCount     int
	TotalElapsed time.Duration
}

// Run is one attempt at the shared world. EndedAt is zero while the run
// is active. Exactly one run is active at a time.
type Run struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time
}

// Active reports whether the run has not yet been closed by a death.
func (r Run) Active() bool {
	return !r.StartedAt.IsZero() && r.EndedAt.IsZero()
}

// Duration returns the elapsed time of a closed run, or the time since
// start for an active one.
func (r Run) Duration(now time.Time) time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	end := r.EndedAt
	if end.IsZero() {
		end = now
	}
	d := end.Sub(r.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Challenge is the process-wide clock for the overall endeavor.
// StartedAt is set at the first-ever run start and survives world resets.
type Challenge struct {
	StartedAt time.Time
	RunCount  int
}

// Started reports whether any run has ever begun.
func (c Challenge) Started() bool {
	return !c.StartedAt.IsZero()
}

// DeathEvent is the immutable record of one terminating death.
// Narration fields are enrichment and may stay empty when the narration
// service is unavailable.
type DeathEvent struct {
	Handle    string
	Timestamp time.Time
	Context   string
	Summary   string
	Narration string
}

// NormalizeHandle trims the player handle the way log lines deliver it.
func NormalizeHandle(handle string) string {
	return strings.TrimSpace(handle)
}

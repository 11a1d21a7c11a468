package domain

import "time"

// EventKind discriminates the events feeding the orchestrator loop.
type EventKind int

const (
	// EventUnrecognized is a log line that matched no pattern.
	EventUnrecognized EventKind = iota
	// EventPlayerDeath is a death line matched in the server log.
	EventPlayerDeath
	// EventServerReady is the readiness line (remote console listening).
	EventServerReady
	// EventProcessExit reports the server process exiting, expected or not.
	EventProcessExit
	// EventWatchFailed reports the log watcher giving up after retries.
	// The orchestrator must treat it as supervision lost.
	EventWatchFailed
)

func (k EventKind) String() string {
	switch k {
	case EventPlayerDeath:
		return "player_death"
	case EventServerReady:
		return "server_ready"
	case EventProcessExit:
		return "process_exit"
	case EventWatchFailed:
		return "watch_failed"
	default:
		return "unrecognized"
	}
}

// Event is the tagged union consumed by the orchestrator. Only fields
// relevant to the kind are populated.
type Event struct {
	Kind      EventKind
	Timestamp time.Time

	// Player death.
	Handle string
	Line   string

	// Process exit.
	ExitCode int

	// Watch failure.
	Err error
}

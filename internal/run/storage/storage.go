// Package storage defines the persistence contracts for run statistics and
// the challenge clock. Implementations must be durable before returning:
// the orchestrator never acknowledges an update that is not on disk.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/lastlife/internal/run/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// StatsStore persists per-participant counters. Mutations are linearizable
// with respect to each other so command-path resets and log-path death
// recordings cannot interleave into inconsistent counter pairs.
type StatsStore interface {
	// RecordDeath atomically increments the death and run counters for
	// handle and adds runDuration to the total elapsed time of every
	// participant active during that run (handle included). Missing
	// participant rows are created.
	RecordDeath(ctx context.Context, handle string, runDuration time.Duration, participants []string) (domain.Participant, error)

	// Participant returns a snapshot for one handle, ErrNotFound when the
	// handle has never been observed.
	Participant(ctx context.Context, handle string) (domain.Participant, error)

	// ListParticipants returns snapshots for every known handle.
	ListParticipants(ctx context.Context) ([]domain.Participant, error)

	// Reset zeroes the counters for one handle. ResetAll zeroes everyone.
	// Both are administrative operations, never triggered automatically.
	Reset(ctx context.Context, handle string) error
	ResetAll(ctx context.Context) error
}

// ChallengeStore persists the challenge clock and run records. It is the
// sole source of truth on reboot.
type ChallengeStore interface {
	// Challenge returns the challenge clock. A zero StartedAt means no run
	// has ever begun.
	Challenge(ctx context.Context) (domain.Challenge, error)

	// BeginRun records a new active run. The challenge start time is set
	// on the first run ever and never overwritten afterwards.
	BeginRun(ctx context.Context, run domain.Run) error

	// CloseRun freezes the end time of the identified run.
	CloseRun(ctx context.Context, id string, endedAt time.Time) error

	// ActiveRun returns the run that has not ended yet, ErrNotFound when
	// the world is between runs.
	ActiveRun(ctx context.Context) (domain.Run, error)

	// ResetClock clears the challenge clock and all run records. Used only
	// when an administrative stats reset is configured to restart the
	// challenge from scratch.
	ResetClock(ctx context.Context) error
}

// Store combines both persistence contracts; the SQLite store implements it.
type Store interface {
	StatsStore
	ChallengeStore
}

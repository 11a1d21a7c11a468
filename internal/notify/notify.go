// Package notify is the outbound boundary for death and reset announcements.
package notify

import (
	"context"
	"time"

	"github.com/louisbranch/lastlife/internal/narrate"
	"github.com/louisbranch/lastlife/internal/run/domain"
)

// DeathNotice is the payload emitted after a death is fully recorded. Counter
// values are the post-death snapshot, already durable.
type DeathNotice struct {
	Handle       string
	Narration    narrate.Narration
	DeathCount   int
	RunCount     int
	RunDuration  time.Duration
	TotalElapsed time.Duration
	// Participants is the scoreboard snapshot for everyone tracked.
	Participants []domain.Participant
}

// ResetStage marks progress through the world reset sequence.
type ResetStage string

const (
	ResetStageRequested ResetStage = "requested"
	ResetStageApproved  ResetStage = "approved"
	ResetStageDeclined  ResetStage = "declined"
	ResetStageStopping  ResetStage = "stopping"
	ResetStageDeleting  ResetStage = "deleting"
	ResetStageStarting  ResetStage = "starting"
	ResetStageComplete  ResetStage = "complete"
	ResetStageFailed    ResetStage = "failed"
)

// Notifier receives announcements from the orchestrator. Implementations must
// not block the death pipeline; slow transports should buffer internally.
type Notifier interface {
	NotifyDeath(ctx context.Context, notice DeathNotice) error
	NotifyReset(ctx context.Context, stage ResetStage, detail string) error
}

// Multi fans out to several notifiers. Individual failures do not stop the
// remaining notifiers; the first error is returned.
type Multi []Notifier

func (m Multi) NotifyDeath(ctx context.Context, notice DeathNotice) error {
	var first error
	for _, n := range m {
		if err := n.NotifyDeath(ctx, notice); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) NotifyReset(ctx context.Context, stage ResetStage, detail string) error {
	var first error
	for _, n := range m {
		if err := n.NotifyReset(ctx, stage, detail); err != nil && first == nil {
			first = err
		}
	}
	return first
}

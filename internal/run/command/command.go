// Package command is the administrative boundary: stat queries, manual stat
// resets, manual world resets, and the confirmation response sink. It enters
// the store and the orchestrator directly, concurrently with the log-driven
// path.
package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/lastlife/internal/run/domain"
	"github.com/louisbranch/lastlife/internal/run/storage"
)

// Resetter is the slice of the orchestrator the command path drives.
type Resetter interface {
	RequestReset(ctx context.Context) error
	Resolve(approved bool) error
}

// StatView is one participant's stats rendered for the command interface.
type StatView struct {
	Handle       string
	DeathCount   int
	RunCount     int
	ThisRun      time.Duration
	TotalElapsed time.Duration
}

// ChallengeView summarizes the whole challenge.
type ChallengeView struct {
	StartedAt    time.Time
	EndedRuns    int
	ActiveSince  time.Time
	ThisRun      time.Duration
	TotalFormat  string
	ThisRunLabel string
}

// Service answers administrative requests.
type Service struct {
	store     storage.Store
	resetter  Resetter
	clock     func() time.Time
	withClock bool
}

// Option adjusts service construction.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithClockReset makes ResetStats also clear the challenge clock. Off by
// default: wiping counters is routine, wiping history is not.
func WithClockReset(enabled bool) Option {
	return func(s *Service) { s.withClock = enabled }
}

// New builds the command service.
func New(store storage.Store, resetter Resetter, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if resetter == nil {
		return nil, fmt.Errorf("resetter is required")
	}
	s := &Service{
		store:    store,
		resetter: resetter,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Stats returns one participant's snapshot. ThisRun is the live duration of
// the active run, zero when the server is between runs.
func (s *Service) Stats(ctx context.Context, handle string) (StatView, error) {
	handle = domain.NormalizeHandle(handle)
	if handle == "" {
		return StatView{}, fmt.Errorf("handle is required")
	}
	participant, err := s.store.Participant(ctx, handle)
	if err != nil {
		return StatView{}, fmt.Errorf("query stats for %s: %w", handle, err)
	}
	return s.view(participant, s.activeRunDuration(ctx)), nil
}

// AllStats returns every tracked participant, ordered by handle.
func (s *Service) AllStats(ctx context.Context) ([]StatView, error) {
	participants, err := s.store.ListParticipants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	thisRun := s.activeRunDuration(ctx)
	views := make([]StatView, 0, len(participants))
	for _, p := range participants {
		views = append(views, s.view(p, thisRun))
	}
	return views, nil
}

// Challenge reports the challenge clock and the active run's age.
func (s *Service) Challenge(ctx context.Context) (ChallengeView, error) {
	challenge, err := s.store.Challenge(ctx)
	if err != nil {
		return ChallengeView{}, fmt.Errorf("query challenge: %w", err)
	}
	view := ChallengeView{
		StartedAt: challenge.StartedAt,
		EndedRuns: challenge.RunCount,
	}
	if challenge.Started() {
		view.TotalFormat = domain.FormatDuration(s.clock().Sub(challenge.StartedAt))
	}
	run, err := s.store.ActiveRun(ctx)
	if err == nil {
		view.ActiveSince = run.StartedAt
		view.ThisRun = run.Duration(s.clock())
		view.ThisRunLabel = domain.FormatDuration(view.ThisRun)
	}
	return view, nil
}

// ResetStats zeroes one participant's counters, or everyone's when handle is
// "all" or empty. The challenge clock is cleared only when the service was
// built with WithClockReset.
func (s *Service) ResetStats(ctx context.Context, handle string) error {
	handle = domain.NormalizeHandle(handle)
	if handle == "" || strings.EqualFold(handle, "all") {
		if err := s.store.ResetAll(ctx); err != nil {
			return fmt.Errorf("reset all stats: %w", err)
		}
	} else if err := s.store.Reset(ctx, handle); err != nil {
		return fmt.Errorf("reset stats for %s: %w", handle, err)
	}

	if s.withClock {
		if err := s.store.ResetClock(ctx); err != nil {
			return fmt.Errorf("reset challenge clock: %w", err)
		}
	}
	return nil
}

// RequestReset starts a confirmation-gated manual world reset.
func (s *Service) RequestReset(ctx context.Context) error {
	return s.resetter.RequestReset(ctx)
}

// Resolve delivers the human yes/no decision for the pending reset.
func (s *Service) Resolve(approved bool) error {
	return s.resetter.Resolve(approved)
}

// activeRunDuration is the live age of the active run, zero when the server
// is between runs. Fetched once per request: the run is shared across every
// participant in a listing.
func (s *Service) activeRunDuration(ctx context.Context) time.Duration {
	run, err := s.store.ActiveRun(ctx)
	if err != nil {
		return 0
	}
	return run.Duration(s.clock())
}

func (s *Service) view(p domain.Participant, thisRun time.Duration) StatView {
	return StatView{
		Handle:       p.Handle,
		DeathCount:   p.DeathCount,
		RunCount:     p.RunCount,
		ThisRun:      thisRun,
		TotalElapsed: p.TotalElapsed,
	}
}

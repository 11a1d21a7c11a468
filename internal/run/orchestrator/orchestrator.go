// Package orchestrator ties the hardcore challenge together: it consumes
// classified log events, records deaths durably, requests narration, gates the
// destructive world reset on human confirmation, and drives the server
// process through the reset.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/lastlife/internal/narrate"
	"github.com/louisbranch/lastlife/internal/notify"
	"github.com/louisbranch/lastlife/internal/run/domain"
	"github.com/louisbranch/lastlife/internal/run/storage"
)

const defaultScoreboardDelay = 3 * time.Second

// Phase is the orchestrator's position in the death-handling sequence.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDeathDetected
	PhaseNarrationRequested
	PhaseNotified
	PhaseResetConfirmationPending
	PhaseResettingWorld
	PhaseRestarting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDeathDetected:
		return "death detected"
	case PhaseNarrationRequested:
		return "narration requested"
	case PhaseNotified:
		return "notified"
	case PhaseResetConfirmationPending:
		return "reset confirmation pending"
	case PhaseResettingWorld:
		return "resetting world"
	case PhaseRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// Supervisor is the process lifecycle surface the orchestrator drives.
type Supervisor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context, graceful bool) error
	NotifyReady()
	Running() bool
}

// Narrator generates death commentary.
type Narrator interface {
	Narrate(ctx context.Context, handle, rawMessage string) (narrate.Narration, error)
}

// Effects is the best-effort remote command surface.
type Effects interface {
	TriggerAreaEffect(ctx context.Context, deadHandle string) error
	ShowDeathTitle(ctx context.Context, handle string) error
	PlayDeathSound(ctx context.Context) error
	InitScoreboard(ctx context.Context) error
	UpdateScoreboard(ctx context.Context, participants []domain.Participant) error
}

// WorldDeleter removes the world directory during a reset.
type WorldDeleter interface {
	Delete() error
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Store      storage.Store
	Supervisor Supervisor
	Narrator   Narrator
	Notifier   notify.Notifier
	Effects    Effects
	World      WorldDeleter
	Gate       *Gate

	// Events is the classified log stream.
	Events <-chan domain.Event
	// ProcessEvents carries process exit notifications.
	ProcessEvents <-chan domain.Event

	// AutoResetOnDeath starts the confirmation-gated reset after every death.
	AutoResetOnDeath bool

	// ScoreboardDelay lets the server settle after readiness before the
	// scoreboard commands go out.
	ScoreboardDelay time.Duration

	Clock func() time.Time
}

// Orchestrator is the single serialization point for the challenge state.
type Orchestrator struct {
	cfg    Config
	tracer trace.Tracer

	mu        sync.Mutex
	phase     Phase
	runCtx    context.Context
	lastDeath domain.Event

	sequences sync.WaitGroup
}

// New validates the wiring and builds an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("store is required")
	case cfg.Supervisor == nil:
		return nil, fmt.Errorf("supervisor is required")
	case cfg.Notifier == nil:
		return nil, fmt.Errorf("notifier is required")
	case cfg.Gate == nil:
		return nil, fmt.Errorf("confirmation gate is required")
	case cfg.Events == nil:
		return nil, fmt.Errorf("event stream is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.ScoreboardDelay <= 0 {
		cfg.ScoreboardDelay = defaultScoreboardDelay
	}
	return &Orchestrator{
		cfg:    cfg,
		tracer: otel.Tracer("lastlife/orchestrator"),
	}, nil
}

// Phase returns the current sequence phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Run consumes events until ctx is cancelled or supervision is lost. It is
// the only goroutine that reads the event streams; death sequences run on
// their own goroutine so readiness events keep flowing during a reset.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.runCtx = ctx
	o.mu.Unlock()

	defer o.sequences.Wait()

	// A nil channel blocks forever, which is what we want when no process
	// event source is wired.
	procEvents := o.cfg.ProcessEvents

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-o.cfg.Events:
			if !ok {
				return fmt.Errorf("log event stream closed")
			}
			switch event.Kind {
			case domain.EventServerReady:
				o.handleReady(ctx, event)
			case domain.EventPlayerDeath:
				o.handleDeath(ctx, event)
			case domain.EventWatchFailed:
				return fmt.Errorf("log supervision lost: %w", event.Err)
			}
		case event, ok := <-procEvents:
			if !ok {
				procEvents = nil
				continue
			}
			o.handleProcessExit(event)
		}
	}
}

// handleReady marks the supervisor ready and opens a new run if none is
// active. The challenge clock starts with the first run ever opened.
func (o *Orchestrator) handleReady(ctx context.Context, event domain.Event) {
	o.cfg.Supervisor.NotifyReady()

	_, err := o.cfg.Store.ActiveRun(ctx)
	switch {
	case err == nil:
		return
	case errors.Is(err, storage.ErrNotFound):
	default:
		log.Printf("query active run on readiness: %v", err)
		return
	}

	run := domain.Run{ID: uuid.NewString(), StartedAt: event.Timestamp}
	if err := o.cfg.Store.BeginRun(ctx, run); err != nil {
		log.Printf("begin run on readiness: %v", err)
		return
	}
	log.Printf("run %s started", run.ID)

	if o.cfg.Effects != nil {
		o.sequences.Add(1)
		go func() {
			defer o.sequences.Done()
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.cfg.ScoreboardDelay):
			}
			if err := o.cfg.Effects.InitScoreboard(ctx); err != nil {
				log.Printf("init scoreboard: %v", err)
				return
			}
			participants, err := o.cfg.Store.ListParticipants(ctx)
			if err != nil {
				log.Printf("list participants for scoreboard: %v", err)
				return
			}
			if err := o.cfg.Effects.UpdateScoreboard(ctx, participants); err != nil {
				log.Printf("update scoreboard: %v", err)
			}
		}()
	}
}

// handleProcessExit surfaces unexpected exits. Exits during a reset sequence
// are expected and already handled there.
func (o *Orchestrator) handleProcessExit(event domain.Event) {
	o.mu.Lock()
	phase := o.phase
	o.mu.Unlock()
	if phase == PhaseResettingWorld || phase == PhaseRestarting {
		return
	}
	log.Printf("server process exited unexpectedly (code %d) during phase %s", event.ExitCode, phase)
}

// handleDeath starts the death sequence unless one is already in flight. A
// watcher reopening the log can deliver the same line twice, so the exact
// last death is remembered and skipped on redelivery.
func (o *Orchestrator) handleDeath(ctx context.Context, event domain.Event) {
	o.mu.Lock()
	if o.phase != PhaseIdle {
		o.mu.Unlock()
		log.Printf("ignoring death of %s during phase %s", event.Handle, o.phase)
		return
	}
	if event.Handle == o.lastDeath.Handle && event.Line == o.lastDeath.Line &&
		event.Timestamp.Equal(o.lastDeath.Timestamp) {
		o.mu.Unlock()
		log.Printf("ignoring redelivered death of %s", event.Handle)
		return
	}
	o.phase = PhaseDeathDetected
	o.lastDeath = event
	o.mu.Unlock()

	run, err := o.cfg.Store.ActiveRun(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		o.setPhase(PhaseIdle)
		log.Printf("ignoring death of %s: %v", event.Handle, domain.ErrRunClosed)
		return
	}
	if err != nil {
		o.setPhase(PhaseIdle)
		log.Printf("query active run for death of %s: %v", event.Handle, err)
		return
	}

	o.sequences.Add(1)
	go func() {
		defer o.sequences.Done()
		o.deathSequence(ctx, run, event)
	}()
}

// deathSequence is the life of one death: close the run, persist stats,
// narrate, notify, fire side effects, and drive the confirmation-gated world
// reset. It always finishes back in the idle phase.
func (o *Orchestrator) deathSequence(ctx context.Context, run domain.Run, event domain.Event) {
	defer o.setPhase(PhaseIdle)

	ctx, span := o.tracer.Start(ctx, "death.sequence", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("participant.handle", event.Handle),
	))
	defer span.End()

	duration := run.Duration(event.Timestamp)
	if err := o.cfg.Store.CloseRun(ctx, run.ID, event.Timestamp); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("run %s already closed, skipping death of %s", run.ID, event.Handle)
			return
		}
		o.fatal(ctx, span, fmt.Errorf("close run %s: %w", run.ID, err))
		return
	}

	handles, err := o.participantHandles(ctx, event.Handle)
	if err != nil {
		o.fatal(ctx, span, fmt.Errorf("list participants: %w", err))
		return
	}
	snapshot, err := o.cfg.Store.RecordDeath(ctx, event.Handle, duration, handles)
	if err != nil {
		o.fatal(ctx, span, fmt.Errorf("record death of %s: %w", event.Handle, err))
		return
	}
	span.AddEvent("stats recorded")

	o.setPhase(PhaseNarrationRequested)
	narration := narrate.Fallback(event.Line)
	if o.cfg.Narrator != nil {
		var err error
		narration, err = o.cfg.Narrator.Narrate(ctx, event.Handle, event.Line)
		if err != nil {
			log.Printf("narration for %s failed, using fallback: %v", event.Handle, err)
			span.AddEvent("narration fallback")
		}
	}

	o.setPhase(PhaseNotified)
	participants, err := o.cfg.Store.ListParticipants(ctx)
	if err != nil {
		log.Printf("list participants for notice: %v", err)
	}
	notice := notify.DeathNotice{
		Handle:       event.Handle,
		Narration:    narration,
		DeathCount:   snapshot.DeathCount,
		RunCount:     snapshot.RunCount,
		RunDuration:  duration,
		TotalElapsed: snapshot.TotalElapsed,
		Participants: participants,
	}
	if err := o.cfg.Notifier.NotifyDeath(ctx, notice); err != nil {
		log.Printf("death notification: %v", err)
	}
	o.fireSideEffects(ctx, event.Handle, participants)
	span.AddEvent("notified")

	if !o.cfg.AutoResetOnDeath {
		o.ensureRun(ctx)
		return
	}
	prompt := fmt.Sprintf("%s が死亡しました。ワールドをリセットしますか？", event.Handle)
	if err := o.confirmAndReset(ctx, span, prompt); err != nil {
		log.Printf("reset after death of %s: %v", event.Handle, err)
	}
}

// fireSideEffects launches the TNT penalty, title, sound, and scoreboard
// updates without waiting on them.
func (o *Orchestrator) fireSideEffects(ctx context.Context, handle string, participants []domain.Participant) {
	if o.cfg.Effects == nil {
		return
	}
	o.sequences.Add(1)
	go func() {
		defer o.sequences.Done()
		if err := o.cfg.Effects.TriggerAreaEffect(ctx, handle); err != nil {
			log.Printf("area effect for %s: %v", handle, err)
		}
		if err := o.cfg.Effects.ShowDeathTitle(ctx, handle); err != nil {
			log.Printf("death title for %s: %v", handle, err)
		}
		if err := o.cfg.Effects.PlayDeathSound(ctx); err != nil {
			log.Printf("death sound: %v", err)
		}
		if err := o.cfg.Effects.UpdateScoreboard(ctx, participants); err != nil {
			log.Printf("scoreboard update: %v", err)
		}
	}()
}

// RequestReset starts a manual confirmation-gated reset. It fails with
// domain.ErrResetInProgress while a death sequence or another reset owns the
// state machine. The caller's ctx covers only this call: the sequence itself
// runs under the orchestrator's lifetime, so a front end dropping its request
// cannot abandon the server mid-reset.
func (o *Orchestrator) RequestReset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	if o.phase != PhaseIdle {
		o.mu.Unlock()
		return domain.ErrResetInProgress
	}
	o.phase = PhaseResetConfirmationPending
	o.mu.Unlock()

	o.sequences.Add(1)
	go func() {
		defer o.sequences.Done()
		defer o.setPhase(PhaseIdle)

		ctx, span := o.tracer.Start(o.sequenceContext(), "manual.reset")
		defer span.End()
		if err := o.confirmAndReset(ctx, span, "ワールドを手動でリセットしますか？"); err != nil {
			log.Printf("manual reset: %v", err)
		}
	}()
	return nil
}

// sequenceContext is the lifetime the reset sequence runs under. Before Run
// has started there is none, so fall back to the background context.
func (o *Orchestrator) sequenceContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runCtx != nil {
		return o.runCtx
	}
	return context.Background()
}

// Resolve feeds the external confirmation decision to the pending gate
// request.
func (o *Orchestrator) Resolve(approved bool) error {
	return o.cfg.Gate.Resolve(approved)
}

// confirmAndReset runs the gate and, on approval, the stop → delete → start
// sequence. Any step failure aborts without retry: a partially deleted world
// must not be guessed at, so the server is left stopped and the failure is
// surfaced.
func (o *Orchestrator) confirmAndReset(ctx context.Context, span trace.Span, prompt string) error {
	o.setPhase(PhaseResetConfirmationPending)
	o.notifyReset(ctx, notify.ResetStageRequested, prompt)

	decision, err := o.cfg.Gate.Request(ctx, prompt)
	if err != nil {
		return fmt.Errorf("confirmation request: %w", err)
	}
	span.SetAttributes(attribute.String("confirmation.decision", decision.String()))
	if decision != DecisionApproved {
		o.notifyReset(ctx, notify.ResetStageDeclined, decision.String())
		log.Printf("world reset %s, leaving server untouched", decision)
		o.ensureRun(ctx)
		return nil
	}
	o.notifyReset(ctx, notify.ResetStageApproved, "")

	// A manual reset abandons the run mid-flight; the death path already
	// closed it. Either way the old world's run must not survive into the
	// fresh one.
	if run, err := o.cfg.Store.ActiveRun(ctx); err == nil {
		if err := o.cfg.Store.CloseRun(ctx, run.ID, o.cfg.Clock()); err != nil && !errors.Is(err, storage.ErrNotFound) {
			err = fmt.Errorf("close run %s for reset: %w", run.ID, err)
			o.fatal(ctx, span, err)
			return err
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		err = fmt.Errorf("query active run for reset: %w", err)
		o.fatal(ctx, span, err)
		return err
	}

	o.setPhase(PhaseResettingWorld)
	o.notifyReset(ctx, notify.ResetStageStopping, "")
	if err := o.cfg.Supervisor.Stop(ctx, true); err != nil {
		err = fmt.Errorf("stop server for reset: %w", err)
		o.fatal(ctx, span, err)
		return err
	}

	o.notifyReset(ctx, notify.ResetStageDeleting, "")
	if o.cfg.World != nil {
		if err := o.cfg.World.Delete(); err != nil {
			err = fmt.Errorf("delete world: %w", err)
			o.fatal(ctx, span, err)
			return err
		}
	}

	o.setPhase(PhaseRestarting)
	o.notifyReset(ctx, notify.ResetStageStarting, "")
	if err := o.cfg.Supervisor.Start(ctx); err != nil {
		err = fmt.Errorf("start server after reset: %w", err)
		o.fatal(ctx, span, err)
		return err
	}

	o.notifyReset(ctx, notify.ResetStageComplete, "")
	span.AddEvent("reset complete")
	return nil
}

// ensureRun reopens the run clock when a death closed it but the world kept
// going (reset declined, timed out, or auto reset disabled). Without it every
// later death would be dropped against the closed run.
func (o *Orchestrator) ensureRun(ctx context.Context) {
	_, err := o.cfg.Store.ActiveRun(ctx)
	if err == nil {
		return
	}
	if !errors.Is(err, storage.ErrNotFound) {
		log.Printf("query active run after death: %v", err)
		return
	}
	run := domain.Run{ID: uuid.NewString(), StartedAt: o.cfg.Clock()}
	if err := o.cfg.Store.BeginRun(ctx, run); err != nil {
		log.Printf("begin run in surviving world: %v", err)
		return
	}
	log.Printf("run %s started", run.ID)
}

// participantHandles returns every tracked handle plus the one that died, so
// elapsed time accrues to the whole roster.
func (o *Orchestrator) participantHandles(ctx context.Context, deadHandle string) ([]string, error) {
	participants, err := o.cfg.Store.ListParticipants(ctx)
	if err != nil {
		return nil, err
	}
	handles := make([]string, 0, len(participants)+1)
	seen := false
	for _, p := range participants {
		if p.Handle == deadHandle {
			seen = true
		}
		handles = append(handles, p.Handle)
	}
	if !seen {
		handles = append(handles, deadHandle)
	}
	return handles, nil
}

func (o *Orchestrator) notifyReset(ctx context.Context, stage notify.ResetStage, detail string) {
	if err := o.cfg.Notifier.NotifyReset(ctx, stage, detail); err != nil {
		log.Printf("reset notification (%s): %v", stage, err)
	}
}

// fatal records an operator-facing failure. The sequence aborts; nothing here
// is retried automatically.
func (o *Orchestrator) fatal(ctx context.Context, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	log.Printf("FATAL: %v", err)
	o.notifyReset(ctx, notify.ResetStageFailed, err.Error())
}

func (o *Orchestrator) setPhase(phase Phase) {
	o.mu.Lock()
	o.phase = phase
	o.mu.Unlock()
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/lastlife/internal/narrate"
	"github.com/louisbranch/lastlife/internal/notify"
	"github.com/louisbranch/lastlife/internal/run/domain"
	"github.com/louisbranch/lastlife/internal/run/storage"
)

func TestDeathRecordsPairedCountersAndSharedElapsed(t *testing.T) {
	h := newHarness(t)
	h.store.seedParticipant("Alex")
	h.store.seedParticipant("Steve")
	h.startRun(t, "run-1", h.now.Add(-120*time.Second))
	h.run(t)

	h.sendDeath("Alex")
	h.waitForNotice(t)
	h.waitForIdle(t)

	alex := h.store.participant("Alex")
	if alex.DeathCount != 1 || alex.RunCount != 1 {
		t.Fatalf("Alex counters = %d/%d, want 1/1", alex.DeathCount, alex.RunCount)
	}
	if alex.TotalElapsed != 120*time.Second {
		t.Fatalf("Alex elapsed = %v, want 120s", alex.TotalElapsed)
	}
	steve := h.store.participant("Steve")
	if steve.DeathCount != 0 {
		t.Fatalf("Steve death count = %d, want 0", steve.DeathCount)
	}
	if steve.TotalElapsed != 120*time.Second {
		t.Fatalf("Steve elapsed = %v, want shared 120s", steve.TotalElapsed)
	}
}

func TestRedeliveredDeathIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.startRun(t, "run-1", h.now.Add(-time.Minute))
	h.run(t)

	h.sendDeath("Alex")
	h.waitForNotice(t)
	h.waitForIdle(t)

	// The same log line delivered again must not touch the counters.
	h.sendDeath("Alex")
	h.waitForIdle(t)

	alex := h.store.participant("Alex")
	if alex.DeathCount != 1 || alex.RunCount != 1 {
		t.Fatalf("counters after redelivery = %d/%d, want 1/1", alex.DeathCount, alex.RunCount)
	}
	if got := len(h.notifier.notices()); got != 1 {
		t.Fatalf("notices = %d, want 1", got)
	}
}

func TestDeniedConfirmationLeavesServerRunning(t *testing.T) {
	h := newHarness(t)
	h.cfg.AutoResetOnDeath = true
	h.startRun(t, "run-1", h.now.Add(-time.Minute))
	h.run(t)

	h.sendDeath("Alex")
	h.waitForPhase(t, PhaseResetConfirmationPending)
	h.waitForPrompt(t)
	if err := h.orch.Resolve(false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	h.waitForIdle(t)

	if !h.sup.Running() {
		t.Fatal("server should keep running after a denied reset")
	}
	if h.world.deletes != 0 {
		t.Fatalf("world deleted %d times after denial", h.world.deletes)
	}
	alex := h.store.participant("Alex")
	if alex.DeathCount != 1 {
		t.Fatalf("death count = %d, stats recorded at detection must stand", alex.DeathCount)
	}
}

func TestApprovedResetStopsDeletesRestarts(t *testing.T) {
	h := newHarness(t)
	h.cfg.AutoResetOnDeath = true
	h.startRun(t, "run-1", h.now.Add(-time.Minute))
	h.run(t)

	h.sendDeath("Alex")
	h.waitForPhase(t, PhaseResetConfirmationPending)
	h.waitForPrompt(t)
	if err := h.orch.Resolve(true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	h.waitForIdle(t)

	if h.world.deletes != 1 {
		t.Fatalf("world deletes = %d, want 1", h.world.deletes)
	}
	if h.sup.stops != 1 || h.sup.starts != 1 {
		t.Fatalf("supervisor stop/start = %d/%d, want 1/1", h.sup.stops, h.sup.starts)
	}
	if !h.notifier.sawStage(notify.ResetStageComplete) {
		t.Fatal("reset completion was never announced")
	}
}

func TestManualResetClosesAbandonedRun(t *testing.T) {
	h := newHarness(t)
	h.startRun(t, "run-1", h.now.Add(-time.Minute))
	h.run(t)

	if err := h.orch.RequestReset(context.Background()); err != nil {
		t.Fatalf("reset request: %v", err)
	}
	h.waitForPrompt(t)
	if err := h.orch.Resolve(true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	h.waitForIdle(t)

	// A manual reset skips the death path, but the abandoned run must not
	// survive into the fresh world.
	if _, err := h.store.ActiveRun(context.Background()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("active run after manual reset = %v, want none", err)
	}

	readyAt := h.now.Add(time.Minute)
	h.events <- domain.Event{Kind: domain.EventServerReady, Timestamp: readyAt}
	run := h.waitForActiveRun(t)
	if run.ID == "run-1" {
		t.Fatal("fresh world reopened the pre-reset run")
	}
	if !run.StartedAt.Equal(readyAt) {
		t.Fatalf("new run started at %v, want readiness time %v", run.StartedAt, readyAt)
	}
}

func TestDeathAfterDeniedResetStillCounts(t *testing.T) {
	h := newHarness(t)
	h.cfg.AutoResetOnDeath = true
	h.startRun(t, "run-1", h.now.Add(-time.Minute))
	h.run(t)

	h.sendDeath("Alex")
	h.waitForPhase(t, PhaseResetConfirmationPending)
	h.waitForPrompt(t)
	if err := h.orch.Resolve(false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	h.waitForIdle(t)

	// The world kept going, so a fresh run clock must cover whoever dies
	// next.
	if _, err := h.store.ActiveRun(context.Background()); err != nil {
		t.Fatalf("no run after denied reset: %v", err)
	}

	h.sendDeath("Bob")
	h.waitForPhase(t, PhaseResetConfirmationPending)
	h.waitForPrompt(t)
	if err := h.orch.Resolve(false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	h.waitForIdle(t)

	bob := h.store.participant("Bob")
	if bob.DeathCount != 1 || bob.RunCount != 1 {
		t.Fatalf("Bob counters = %d/%d, want 1/1", bob.DeathCount, bob.RunCount)
	}
}

func TestDeathWithoutAutoResetReopensRunClock(t *testing.T) {
	h := newHarness(t)
	h.startRun(t, "run-1", h.now.Add(-time.Minute))
	h.run(t)

	h.sendDeath("Alex")
	h.waitForNotice(t)
	h.waitForIdle(t)

	run := h.waitForActiveRun(t)
	if run.ID == "run-1" {
		t.Fatal("death left the old run open")
	}
	if !run.StartedAt.Equal(h.now) {
		t.Fatalf("new run started at %v, want death time %v", run.StartedAt, h.now)
	}

	h.sendDeath("Bob")
	h.waitForNotice(t)
	h.waitForIdle(t)
	if got := h.store.participant("Bob").DeathCount; got != 1 {
		t.Fatalf("Bob death count = %d, want 1", got)
	}
}

func TestManualResetSurvivesCallerDisconnect(t *testing.T) {
	h := newHarness(t)
	h.startRun(t, "run-1", h.now.Add(-time.Minute))
	h.run(t)

	callerCtx, cancelCaller := context.WithCancel(context.Background())
	if err := h.orch.RequestReset(callerCtx); err != nil {
		t.Fatalf("reset request: %v", err)
	}
	// The admin front end dropping its request must not abandon the reset.
	cancelCaller()

	h.waitForPrompt(t)
	if err := h.orch.Resolve(true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	h.waitForIdle(t)

	if h.world.deletes != 1 {
		t.Fatalf("world deletes = %d, want 1", h.world.deletes)
	}
	if !h.notifier.sawStage(notify.ResetStageComplete) {
		t.Fatal("reset never completed after the caller went away")
	}
}

func TestNarrationFailureStillNotifiesAndAdvances(t *testing.T) {
	h := newHarness(t)
	h.cfg.AutoResetOnDeath = true
	h.narrator.err = errors.New("narration service timed out")
	h.startRun(t, "run-1", h.now.Add(-time.Minute))
	h.run(t)

	h.sendDeath("Alex")
	notice := h.waitForNotice(t)
	if notice.Narration.Summary != "死亡" {
		t.Fatalf("summary = %q, want fallback", notice.Narration.Summary)
	}
	h.waitForPhase(t, PhaseResetConfirmationPending)
	h.waitForPrompt(t)
	_ = h.orch.Resolve(false)
	h.waitForIdle(t)
}

func TestWorldDeletionFailureAbortsWithoutNewRun(t *testing.T) {
	h := newHarness(t)
	h.cfg.AutoResetOnDeath = true
	h.world.err = errors.New("device busy")
	h.startRun(t, "run-1", h.now.Add(-time.Minute))
	h.run(t)

	h.sendDeath("Alex")
	h.waitForPhase(t, PhaseResetConfirmationPending)
	h.waitForPrompt(t)
	if err := h.orch.Resolve(true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	h.waitForIdle(t)

	if h.sup.Running() {
		t.Fatal("server must stay stopped after a failed world deletion")
	}
	if h.sup.starts != 0 {
		t.Fatalf("starts = %d, no restart may follow a failed deletion", h.sup.starts)
	}
	if !h.notifier.sawStage(notify.ResetStageFailed) {
		t.Fatal("failure was not surfaced")
	}
	if _, err := h.store.ActiveRun(context.Background()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("active run after failed reset = %v, want none", err)
	}
}

func TestConcurrentResetRequestsAreMutuallyExclusive(t *testing.T) {
	h := newHarness(t)
	h.startRun(t, "run-1", h.now.Add(-time.Minute))
	h.run(t)

	if err := h.orch.RequestReset(context.Background()); err != nil {
		t.Fatalf("first reset request: %v", err)
	}
	h.waitForPhase(t, PhaseResetConfirmationPending)

	if err := h.orch.RequestReset(context.Background()); !errors.Is(err, domain.ErrResetInProgress) {
		t.Fatalf("second reset request = %v, want ErrResetInProgress", err)
	}

	h.waitForPrompt(t)
	if err := h.orch.Resolve(true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	h.waitForIdle(t)
	if h.world.deletes != 1 {
		t.Fatalf("world deletes = %d, want exactly 1", h.world.deletes)
	}
}

func TestDeathDuringResetIsRejected(t *testing.T) {
	h := newHarness(t)
	h.startRun(t, "run-1", h.now.Add(-time.Minute))
	h.run(t)

	if err := h.orch.RequestReset(context.Background()); err != nil {
		t.Fatalf("reset request: %v", err)
	}
	h.waitForPhase(t, PhaseResetConfirmationPending)

	// The state machine owns the reset; the death must not start a second
	// sequence.
	h.sendDeath("Alex")
	time.Sleep(50 * time.Millisecond)
	if got := h.store.participant("Alex").DeathCount; got != 0 {
		t.Fatalf("death recorded during reset, count = %d", got)
	}

	h.waitForPrompt(t)
	_ = h.orch.Resolve(false)
	h.waitForIdle(t)
}

func TestReadinessOpensRunAndStartsChallengeClock(t *testing.T) {
	h := newHarness(t)
	h.run(t)

	h.events <- domain.Event{Kind: domain.EventServerReady, Timestamp: h.now}
	run := h.waitForActiveRun(t)
	if !run.StartedAt.Equal(h.now) {
		t.Fatalf("run started at %v, want readiness time %v", run.StartedAt, h.now)
	}
}

func TestWatchFailureStopsTheOrchestrator(t *testing.T) {
	h := newHarness(t)
	orch, err := New(h.cfg)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- orch.Run(h.ctx) }()

	h.events <- domain.Event{Kind: domain.EventWatchFailed, Err: errors.New("log gone")}
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected supervision-lost error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop after watch failure")
	}
}

// harness wires an orchestrator over in-memory fakes.
type harness struct {
	ctx      context.Context
	cfg      Config
	orch     *Orchestrator
	store    *memStore
	sup      *fakeSupervisor
	narrator *fakeNarrator
	notifier *fakeNotifier
	world    *fakeWorld
	events   chan domain.Event
	now      time.Time

	started bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		ctx:      ctx,
		store:    newMemStore(),
		sup:      &fakeSupervisor{running: true},
		narrator: &fakeNarrator{},
		notifier: newFakeNotifier(),
		world:    &fakeWorld{},
		events:   make(chan domain.Event, 8),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.cfg = Config{
		Store:      h.store,
		Supervisor: h.sup,
		Narrator:   h.narrator,
		Notifier:   h.notifier,
		World:      h.world,
		Gate:       NewGate(5 * time.Second),
		Events:     h.events,
		Clock:      func() time.Time { return h.now },
	}
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	orch, err := New(h.cfg)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	h.orch = orch
	h.started = true
	go orch.Run(h.ctx)
}

func (h *harness) startRun(t *testing.T, id string, startedAt time.Time) {
	t.Helper()
	if err := h.store.BeginRun(context.Background(), domain.Run{ID: id, StartedAt: startedAt}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
}

func (h *harness) sendDeath(handle string) {
	h.events <- domain.Event{
		Kind:      domain.EventPlayerDeath,
		Timestamp: h.now,
		Handle:    handle,
		Line:      fmt.Sprintf("[12:00:00] [Server thread/INFO]: %s died", handle),
	}
}

func (h *harness) waitForNotice(t *testing.T) notify.DeathNotice {
	t.Helper()
	select {
	case notice := <-h.notifier.deathCh:
		return notice
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for death notice")
		return notify.DeathNotice{}
	}
}

func (h *harness) waitForPhase(t *testing.T, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.orch.Phase() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase = %v, want %v", h.orch.Phase(), want)
}

// waitForPrompt blocks until the confirmation gate has a pending request, so
// Resolve cannot race the request registration.
func (h *harness) waitForPrompt(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, pending := h.cfg.Gate.Pending(); pending {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("confirmation request never became pending")
}

func (h *harness) waitForIdle(t *testing.T) {
	t.Helper()
	// Idle must hold steadily, not just flash by between sequence phases.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.orch.Phase() == PhaseIdle {
			time.Sleep(20 * time.Millisecond)
			if h.orch.Phase() == PhaseIdle {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never settled idle, phase = %v", h.orch.Phase())
}

func (h *harness) waitForActiveRun(t *testing.T) domain.Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if run, err := h.store.ActiveRun(context.Background()); err == nil {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no active run opened")
	return domain.Run{}
}

// memStore is an in-memory storage.Store for state machine tests.
type memStore struct {
	mu           sync.Mutex
	participants map[string]domain.Participant
	order        []string
	active       *domain.Run
	endedRuns    int
	challenge    time.Time
}

var _ storage.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{participants: map[string]domain.Participant{}}
}

func (s *memStore) seedParticipant(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(handle)
}

func (s *memStore) participant(handle string) domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participants[handle]
}

func (s *memStore) ensure(handle string) domain.Participant {
	if p, ok := s.participants[handle]; ok {
		return p
	}
	p := domain.Participant{Handle: handle}
	s.participants[handle] = p
	s.order = append(s.order, handle)
	return p
}

func (s *memStore) RecordDeath(_ context.Context, handle string, runDuration time.Duration, participants []string) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	for _, h := range append(participants, handle) {
		if seen[h] {
			continue
		}
		seen[h] = true
		p := s.ensure(h)
		p.TotalElapsed += runDuration
		s.participants[h] = p
	}
	dead := s.participants[handle]
	dead.DeathCount++
	dead.RunCount++
	s.participants[handle] = dead
	return dead, nil
}

func (s *memStore) Participant(_ context.Context, handle string) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[handle]
	if !ok {
		return domain.Participant{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *memStore) ListParticipants(context.Context) ([]domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Participant, 0, len(s.order))
	for _, handle := range s.order {
		out = append(out, s.participants[handle])
	}
	return out, nil
}

func (s *memStore) Reset(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[handle]
	if !ok {
		return storage.ErrNotFound
	}
	p.DeathCount, p.RunCount, p.TotalElapsed = 0, 0, 0
	s.participants[handle] = p
	return nil
}

func (s *memStore) ResetAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for handle, p := range s.participants {
		p.DeathCount, p.RunCount, p.TotalElapsed = 0, 0, 0
		s.participants[handle] = p
	}
	return nil
}

func (s *memStore) Challenge(context.Context) (domain.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Challenge{StartedAt: s.challenge, RunCount: s.endedRuns}, nil
}

func (s *memStore) BeginRun(_ context.Context, run domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return fmt.Errorf("run %s still active", s.active.ID)
	}
	s.active = &run
	if s.challenge.IsZero() {
		s.challenge = run.StartedAt
	}
	return nil
}

func (s *memStore) CloseRun(_ context.Context, id string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.ID != id {
		return storage.ErrNotFound
	}
	s.active = nil
	s.endedRuns++
	return nil
}

func (s *memStore) ActiveRun(context.Context) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return domain.Run{}, storage.ErrNotFound
	}
	return *s.active, nil
}

func (s *memStore) ResetClock(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
	s.endedRuns = 0
	s.challenge = time.Time{}
	return nil
}

type fakeSupervisor struct {
	mu       sync.Mutex
	running  bool
	starts   int
	stops    int
	startErr error
}

func (f *fakeSupervisor) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.running = true
	return nil
}

func (f *fakeSupervisor) Stop(context.Context, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
	return nil
}

func (f *fakeSupervisor) NotifyReady() {}

func (f *fakeSupervisor) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

type fakeNarrator struct {
	err error
}

func (f *fakeNarrator) Narrate(_ context.Context, handle, rawMessage string) (narrate.Narration, error) {
	if f.err != nil {
		return narrate.Fallback(rawMessage), f.err
	}
	return narrate.Narration{Summary: "テスト死因", Description: "テスト説明"}, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	death   []notify.DeathNotice
	stages  []notify.ResetStage
	deathCh chan notify.DeathNotice
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{deathCh: make(chan notify.DeathNotice, 8)}
}

func (f *fakeNotifier) NotifyDeath(_ context.Context, notice notify.DeathNotice) error {
	f.mu.Lock()
	f.death = append(f.death, notice)
	f.mu.Unlock()
	f.deathCh <- notice
	return nil
}

func (f *fakeNotifier) NotifyReset(_ context.Context, stage notify.ResetStage, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, stage)
	return nil
}

func (f *fakeNotifier) notices() []notify.DeathNotice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.DeathNotice(nil), f.death...)
}

func (f *fakeNotifier) sawStage(want notify.ResetStage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, stage := range f.stages {
		if stage == want {
			return true
		}
	}
	return false
}

type fakeWorld struct {
	mu      sync.Mutex
	deletes int
	err     error
}

func (f *fakeWorld) Delete() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deletes++
	return nil
}

package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/louisbranch/lastlife/internal/run/domain"
)

// Decision is the outcome of a confirmation request.
type Decision int

const (
	DecisionDenied Decision = iota
	DecisionApproved
	DecisionTimedOut
)

func (d Decision) String() string {
	switch d {
	case DecisionApproved:
		return "approved"
	case DecisionDenied:
		return "denied"
	case DecisionTimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

const defaultConfirmationTimeout = 5 * time.Minute

// Gate blocks a destructive step on one external yes/no decision. At most one
// request may be outstanding; resolution arrives asynchronously via Resolve.
// The gate never retries; a timed-out request counts as a denial.
type Gate struct {
	timeout time.Duration

	mu      sync.Mutex
	pending chan Decision
	prompt  string
}

// NewGate builds a gate with the given decision window.
func NewGate(timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = defaultConfirmationTimeout
	}
	return &Gate{timeout: timeout}
}

// Request posts the prompt and blocks until a decision, the timeout, or ctx
// cancellation. A second request while one is pending fails with
// domain.ErrRequestInProgress.
func (g *Gate) Request(ctx context.Context, prompt string) (Decision, error) {
	g.mu.Lock()
	if g.pending != nil {
		g.mu.Unlock()
		return DecisionDenied, domain.ErrRequestInProgress
	}
	pending := make(chan Decision, 1)
	g.pending = pending
	g.prompt = prompt
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.pending == pending {
			g.pending = nil
			g.prompt = ""
		}
		g.mu.Unlock()
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case decision := <-pending:
		return decision, nil
	case <-timer.C:
		return DecisionTimedOut, nil
	case <-ctx.Done():
		return DecisionDenied, ctx.Err()
	}
}

// Resolve delivers the external decision. Resolving with no pending request
// fails with domain.ErrNoPendingRequest.
func (g *Gate) Resolve(approved bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return domain.ErrNoPendingRequest
	}
	decision := DecisionDenied
	if approved {
		decision = DecisionApproved
	}
	g.pending <- decision
	g.pending = nil
	g.prompt = ""
	return nil
}

// Pending returns the outstanding prompt, if any.
func (g *Gate) Pending() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prompt, g.pending != nil
}

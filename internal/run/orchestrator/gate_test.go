package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/lastlife/internal/run/domain"
)

func TestGateApproval(t *testing.T) {
	gate := NewGate(5 * time.Second)

	done := make(chan Decision, 1)
	go func() {
		decision, err := gate.Request(context.Background(), "reset?")
		if err != nil {
			t.Errorf("request: %v", err)
		}
		done <- decision
	}()

	waitForPending(t, gate)
	if err := gate.Resolve(true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if decision := <-done; decision != DecisionApproved {
		t.Fatalf("decision = %v, want approved", decision)
	}
}

func TestGateDenial(t *testing.T) {
	gate := NewGate(5 * time.Second)

	done := make(chan Decision, 1)
	go func() {
		decision, _ := gate.Request(context.Background(), "reset?")
		done <- decision
	}()

	waitForPending(t, gate)
	if err := gate.Resolve(false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if decision := <-done; decision != DecisionDenied {
		t.Fatalf("decision = %v, want denied", decision)
	}
}

func TestGateTimeout(t *testing.T) {
	gate := NewGate(50 * time.Millisecond)

	decision, err := gate.Request(context.Background(), "reset?")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if decision != DecisionTimedOut {
		t.Fatalf("decision = %v, want timed out", decision)
	}
	if _, pending := gate.Pending(); pending {
		t.Fatal("request still pending after timeout")
	}
}

func TestGateRejectsSecondRequest(t *testing.T) {
	gate := NewGate(5 * time.Second)

	go gate.Request(context.Background(), "first")
	waitForPending(t, gate)

	_, err := gate.Request(context.Background(), "second")
	if !errors.Is(err, domain.ErrRequestInProgress) {
		t.Fatalf("second request = %v, want ErrRequestInProgress", err)
	}
	if err := gate.Resolve(false); err != nil {
		t.Fatalf("resolve first request: %v", err)
	}
}

func TestGateResolveWithoutRequest(t *testing.T) {
	gate := NewGate(time.Second)
	if err := gate.Resolve(true); !errors.Is(err, domain.ErrNoPendingRequest) {
		t.Fatalf("resolve = %v, want ErrNoPendingRequest", err)
	}
}

func waitForPending(t *testing.T, gate *Gate) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, pending := gate.Pending(); pending {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("request never became pending")
}

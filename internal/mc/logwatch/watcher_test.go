package logwatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/lastlife/internal/run/domain"
)

func TestClassifyDeathLines(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		line   string
		handle string
	}{
		{
			name:   "slain by mob",
			line:   "[12:34:56] [Server thread/INFO]: Steve was slain by Zombie",
			handle: "Steve",
		},
		{
			name:   "lava",
			line:   "[01:02:03] [Server thread/INFO]: Alex tried to swim in lava",
			handle: "Alex",
		},
		{
			name:   "generic death",
			line:   "[23:59:59] [Server thread/INFO]: Herobrine died",
			handle: "Herobrine",
		},
		{
			name:   "bed explosion",
			line:   "[10:00:00] [Server thread/INFO]: Alex was killed by [Intentional Game Design]",
			handle: "Alex",
		},
		{
			name:   "fall",
			line:   "[10:00:00] [Server thread/INFO]: Steve fell from a high place",
			handle: "Steve",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event := Classify(tc.line, now)
			if event.Kind != domain.EventPlayerDeath {
				t.Fatalf("kind = %v, want player death", event.Kind)
			}
			if event.Handle != tc.handle {
				t.Fatalf("handle = %q, want %q", event.Handle, tc.handle)
			}
			if event.Line != tc.line {
				t.Fatalf("line not preserved: %q", event.Line)
			}
		})
	}
}

func TestClassifyServerReady(t *testing.T) {
	now := time.Now().UTC()
	line := "[12:00:05] [Server thread/INFO]: RCON running on 0.0.0.0:25575"

	event := Classify(line, now)
	if event.Kind != domain.EventServerReady {
		t.Fatalf("kind = %v, want server ready", event.Kind)
	}
}

func TestClassifyIgnoresChatAndAdvancements(t *testing.T) {
	now := time.Now().UTC()
	lines := []string{
		"[12:00:05] [Server thread/INFO]: <Steve> I almost died lol",
		"[12:00:05] [Server thread/INFO]: Steve has made the advancement [Hot Stuff]",
		"[12:00:05] [Server thread/INFO]: Steve joined the game",
	}
	for _, line := range lines {
		if event := Classify(line, now); event.Kind != domain.EventUnrecognized {
			t.Fatalf("line %q classified as %v, want unrecognized", line, event.Kind)
		}
	}
}

func TestWatcherEmitsAppendedDeaths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.log")
	writeFile(t, path, "[11:00:00] [Server thread/INFO]: Done (5.0s)! For help, type \"help\"\n")

	watcher, cancel := startWatcher(t, path)
	defer cancel()

	appendLine(t, path, "[11:05:00] [Server thread/INFO]: Steve was slain by Zombie\n")

	event := receiveEvent(t, watcher)
	if event.Kind != domain.EventPlayerDeath || event.Handle != "Steve" {
		t.Fatalf("event = %+v, want Steve death", event)
	}
}

func TestWatcherSkipsHistoricalLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.log")
	writeFile(t, path, "[10:00:00] [Server thread/INFO]: Alex drowned\n")

	watcher, cancel := startWatcher(t, path)
	defer cancel()

	appendLine(t, path, "[11:00:00] [Server thread/INFO]: Steve drowned\n")

	event := receiveEvent(t, watcher)
	if event.Handle != "Steve" {
		t.Fatalf("handle = %q, want only the appended death", event.Handle)
	}
}

func TestWatcherFollowsRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest.log")
	writeFile(t, path, "")

	watcher, cancel := startWatcher(t, path)
	defer cancel()

	appendLine(t, path, "[11:00:00] [Server thread/INFO]: Steve drowned\n")
	if event := receiveEvent(t, watcher); event.Handle != "Steve" {
		t.Fatalf("pre-rotation handle = %q, want Steve", event.Handle)
	}

	if err := os.Rename(path, filepath.Join(dir, "2026-03-01-1.log")); err != nil {
		t.Fatalf("rotate log: %v", err)
	}
	writeFile(t, path, "[11:10:00] [Server thread/INFO]: Alex blew up\n")

	event := receiveEvent(t, watcher)
	if event.Handle != "Alex" {
		t.Fatalf("post-rotation handle = %q, want Alex", event.Handle)
	}
}

func TestWatcherRequiresPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for blank path")
	}
}

func startWatcher(t *testing.T, path string) (*Watcher, context.CancelFunc) {
	t.Helper()
	watcher, err := New(path, WithPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = watcher.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Give the watcher time to open the file and seek to its end.
	time.Sleep(100 * time.Millisecond)
	return watcher, cancel
}

func receiveEvent(t *testing.T, watcher *Watcher) domain.Event {
	t.Helper()
	select {
	case event, ok := <-watcher.Events():
		if !ok {
			t.Fatal("event stream closed unexpectedly")
		}
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open %s for append: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		t.Fatalf("append to %s: %v", path, err)
	}
}

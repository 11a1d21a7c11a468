// Package logwatch tails the Minecraft server log and classifies each
// appended line into a domain event.
package logwatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/louisbranch/lastlife/internal/run/domain"
)

const (
	defaultPollInterval   = 250 * time.Millisecond
	defaultMaxOpenTries   = 8
	defaultMaxOpenElapsed = 30 * time.Second
)

// Watcher follows a line-oriented log file by path. It survives rotation and
// truncation by reopening the path, and never re-emits a line it has already
// delivered. A read failure that persists past the open retry budget is
// surfaced as a terminal domain.EventWatchFailed before Run returns.
type Watcher struct {
	path   string
	poll   time.Duration
	clock  func() time.Time
	events chan domain.Event
}

// Option adjusts watcher construction.
type Option func(*Watcher)

// WithPollInterval overrides how often the watcher checks for appended lines.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.poll = d
		}
	}
}

// WithClock overrides the time source used to stamp emitted events.
func WithClock(clock func() time.Time) Option {
	return func(w *Watcher) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// New builds a watcher for the log file at path.
func New(path string, opts ...Option) (*Watcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("log path is required")
	}
	w := &Watcher{
		path:   path,
		poll:   defaultPollInterval,
		clock:  func() time.Time { return time.Now().UTC() },
		events: make(chan domain.Event, 16),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Events returns the classified event stream. The channel is closed when Run
// returns.
func (w *Watcher) Events() <-chan domain.Event {
	return w.events
}

// Run tails the file until ctx is cancelled or the stream is irrecoverably
// lost. The initial open seeks to the current end so historical lines are
// never replayed; reopens after rotation read the new file from the start.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)

	file, offset, err := w.open(ctx, true)
	if err != nil {
		w.emitFailure(ctx, err)
		return fmt.Errorf("open log %s: %w", w.path, err)
	}
	defer func() { _ = file.Close() }()

	reader := bufio.NewReader(file)
	var pending strings.Builder

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := reader.ReadString('\n')
		pending.WriteString(chunk)
		offset += int64(len(chunk))

		if err == nil {
			line := strings.TrimRight(pending.String(), "\r\n")
			pending.Reset()
			if line != "" {
				if !w.emit(ctx, Classify(line, w.clock())) {
					return ctx.Err()
				}
			}
			continue
		}
		if !errors.Is(err, io.EOF) {
			_ = file.Close()
			file, offset, err = w.open(ctx, false)
			if err != nil {
				w.emitFailure(ctx, err)
				return fmt.Errorf("reopen log %s: %w", w.path, err)
			}
			reader.Reset(file)
			pending.Reset()
			continue
		}

		rotated, statErr := w.rotated(file, offset)
		if statErr != nil {
			// Path may be briefly absent mid-rotation.
			rotated = true
		}
		if rotated {
			_ = file.Close()
			file, offset, err = w.open(ctx, false)
			if err != nil {
				w.emitFailure(ctx, err)
				return fmt.Errorf("reopen log %s: %w", w.path, err)
			}
			log.Printf("log %s rotated, following new file", w.path)
			reader.Reset(file)
			pending.Reset()
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.poll):
		}
	}
}

// open retries opening the path with exponential backoff. seekEnd controls
// whether reading starts at the current end of the file.
func (w *Watcher) open(ctx context.Context, seekEnd bool) (*os.File, int64, error) {
	file, err := backoff.Retry(ctx, func() (*os.File, error) {
		f, err := os.Open(w.path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", w.path, err)
		}
		return f, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(defaultMaxOpenTries),
		backoff.WithMaxElapsedTime(defaultMaxOpenElapsed),
	)
	if err != nil {
		return nil, 0, err
	}

	var offset int64
	if seekEnd {
		offset, err = file.Seek(0, io.SeekEnd)
		if err != nil {
			_ = file.Close()
			return nil, 0, fmt.Errorf("seek end of %s: %w", w.path, err)
		}
	}
	return file, offset, nil
}

// rotated reports whether the path now refers to a different file than the
// open handle, or whether the file shrank below the consumed offset.
func (w *Watcher) rotated(file *os.File, offset int64) (bool, error) {
	pathInfo, err := os.Stat(w.path)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", w.path, err)
	}
	fileInfo, err := file.Stat()
	if err != nil {
		return false, fmt.Errorf("stat open handle: %w", err)
	}
	if !os.SameFile(pathInfo, fileInfo) {
		return true, nil
	}
	return pathInfo.Size() < offset, nil
}

func (w *Watcher) emit(ctx context.Context, event domain.Event) bool {
	if event.Kind == domain.EventUnrecognized {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case w.events <- event:
		return true
	}
}

func (w *Watcher) emitFailure(ctx context.Context, cause error) {
	event := domain.Event{
		Kind:      domain.EventWatchFailed,
		Timestamp: w.clock(),
		Err:       cause,
	}
	select {
	case <-ctx.Done():
	case w.events <- event:
	}
}

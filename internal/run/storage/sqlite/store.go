// Package sqlite provides the SQLite-backed run statistics store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/lastlife/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/lastlife/internal/run/domain"
	"github.com/louisbranch/lastlife/internal/run/storage"
	"github.com/louisbranch/lastlife/internal/run/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed stats and challenge persistence.
type Store struct {
	sqlDB *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens the store at the provided path and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// RecordDeath applies one death event in a single transaction: the dead
// participant's death and run counters both advance, and every active
// participant accrues the run duration.
func (s *Store) RecordDeath(ctx context.Context, handle string, runDuration time.Duration, participants []string) (domain.Participant, error) {
	if err := ctx.Err(); err != nil {
		return domain.Participant{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Participant{}, fmt.Errorf("storage is not configured")
	}
	handle = domain.NormalizeHandle(handle)
	if handle == "" {
		return domain.Participant{}, fmt.Errorf("participant handle is required")
	}
	if runDuration < 0 {
		runDuration = 0
	}

	active := make([]string, 0, len(participants)+1)
	seen := map[string]bool{}
	for _, p := range append([]string{handle}, participants...) {
		p = domain.NormalizeHandle(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		active = append(active, p)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("begin death transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().UnixMilli()
	elapsedMS := runDuration.Milliseconds()
	for _, p := range active {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO participants (handle, death_count, run_count, total_elapsed_ms, updated_at)
VALUES (?, 0, 0, ?, ?)
ON CONFLICT(handle) DO UPDATE SET
	total_elapsed_ms = total_elapsed_ms + excluded.total_elapsed_ms,
	updated_at = excluded.updated_at
`, p, elapsedMS, now); err != nil {
			return domain.Participant{}, fmt.Errorf("accrue elapsed for %s: %w", p, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE participants
SET death_count = death_count + 1,
	run_count = run_count + 1,
	updated_at = ?
WHERE handle = ?
`, now, handle); err != nil {
		return domain.Participant{}, fmt.Errorf("increment counters for %s: %w", handle, err)
	}

	snapshot, err := scanParticipant(tx.QueryRowContext(ctx, participantQuery+" WHERE handle = ?", handle))
	if err != nil {
		return domain.Participant{}, fmt.Errorf("read updated participant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Participant{}, fmt.Errorf("commit death transaction: %w", err)
	}
	return snapshot, nil
}

const participantQuery = `
SELECT handle, death_count, run_count, total_elapsed_ms
FROM participants`

// Participant returns the stored snapshot for one handle.
func (s *Store) Participant(ctx context.Context, handle string) (domain.Participant, error) {
	if err := ctx.Err(); err != nil {
		return domain.Participant{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Participant{}, fmt.Errorf("storage is not configured")
	}
	handle = domain.NormalizeHandle(handle)
	if handle == "" {
		return domain.Participant{}, fmt.Errorf("participant handle is required")
	}

	p, err := scanParticipant(s.sqlDB.QueryRowContext(ctx, participantQuery+" WHERE handle = ?", handle))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Participant{}, storage.ErrNotFound
		}
		return domain.Participant{}, fmt.Errorf("query participant: %w", err)
	}
	return p, nil
}

// ListParticipants returns every known participant sorted by handle.
func (s *Store) ListParticipants(ctx context.Context) ([]domain.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, participantQuery+" ORDER BY handle")
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var participants []domain.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return participants, nil
}

// Reset zeroes the counters of one participant.
func (s *Store) Reset(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	handle = domain.NormalizeHandle(handle)
	if handle == "" {
		return fmt.Errorf("participant handle is required")
	}

	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE participants
SET death_count = 0, run_count = 0, total_elapsed_ms = 0, updated_at = ?
WHERE handle = ?
`, time.Now().UTC().UnixMilli(), handle)
	if err != nil {
		return fmt.Errorf("reset participant %s: %w", handle, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset participant %s: %w", handle, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ResetAll zeroes every participant's counters. Rows are kept: participants
// are never deleted, only reset.
func (s *Store) ResetAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
UPDATE participants
SET death_count = 0, run_count = 0, total_elapsed_ms = 0, updated_at = ?
`, time.Now().UTC().UnixMilli()); err != nil {
		return fmt.Errorf("reset all participants: %w", err)
	}
	return nil
}

// Challenge returns the challenge clock and the number of runs ended so far.
func (s *Store) Challenge(ctx context.Context) (domain.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return domain.Challenge{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Challenge{}, fmt.Errorf("storage is not configured")
	}

	var challenge domain.Challenge
	var startedAt int64
	err := s.sqlDB.QueryRowContext(ctx, "SELECT started_at FROM challenge WHERE id = 1").Scan(&startedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Challenge has not started yet.
	case err != nil:
		return domain.Challenge{}, fmt.Errorf("query challenge clock: %w", err)
	default:
		challenge.StartedAt = time.UnixMilli(startedAt).UTC()
	}

	var runCount int
	if err := s.sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs WHERE ended_at IS NOT NULL").Scan(&runCount); err != nil {
		return domain.Challenge{}, fmt.Errorf("count ended runs: %w", err)
	}
	challenge.RunCount = runCount
	return challenge, nil
}

// BeginRun records a new active run, setting the challenge start time once.
func (s *Store) BeginRun(ctx context.Context, run domain.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("run id is required")
	}
	if run.StartedAt.IsZero() {
		return fmt.Errorf("run start time is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin run transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var activeID string
	err = tx.QueryRowContext(ctx, "SELECT id FROM runs WHERE ended_at IS NULL LIMIT 1").Scan(&activeID)
	if err == nil {
		return fmt.Errorf("run %s is still active", activeID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check active run: %w", err)
	}

	startedAt := run.StartedAt.UTC().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO runs (id, started_at, ended_at) VALUES (?, ?, NULL)",
		run.ID, startedAt,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO challenge (id, started_at) VALUES (1, ?)",
		startedAt,
	); err != nil {
		return fmt.Errorf("record challenge start: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run transaction: %w", err)
	}
	return nil
}

// CloseRun freezes the end time of an active run.
func (s *Store) CloseRun(ctx context.Context, id string, endedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("run id is required")
	}
	if endedAt.IsZero() {
		return fmt.Errorf("run end time is required")
	}

	res, err := s.sqlDB.ExecContext(ctx,
		"UPDATE runs SET ended_at = ? WHERE id = ? AND ended_at IS NULL",
		endedAt.UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("close run %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close run %s: %w", id, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ActiveRun returns the run that has not ended yet.
func (s *Store) ActiveRun(ctx context.Context) (domain.Run, error) {
	if err := ctx.Err(); err != nil {
		return domain.Run{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Run{}, fmt.Errorf("storage is not configured")
	}

	var run domain.Run
	var startedAt int64
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT id, started_at FROM runs WHERE ended_at IS NULL LIMIT 1",
	).Scan(&run.ID, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Run{}, fmt.Errorf("query active run: %w", err)
	}
	run.StartedAt = time.UnixMilli(startedAt).UTC()
	return run, nil
}

// ResetClock clears the challenge clock and every run record.
func (s *Store) ResetClock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clock reset transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM runs"); err != nil {
		return fmt.Errorf("clear runs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM challenge"); err != nil {
		return fmt.Errorf("clear challenge clock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clock reset: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner) (domain.Participant, error) {
	var p domain.Participant
	var elapsedMS int64
	if err := row.Scan(&p.Handle, &p.DeathCount, &p.RunCount, &elapsedMS); err != nil {
		return domain.Participant{}, err
	}
	p.TotalElapsed = time.Duration(elapsedMS) * time.Millisecond
	return p, nil
}

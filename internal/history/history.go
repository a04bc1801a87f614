// Package history records batch runs in a sqlite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

type Batch struct {
	UUID      string
	Kind      string
	Jobs      int
	StartedAt time.Time
}

type BatchRow struct {
	Batch
	ID            int
	InProgress    bool
	Success       *bool
	Failures      int
	FailureReason *string
}

func (b BatchRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "uuid: %q, kind: %q, jobs: %d, in_progress: %t", b.UUID, b.Kind, b.Jobs, b.InProgress)
	if b.Success != nil {
		fmt.Fprintf(&sb, ", success: %t", *b.Success)
	} else {
		sb.WriteString(", success: nil")
	}
	fmt.Fprintf(&sb, ", failures: %d", b.Failures)
	if b.FailureReason != nil {
		fmt.Fprintf(&sb, ", failure_reason: %q", *b.FailureReason)
	}
	return sb.String()
}

// Status is a one word summary of the row.
func (b BatchRow) Status() string {
	switch {
	case b.InProgress:
		return "running"
	case b.Success == nil:
		return "unknown"
	case !*b.Success:
		return "failed"
	case b.Failures > 0:
		return "partial"
	default:
		return "ok"
	}
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS batches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			jobs INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			in_progress BOOLEAN NOT NULL,
			success BOOLEAN DEFAULT NULL,
			failures INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Start records that a batch is in progress. Starting a batch which is still
// in progress is a no-op, a finished one returns ErrAlreadyFinished.
func Start(ctx context.Context, db *sql.DB, b Batch) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, b.UUID)

	inProgress, err := inProgress(ctx, tx, b.UUID)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil:
		return ErrAlreadyFinished
	case !errors.Is(err, ErrNotFound):
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (uuid, kind, jobs, started_at, in_progress) VALUES (?,?,?,?,?);`,
		b.UUID, b.Kind, b.Jobs, b.StartedAt.UTC().Format(time.RFC3339Nano), true,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Get returns the batch identified by uuid or ErrNotFound.
func Get(ctx context.Context, db *sql.DB, uuid string) (BatchRow, error) {
	row := db.QueryRowContext(ctx, selectBatches+` WHERE uuid=?`, uuid)
	b, err := scanRow(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return BatchRow{}, ErrNotFound
	case err != nil:
		return BatchRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return b, nil
}

// List returns at most limit batches, the most recent first.
func List(ctx context.Context, db *sql.DB, limit int) ([]BatchRow, error) {
	rows, err := db.QueryContext(ctx, selectBatches+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []BatchRow
	for rows.Next() {
		b, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning batch: %w", err)
		}
		ret = append(ret, b)
	}
	return ret, rows.Err()
}

// FinishOK records a batch which ran to completion. Failures is the number of
// jobs which failed.
func FinishOK(ctx context.Context, db *sql.DB, uuid string, failures int) error {
	return finish(ctx, db, uuid,
		`UPDATE batches SET in_progress = false, success = true, failures = ? WHERE uuid = ?;`,
		failures, uuid,
	)
}

// FinishErr records a batch which was terminated or could not run.
func FinishErr(ctx context.Context, db *sql.DB, uuid, reason string) error {
	return finish(ctx, db, uuid,
		`UPDATE batches SET in_progress = false, success = false, failure_reason = ? WHERE uuid = ?;`,
		reason, uuid,
	)
}

func Delete(ctx context.Context, db *sql.DB, uuid string) error {
	result, err := db.ExecContext(ctx, `DELETE FROM batches WHERE uuid=?`, uuid)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}

func finish(ctx context.Context, db *sql.DB, uuid, update string, args ...any) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	inProgress, err := inProgress(ctx, tx, uuid)
	switch {
	case err != nil:
		return err
	case !inProgress:
		return ErrAlreadyFinished
	}

	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func inProgress(ctx context.Context, tx *sql.Tx, uuid string) (bool, error) {
	var ret bool
	err := tx.QueryRowContext(ctx, `SELECT in_progress FROM batches WHERE uuid=?`, uuid).Scan(&ret)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, ErrNotFound
	case err != nil:
		return false, fmt.Errorf("executing sql query failed: %w", err)
	}
	return ret, nil
}

func rollback(ctx context.Context, tx *sql.Tx, uuid string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("uuid", uuid), slog.String("error", err.Error()))
	}
}

const selectBatches = `SELECT id, uuid, kind, jobs, started_at, in_progress, success, failures, failure_reason FROM batches`

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (BatchRow, error) {
	var b BatchRow
	var started string
	err := s.Scan(
		&b.ID,
		&b.UUID,
		&b.Kind,
		&b.Jobs,
		&started,
		&b.InProgress,
		&b.Success,
		&b.Failures,
		&b.FailureReason,
	)
	if err != nil {
		return BatchRow{}, err
	}
	b.StartedAt, err = time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return BatchRow{}, fmt.Errorf("parsing started_at: %w", err)
	}
	return b, nil
}

// Package store is the transactional boundary to the shared attempt queue.
//
// It owns every SQL statement the worker issues: heartbeat registration,
// the serialisable claim that keeps competing workers from double-judging
// an attempt, and the result writes the judging pipeline produces.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Store is the persistence interface the worker and the judging pipeline
// depend on.
//
// Implementations exist for MySQL (production) and SQLite (development and
// tests); Open selects one from the db.locator config value.
type Store interface {
	// RegisterWorker creates a heartbeat row stamped with the current time
	// and returns its id.
	RegisterWorker(ctx context.Context) (int64, error)

	// Heartbeat bumps the updated_at of a heartbeat row. Idempotent.
	Heartbeat(ctx context.Context, id int64) error

	// Unregister deletes the heartbeat row. Deleting a row that is already
	// gone is not an error.
	Unregister(ctx context.Context, id int64) error

	// ClaimNext atomically claims the oldest untested attempt whose
	// compiler and runner codenames are both in the request's allow-lists.
	// Returns (nil, nil) when the queue is empty. Serialisation conflicts
	// are retried internally.
	ClaimNext(ctx context.Context, req ClaimRequest) (*Attempt, error)

	// UpdateResult updates a claimed attempt. Only the fields set in upd
	// are written; updated_at is stamped on every call.
	UpdateResult(ctx context.Context, attemptID int64, upd ResultUpdate) error

	// RecordTestInfo inserts one per-test row. Used for school contests
	// only.
	RecordTestInfo(ctx context.Context, info TestInfo) error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error

	// Close releases the connection. Safe to call twice.
	Close() error
}

// ClaimRequest carries the parameters of one claim round.
type ClaimRequest struct {
	TesterName    string
	InitialResult string
	Compilers     []string // allowed compiler codenames
	Runners       []string // allowed runner codenames

	// RequeueAfter, when positive, releases attempts another worker
	// claimed but left in a transient state for longer than this, making
	// them claimable again. Zero disables the sweep.
	RequeueAfter time.Duration
}

// ResultUpdate is the single shape behind the five result-writing variants:
// nil fields are left untouched, set fields are written.
type ResultUpdate struct {
	Result         string
	ErrorMessage   *string
	UsedTime       *float64 // seconds
	UsedMemory     *float64 // megabytes
	Score          *float64
	CheckerComment *string
}

// TestInfo is one row of the per-test breakdown written for school
// contests.
type TestInfo struct {
	AttemptID      int64
	TestNumber     int
	Result         string  // verdict label
	UsedTime       float64 // seconds
	UsedMemory     int64   // kilobytes
	CheckerComment string
}

// Open connects to the queue named by a db.locator value.
//
// The locator is "mysql://<dsn>" or "sqlite://<path>"; a locator without a
// scheme is treated as a MySQL DSN.
func Open(locator string) (Store, error) {
	if path, ok := strings.CutPrefix(locator, "sqlite://"); ok {
		return NewSQLiteStore(path)
	}
	dsn := strings.TrimPrefix(locator, "mysql://")
	return NewMySQLStore(dsn)
}

// sqlStore implements Store on top of database/sql. The two dialects share
// every statement; they differ only in how a serialisation conflict
// surfaces (retryable) and in the stale-claim timestamp expression
// (requeueSQL).
type sqlStore struct {
	db         *sql.DB
	retryable  func(error) bool
	requeueSQL string
}

const claimSelectSQL = `
	SELECT
		a.id, a.source,
		pic.problem_id, p.name, p.path, p.time_limit, p.memory_limit,
		p.checker, p.mask_in, p.mask_out,
		pic.contest_id, c.is_school,
		pic.number,
		u.login, u.username,
		comp.name, comp.codename, comp.runner_codename
	FROM attempts a
	JOIN compilers comp ON comp.id = a.compiler_id
	JOIN users u ON u.id = a.user_id
	JOIN problem_in_contests pic ON pic.id = a.problem_in_contest_id
	JOIN problems p ON p.id = pic.problem_id
	JOIN contests c ON c.id = pic.contest_id
	WHERE (a.result IS NULL OR a.result = '')
	AND   comp.codename IN (%s)
	AND   comp.runner_codename IN (%s)
	ORDER BY a.time
	LIMIT 1
`

const acquireSQL = `
	UPDATE attempts
	SET tester_name = ?,
	    result = ?,
	    error_message = NULL,
	    checker_comment = '',
	    used_time = NULL,
	    used_memory = NULL,
	    score = NULL,
	    updated_at = CURRENT_TIMESTAMP
	WHERE id = ?
`

func (s *sqlStore) RegisterWorker(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO checker_statuses (updated_at) VALUES (CURRENT_TIMESTAMP)`)
	if err != nil {
		return 0, fmt.Errorf("failed to register worker: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read heartbeat id: %w", err)
	}
	return id, nil
}

func (s *sqlStore) Heartbeat(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE checker_statuses SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

func (s *sqlStore) Unregister(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checker_statuses WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to unregister worker: %w", err)
	}
	return nil
}

// ClaimNext runs the claim transaction under serialisable isolation and
// retries until it either claims an attempt or observes an empty queue.
func (s *sqlStore) ClaimNext(ctx context.Context, req ClaimRequest) (*Attempt, error) {
	if len(req.Compilers) == 0 || len(req.Runners) == 0 {
		return nil, nil
	}

	for {
		attempt, err := s.tryClaim(ctx, req)
		if err == nil {
			return attempt, nil
		}
		if s.retryable(err) && ctx.Err() == nil {
			continue
		}
		return nil, fmt.Errorf("failed to claim attempt: %w", err)
	}
}

func (s *sqlStore) tryClaim(ctx context.Context, req ClaimRequest) (*Attempt, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if req.RequeueAfter > 0 {
		if _, err := tx.ExecContext(ctx, s.requeueSQL, int64(req.RequeueAfter.Seconds())); err != nil {
			return nil, err
		}
	}

	query := fmt.Sprintf(claimSelectSQL,
		placeholders(len(req.Compilers)), placeholders(len(req.Runners)))
	args := make([]any, 0, len(req.Compilers)+len(req.Runners))
	for _, codename := range req.Compilers {
		args = append(args, codename)
	}
	for _, codename := range req.Runners {
		args = append(args, codename)
	}

	var (
		a       Attempt
		maskOut sql.NullString
	)
	row := tx.QueryRowContext(ctx, query, args...)
	err = row.Scan(
		&a.ID, &a.Source,
		&a.PIC.Problem.ID, &a.PIC.Problem.Name, &a.PIC.Problem.Path,
		&a.PIC.Problem.TimeLimit, &a.PIC.Problem.MemoryLimit,
		&a.PIC.Problem.Checker, &a.PIC.Problem.MaskIn, &maskOut,
		&a.PIC.Contest.ID, &a.PIC.Contest.IsSchool,
		&a.PIC.Number,
		&a.User.Login, &a.User.Username,
		&a.Compiler.Name, &a.Compiler.Codename, &a.Compiler.RunnerCodename,
	)
	if err == sql.ErrNoRows {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, err
	}
	a.PIC.Problem.MaskOut = maskOut.String

	if _, err := tx.ExecContext(ctx, acquireSQL, req.TesterName, req.InitialResult, a.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *sqlStore) UpdateResult(ctx context.Context, attemptID int64, upd ResultUpdate) error {
	set := []string{"result = ?"}
	args := []any{upd.Result}
	if upd.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *upd.ErrorMessage)
	}
	if upd.UsedTime != nil {
		set = append(set, "used_time = ?")
		args = append(args, *upd.UsedTime)
	}
	if upd.UsedMemory != nil {
		set = append(set, "used_memory = ?")
		args = append(args, *upd.UsedMemory)
	}
	if upd.Score != nil {
		set = append(set, "score = ?")
		args = append(args, *upd.Score)
	}
	if upd.CheckerComment != nil {
		set = append(set, "checker_comment = ?")
		args = append(args, *upd.CheckerComment)
	}
	set = append(set, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, attemptID)

	query := fmt.Sprintf(`UPDATE attempts SET %s WHERE id = ?`, strings.Join(set, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update attempt %d: %w", attemptID, err)
	}
	return nil
}

func (s *sqlStore) RecordTestInfo(ctx context.Context, info TestInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_infos
			(attempt_id, test_number, result, used_time, used_memory, checker_comment)
		VALUES (?, ?, ?, ?, ?, ?)`,
		info.AttemptID, info.TestNumber, info.Result,
		info.UsedTime, info.UsedMemory, info.CheckerComment)
	if err != nil {
		return fmt.Errorf("failed to record test info: %w", err)
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// placeholders returns "?, ?, ?" for n parameters.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

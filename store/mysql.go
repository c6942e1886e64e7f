package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQL error numbers that signal a serialisation conflict worth retrying:
// ER_LOCK_DEADLOCK and ER_LOCK_WAIT_TIMEOUT.
const (
	mysqlErrDeadlock        = 1213
	mysqlErrLockWaitTimeout = 1205
)

// NewMySQLStore opens the production attempt queue.
//
// The DSN follows the go-sql-driver format:
//
//	user:password@tcp(host:3306)/lerna?parseTime=true
//
// The schema (attempts, problems, contests, problem_in_contests, users,
// compilers, checker_statuses, test_infos) is owned by the platform; the
// store never creates or migrates it.
func NewMySQLStore(dsn string) (Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	// The worker judges one attempt at a time; a single connection is
	// enough and keeps claim retries on one session.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	return &sqlStore{
		db:        db,
		retryable: isMySQLSerializationFailure,
		requeueSQL: `
			UPDATE attempts
			SET result = ''
			WHERE tester_name IS NOT NULL AND tester_name != ''
			AND   (result = 'Queued' OR result = 'Compiling...' OR result LIKE 'Testing... %')
			AND   updated_at < DATE_SUB(NOW(), INTERVAL ? SECOND)
		`,
	}, nil
}

func isMySQLSerializationFailure(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlErrDeadlock || myErr.Number == mysqlErrLockWaitTimeout
	}
	return false
}

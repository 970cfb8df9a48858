// retry.go provides automatic retry logic for transient SQLite errors.
//
// Under concurrent load, WAL-mode SQLite can produce transient errors like
// SQLITE_BUSY, SQLITE_LOCKED, and IOERR_SHORT_READ (error 522). The
// busy_timeout pragma handles SQLITE_BUSY at the connection level, but
// other transient errors need application-level retries.
package store

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// retryConfig controls retry behavior for transient SQLite errors.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// defaultRetryConfig is used for all store write operations.
var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// isTransientSQLiteErr returns true if the error is a transient SQLite error
// that can be resolved by retrying. This includes:
//   - SQLITE_BUSY (5): another connection holds a lock
//   - SQLITE_LOCKED (6): table-level lock conflict
//   - SQLITE_IOERR_SHORT_READ (522): WAL contention read failure
//   - database is locked: text-level detection for the busy_timeout fallthrough
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	// SQLite error codes embedded in error messages from modernc.org/sqlite.
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
		"(5)",   // SQLITE_BUSY code
		"(6)",   // SQLITE_LOCKED code
		"(522)", // SQLITE_IOERR_SHORT_READ code
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// newBackOff returns an exponential backoff with jitter, doubling from
// baseDelay up to maxDelay, that stops after maxRetries retries. Zero
// retries stops at once.
func newBackOff(cfg retryConfig) backoff.BackOff {
	if cfg.maxRetries <= 0 {
		// WithMaxRetries treats 0 as unlimited.
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.baseDelay
	b.MaxInterval = cfg.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(cfg.maxRetries))
}

// retryOp executes fn, retrying with backoff while it fails transiently.
// If fn succeeds or returns a non-transient error, it returns immediately.
func retryOp(cfg retryConfig, fn func() error) error {
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !isTransientSQLiteErr(err) {
			return backoff.Permanent(err)
		}
		return err
	}, newBackOff(cfg))
}

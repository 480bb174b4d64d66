// retry.go retries store writes that fail with transient SQLite errors.
//
// A replica's checkpoint database is also opened by the status command while
// the replica runs. In WAL mode that can surface SQLITE_BUSY, SQLITE_LOCKED
// or IOERR_SHORT_READ (error 522) on a write. busy_timeout absorbs most
// SQLITE_BUSY cases; the rest are retried here with exponential backoff and
// jitter.
package store

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// retryConfig controls retry behavior for transient SQLite errors.
type retryConfig struct {
	maxRetries uint64
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// defaultRetryConfig is used for checkpoint and watermark writes.
var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// transientPatterns are the fragments modernc.org/sqlite puts in the
// messages of errors worth retrying.
var transientPatterns = []string{
	"SQLITE_BUSY",
	"SQLITE_LOCKED",
	"IOERR_SHORT_READ",
	"database is locked",
	"database table is locked",
	"(5)",
	"(6)",
	"(522)",
}

func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// newBackOff doubles the wait from baseDelay up to maxDelay, randomized by
// half either way, and stops after maxRetries retries.
func (cfg retryConfig) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.baseDelay
	b.MaxInterval = cfg.maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, cfg.maxRetries)
}

// retryOp runs fn until it succeeds, fails with a non-transient error, or
// the retries run out. The last error is returned.
func retryOp(cfg retryConfig, fn func() error) error {
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !isTransientSQLiteErr(err) {
			return backoff.Permanent(err)
		}
		return err
	}, cfg.newBackOff())
}

package store

import (
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
)

var fastRetry = retryConfig{maxRetries: 2, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond}

func TestIsTransientSQLiteErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"constraint", errors.New("UNIQUE constraint failed: inbox.origin, inbox.idx"), false},
		{"SQLITE_BUSY text", errors.New("SQLITE_BUSY"), true},
		{"SQLITE_LOCKED text", errors.New("SQLITE_LOCKED"), true},
		{"database is locked", errors.New("database is locked"), true},
		{"code 522", errors.New("sqlite: (522) short read"), true},
		{"wrapped busy", errors.New("insert knowledge: SQLITE_BUSY: db locked"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransientSQLiteErr(tt.err))
		})
	}
}

func TestRetryOp(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		errText   string
		wantCalls int
		wantErr   bool
	}{
		{"succeeds immediately", 0, "", 1, false},
		{"recovers from busy", 2, "SQLITE_BUSY", 3, false},
		{"recovers from short read", 1, "(522) IOERR_SHORT_READ", 2, false},
		{"exhausts retries", 10, "SQLITE_BUSY", 3, true},
		{"permanent error not retried", 10, "no such table: inbox", 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retryOp(fastRetry, func() error {
				calls++
				if calls <= tt.failures {
					return errors.New(tt.errText)
				}
				return nil
			})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestBackOffPolicy(t *testing.T) {
	cfg := retryConfig{maxRetries: 3, baseDelay: 50 * time.Millisecond, maxDelay: 200 * time.Millisecond}
	b := cfg.newBackOff()

	assert.InDelta(t, float64(cfg.baseDelay), float64(b.NextBackOff()), float64(cfg.baseDelay/2))
	for i := 1; i < 3; i++ {
		d := b.NextBackOff()
		assert.NotEqual(t, backoff.Stop, d, "retry %d", i)
		assert.LessOrEqual(t, d, cfg.maxDelay*3/2, "retry %d", i)
	}
	assert.Equal(t, backoff.Stop, b.NextBackOff())
}

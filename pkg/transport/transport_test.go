package transport

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetry(t *testing.T) {
	calls := 0
	err := Retry(func() error {
		calls++
		if calls == 1 {
			return fmt.Errorf("send: %w", ErrTransient)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = Retry(func() error {
		calls++
		return ErrTransient
	})
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, 2, calls)

	calls = 0
	boom := errors.New("boom")
	err = Retry(func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestMembershipHas(t *testing.T) {
	m := &Membership{Members: []string{"a", "b"}}
	assert.True(t, m.Has("b"))
	assert.False(t, m.Has("c"))
}

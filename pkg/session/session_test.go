package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable(t *testing.T) {
	tbl := NewTable()
	now := time.Unix(1700000000, 0)

	s := tbl.Admit(42, "alice", 2, now)
	assert.Equal(t, "client_42_in", s.Inbox)
	assert.Equal(t, "client_42_connect", s.Connect)
	tbl.Admit(7, "bob", 2, now)

	got, ok := tbl.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, "alice", got.Username)

	got, ok = tbl.ByConnectGroup("client_7_connect")
	require.True(t, ok)
	assert.Equal(t, "bob", got.Username)

	_, ok = tbl.ByConnectGroup("client_7_in")
	assert.False(t, ok)
	_, ok = tbl.ByConnectGroup("client_8_connect")
	assert.False(t, ok)

	list := tbl.List()
	require.Len(t, list, 2)
	assert.Equal(t, uint32(7), list[0].ID)
	assert.Equal(t, uint32(42), list[1].ID)

	assert.True(t, tbl.Remove(42))
	assert.False(t, tbl.Remove(42))
	assert.Equal(t, 1, tbl.Len())
}

func TestAdmit_ReplacesExisting(t *testing.T) {
	tbl := NewTable()
	tbl.Admit(1, "alice", 1, time.Time{})
	tbl.Admit(1, "carol", 1, time.Time{})

	got, ok := tbl.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, "carol", got.Username)
	assert.Equal(t, 1, tbl.Len())
}

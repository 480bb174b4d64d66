// Package session tracks the client sessions connected to one replica.
package session

import (
	"maps"
	"slices"
	"time"

	"github.com/daviddao/replimail/pkg/wire"
)

// Session is one connected client.
type Session struct {
	ID        uint32    `json:"id"`
	Username  string    `json:"username"`
	Replica   int       `json:"replica"`
	Inbox     string    `json:"inbox_group"`
	Connect   string    `json:"connect_group"`
	Connected time.Time `json:"connected_at"`
}

// Table maps session ids to sessions. Not goroutine-safe.
type Table struct {
	byID map[uint32]*Session
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{byID: make(map[uint32]*Session)}
}

// Admit records a session for username on replica (1-based). Admitting an
// existing id replaces it.
func (t *Table) Admit(id uint32, username string, replica int, now time.Time) *Session {
	s := &Session{
		ID:        id,
		Username:  username,
		Replica:   replica,
		Inbox:     wire.ClientInbox(id),
		Connect:   wire.ClientConnect(id),
		Connected: now,
	}
	t.byID[id] = s
	return s
}

// Lookup returns the session with id.
func (t *Table) Lookup(id uint32) (*Session, bool) {
	s, ok := t.byID[id]
	return s, ok
}

// ByConnectGroup returns the session whose connect group is group.
func (t *Table) ByConnectGroup(group string) (*Session, bool) {
	id, ok := wire.ParseClientConnect(group)
	if !ok {
		return nil, false
	}
	return t.Lookup(id)
}

// Remove drops the session with id, reporting whether it existed.
func (t *Table) Remove(id uint32) bool {
	_, ok := t.byID[id]
	delete(t.byID, id)
	return ok
}

// List returns every session ordered by id.
func (t *Table) List() []Session {
	out := make([]Session, 0, len(t.byID))
	for _, id := range slices.Sorted(maps.Keys(t.byID)) {
		out = append(out, *t.byID[id])
	}
	return out
}

// Len returns the number of sessions.
func (t *Table) Len() int { return len(t.byID) }

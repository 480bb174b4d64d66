// Package mailbox is the deterministic mail state machine every replica runs.
//
// Commands from different origins may arrive in different orders at
// different replicas: a Read or Delete can overtake the Mail it targets. The
// state machine absorbs this with three sets so that every replica that has
// applied the same set of commands ends in the same state:
//
//	PendingRead    Read arrived, target Mail not yet seen
//	PendingDelete  Delete arrived, target Mail not yet seen
//	Deleted        target Mail deleted; never resurrect it, ignore later
//	               Reads and Deletes of it
//
// Pending entries remember who issued them. When the Mail arrives only the
// recipient's claims apply; the rest are dropped, exactly as they would
// have been ignored had the Mail come first.
package mailbox

import (
	"fmt"
	"maps"
	"slices"

	"github.com/daviddao/replimail/pkg/model"
)

// Effect reports what applying a command did.
type Effect int

const (
	// Created: a Mail produced an inbox entry.
	Created Effect = iota
	// Suppressed: a Mail arrived after its Delete and produced nothing.
	Suppressed
	// MarkedRead: a Read marked an existing entry.
	MarkedRead
	// Removed: a Delete removed an existing entry.
	Removed
	// Pending: a Read or Delete was parked until its Mail arrives.
	Pending
	// Ignored: the target was already deleted, or belongs to another user.
	Ignored
)

func (e Effect) String() string {
	switch e {
	case Created:
		return "created"
	case Suppressed:
		return "suppressed"
	case MarkedRead:
		return "marked-read"
	case Removed:
		return "removed"
	case Pending:
		return "pending"
	case Ignored:
		return "ignored"
	default:
		return fmt.Sprintf("effect(%d)", int(e))
	}
}

type idSet map[model.CommandID]struct{}

func (s idSet) has(id model.CommandID) bool {
	_, ok := s[id]
	return ok
}

func (s idSet) sorted() []model.CommandID {
	return slices.SortedFunc(maps.Keys(s), model.CommandID.Compare)
}

// claims holds, per target, the users with a parked Read or Delete of it.
type claims map[model.CommandID]map[string]struct{}

func (c claims) add(target model.CommandID, user string) {
	users, ok := c[target]
	if !ok {
		users = make(map[string]struct{})
		c[target] = users
	}
	users[user] = struct{}{}
}

func (c claims) has(target model.CommandID, user string) bool {
	_, ok := c[target][user]
	return ok
}

func (c claims) len() int {
	n := 0
	for _, users := range c {
		n += len(users)
	}
	return n
}

func (c claims) sorted() []model.Claim {
	var out []model.Claim
	for target, users := range c {
		for user := range users {
			out = append(out, model.Claim{Target: target, Username: user})
		}
	}
	slices.SortFunc(out, model.Claim.Compare)
	return out
}

// State holds every user's mailbox plus the pending sets.
type State struct {
	boxes         map[string][]model.InboxEntry
	owner         map[model.CommandID]string
	pendingRead   claims
	pendingDelete claims
	deleted       idSet
}

// New returns an empty state.
func New() *State {
	return &State{
		boxes:         make(map[string][]model.InboxEntry),
		owner:         make(map[model.CommandID]string),
		pendingRead:   make(claims),
		pendingDelete: make(claims),
		deleted:       make(idSet),
	}
}

// Apply applies cmd. The caller guarantees cmd is the next command of its
// origin, so every command is applied at most once.
func (s *State) Apply(cmd model.Command) Effect {
	switch p := cmd.Payload.(type) {
	case model.Mail:
		return s.applyMail(cmd.ID, cmd, p)
	case model.Read:
		return s.applyRead(p)
	case model.Delete:
		return s.applyDelete(p)
	default:
		panic(fmt.Sprintf("mailbox: unknown payload %T in %s", cmd.Payload, cmd.ID))
	}
}

func (s *State) applyMail(id model.CommandID, cmd model.Command, m model.Mail) Effect {
	deleted := s.pendingDelete.has(id, m.To)
	read := s.pendingRead.has(id, m.To)
	delete(s.pendingDelete, id)
	delete(s.pendingRead, id)
	if deleted {
		s.deleted[id] = struct{}{}
		return Suppressed
	}
	e := model.InboxEntry{
		ID:      id,
		To:      m.To,
		From:    m.Username,
		Subject: m.Subject,
		Body:    m.Body,
		SentAt:  cmd.Timestamp,
		Read:    read,
	}
	s.insert(e)
	return Created
}

func (s *State) applyRead(r model.Read) Effect {
	if s.deleted.has(r.Target) {
		return Ignored
	}
	owner, ok := s.owner[r.Target]
	if !ok {
		s.pendingRead.add(r.Target, r.Username)
		return Pending
	}
	if owner != r.Username {
		return Ignored
	}
	box := s.boxes[owner]
	i := s.find(box, r.Target)
	box[i].Read = true
	return MarkedRead
}

func (s *State) applyDelete(d model.Delete) Effect {
	if s.deleted.has(d.Target) {
		return Ignored
	}
	owner, ok := s.owner[d.Target]
	if !ok {
		s.pendingDelete.add(d.Target, d.Username)
		return Pending
	}
	if owner != d.Username {
		return Ignored
	}
	box := s.boxes[owner]
	i := s.find(box, d.Target)
	box = slices.Delete(box, i, i+1)
	if len(box) == 0 {
		delete(s.boxes, owner)
	} else {
		s.boxes[owner] = box
	}
	delete(s.owner, d.Target)
	s.deleted[d.Target] = struct{}{}
	return Removed
}

func compareEntry(a, b model.InboxEntry) int {
	if c := a.SentAt.Compare(b.SentAt); c != 0 {
		return c
	}
	return a.ID.Compare(b.ID)
}

func (s *State) insert(e model.InboxEntry) {
	box := s.boxes[e.To]
	i, _ := slices.BinarySearchFunc(box, e, compareEntry)
	s.boxes[e.To] = slices.Insert(box, i, e)
	s.owner[e.ID] = e.To
}

func (s *State) find(box []model.InboxEntry, id model.CommandID) int {
	i := slices.IndexFunc(box, func(e model.InboxEntry) bool { return e.ID == id })
	if i < 0 {
		panic(fmt.Sprintf("mailbox: %s indexed but missing from its box", id))
	}
	return i
}

// Inbox returns a copy of user's mailbox in (SentAt, ID) order.
func (s *State) Inbox(user string) []model.InboxEntry {
	return slices.Clone(s.boxes[user])
}

// Lookup returns the entry with id, if present.
func (s *State) Lookup(id model.CommandID) (model.InboxEntry, bool) {
	owner, ok := s.owner[id]
	if !ok {
		return model.InboxEntry{}, false
	}
	return s.boxes[owner][s.find(s.boxes[owner], id)], true
}

// Users returns every user with a non-empty mailbox, sorted.
func (s *State) Users() []string {
	return slices.Sorted(maps.Keys(s.boxes))
}

// Len returns the total number of entries across all mailboxes.
func (s *State) Len() int { return len(s.owner) }

// PendingCounts returns the number of parked Reads and Deletes and the size
// of the deleted set.
func (s *State) PendingCounts() (read, del, deleted int) {
	return s.pendingRead.len(), s.pendingDelete.len(), len(s.deleted)
}

// Snapshot returns a deep copy of the state suitable for a checkpoint.
func (s *State) Snapshot() model.MailboxSnapshot {
	snap := model.MailboxSnapshot{
		Inboxes:       make(map[string][]model.InboxEntry, len(s.boxes)),
		PendingRead:   s.pendingRead.sorted(),
		PendingDelete: s.pendingDelete.sorted(),
		Deleted:       s.deleted.sorted(),
	}
	for user, box := range s.boxes {
		snap.Inboxes[user] = slices.Clone(box)
	}
	return snap
}

// Restore replaces the state with snap.
func (s *State) Restore(snap model.MailboxSnapshot) {
	*s = *New()
	for _, box := range snap.Inboxes {
		for _, e := range box {
			s.insert(e)
		}
	}
	for _, c := range snap.PendingRead {
		s.pendingRead.add(c.Target, c.Username)
	}
	for _, c := range snap.PendingDelete {
		s.pendingDelete.add(c.Target, c.Username)
	}
	for _, id := range snap.Deleted {
		s.deleted[id] = struct{}{}
	}
}

// Package model defines the core domain types for replimail.
//
// Replimail keeps a small, fixed set of mail replicas consistent across
// network partitions. Two ideas carry the design:
//
//   - Commands, not state, are replicated. Every mutation (a Mail, a Read, a
//     Delete) becomes a Command identified by (origin, index): the replica
//     that created it and a 1-based sequence number within that origin.
//     Commands are immutable and are only ever re-broadcast under the same
//     identity or discarded once every replica has them.
//
//   - A knowledge matrix (a vector clock per replica) tells each replica how
//     far every other replica has progressed through every origin. It drives
//     gap-free per-origin delivery, duplicate rejection, the choice of who
//     re-sends what after a partition heals, and garbage collection.
package model

import (
	"fmt"
	"strings"
	"time"
)

// CommandID identifies a command forever. Index is 1-based within Origin.
type CommandID struct {
	Origin int   `json:"origin"`
	Index  int64 `json:"index"`
}

// Less orders ids by (Index, Origin). Within one origin this is the
// application order; across origins it is a deterministic tie-break for
// sorted containers.
func (id CommandID) Less(other CommandID) bool {
	if id.Index != other.Index {
		return id.Index < other.Index
	}
	return id.Origin < other.Origin
}

// Compare returns -1, 0 or +1 following Less.
func (id CommandID) Compare(other CommandID) int {
	switch {
	case id == other:
		return 0
	case id.Less(other):
		return -1
	default:
		return 1
	}
}

// IsZero reports whether id is the unset value (index 0 is never assigned).
func (id CommandID) IsZero() bool { return id.Index == 0 }

func (id CommandID) String() string {
	return fmt.Sprintf("%d.%d", id.Origin, id.Index)
}

// PayloadKind enumerates the command payload variants.
type PayloadKind uint8

const (
	PayloadMail PayloadKind = iota + 1
	PayloadRead
	PayloadDelete
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadMail:
		return "mail"
	case PayloadRead:
		return "read"
	case PayloadDelete:
		return "delete"
	default:
		return fmt.Sprintf("payload(%d)", uint8(k))
	}
}

// Payload is the closed set of things a command can do. Only Mail, Read and
// Delete implement it; consumers switch over the concrete types and treat
// anything else as a programming error.
type Payload interface {
	Kind() PayloadKind
	isPayload()
}

// Mail delivers a new message to To.
type Mail struct {
	Session  uint32 `json:"session"`
	Username string `json:"username"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
}

// Read marks the message Target as read in Username's mailbox.
type Read struct {
	Session  uint32    `json:"session"`
	Username string    `json:"username"`
	Target   CommandID `json:"target"`
}

// Delete removes the message Target from Username's mailbox.
type Delete struct {
	Session  uint32    `json:"session"`
	Username string    `json:"username"`
	Target   CommandID `json:"target"`
}

func (Mail) Kind() PayloadKind   { return PayloadMail }
func (Read) Kind() PayloadKind   { return PayloadRead }
func (Delete) Kind() PayloadKind { return PayloadDelete }

func (Mail) isPayload()   {}
func (Read) isPayload()   {}
func (Delete) isPayload() {}

// Command is one replicated mutation. Immutable once created; passed by value.
type Command struct {
	ID        CommandID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// Session returns the client session that issued the command.
func (c Command) Session() uint32 {
	switch p := c.Payload.(type) {
	case Mail:
		return p.Session
	case Read:
		return p.Session
	case Delete:
		return p.Session
	default:
		return 0
	}
}

// InboxEntry is one message in a user's mailbox.
type InboxEntry struct {
	ID      CommandID `json:"id"`
	To      string    `json:"to"`
	From    string    `json:"from"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	SentAt  time.Time `json:"sent_at"`
	Read    bool      `json:"read"`
}

// Before reports whether e sorts ahead of other in a mailbox: by send
// time, ties broken by command id.
func (e InboxEntry) Before(other InboxEntry) bool {
	if !e.SentAt.Equal(other.SentAt) {
		return e.SentAt.Before(other.SentAt)
	}
	return e.ID.Less(other.ID)
}

// Claim is a Read or Delete waiting for its target Mail, with the user who
// issued it. It takes effect only if that user turns out to be the
// recipient.
type Claim struct {
	Target   CommandID `json:"target"`
	Username string    `json:"username"`
}

// Compare orders claims by target, then username.
func (c Claim) Compare(other Claim) int {
	if n := c.Target.Compare(other.Target); n != 0 {
		return n
	}
	return strings.Compare(c.Username, other.Username)
}

// MailboxSnapshot is the serialisable mailbox state written to checkpoints.
type MailboxSnapshot struct {
	Inboxes       map[string][]InboxEntry `json:"inboxes"`
	PendingRead   []Claim                 `json:"pending_read"`
	PendingDelete []Claim                 `json:"pending_delete"`
	Deleted       []CommandID             `json:"deleted"`
}

// Package transport defines the group-communication service replicas and
// clients talk over.
//
// A transport provides named groups with two guarantees:
//
//   - Agreed order: every member of a group receives the group's messages
//     in the same relative order, across all groups.
//   - Virtual synchrony: membership changes are delivered as events in that
//     same order, so all members of a view see the same messages before the
//     next view.
//
// Two implementations exist: memnet (in-process, used by tests and the
// daemon) and wsnet (a websocket client of a memnet daemon).
package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/daviddao/replimail/pkg/wire"
)

var (
	// ErrClosed is returned by every operation on a closed transport.
	ErrClosed = errors.New("transport closed")
	// ErrTransient marks a failure worth retrying once.
	ErrTransient = errors.New("transient transport failure")
)

// EventType distinguishes between event kinds.
type EventType int

const (
	// EventMessage carries a multicast message.
	EventMessage EventType = iota + 1
	// EventMembership carries a group membership change.
	EventMembership
)

func (t EventType) String() string {
	switch t {
	case EventMessage:
		return "message"
	case EventMembership:
		return "membership"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Cause is why a group's membership changed.
type Cause int

const (
	CauseJoin Cause = iota + 1
	CauseLeave
	CauseDisconnect
	CauseNetwork
)

func (c Cause) String() string {
	switch c {
	case CauseJoin:
		return "join"
	case CauseLeave:
		return "leave"
	case CauseDisconnect:
		return "disconnect"
	case CauseNetwork:
		return "network"
	default:
		return fmt.Sprintf("cause(%d)", int(c))
	}
}

// Message is one multicast as delivered to a member.
type Message struct {
	Sender  string    `json:"sender"`
	Groups  []string  `json:"groups"`
	Kind    wire.Kind `json:"kind"`
	Payload []byte    `json:"payload"`
}

// Membership is a new view of a group. Members is sorted. Changed lists the
// members whose join, leave or disconnect caused the view; it is empty for
// network changes.
type Membership struct {
	Group   string   `json:"group"`
	ViewID  uint64   `json:"view_id"`
	Cause   Cause    `json:"cause"`
	Members []string `json:"members"`
	Changed []string `json:"changed,omitempty"`
}

// Has reports whether name is in the view.
func (m *Membership) Has(name string) bool {
	return slices.Contains(m.Members, name)
}

// Event wraps messages and membership changes.
type Event struct {
	Type       EventType   `json:"type"`
	Message    *Message    `json:"message,omitempty"`
	Membership *Membership `json:"membership,omitempty"`
}

// Transport is one member's connection to the group service.
type Transport interface {
	// Name returns the member name other members see as Sender.
	Name() string
	// Receive blocks until the next event or ctx is done.
	Receive(ctx context.Context) (Event, error)
	// Multicast sends payload to every member of group. The sender need
	// not be a member.
	Multicast(group string, kind wire.Kind, payload []byte) error
	Join(group string) error
	Leave(group string) error
	Close() error
}

// Retry runs op and, if it fails with ErrTransient, runs it once more.
func Retry(op func() error) error {
	err := op()
	if errors.Is(err, ErrTransient) {
		err = op()
	}
	return err
}

// Package wsnet carries the group service between processes.
//
// A Daemon owns a memnet hub and exposes it over websocket; each connection
// is one hub endpoint. Members connect with Dial, which returns a
// transport.Transport. Frames are JSON text messages.
//
// The daemon plays the role of the group-communication daemon a replica
// and its clients share: ordering and membership are decided by the hub,
// so every connected member sees one agreed order.
package wsnet

import (
	"github.com/daviddao/replimail/pkg/transport"
	"github.com/daviddao/replimail/pkg/wire"
)

const (
	opHello     = "hello"
	opWelcome   = "welcome"
	opError     = "error"
	opJoin      = "join"
	opLeave     = "leave"
	opMulticast = "multicast"
	opEvent     = "event"
)

type frame struct {
	Op      string           `json:"op"`
	Name    string           `json:"name,omitempty"`
	Group   string           `json:"group,omitempty"`
	Kind    wire.Kind        `json:"kind,omitempty"`
	Payload []byte           `json:"payload,omitempty"`
	Event   *transport.Event `json:"event,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Package wire defines the replimail wire contract: message kinds, group
// names and the binary layout of every payload.
//
// All integers are big-endian. Text is length-prefixed (uint16) and bounded;
// oversize or malformed text is rejected while decoding, never truncated.
// Commands use a fixed-size record shared with the on-disk command log so
// that a log block can be scanned by offset.
package wire

import "fmt"

// Kind tags a transport message.
type Kind int16

const (
	// Client to server.
	KindConnect Kind = iota + 1
	KindMail
	KindRead
	KindDelete
	KindShowInbox
	KindShowComponent

	// Server to client.
	KindAck
	KindInbox
	KindResponse
	KindComponent

	// Server to server.
	KindCommand
	KindKnowledge
)

var kindNames = map[Kind]string{
	KindConnect:       "CONNECT",
	KindMail:          "MAIL",
	KindRead:          "READ",
	KindDelete:        "DELETE",
	KindShowInbox:     "SHOW_INBOX",
	KindShowComponent: "SHOW_COMPONENT",
	KindAck:           "ACK",
	KindInbox:         "INBOX",
	KindResponse:      "RESPONSE",
	KindComponent:     "COMPONENT",
	KindCommand:       "COMMAND",
	KindKnowledge:     "KNOWLEDGE",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("KIND(%d)", int16(k))
}

// IsClientRequest reports whether k is sent by clients to a server inbox.
func (k Kind) IsClientRequest() bool {
	return k >= KindConnect && k <= KindShowComponent
}

// IsPeer reports whether k is exchanged between replicas.
func (k Kind) IsPeer() bool {
	return k == KindCommand || k == KindKnowledge
}

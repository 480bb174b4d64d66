package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// PeerGroup is joined by every replica; COMMAND and KNOWLEDGE travel on it.
const PeerGroup = "replimail_servers"

// ServerInbox is the group replica id (1-based) listens on for clients.
func ServerInbox(id int) string { return fmt.Sprintf("server_%d_in", id) }

// ClientConnect is the group whose membership tracks a session's liveness.
// It holds exactly the client and its server while the session is up.
func ClientConnect(session uint32) string { return fmt.Sprintf("client_%d_connect", session) }

// ClientInbox is the group a session receives responses on.
func ClientInbox(session uint32) string { return fmt.Sprintf("client_%d_in", session) }

// ParseClientConnect extracts the session id from a connect group name.
func ParseClientConnect(group string) (uint32, bool) {
	s, ok := strings.CutPrefix(group, "client_")
	if !ok {
		return 0, false
	}
	s, ok = strings.CutSuffix(s, "_connect")
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// ReplicaMember is the transport member name of replica id (1-based).
func ReplicaMember(id int) string { return fmt.Sprintf("replica-%d", id) }

// ParseReplicaMember returns the replica id for a member name produced by
// ReplicaMember.
func ParseReplicaMember(name string) (int, bool) {
	s, ok := strings.CutPrefix(name, "replica-")
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(s)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

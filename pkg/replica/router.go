package replica

import (
	"errors"
	"fmt"

	"github.com/daviddao/replimail/pkg/model"
	"github.com/daviddao/replimail/pkg/session"
	"github.com/daviddao/replimail/pkg/transport"
	"github.com/daviddao/replimail/pkg/wire"
)

// onClientRequest serves one request from a server inbox. Replies go to the
// session's inbox group. While the replica is not Stable, requests that
// originate commands are stashed.
func (r *Replica) onClientRequest(msg *transport.Message) error {
	sid, seq, ok := wire.PeekSession(msg.Payload)
	if !ok {
		r.logger.Warn("dropping unreadable request", "kind", msg.Kind, "sender", msg.Sender)
		return nil
	}
	if msg.Kind == wire.KindConnect {
		return r.connect(msg, sid, seq)
	}
	s, ok := r.sessions.Lookup(sid)
	if !ok {
		return r.ack(sid, wire.Ack{Seq: seq, Status: wire.StatusNotConnected,
			Text: "connect before sending requests"})
	}
	switch msg.Kind {
	case wire.KindMail, wire.KindRead, wire.KindDelete:
		if r.state != Stable {
			r.stash = append(r.stash, transport.Event{Type: transport.EventMessage, Message: msg})
			return nil
		}
	}

	switch msg.Kind {
	case wire.KindMail:
		req, err := wire.DecodeMailRequest(msg.Payload)
		if err != nil {
			return r.invalid(sid, seq, err)
		}
		if req.Username != s.Username {
			return r.invalid(sid, seq, errUserMismatch)
		}
		return r.originate(s, seq, req.Payload())
	case wire.KindRead, wire.KindDelete:
		req, err := wire.DecodeTargetRequest(msg.Payload)
		if err != nil {
			return r.invalid(sid, seq, err)
		}
		if req.Username != s.Username {
			return r.invalid(sid, seq, errUserMismatch)
		}
		if e, ok := r.mail.Lookup(req.Target); ok && e.To != s.Username {
			return r.invalid(sid, seq, errNotYours)
		}
		if msg.Kind == wire.KindRead {
			return r.originate(s, seq, model.Read{Session: sid, Username: req.Username, Target: req.Target})
		}
		return r.originate(s, seq, model.Delete{Session: sid, Username: req.Username, Target: req.Target})
	case wire.KindShowInbox:
		req, err := wire.DecodeInboxRequest(msg.Payload)
		if err != nil {
			return r.invalid(sid, seq, err)
		}
		if req.Username != s.Username {
			return r.invalid(sid, seq, errUserMismatch)
		}
		return r.showInbox(s, seq)
	case wire.KindShowComponent:
		if _, err := wire.DecodeComponentRequest(msg.Payload); err != nil {
			return r.invalid(sid, seq, err)
		}
		c := wire.Component{Seq: seq, Replicas: r.Component()}
		return r.multicast(s.Inbox, wire.KindComponent, c.Encode())
	}
	return nil
}

var (
	errUserMismatch = errors.New("username does not match the session")
	errNotYours     = errors.New("message belongs to another user")
)

// connect admits a session and joins its connect group. The session lives
// while that group holds exactly the client and this replica.
func (r *Replica) connect(msg *transport.Message, sid, seq uint32) error {
	req, err := wire.DecodeConnect(msg.Payload)
	if err != nil {
		return r.invalid(sid, seq, err)
	}
	if req.Username == "" {
		return r.invalid(sid, seq, fmt.Errorf("username: %w", model.ErrFieldEmpty))
	}
	s := r.sessions.Admit(sid, req.Username, r.cfg.ID, r.now())
	if err := transport.Retry(func() error { return r.tr.Join(s.Connect) }); err != nil {
		r.sessions.Remove(sid)
		return err
	}
	r.logger.Info("session connected", "session", sid, "username", req.Username)
	return nil
}

// onClientView tears a session down once its connect group no longer holds
// exactly two members.
func (r *Replica) onClientView(m *transport.Membership) error {
	s, ok := r.sessions.ByConnectGroup(m.Group)
	if !ok || len(m.Members) == 2 {
		return nil
	}
	r.sessions.Remove(s.ID)
	r.logger.Info("session closed", "session", s.ID, "username", s.Username, "cause", m.Cause)
	err := r.tr.Leave(m.Group)
	if errors.Is(err, transport.ErrClosed) {
		return err
	}
	if err != nil {
		r.logger.Warn("leaving connect group", "group", m.Group, "err", err)
	}
	return nil
}

// originate stamps p with this replica's next index, applies it and answers
// with the command id.
func (r *Replica) originate(s *session.Session, seq uint32, p model.Payload) error {
	if err := model.Validate(p); err != nil {
		return r.invalid(s.ID, seq, err)
	}
	cmd := model.Command{
		ID:        model.CommandID{Origin: r.self, Index: r.k.Applied(r.self) + 1},
		Timestamp: r.now().UTC(),
		Payload:   p,
	}
	if _, _, err := r.applyCommand(cmd); err != nil {
		return err
	}
	resp := wire.Response{Seq: seq, ID: cmd.ID}
	return r.multicast(s.Inbox, wire.KindResponse, resp.Encode())
}

func (r *Replica) showInbox(s *session.Session, seq uint32) error {
	entries := r.mail.Inbox(s.Username)
	for _, e := range entries {
		item := wire.InboxItem{Seq: seq, Entry: e}
		if err := r.multicast(s.Inbox, wire.KindInbox, item.Encode()); err != nil {
			return err
		}
	}
	return r.ack(s.ID, wire.Ack{Seq: seq, Status: wire.StatusOK, Count: uint32(len(entries))})
}

func (r *Replica) invalid(sid, seq uint32, err error) error {
	r.logger.Debug("invalid request", "session", sid, "err", err)
	return r.ack(sid, wire.Ack{Seq: seq, Status: wire.StatusInvalid, Text: err.Error()})
}

func (r *Replica) ack(sid uint32, a wire.Ack) error {
	return r.multicast(wire.ClientInbox(sid), wire.KindAck, a.Encode())
}

// Package client is the programmatic replimail client.
//
// A Client talks to one replica at a time. Connect joins two groups for a
// fresh session id: the inbox group, where replies arrive, and the connect
// group, whose membership (client plus server) tells both sides the
// session is alive. Requests are answered by sequence number; anything with
// a stale number is skipped.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/daviddao/replimail/pkg/model"
	"github.com/daviddao/replimail/pkg/transport"
	"github.com/daviddao/replimail/pkg/wire"
)

var (
	// ErrNotConnected is returned when there is no session, or the server
	// no longer knows it.
	ErrNotConnected = errors.New("not connected")
	// ErrDisconnected is returned when the session ends while a request is
	// outstanding.
	ErrDisconnected = errors.New("disconnected from server")
)

// StatusError is a request the server refused.
type StatusError struct {
	Status wire.Status
	Text   string
}

func (e *StatusError) Error() string {
	if e.Text == "" {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Text)
}

// Client is one user's connection. Not goroutine-safe.
type Client struct {
	tr        transport.Transport
	username  string
	session   uint32
	server    int
	seq       uint32
	connected bool
}

// New returns a disconnected client for username.
func New(tr transport.Transport, username string) *Client {
	return &Client{tr: tr, username: username}
}

// Username returns the user the client acts for.
func (c *Client) Username() string { return c.username }

// Session returns the current session id, zero when disconnected.
func (c *Client) Session() uint32 {
	if !c.connected {
		return 0
	}
	return c.session
}

// Server returns the replica id of the current session.
func (c *Client) Server() int { return c.server }

// Connected reports whether a session is up.
func (c *Client) Connected() bool { return c.connected }

// Connect opens a session with replica server (1-based), ending any current
// one. It returns once the server has joined the session's connect group.
func (c *Client) Connect(ctx context.Context, server int) error {
	if c.connected {
		if err := c.Disconnect(); err != nil {
			return err
		}
	}
	sid := rand.Uint32()
	for sid == 0 {
		sid = rand.Uint32()
	}
	c.session, c.server, c.seq = sid, server, 0

	for _, group := range []string{wire.ClientInbox(sid), wire.ClientConnect(sid)} {
		if err := transport.Retry(func() error { return c.tr.Join(group) }); err != nil {
			return fmt.Errorf("join %s: %w", group, err)
		}
	}
	seq := c.next()
	req := wire.Connect{Session: sid, Seq: seq, Username: c.username}
	if err := c.send(wire.KindConnect, req.Encode()); err != nil {
		return err
	}

	want := wire.ReplicaMember(server)
	for {
		ev, err := c.tr.Receive(ctx)
		if err != nil {
			c.abandon()
			return err
		}
		switch {
		case ev.Type == transport.EventMembership && ev.Membership.Group == wire.ClientConnect(sid):
			if len(ev.Membership.Members) == 2 && ev.Membership.Has(want) {
				c.connected = true
				return nil
			}
		case ev.Type == transport.EventMessage && ev.Message.Kind == wire.KindAck:
			a, err := wire.DecodeAck(ev.Message.Payload)
			if err == nil && a.Seq == seq && a.Status != wire.StatusOK {
				c.abandon()
				return &StatusError{Status: a.Status, Text: a.Text}
			}
		}
	}
}

// Disconnect ends the session by leaving its groups. The server notices
// the connect group shrinking and drops the session.
func (c *Client) Disconnect() error {
	if !c.connected {
		return nil
	}
	c.connected = false
	var errs []error
	for _, group := range []string{wire.ClientConnect(c.session), wire.ClientInbox(c.session)} {
		if err := c.tr.Leave(group); err != nil && !errors.Is(err, transport.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) abandon() {
	for _, group := range []string{wire.ClientConnect(c.session), wire.ClientInbox(c.session)} {
		_ = c.tr.Leave(group)
	}
}

// Mail sends a message and returns the id it was stored under.
func (c *Client) Mail(ctx context.Context, to, subject, body string) (model.CommandID, error) {
	if !c.connected {
		return model.CommandID{}, ErrNotConnected
	}
	seq := c.next()
	req := wire.MailRequest{Session: c.session, Seq: seq, Username: c.username, To: to, Subject: subject, Body: body}
	return c.command(ctx, wire.KindMail, req.Encode(), seq)
}

// Read marks message id as read.
func (c *Client) Read(ctx context.Context, id model.CommandID) (model.CommandID, error) {
	return c.target(ctx, wire.KindRead, id)
}

// Delete removes message id.
func (c *Client) Delete(ctx context.Context, id model.CommandID) (model.CommandID, error) {
	return c.target(ctx, wire.KindDelete, id)
}

func (c *Client) target(ctx context.Context, kind wire.Kind, id model.CommandID) (model.CommandID, error) {
	if !c.connected {
		return model.CommandID{}, ErrNotConnected
	}
	seq := c.next()
	req := wire.TargetRequest{Session: c.session, Seq: seq, Username: c.username, Target: id}
	return c.command(ctx, kind, req.Encode(), seq)
}

func (c *Client) command(ctx context.Context, kind wire.Kind, payload []byte, seq uint32) (model.CommandID, error) {
	if err := c.send(kind, payload); err != nil {
		return model.CommandID{}, err
	}
	var id model.CommandID
	err := c.await(ctx, seq, func(msg *transport.Message) (bool, error) {
		if msg.Kind != wire.KindResponse {
			return false, nil
		}
		resp, err := wire.DecodeResponse(msg.Payload)
		if err != nil || resp.Seq != seq {
			return false, nil
		}
		id = resp.ID
		return true, nil
	})
	return id, err
}

// Inbox lists the user's mailbox in server order.
func (c *Client) Inbox(ctx context.Context) ([]model.InboxEntry, error) {
	if !c.connected {
		return nil, ErrNotConnected
	}
	seq := c.next()
	req := wire.InboxRequest{Session: c.session, Seq: seq, Username: c.username}
	if err := c.send(wire.KindShowInbox, req.Encode()); err != nil {
		return nil, err
	}
	var entries []model.InboxEntry
	err := c.await(ctx, seq, func(msg *transport.Message) (bool, error) {
		if msg.Kind != wire.KindInbox {
			return false, nil
		}
		item, err := wire.DecodeInboxItem(msg.Payload)
		if err == nil && item.Seq == seq {
			entries = append(entries, item.Entry)
		}
		return false, nil
	})
	return entries, err
}

// Component returns the replica ids in the server's current view.
func (c *Client) Component(ctx context.Context) ([]int, error) {
	if !c.connected {
		return nil, ErrNotConnected
	}
	seq := c.next()
	req := wire.ComponentRequest{Session: c.session, Seq: seq}
	if err := c.send(wire.KindShowComponent, req.Encode()); err != nil {
		return nil, err
	}
	var replicas []int
	err := c.await(ctx, seq, func(msg *transport.Message) (bool, error) {
		if msg.Kind != wire.KindComponent {
			return false, nil
		}
		comp, err := wire.DecodeComponent(msg.Payload)
		if err != nil || comp.Seq != seq {
			return false, nil
		}
		replicas = comp.Replicas
		return true, nil
	})
	return replicas, err
}

// await receives until fn reports completion, an Ack for seq arrives, or
// the session ends. An OK Ack completes the request; any other status is a
// *StatusError.
func (c *Client) await(ctx context.Context, seq uint32, fn func(*transport.Message) (bool, error)) error {
	connect := wire.ClientConnect(c.session)
	for {
		ev, err := c.tr.Receive(ctx)
		if err != nil {
			return err
		}
		switch ev.Type {
		case transport.EventMembership:
			if ev.Membership.Group == connect && len(ev.Membership.Members) != 2 {
				c.connected = false
				c.abandon()
				return ErrDisconnected
			}
		case transport.EventMessage:
			msg := ev.Message
			if msg.Kind == wire.KindAck {
				a, err := wire.DecodeAck(msg.Payload)
				if err != nil || a.Seq != seq {
					continue
				}
				switch a.Status {
				case wire.StatusOK:
					return nil
				case wire.StatusNotConnected:
					c.connected = false
					c.abandon()
					return fmt.Errorf("%w: %s", ErrNotConnected, a.Text)
				default:
					return &StatusError{Status: a.Status, Text: a.Text}
				}
			}
			done, err := fn(msg)
			if err != nil || done {
				return err
			}
		}
	}
}

func (c *Client) send(kind wire.Kind, payload []byte) error {
	group := wire.ServerInbox(c.server)
	if err := transport.Retry(func() error { return c.tr.Multicast(group, kind, payload) }); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

func (c *Client) next() uint32 {
	c.seq++
	return c.seq
}

package wsnet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/daviddao/replimail/pkg/transport"
	"github.com/daviddao/replimail/pkg/wire"
)

// DefaultDialRetries bounds connection attempts in Dial.
const DefaultDialRetries = 8

// Conn is a member connected to a Daemon. It implements
// transport.Transport.
type Conn struct {
	ws   *websocket.Conn
	name string
	wmu  sync.Mutex

	mu     sync.Mutex
	queue  []transport.Event
	signal chan struct{}
	err    error
}

var _ transport.Transport = (*Conn)(nil)

// Dial connects to the daemon at url as name, retrying with exponential
// backoff while the daemon is unreachable. An empty name is replaced by a
// random one.
func Dial(ctx context.Context, url, name string) (*Conn, error) {
	if name == "" {
		name = uuid.NewString()
	}
	var c *Conn
	op := func() error {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return err
		}
		c, err = handshake(ws, name)
		if err != nil {
			ws.Close()
			return backoff.Permanent(err)
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, DefaultDialRetries), ctx)); err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	go c.readLoop()
	return c, nil
}

func handshake(ws *websocket.Conn, name string) (*Conn, error) {
	if err := ws.WriteJSON(frame{Op: opHello, Name: name}); err != nil {
		return nil, err
	}
	var reply frame
	if err := ws.ReadJSON(&reply); err != nil {
		return nil, err
	}
	switch reply.Op {
	case opWelcome:
		return &Conn{ws: ws, name: reply.Name, signal: make(chan struct{}, 1)}, nil
	case opError:
		return nil, fmt.Errorf("daemon refused %q: %s", name, reply.Error)
	default:
		return nil, fmt.Errorf("unexpected handshake reply %q", reply.Op)
	}
}

func (c *Conn) readLoop() {
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.fail(err)
			return
		}
		switch f.Op {
		case opEvent:
			if f.Event != nil {
				c.push(*f.Event)
			}
		case opError:
			// Operations are asynchronous; a refused one is dropped.
		}
	}
}

func (c *Conn) push(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.queue = append(c.queue, ev)
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = fmt.Errorf("%w: %v", transport.ErrClosed, err)
	close(c.signal)
}

func (c *Conn) Name() string { return c.name }

// Receive returns the next event. Events already received are delivered
// before a connection failure is reported.
func (c *Conn) Receive(ctx context.Context) (transport.Event, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			ev := c.queue[0]
			c.queue[0] = transport.Event{}
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return ev, nil
		}
		err := c.err
		c.mu.Unlock()
		if err != nil {
			return transport.Event{}, err
		}
		select {
		case <-ctx.Done():
			return transport.Event{}, ctx.Err()
		case <-c.signal:
		}
	}
}

func (c *Conn) send(f frame) error {
	c.mu.Lock()
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteJSON(f); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransient, err)
	}
	return nil
}

func (c *Conn) Multicast(group string, kind wire.Kind, payload []byte) error {
	return c.send(frame{Op: opMulticast, Group: group, Kind: kind, Payload: payload})
}

func (c *Conn) Join(group string) error {
	return c.send(frame{Op: opJoin, Group: group})
}

func (c *Conn) Leave(group string) error {
	return c.send(frame{Op: opLeave, Group: group})
}

// Close disconnects from the daemon. Remaining members of this member's
// groups see a Disconnect view.
func (c *Conn) Close() error {
	c.wmu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	err := c.ws.Close()
	c.fail(errors.New("closed by member"))
	return err
}

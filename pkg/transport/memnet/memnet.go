// Package memnet is an in-process group-communication hub.
//
// One mutex serialises every multicast and membership change, which makes the
// hub a sequencer: all members receive messages and views in one agreed
// order. Each endpoint has an unbounded FIFO so a sender never blocks on a
// slow receiver.
//
// The hub can be split into components with Partition and merged again with
// Heal. Members in different components do not see each other's messages,
// and every group whose visible membership changes gets a new view with
// cause Network.
package memnet

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/daviddao/replimail/pkg/transport"
	"github.com/daviddao/replimail/pkg/wire"
)

// ErrNameInUse is returned when attaching a second endpoint under one name.
var ErrNameInUse = errors.New("endpoint name in use")

// Hub is the sequencer shared by all endpoints.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	groups    map[string]map[string]struct{}
	component map[string]int
	nextComp  int
	view      uint64
	closed    bool
}

// NewHub returns an empty, fully connected hub.
func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[string]*Endpoint),
		groups:    make(map[string]map[string]struct{}),
		component: make(map[string]int),
		nextComp:  1,
	}
}

// Attach creates the endpoint name. New endpoints start in the main
// component (the first component of the last Partition, or everything after
// Heal).
func (h *Hub) Attach(name string) (*Endpoint, error) {
	if name == "" {
		return nil, errors.New("memnet: empty endpoint name")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, transport.ErrClosed
	}
	if _, ok := h.endpoints[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNameInUse, name)
	}
	e := &Endpoint{hub: h, name: name, signal: make(chan struct{}, 1)}
	h.endpoints[name] = e
	h.component[name] = 0
	return e, nil
}

// visible returns the members of group in component c, sorted.
func (h *Hub) visible(group string, c int) []string {
	var out []string
	for m := range h.groups[group] {
		if h.component[m] == c {
			out = append(out, m)
		}
	}
	slices.Sort(out)
	return out
}

// announce delivers a new view of group to every member in component c.
func (h *Hub) announce(group string, c int, cause transport.Cause, changed []string) {
	members := h.visible(group, c)
	if len(members) == 0 {
		return
	}
	h.view++
	for _, m := range members {
		h.endpoints[m].push(transport.Event{
			Type: transport.EventMembership,
			Membership: &transport.Membership{
				Group:   group,
				ViewID:  h.view,
				Cause:   cause,
				Members: slices.Clone(members),
				Changed: slices.Clone(changed),
			},
		})
	}
}

func (h *Hub) join(e *Endpoint, group string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.closed {
		return transport.ErrClosed
	}
	name := e.name
	g, ok := h.groups[group]
	if !ok {
		g = make(map[string]struct{})
		h.groups[group] = g
	}
	if _, ok := g[name]; ok {
		return nil
	}
	g[name] = struct{}{}
	h.announce(group, h.component[name], transport.CauseJoin, []string{name})
	return nil
}

func (h *Hub) leave(name, group string, cause transport.Cause) {
	g := h.groups[group]
	if _, ok := g[name]; !ok {
		return
	}
	delete(g, name)
	if len(g) == 0 {
		delete(h.groups, group)
	}
	h.announce(group, h.component[name], cause, []string{name})
}

func (h *Hub) multicast(e *Endpoint, group string, kind wire.Kind, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.closed {
		return transport.ErrClosed
	}
	sender := e.name
	for _, m := range h.visible(group, h.component[sender]) {
		h.endpoints[m].push(transport.Event{
			Type: transport.EventMessage,
			Message: &transport.Message{
				Sender:  sender,
				Groups:  []string{group},
				Kind:    kind,
				Payload: slices.Clone(payload),
			},
		})
	}
	return nil
}

func (h *Hub) detach(e *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.closed {
		return
	}
	for _, group := range slices.Sorted(maps.Keys(h.groups)) {
		h.leave(e.name, group, transport.CauseDisconnect)
	}
	e.close()
	delete(h.endpoints, e.name)
	delete(h.component, e.name)
}

// Partition splits the hub. Each argument lists the endpoints of one
// component; endpoints not listed become singletons. Every group whose
// membership, as seen by some member, changes gets a Network view.
func (h *Hub) Partition(components ...[]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := make(map[string]int, len(h.endpoints))
	for name := range h.endpoints {
		next[name] = -1
	}
	for i, comp := range components {
		id := 0
		if i > 0 {
			id = h.nextComp
			h.nextComp++
		}
		for _, name := range comp {
			if _, ok := next[name]; ok {
				next[name] = id
			}
		}
	}
	for name, c := range next {
		if c == -1 {
			next[name] = h.nextComp
			h.nextComp++
		}
	}
	h.regroup(next)
}

// Heal merges every endpoint back into one component.
func (h *Hub) Heal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := make(map[string]int, len(h.endpoints))
	for name := range h.endpoints {
		next[name] = 0
	}
	h.regroup(next)
}

func (h *Hub) regroup(next map[string]int) {
	before := make(map[string]map[string][]string, len(h.groups))
	for group := range h.groups {
		before[group] = make(map[string][]string)
		for m := range h.groups[group] {
			before[group][m] = h.visible(group, h.component[m])
		}
	}
	h.component = next
	for _, group := range slices.Sorted(maps.Keys(h.groups)) {
		announced := make(map[int]bool)
		for _, m := range slices.Sorted(maps.Keys(h.groups[group])) {
			c := h.component[m]
			if announced[c] {
				continue
			}
			if slices.Equal(before[group][m], h.visible(group, c)) {
				continue
			}
			announced[c] = true
			h.announce(group, c, transport.CauseNetwork, nil)
		}
	}
}

// Members returns the current members of group across all components.
func (h *Hub) Members(group string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Sorted(maps.Keys(h.groups[group]))
}

// Endpoints returns the attached endpoint names.
func (h *Hub) Endpoints() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Sorted(maps.Keys(h.endpoints))
}

// WaitIdle blocks until every named endpoint is blocked in Receive with
// nothing queued, or is gone. Everything an endpoint's owner did before its
// last Receive call happens-before WaitIdle returns.
func (h *Hub) WaitIdle(ctx context.Context, names ...string) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if h.idle(names) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *Hub) idle(names []string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, n := range names {
		e, ok := h.endpoints[n]
		if !ok {
			continue
		}
		if !e.waiting || len(e.queue) > 0 {
			return false
		}
	}
	return true
}

// Close detaches every endpoint without membership notifications.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, e := range h.endpoints {
		e.close()
	}
	clear(h.endpoints)
	clear(h.groups)
}

// Endpoint is one member's connection to the hub. It implements
// transport.Transport. All endpoint state is guarded by the hub mutex.
type Endpoint struct {
	hub     *Hub
	name    string
	queue   []transport.Event
	signal  chan struct{}
	waiting bool
	closed  bool
}

var _ transport.Transport = (*Endpoint)(nil)

// push enqueues ev. Called with the hub mutex held.
func (e *Endpoint) push(ev transport.Event) {
	if e.closed {
		return
	}
	e.queue = append(e.queue, ev)
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// close marks the endpoint closed and wakes its receiver. Called with the
// hub mutex held.
func (e *Endpoint) close() {
	if e.closed {
		return
	}
	e.closed = true
	e.queue = nil
	close(e.signal)
}

func (e *Endpoint) Name() string { return e.name }

// Receive returns the next queued event, blocking until one arrives, the
// endpoint closes, or ctx is done.
func (e *Endpoint) Receive(ctx context.Context) (transport.Event, error) {
	h := e.hub
	for {
		h.mu.Lock()
		if e.closed {
			h.mu.Unlock()
			return transport.Event{}, transport.ErrClosed
		}
		if len(e.queue) > 0 {
			ev := e.queue[0]
			e.queue[0] = transport.Event{}
			e.queue = e.queue[1:]
			e.waiting = false
			h.mu.Unlock()
			return ev, nil
		}
		e.waiting = true
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			h.mu.Lock()
			e.waiting = false
			h.mu.Unlock()
			return transport.Event{}, ctx.Err()
		case <-e.signal:
		}
	}
}

func (e *Endpoint) Multicast(group string, kind wire.Kind, payload []byte) error {
	return e.hub.multicast(e, group, kind, payload)
}

func (e *Endpoint) Join(group string) error {
	return e.hub.join(e, group)
}

func (e *Endpoint) Leave(group string) error {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if e.closed {
		return transport.ErrClosed
	}
	h.leave(e.name, group, transport.CauseLeave)
	return nil
}

// Close detaches the endpoint. Remaining members of its groups see a
// Disconnect view.
func (e *Endpoint) Close() error {
	e.hub.detach(e)
	return nil
}

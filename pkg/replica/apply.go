package replica

import (
	"fmt"
	"slices"

	"github.com/daviddao/replimail/pkg/mailbox"
	"github.com/daviddao/replimail/pkg/model"
	"github.com/daviddao/replimail/pkg/transport"
	"github.com/daviddao/replimail/pkg/wire"
)

// commandQueue holds the applied commands of one origin that are still
// eligible for re-sending: indexes base+1 through base+len(cmds).
type commandQueue struct {
	base int64
	cmds []model.Command
}

func (q *commandQueue) last() int64 { return q.base + int64(len(q.cmds)) }

func (q *commandQueue) push(cmd model.Command) {
	if cmd.ID.Index != q.last()+1 {
		panic(fmt.Sprintf("replica: queue for origin %d at %d, pushed %s", cmd.ID.Origin, q.last(), cmd.ID))
	}
	q.cmds = append(q.cmds, cmd)
}

func (q *commandQueue) covers(from, through int64) bool {
	return from > q.base && through <= q.last()
}

func (q *commandQueue) slice(from, through int64) []model.Command {
	return q.cmds[from-q.base-1 : through-q.base]
}

// prune drops every command at or below point.
func (q *commandQueue) prune(point int64) {
	if point <= q.base {
		return
	}
	n := min(point-q.base, int64(len(q.cmds)))
	q.cmds = slices.Clone(q.cmds[n:])
	q.base = point
}

func (r *Replica) onCommand(msg *transport.Message) error {
	cmd, err := wire.DecodeCommand(msg.Payload)
	if err != nil {
		r.logger.Warn("dropping undecodable command", "sender", msg.Sender, "err", err)
		return nil
	}
	return r.admit(cmd)
}

// maxHeld bounds the commands held back per origin. Beyond it commands are
// dropped and recovered by the resend of the next view change.
const maxHeld = 4096

// admit applies a peer command if it is the next of its origin, followed by
// every held command that becomes next in turn. A command further ahead is
// held until the gap before it is filled: a resend and a new broadcast of
// the same origin can arrive in either order.
func (r *Replica) admit(cmd model.Command) error {
	o := cmd.ID.Origin
	if o >= 0 && o < r.cfg.Replicas && o != r.self && cmd.ID.Index > r.k.Applied(o)+1 {
		held := r.held[o]
		if _, dup := held[cmd.ID.Index]; !dup && len(held) < maxHeld {
			held[cmd.ID.Index] = cmd
			r.logger.Debug("holding command", "origin", o, "index", cmd.ID.Index, "applied", r.k.Applied(o))
		}
		return nil
	}
	applied, _, err := r.applyCommand(cmd)
	if err != nil || !applied || o == r.self {
		return err
	}
	held := r.held[o]
	for len(held) > 0 {
		next, ok := held[r.k.Applied(o)+1]
		if !ok {
			break
		}
		delete(held, next.ID.Index)
		if _, _, err := r.applyCommand(next); err != nil {
			return err
		}
	}
	return nil
}

// applyCommand runs the apply path for cmd. Commands that are not the next
// index of their origin are dropped; applied reports whether cmd was used.
// Errors are fatal: the log or the store failed.
func (r *Replica) applyCommand(cmd model.Command) (applied bool, effect mailbox.Effect, err error) {
	if !r.k.IsNext(cmd.ID) {
		r.logger.Debug("dropping command", "origin", cmd.ID.Origin, "index", cmd.ID.Index,
			"applied", r.appliedOf(cmd.ID.Origin))
		return false, 0, nil
	}
	if err := r.log.Append(cmd); err != nil {
		return false, 0, fmt.Errorf("append %s: %w", cmd.ID, err)
	}
	r.k.Advance(cmd.ID.Origin)
	effect = r.mail.Apply(cmd)
	r.queues[cmd.ID.Origin].push(cmd)
	r.logger.Debug("applied command", "origin", cmd.ID.Origin, "index", cmd.ID.Index,
		"kind", cmd.Payload.Kind(), "effect", effect)

	if cmd.ID.Origin == r.self {
		if err := r.broadcast(cmd); err != nil {
			return true, effect, err
		}
	}
	r.sinceGossip++
	if r.cfg.GossipEvery > 0 && r.sinceGossip >= r.cfg.GossipEvery {
		if err := r.sendKnowledge(r.viewID()); err != nil {
			return true, effect, err
		}
	}
	r.sinceCheckpoint++
	if r.sinceCheckpoint >= r.cfg.CheckpointEvery {
		if err := r.checkpoint(); err != nil {
			return true, effect, err
		}
	}
	return true, effect, nil
}

func (r *Replica) appliedOf(origin int) int64 {
	if origin < 0 || origin >= r.cfg.Replicas {
		return -1
	}
	return r.k.Applied(origin)
}

func (r *Replica) broadcast(cmd model.Command) error {
	b, err := wire.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return r.multicast(wire.PeerGroup, wire.KindCommand, b)
}

func (r *Replica) sendKnowledge(view uint64) error {
	r.sinceGossip = 0
	m := wire.Knowledge{Sender: r.self, ViewID: view, Matrix: r.k.Snapshot()}
	return r.multicast(wire.PeerGroup, wire.KindKnowledge, m.Encode())
}

// onKnowledge merges a peer matrix. It reports whether the matrix changed.
func (r *Replica) onKnowledge(msg *transport.Message) bool {
	m, err := wire.DecodeKnowledge(msg.Payload)
	if err != nil {
		r.logger.Warn("dropping undecodable knowledge", "sender", msg.Sender, "err", err)
		return false
	}
	changed, err := r.k.Merge(m.Matrix)
	if err != nil {
		r.logger.Warn("dropping knowledge", "sender", msg.Sender, "err", err)
		return false
	}
	if m.ViewID > r.heard[m.Sender] {
		r.heard[m.Sender] = m.ViewID
	}
	if changed {
		r.merges++
	}
	return changed
}

func (r *Replica) viewID() uint64 {
	if r.view == nil {
		return 0
	}
	return r.view.ViewID
}

func (r *Replica) multicast(group string, kind wire.Kind, payload []byte) error {
	err := transport.Retry(func() error { return r.tr.Multicast(group, kind, payload) })
	if err != nil {
		return fmt.Errorf("multicast %s to %s: %w", kind, group, err)
	}
	return nil
}

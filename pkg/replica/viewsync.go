package replica

import (
	"context"
	"errors"
	"fmt"

	"github.com/daviddao/replimail/pkg/cmdlog"
	"github.com/daviddao/replimail/pkg/frontier"
	"github.com/daviddao/replimail/pkg/model"
	"github.com/daviddao/replimail/pkg/transport"
	"github.com/daviddao/replimail/pkg/wire"
)

// synchronize brings the replicas of a new peer view up to date with each
// other:
//
//  1. every present replica multicasts its matrix, tagged with the view id
//  2. each waits for the matrix of every other present replica
//  3. for every origin the best-informed present replica re-sends what the
//     least-informed one is missing
//
// While waiting, requests that only read state are served; requests that
// would originate a command, and peer commands, are stashed and run after
// step 3. A newer peer view restarts the round.
func (r *Replica) synchronize(ctx context.Context, view *transport.Membership) error {
	for attempt := 1; ; attempt++ {
		if r.cfg.MaxSyncAttempts > 0 && attempt > r.cfg.MaxSyncAttempts {
			return fmt.Errorf("%w: view %d after %d attempts", ErrSyncAborted, view.ViewID, r.cfg.MaxSyncAttempts)
		}
		r.state = Synchronizing
		r.view = view
		r.interrupted = view
		r.logger.Info("synchronizing", "view", view.ViewID, "members", view.Members, "attempt", attempt)

		if err := r.sendKnowledge(view.ViewID); err != nil {
			return err
		}
		r.state = WaitingForQuorum
		next, err := r.awaitKnowledge(ctx, view)
		if err != nil {
			return err
		}
		if next == nil {
			break
		}
		view = next
	}
	r.interrupted = nil

	if err := r.resend(r.present(view)); err != nil {
		return err
	}
	r.state = Stable
	r.logger.Info("synchronized", "view", view.ViewID, "stashed", len(r.stash))

	stash := r.stash
	r.stash = nil
	for _, ev := range stash {
		if err := r.onMessage(ev.Message); err != nil {
			return err
		}
	}
	r.merges = 0
	return r.collect()
}

// awaitKnowledge receives until every other replica of view has sent its
// matrix for it. It returns the next peer view if one arrives first.
func (r *Replica) awaitKnowledge(ctx context.Context, view *transport.Membership) (*transport.Membership, error) {
	present := r.present(view)
	for !r.heardFromAll(view.ViewID, present) {
		ev, err := r.tr.Receive(ctx)
		if err != nil {
			return nil, err
		}
		switch ev.Type {
		case transport.EventMembership:
			if ev.Membership.Group == wire.PeerGroup {
				return ev.Membership, nil
			}
			if err := r.onClientView(ev.Membership); err != nil {
				return nil, err
			}
		case transport.EventMessage:
			msg := ev.Message
			switch {
			case msg.Kind == wire.KindKnowledge:
				r.onKnowledge(msg)
			case msg.Kind == wire.KindCommand:
				r.stash = append(r.stash, ev)
			case msg.Kind.IsClientRequest():
				if err := r.onClientRequest(msg); err != nil {
					return nil, err
				}
			}
		}
	}
	return nil, nil
}

func (r *Replica) heardFromAll(view uint64, present []bool) bool {
	for p, ok := range present {
		if ok && p != r.self && r.heard[p] < view {
			return false
		}
	}
	return true
}

// present marks the replicas that are members of view. Self is always
// present.
func (r *Replica) present(view *transport.Membership) []bool {
	present := make([]bool, r.cfg.Replicas)
	present[r.self] = true
	for _, name := range view.Members {
		id, ok := wire.ParseReplicaMember(name)
		if ok && id <= r.cfg.Replicas {
			present[id-1] = true
		}
	}
	return present
}

// resend re-broadcasts the ranges this replica is elected for.
func (r *Replica) resend(present []bool) error {
	for _, rg := range frontier.ResendPlan(r.self, r.k.Snapshot(), present) {
		cmds, err := r.commandsIn(rg)
		if err != nil {
			return err
		}
		for _, cmd := range cmds {
			if err := r.broadcast(cmd); err != nil {
				return err
			}
		}
		r.logger.Info("re-sent commands", "origin", rg.Origin, "from", rg.From, "through", rg.Through)
	}
	return nil
}

var errRangeDone = errors.New("range done")

// commandsIn returns the commands of rg from the queue, or from the log if
// the queue has already been pruned past rg.From.
func (r *Replica) commandsIn(rg frontier.Range) ([]model.Command, error) {
	q := &r.queues[rg.Origin]
	if q.covers(rg.From, rg.Through) {
		return q.slice(rg.From, rg.Through), nil
	}
	cmds := make([]model.Command, 0, rg.Len())
	_, err := r.log.Replay(rg.Origin, rg.From, func(cmd model.Command) error {
		cmds = append(cmds, cmd)
		if cmd.ID.Index >= rg.Through {
			return errRangeDone
		}
		return nil
	})
	if err != nil && !errors.Is(err, errRangeDone) {
		return nil, fmt.Errorf("read origin %d from log: %w", rg.Origin, err)
	}
	if int64(len(cmds)) != rg.Len() {
		return nil, fmt.Errorf("origin %d: %w: log holds %d of %d commands from %d",
			rg.Origin, cmdlog.ErrCorrupt, len(cmds), rg.Len(), rg.From)
	}
	return cmds, nil
}

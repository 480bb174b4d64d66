package replica

import (
	"fmt"
	"slices"

	"github.com/daviddao/replimail/pkg/cmdlog"
	"github.com/daviddao/replimail/pkg/model"
)

// Recover rebuilds the replica from its store and command log: the last
// checkpoint provides the matrix and mailbox, and the log is replayed from
// the collection point of each origin. Commands the checkpoint already
// covers only refill the command queue; later ones are applied again,
// without being logged or broadcast a second time.
func (r *Replica) Recover() error {
	if r.recovered {
		return nil
	}
	n := r.cfg.Replicas
	cp, found, err := r.st.LoadCheckpoint()
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if found {
		if cp.Replica != r.self {
			return fmt.Errorf("checkpoint belongs to replica index %d, not %d", cp.Replica, r.self)
		}
		if err := r.k.Restore(cp.Knowledge); err != nil {
			return fmt.Errorf("restore knowledge: %w", err)
		}
		r.mail.Restore(cp.Mailbox)
		r.durable = slices.Clone(cp.Applied())
	}
	points, err := r.st.LoadWatermark(n)
	if err != nil {
		return fmt.Errorf("load collection points: %w", err)
	}
	r.retained = points

	var replayed int64
	for o := range n {
		covered := r.k.Applied(o)
		if points[o] > covered {
			return fmt.Errorf("origin %d: %w: collected through %d but checkpoint covers %d",
				o, cmdlog.ErrCorrupt, points[o], covered)
		}
		q := &r.queues[o]
		*q = commandQueue{base: points[o]}
		got, err := r.log.Replay(o, points[o]+1, func(cmd model.Command) error {
			if cmd.ID.Index > covered {
				if !r.k.IsNext(cmd.ID) {
					return fmt.Errorf("%w: replayed %s out of order", cmdlog.ErrCorrupt, cmd.ID)
				}
				r.k.Advance(o)
				r.mail.Apply(cmd)
				replayed++
			}
			q.push(cmd)
			return nil
		})
		if err != nil {
			return fmt.Errorf("replay origin %d: %w", o, err)
		}
		if points[o]+got < covered {
			return fmt.Errorf("origin %d: %w: log ends at %d, checkpoint covers %d",
				o, cmdlog.ErrCorrupt, points[o]+got, covered)
		}
	}
	r.recovered = true
	r.logger.Info("recovered", "checkpoint", found, "replayed", replayed,
		"applied", r.k.Row(r.self), "entries", r.mail.Len())
	return nil
}

package replica

import (
	"fmt"

	"github.com/daviddao/replimail/pkg/frontier"
)

// collect discards commands every replica has applied. The new points are
// persisted before any block is removed, so a crash in between leaves
// extra blocks rather than a replay that starts inside a missing one.
func (r *Replica) collect() error {
	plan := frontier.CollectPlan(r.self, r.k.Snapshot(), r.retained, r.durable)
	if len(plan) == 0 {
		return nil
	}
	points := append([]int64(nil), r.retained...)
	for _, c := range plan {
		points[c.Origin] = c.Point
	}
	if err := r.st.SaveWatermark(points); err != nil {
		return fmt.Errorf("save collection points: %w", err)
	}
	r.retained = points

	for _, c := range plan {
		removed, err := r.log.TruncateBefore(c.Origin, c.Point+1)
		if err != nil {
			return fmt.Errorf("collect origin %d: %w", c.Origin, err)
		}
		r.queues[c.Origin].prune(c.Point)
		r.logger.Debug("collected", "origin", c.Origin, "point", c.Point, "blocks_removed", removed)
	}
	return nil
}

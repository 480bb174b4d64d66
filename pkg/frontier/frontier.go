// Package frontier computes progress frontiers over a knowledge matrix.
//
// Two questions are answered here, both as pure functions of a matrix
// snapshot so that every replica holding the same snapshot reaches the same
// answer without coordination:
//
//   - Which commands does everybody already have? The safe-delivered
//     watermark W[j] = min_i K[i][j] is the highest index of origin j known
//     to be applied by every replica. Nothing at or below it is ever needed
//     for recovery again.
//
//   - After a view change, who re-sends what? For every origin the present
//     replica with the most knowledge of it is elected (ties go to the
//     lowest index) and re-sends everything past the least-informed present
//     replica.
package frontier

// Range is an inclusive span of one origin's command indexes.
type Range struct {
	Origin  int   `json:"origin"`
	From    int64 `json:"from"`
	Through int64 `json:"through"`
}

// Len returns the number of indexes in r.
func (r Range) Len() int64 {
	if r.Through < r.From {
		return 0
	}
	return r.Through - r.From + 1
}

// Watermark returns W[j] = min over all replicas i of K[i][j].
func Watermark(k [][]int64) []int64 {
	if len(k) == 0 {
		return nil
	}
	w := make([]int64, len(k[0]))
	copy(w, k[0])
	for _, row := range k[1:] {
		for j, v := range row {
			if v < w[j] {
				w[j] = v
			}
		}
	}
	return w
}

// Elect returns, for every origin o, the present replica p with the largest
// K[p][o]. Ties go to the lowest replica index. The entry is -1 when no
// replica is present.
func Elect(k [][]int64, present []bool) []int {
	elected := make([]int, len(k))
	for o := range k {
		elected[o] = -1
		var best int64
		for p := range k {
			if p >= len(present) || !present[p] {
				continue
			}
			if elected[o] == -1 || k[p][o] > best {
				elected[o] = p
				best = k[p][o]
			}
		}
	}
	return elected
}

// ResendPlan returns the ranges replica self must re-broadcast after a view
// change: for every origin self is elected for, from one past the least
// knowledge among present replicas through self's own knowledge. Empty
// ranges are omitted.
func ResendPlan(self int, k [][]int64, present []bool) []Range {
	var plan []Range
	for o, holder := range Elect(k, present) {
		if holder != self {
			continue
		}
		least := k[self][o]
		for p := range k {
			if p < len(present) && present[p] && k[p][o] < least {
				least = k[p][o]
			}
		}
		r := Range{Origin: o, From: least + 1, Through: k[self][o]}
		if r.Len() > 0 {
			plan = append(plan, r)
		}
	}
	return plan
}

// Collection is a new garbage-collection point for one origin: every index
// at or below Point may be discarded.
type Collection struct {
	Origin int   `json:"origin"`
	Point  int64 `json:"point"`
}

// CollectPlan returns the origins whose collection point can advance past
// retained. The new point is the watermark, capped by what self has applied
// and by durable (what self's last checkpoint covers), so a collection can
// never discard a command self would need after a restart.
func CollectPlan(self int, k [][]int64, retained, durable []int64) []Collection {
	var plan []Collection
	for j, w := range Watermark(k) {
		point := min(w, k[self][j], durable[j])
		if point > retained[j] {
			plan = append(plan, Collection{Origin: j, Point: point})
		}
	}
	return plan
}

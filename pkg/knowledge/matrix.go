// Package knowledge implements the replica knowledge matrix.
//
// The matrix is the vector-clock analogue of Lamport's logical clock. For N
// replicas it holds N×N counters:
//
//	K[i][j] = highest index from origin j that replica i has applied.
//
// Two rules govern it, mirroring Lamport's IR1/IR2:
//
//	Advance (local apply): after applying the next command from origin j,
//	     increment K[self][j].
//	Merge (knowledge receipt): on receiving a peer's matrix P, set every
//	     K[i][j] to max(K[i][j], P[i][j]).
//
// Neither rule can lower a counter, so every entry is non-decreasing. The
// single admission test for applying a command is IsNext: a command is
// applied only when it is exactly the next index for its origin, which gives
// gap-free per-origin order and turns duplicates into silent no-ops.
//
// Note: Matrix is not goroutine-safe. It is owned by one replica event loop.
package knowledge

import (
	"errors"
	"fmt"

	"github.com/daviddao/replimail/pkg/model"
)

// ErrDimension is returned when a matrix of the wrong shape is merged or
// restored.
var ErrDimension = errors.New("knowledge matrix dimension mismatch")

// Matrix is the knowledge matrix of replica Self. Not goroutine-safe.
type Matrix struct {
	self int
	k    [][]int64
}

// New returns a zero matrix for n replicas owned by replica self.
func New(self, n int) *Matrix {
	if n <= 0 || self < 0 || self >= n {
		panic(fmt.Sprintf("knowledge: invalid self=%d n=%d", self, n))
	}
	k := make([][]int64, n)
	for i := range k {
		k[i] = make([]int64, n)
	}
	return &Matrix{self: self, k: k}
}

// Self returns the owning replica index.
func (m *Matrix) Self() int { return m.self }

// N returns the number of replicas.
func (m *Matrix) N() int { return len(m.k) }

// Get returns K[i][j].
func (m *Matrix) Get(i, j int) int64 { return m.k[i][j] }

// Applied returns K[self][origin]: how many commands from origin this
// replica has applied.
func (m *Matrix) Applied(origin int) int64 { return m.k[m.self][origin] }

// Row returns a copy of replica i's row.
func (m *Matrix) Row(i int) []int64 {
	out := make([]int64, len(m.k[i]))
	copy(out, m.k[i])
	return out
}

// Advance records that the next command from origin has been applied and
// returns the new K[self][origin].
func (m *Matrix) Advance(origin int) int64 {
	m.k[m.self][origin]++
	return m.k[m.self][origin]
}

// IsNext reports whether id is exactly the next command this replica needs
// from its origin. Stale, duplicate and out-of-order ids all fail.
func (m *Matrix) IsNext(id model.CommandID) bool {
	if id.Origin < 0 || id.Origin >= len(m.k) {
		return false
	}
	return id.Index == m.k[m.self][id.Origin]+1
}

// Merge takes the element-wise maximum with peer. It reports whether any
// entry changed.
func (m *Matrix) Merge(peer [][]int64) (bool, error) {
	if err := m.checkShape(peer); err != nil {
		return false, err
	}
	changed := false
	for i := range m.k {
		for j := range m.k[i] {
			if peer[i][j] > m.k[i][j] {
				m.k[i][j] = peer[i][j]
				changed = true
			}
		}
	}
	return changed, nil
}

// Snapshot returns a deep copy of the matrix.
func (m *Matrix) Snapshot() [][]int64 {
	out := make([][]int64, len(m.k))
	for i := range m.k {
		out[i] = m.Row(i)
	}
	return out
}

// Restore loads rows from a checkpoint. It is a merge: a checkpoint can
// never lower what is already known.
func (m *Matrix) Restore(rows [][]int64) error {
	_, err := m.Merge(rows)
	return err
}

func (m *Matrix) checkShape(rows [][]int64) error {
	if len(rows) != len(m.k) {
		return fmt.Errorf("%w: %d rows, want %d", ErrDimension, len(rows), len(m.k))
	}
	for i, r := range rows {
		if len(r) != len(m.k) {
			return fmt.Errorf("%w: row %d has %d columns, want %d", ErrDimension, i, len(r), len(m.k))
		}
	}
	return nil
}

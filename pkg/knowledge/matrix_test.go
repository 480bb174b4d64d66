package knowledge

import (
	"testing"

	"github.com/daviddao/replimail/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func id(origin int, index int64) model.CommandID {
	return model.CommandID{Origin: origin, Index: index}
}

func TestAdvanceIncrementsOwnRow(t *testing.T) {
	m := New(1, 3)
	for want := int64(1); want <= 5; want++ {
		require.Equal(t, want, m.Advance(1), "Advance #%d", want)
	}
	assert.Equal(t, int64(5), m.Get(1, 1))
	assert.Equal(t, int64(5), m.Applied(1))
	assert.Zero(t, m.Get(0, 1), "Advance must only touch the owner's row")
}

func TestIsNext(t *testing.T) {
	m := New(0, 3)
	assert.True(t, m.IsNext(id(2, 1)), "first command from origin 2 should be next")
	assert.False(t, m.IsNext(id(2, 2)), "index 2 before index 1 is a gap")
	m.Advance(2)
	assert.False(t, m.IsNext(id(2, 1)), "already-applied index")
	assert.True(t, m.IsNext(id(2, 2)))
}

func TestIsNext_OriginOutOfRange(t *testing.T) {
	m := New(0, 3)
	assert.False(t, m.IsNext(id(3, 1)))
	assert.False(t, m.IsNext(id(-1, 1)))
}

func TestMergeTakesMaximum(t *testing.T) {
	m := New(0, 2)
	m.Advance(0)
	m.Advance(0)
	changed, err := m.Merge([][]int64{{1, 0}, {3, 4}})
	require.NoError(t, err)
	assert.True(t, changed, "merge with larger entries should report a change")
	assert.Equal(t, [][]int64{{2, 0}, {3, 4}}, m.Snapshot())
}

func TestMergeIsMonotonic(t *testing.T) {
	m := New(0, 2)
	_, err := m.Merge([][]int64{{5, 5}, {5, 5}})
	require.NoError(t, err)
	changed, err := m.Merge([][]int64{{1, 1}, {1, 1}})
	require.NoError(t, err)
	assert.False(t, changed, "merging smaller values must not report a change")
	assert.Equal(t, [][]int64{{5, 5}, {5, 5}}, m.Snapshot())
}

func TestMergeRejectsWrongShape(t *testing.T) {
	m := New(0, 2)
	_, err := m.Merge([][]int64{{1, 2, 3}})
	assert.ErrorIs(t, err, ErrDimension)
	_, err = m.Merge([][]int64{{1}, {2}})
	assert.ErrorIs(t, err, ErrDimension, "ragged rows")
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	m := New(0, 2)
	snap := m.Snapshot()
	snap[0][0] = 99
	assert.Zero(t, m.Get(0, 0), "mutating a snapshot leaked into the matrix")
	row := m.Row(1)
	row[1] = 7
	assert.Zero(t, m.Get(1, 1), "mutating a row copy leaked into the matrix")
}

func TestRestoreNeverLowers(t *testing.T) {
	m := New(0, 2)
	m.Advance(1)
	m.Advance(1)
	require.NoError(t, m.Restore([][]int64{{0, 1}, {0, 0}}))
	assert.Equal(t, int64(2), m.Applied(1), "Restore lowered K[0][1]")
}

func TestNewPanicsOnBadSelf(t *testing.T) {
	assert.Panics(t, func() { New(3, 3) })
}

package frontier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func all(n int) []bool {
	p := make([]bool, n)
	for i := range p {
		p[i] = true
	}
	return p
}

func TestWatermark_Empty(t *testing.T) {
	assert.Empty(t, Watermark(nil))
}

func TestWatermark_ColumnMinimum(t *testing.T) {
	k := [][]int64{
		{5, 2, 9},
		{3, 4, 9},
		{4, 1, 7},
	}
	assert.Equal(t, []int64{3, 1, 7}, Watermark(k))
}

func TestWatermark_DoesNotAliasInput(t *testing.T) {
	k := [][]int64{{5, 5}, {6, 6}}
	w := Watermark(k)
	w[0] = 100
	assert.Equal(t, int64(5), k[0][0], "Watermark result aliases the first row")
}

func TestElect_MaxHolderPerOrigin(t *testing.T) {
	k := [][]int64{
		{3, 1, 0},
		{2, 5, 0},
		{3, 4, 2},
	}
	// origin 0: tie 0/2 -> 0
	assert.Equal(t, []int{0, 1, 2}, Elect(k, all(3)))
}

func TestElect_SkipsAbsentReplicas(t *testing.T) {
	k := [][]int64{
		{1, 0},
		{9, 0},
	}
	got := Elect(k, []bool{true, false})
	assert.Equal(t, 0, got[0], "absent replica 1 elected for origin 0")
}

func TestElect_NobodyPresent(t *testing.T) {
	assert.Equal(t, []int{-1}, Elect([][]int64{{1}}, []bool{false}))
}

func TestElect_Deterministic(t *testing.T) {
	k := [][]int64{
		{4, 4, 1, 0, 2},
		{4, 3, 1, 0, 2},
		{2, 4, 1, 0, 3},
		{0, 0, 0, 0, 0},
		{4, 4, 1, 0, 3},
	}
	present := []bool{true, true, true, false, true}
	first := Elect(k, present)
	for i := 0; i < 10; i++ {
		// Each replica computes on its own copy of the same snapshot.
		cp := make([][]int64, len(k))
		for r := range k {
			cp[r] = append([]int64(nil), k[r]...)
		}
		assert.Equal(t, first, Elect(cp, append([]bool(nil), present...)), "run %d", i)
	}
}

func TestResendPlan_OnlyElectedOrigins(t *testing.T) {
	k := [][]int64{
		{6, 2, 0},
		{6, 4, 0},
		{3, 2, 0},
	}
	// Replica 0 wins origin 0 (tie with 1, lower index); replica 1 wins origin 1.
	assert.Equal(t, []Range{{Origin: 0, From: 4, Through: 6}}, ResendPlan(0, k, all(3)))
	assert.Equal(t, []Range{{Origin: 1, From: 3, Through: 4}}, ResendPlan(1, k, all(3)))
	assert.Empty(t, ResendPlan(2, k, all(3)), "replica 2 holds nothing new")
}

func TestResendPlan_IgnoresAbsentForMinimum(t *testing.T) {
	k := [][]int64{
		{5},
		{0},
	}
	assert.Empty(t, ResendPlan(0, k, []bool{true, false}), "absent replica 1 should not pull a resend")
}

func TestCollectPlan_CappedByDurable(t *testing.T) {
	k := [][]int64{
		{10, 4},
		{8, 4},
	}
	retained := []int64{0, 4}
	durable := []int64{6, 4}
	assert.Equal(t, []Collection{{Origin: 0, Point: 6}}, CollectPlan(0, k, retained, durable))
}

func TestCollectPlan_NothingNew(t *testing.T) {
	k := [][]int64{{3}, {3}}
	assert.Empty(t, CollectPlan(0, k, []int64{3}, []int64{3}))
}

func TestRange_Len(t *testing.T) {
	assert.Zero(t, Range{From: 4, Through: 3}.Len(), "inverted range should be empty")
	assert.Equal(t, int64(3), Range{From: 4, Through: 6}.Len())
}

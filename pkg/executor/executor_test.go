package executor

import (
	"encoding/binary"
	"testing"

	"github.com/cuemby/flowdb/pkg/errs"
	"github.com/cuemby/flowdb/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOperator replays a fixed sequence of blocks, one per Pull call.
type fakeOperator struct {
	blocks []*types.DataBlock
	idx    int
}

func (f *fakeOperator) Pull() (*Result, error) {
	if f.idx >= len(f.blocks) {
		return nil, nil
	}
	b := f.blocks[f.idx]
	f.idx++
	return &Result{Block: b}, nil
}

func tsBlock(rows ...int64) *types.DataBlock {
	buf := make([]byte, 8*len(rows))
	for i, ts := range rows {
		binary.BigEndian.PutUint64(buf[i*8:], uint64(ts))
	}
	return &types.DataBlock{
		NumRows: int32(len(rows)),
		Columns: []types.Column{{Name: "ts", Bytes: 8, Data: buf}},
	}
}

// tsValueBlock builds a two-column block: "ts" at index 0, "v" (a
// plain int64 numeric column) at index 1.
func tsValueBlock(ts, v []int64) *types.DataBlock {
	tsBuf := make([]byte, 8*len(ts))
	vBuf := make([]byte, 8*len(v))
	for i, t := range ts {
		binary.BigEndian.PutUint64(tsBuf[i*8:], uint64(t))
	}
	for i, x := range v {
		binary.BigEndian.PutUint64(vBuf[i*8:], uint64(x))
	}
	return &types.DataBlock{
		NumRows: int32(len(ts)),
		Columns: []types.Column{
			{Name: "ts", Bytes: 8, Data: tsBuf},
			{Name: "v", Bytes: 8, Data: vBuf},
		},
	}
}

func sumExpr() []types.Expr {
	return []types.Expr{{Name: "sum(v)", IsAgg: true, AggFunc: types.AggSum, InputCol: 1}}
}

func avgExpr() []types.Expr {
	return []types.Expr{{Name: "avg(v)", IsAgg: true, AggFunc: types.AggAvg, InputCol: 1}}
}

func TestLimitDecrementsOffsetBeforeCounting(t *testing.T) {
	src := &fakeOperator{blocks: []*types.DataBlock{tsBlock(1, 2, 3, 4, 5)}}
	lim := NewLimit(src, 2, 2)

	res, err := lim.Pull()
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.EqualValues(t, 2, res.Block.NumRows)
	assert.Equal(t, int64(3), timestampAt(res.Block, 0))
	assert.Equal(t, int64(4), timestampAt(res.Block, 1))

	res, err = lim.Pull()
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestSessionWindowClosesOnGap(t *testing.T) {
	// gap of 10: rows at 0,5,9 stay in one session; 30 starts a new one.
	src := &fakeOperator{blocks: []*types.DataBlock{tsBlock(0, 5, 9, 30)}}
	sw := NewSessionWindow(src, &types.OperatorNode{SessionGapN: 10})

	var windows []*types.ResultRow
	for {
		res, err := sw.Pull()
		require.NoError(t, err)
		if res == nil {
			break
		}
		windows = append(windows, &res.Block.Rows[0])
	}

	require.Len(t, windows, 2)
	assert.EqualValues(t, 3, windows[0].NumOfRows)
	assert.EqualValues(t, 1, windows[1].NumOfRows)
	assert.Equal(t, int64(30), windows[1].WindowStart)
}

func TestIntervalWindowBucketsRows(t *testing.T) {
	src := &fakeOperator{blocks: []*types.DataBlock{tsBlock(0, 1, 10, 11, 20)}}
	iw := NewIntervalWindow(src, &types.OperatorNode{IntervalNS: 10})

	total := 0
	windowCount := 0
	for {
		res, err := iw.Pull()
		require.NoError(t, err)
		if res == nil {
			break
		}
		total += int(res.Block.NumRows)
		windowCount++
	}
	assert.Equal(t, 5, total)
	assert.Equal(t, 3, windowCount)
}

func TestIntervalWindowFailsWhenTooManyOpen(t *testing.T) {
	rows := make([]int64, 0, maxOpenWindows+1)
	for i := 0; i < maxOpenWindows+1; i++ {
		rows = append(rows, int64(i)*10)
	}
	src := &fakeOperator{blocks: []*types.DataBlock{tsBlock(rows...)}}
	iw := NewIntervalWindow(src, &types.OperatorNode{IntervalNS: 10})

	_, err := iw.Pull()
	assert.ErrorIs(t, err, errs.TooManyTimeWindows)
}

func TestAggregateDrainsToSingleGroup(t *testing.T) {
	src := &fakeOperator{blocks: []*types.DataBlock{tsBlock(1, 2, 3), tsBlock(4, 5)}}
	agg := NewAggregate(src, nil)

	res, err := agg.Pull()
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.EqualValues(t, 5, res.Block.NumRows)

	res, err = agg.Pull()
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestAggregateSumsValueColumn(t *testing.T) {
	ts := make([]int64, 100)
	v := make([]int64, 100)
	for i := 0; i < 100; i++ {
		ts[i] = int64(i + 1)
		v[i] = int64(i + 1)
	}
	src := &fakeOperator{blocks: []*types.DataBlock{tsValueBlock(ts[:60], v[:60]), tsValueBlock(ts[60:], v[60:])}}
	agg := NewAggregate(src, sumExpr())

	res, err := agg.Pull()
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Len(t, res.Block.Rows[0].Entries, 1)
	assert.InDelta(t, 5050, res.Block.Rows[0].Entries[0].Value, 1e-9)

	res, err = agg.Pull()
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestGroupByAccumulatesPerGroup(t *testing.T) {
	block := &types.DataBlock{
		NumRows: 4,
		Columns: []types.Column{
			{Name: "ts", Bytes: 8, Data: make([]byte, 32)},
			{Name: "tag", Bytes: 8, Data: encodeInt64s(1, 1, 2, 2)},
			{Name: "v", Bytes: 8, Data: encodeInt64s(10, 20, 100, 200)},
		},
	}
	src := &fakeOperator{blocks: []*types.DataBlock{block}}
	gb := NewGroupBy(src, &types.OperatorNode{
		Exprs: []types.Expr{{Name: "sum(v)", IsAgg: true, AggFunc: types.AggSum, InputCol: 2}},
	})

	totals := map[string]float64{}
	for {
		res, err := gb.Pull()
		require.NoError(t, err)
		if res == nil {
			break
		}
		row := res.Block.Rows[0]
		totals[string(row.GroupKey)] = row.Entries[0].Value
	}
	require.Len(t, totals, 2)
	assert.InDelta(t, 30, totals[string(encodeInt64s(1))], 1e-9)
	assert.InDelta(t, 300, totals[string(encodeInt64s(2))], 1e-9)
}

func TestIntervalWindowAvgWithFillPrevMatchesScenario(t *testing.T) {
	src := &fakeOperator{blocks: []*types.DataBlock{tsValueBlock([]int64{0, 2, 4}, []int64{10, 20, 30})}}
	iw := NewIntervalWindow(src, &types.OperatorNode{IntervalNS: 1, Exprs: avgExpr()})
	fill := NewFill(iw, &types.OperatorNode{IntervalNS: 1, FillMode: types.FillPrev})

	var got []float64
	for {
		res, err := fill.Pull()
		require.NoError(t, err)
		if res == nil {
			break
		}
		got = append(got, res.Block.Rows[0].Entries[0].Value)
	}
	require.Len(t, got, 5)
	assert.InDeltaSlice(t, []float64{10, 10, 20, 20, 30}, got, 1e-9)
}

func encodeInt64s(vals ...int64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint64(buf[i*8:], uint64(v))
	}
	return buf
}

func TestFilterDropsNonMatchingRows(t *testing.T) {
	src := &fakeOperator{blocks: []*types.DataBlock{tsBlock(1, 2, 3, 4)}}
	f := NewFilter(src, nil)
	f.SetPredicate(func(block *types.DataBlock, row int) bool {
		return timestampAt(block, row)%2 == 0
	})

	res, err := f.Pull()
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.EqualValues(t, 2, res.Block.NumRows)
	assert.Equal(t, int64(2), timestampAt(res.Block, 0))
	assert.Equal(t, int64(4), timestampAt(res.Block, 1))
}

func TestGroupByRejectsFloatColumn(t *testing.T) {
	block := &types.DataBlock{
		NumRows: 1,
		Columns: []types.Column{
			{Name: "ts", Bytes: 8, Data: make([]byte, 8)},
			{Name: "tag", Type: floatColumnType, Bytes: 8, Data: make([]byte, 8)},
		},
	}
	src := &fakeOperator{blocks: []*types.DataBlock{block}}
	gb := NewGroupBy(src, &types.OperatorNode{})

	_, err := gb.Pull()
	assert.Error(t, err)
}

func TestScanRepeatsReversedAfterForwardExhaustion(t *testing.T) {
	forward := []*types.DataBlock{tsBlock(1, 2)}
	reverse := []*types.DataBlock{tsBlock(2, 1)}

	source := &fakeScanSource{forward: forward, reverse: reverse}
	s := NewScan(source)
	s.SetRepeat(true)

	var got []*types.DataBlock
	for {
		res, err := s.Pull()
		require.NoError(t, err)
		if res == nil {
			break
		}
		got = append(got, res.Block)
	}
	require.Len(t, got, 2)
	assert.True(t, source.resetCalled)
}

type fakeScanSource struct {
	forward     []*types.DataBlock
	reverse     []*types.DataBlock
	idx         int
	resetCalled bool
}

func (f *fakeScanSource) NextBlock() (*types.DataBlock, error) {
	list := f.forward
	if f.resetCalled {
		list = f.reverse
	}
	if f.idx >= len(list) {
		return nil, nil
	}
	b := list[f.idx]
	f.idx++
	return b, nil
}

func (f *fakeScanSource) Reset(reverse bool) error {
	f.resetCalled = true
	f.idx = 0
	return nil
}

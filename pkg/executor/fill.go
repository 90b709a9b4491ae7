package executor

import "github.com/cuemby/flowdb/pkg/types"

// Fill inserts missing window rows per the configured policy between
// consecutive rows from its downstream, carrying a real per-expression
// value into each synthetic row rather than a bare placeholder (spec
// §4.4 "Fill"). The real row that follows a gap is held back until
// that gap's synthetic rows have been returned. Group boundaries
// (Result.NewGroup) are not consulted, so gaps are filled across them
// as well, and no rows are filled after the last real row.
type Fill struct {
	downstream Operator
	mode       types.FillMode
	value      float64
	stepNS     int64

	pending     []*Result
	lastStart   int64
	lastEntries []types.EntryInfo
	haveLast    bool
	buffered    *Result
}

// NewFill constructs a Fill operator from the plan node's
// FillMode/FillValue/IntervalNS (the step between expected windows).
func NewFill(downstream Operator, node *types.OperatorNode) *Fill {
	return &Fill{downstream: downstream, mode: node.FillMode, value: node.FillValue, stepNS: node.IntervalNS}
}

// Pull implements Operator.
func (f *Fill) Pull() (*Result, error) {
	if len(f.pending) > 0 {
		r := f.pending[0]
		f.pending = f.pending[1:]
		return r, nil
	}

	var res *Result
	var err error
	if f.buffered != nil {
		res, f.buffered = f.buffered, nil
	} else {
		res, err = f.downstream.Pull()
		if err != nil {
			return nil, err
		}
	}
	if res == nil {
		return nil, nil
	}
	if f.mode == types.FillNone || len(res.Block.Rows) == 0 {
		return res, nil
	}

	row := res.Block.Rows[0]
	if f.haveLast {
		gapStart := f.lastStart
		gapEnd := row.WindowStart
		cur := gapStart + f.stepNS
		for f.stepNS > 0 && cur < gapEnd {
			frac := 0.0
			if gapEnd > gapStart {
				frac = float64(cur-gapStart) / float64(gapEnd-gapStart)
			}
			f.pending = append(f.pending, f.syntheticRow(cur, row.Entries, frac))
			cur += f.stepNS
		}
	}
	f.lastStart = row.WindowStart
	f.lastEntries = row.Entries
	f.haveLast = true

	if len(f.pending) > 0 {
		f.buffered = res
		r := f.pending[0]
		f.pending = f.pending[1:]
		return r, nil
	}
	return res, nil
}

// syntheticRow builds an interpolated/filled row for a gap window,
// deriving each expression's value from the configured fill mode:
// FillNull carries no value, FillValue broadcasts the plan's constant,
// FillPrev/FillNext copy the nearest real row's entry, and FillLinear
// interpolates between them using frac, this gap window's fractional
// position between the two real rows that bound it.
func (f *Fill) syntheticRow(start int64, nextEntries []types.EntryInfo, frac float64) *Result {
	row := types.NewResultRow(-1, 0, 1)
	row.WindowStart = start
	row.WindowEnd = start + f.stepNS - 1

	n := len(f.lastEntries)
	if len(nextEntries) > n {
		n = len(nextEntries)
	}
	entries := make([]types.EntryInfo, n)
	for i := range entries {
		switch f.mode {
		case types.FillNull:
			entries[i] = types.EntryInfo{NullVal: true, Interpolated: true}
		case types.FillValue:
			entries[i] = types.EntryInfo{Value: f.value, Interpolated: true}
		case types.FillNext:
			if i < len(nextEntries) {
				entries[i] = types.EntryInfo{Value: nextEntries[i].Value, Interpolated: true}
			}
		case types.FillLinear:
			if i < len(f.lastEntries) && i < len(nextEntries) {
				prev, next := f.lastEntries[i].Value, nextEntries[i].Value
				entries[i] = types.EntryInfo{Value: prev + frac*(next-prev), Interpolated: true}
			}
		default: // FillPrev
			if i < len(f.lastEntries) {
				entries[i] = types.EntryInfo{Value: f.lastEntries[i].Value, Interpolated: true}
			}
		}
	}
	row.Entries = entries
	return &Result{Block: &types.DataBlock{NumRows: 1, Rows: []types.ResultRow{*row}}}
}

var _ Operator = (*Fill)(nil)

package executor

import "github.com/cuemby/flowdb/pkg/types"

// sampleState is one (timestamp, value) sample, used to carry the
// boundary context AggInterp needs across a window edge.
type sampleState struct {
	ts   int64
	val  float64
	have bool
}

// accState is one expression's running accumulator across a group or
// window's row range (spec §4.4 "each expression holds a per-row entry
// with a fixed intermediate layout and a finalization hook").
type accState struct {
	fn types.AggFuncKind

	sum        float64
	count      int64
	min        float64
	max        float64
	haveMinMax bool

	firstTs, lastTs     int64
	firstVal, lastVal   float64
	haveFirst, haveLast bool

	twaSum  float64
	twaSpan int64
}

// newAccStates builds one accumulator per expr; non-aggregate
// expressions (tags/group keys riding along in the same list) always
// finalize to their first observed value regardless of their nominal
// AggFunc.
func newAccStates(exprs []types.Expr) []*accState {
	accs := make([]*accState, len(exprs))
	for i, e := range exprs {
		fn := e.AggFunc
		if !e.IsAgg {
			fn = types.AggFirst
		}
		accs[i] = &accState{fn: fn}
	}
	return accs
}

// add folds one (ts, value) sample into the accumulator.
func (a *accState) add(ts int64, val float64) {
	a.sum += val
	a.count++
	if !a.haveMinMax || val < a.min {
		a.min = val
	}
	if !a.haveMinMax || val > a.max {
		a.max = val
	}
	a.haveMinMax = true

	if !a.haveFirst {
		a.firstTs, a.firstVal, a.haveFirst = ts, val, true
	}
	if a.haveLast {
		dt := ts - a.lastTs
		if dt > 0 {
			a.twaSum += (val + a.lastVal) / 2 * float64(dt)
			a.twaSpan += dt
		}
	}
	a.lastTs, a.lastVal, a.haveLast = ts, val, true
}

// finalize reduces the accumulator to its output scalar. before and
// windowStart are only consulted by AggInterp, which interpolates the
// value at the window's start boundary between the last sample seen
// before the window opened and the first sample inside it.
func (a *accState) finalize(before sampleState, windowStart int64) float64 {
	switch a.fn {
	case types.AggAvg:
		if a.count == 0 {
			return 0
		}
		return a.sum / float64(a.count)
	case types.AggCount:
		return float64(a.count)
	case types.AggMin:
		return a.min
	case types.AggMax:
		return a.max
	case types.AggFirst:
		return a.firstVal
	case types.AggTWA:
		if a.twaSpan == 0 {
			return a.lastVal
		}
		return a.twaSum / float64(a.twaSpan)
	case types.AggInterp:
		if !a.haveFirst {
			return 0
		}
		if !before.have || before.ts == a.firstTs {
			return a.firstVal
		}
		frac := float64(windowStart-before.ts) / float64(a.firstTs-before.ts)
		return before.val + frac*(a.firstVal-before.val)
	default: // AggSum, and the zero value for an unset AggFunc
		return a.sum
	}
}

// finalizeEntries writes each accumulator's finalized value into row's
// Entries, in expr order. Used by operators with no window-boundary
// concept (Aggregate, GroupBy), so AggInterp degrades to its own first
// sample with no preceding context.
func finalizeEntries(row *types.ResultRow, accs []*accState) {
	if len(accs) == 0 {
		return
	}
	entries := make([]types.EntryInfo, len(accs))
	for i, a := range accs {
		entries[i] = types.EntryInfo{Value: a.finalize(sampleState{}, 0)}
	}
	row.Entries = entries
}

package executor

import (
	"time"

	"github.com/cuemby/flowdb/pkg/types"
)

// IntervalWindow computes the active time window per input row,
// accumulates every expression's value over that window, and emits one
// finalized ResultRow per window once it closes (spec §4.4
// "Interval-window aggregate"). Input is assumed ordered the way its
// upstream Scan was configured (ascending is the common case; a
// descending scan still produces monotonic windows from the
// operator's point of view, just walked in the opposite direction by
// the scan itself).
type IntervalWindow struct {
	downstream    Operator
	intervalNS    int64
	slidingNS     int64
	fillMode      types.FillMode
	exprs         []types.Expr
	calendarUnit  types.CalendarUnit
	calendarCount int64

	phase      Phase
	open       map[int64]*intervalGroup
	order      []int64
	cursor     int
	lastSample []sampleState // per expr, most recent sample seen across all windows
}

// intervalGroup is one open window's accumulator state plus the
// per-expr sample immediately preceding the window's first row, kept
// for AggInterp's boundary interpolation.
type intervalGroup struct {
	row    *types.ResultRow
	accs   []*accState
	before []sampleState
}

// NewIntervalWindow constructs an IntervalWindow from its plan node's
// IntervalNS/SlidingNS/FillMode/Exprs/CalendarUnit fields.
func NewIntervalWindow(downstream Operator, node *types.OperatorNode) *IntervalWindow {
	step := node.SlidingNS
	if step <= 0 {
		step = node.IntervalNS
	}
	return &IntervalWindow{
		downstream:    downstream,
		intervalNS:    node.IntervalNS,
		slidingNS:     step,
		fillMode:      node.FillMode,
		exprs:         node.Exprs,
		calendarUnit:  node.CalendarUnit,
		calendarCount: node.CalendarCount,
		open:          make(map[int64]*intervalGroup),
		lastSample:    make([]sampleState, len(node.Exprs)),
	}
}

func (w *IntervalWindow) windowStart(ts int64) int64 {
	if w.slidingNS <= 0 {
		return ts
	}
	rem := ts % w.slidingNS
	if rem < 0 {
		rem += w.slidingNS
	}
	return ts - rem
}

// windowBounds returns the [start, end] nanosecond range ts falls
// into. Fixed intervals use ekey = skey + interval - 1; month/year
// units instead align to calendar period boundaries (spec §4.4 "A time
// window's ekey equals skey + interval - 1 for fixed intervals and
// uses calendar arithmetic for month/year units").
func (w *IntervalWindow) windowBounds(ts int64) (start, end int64) {
	if w.calendarUnit == types.CalendarNone {
		start = w.windowStart(ts)
		end = start + w.intervalNS - 1
		return
	}
	count := w.calendarCount
	if count <= 0 {
		count = 1
	}
	t := time.Unix(0, ts).UTC()
	epoch := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

	var sinceEpoch int64
	switch w.calendarUnit {
	case types.CalendarMonth:
		sinceEpoch = int64(t.Year()-1970)*12 + int64(t.Month()-1)
	case types.CalendarYear:
		sinceEpoch = int64(t.Year() - 1970)
	}
	bucket := sinceEpoch / count
	if sinceEpoch < 0 && sinceEpoch%count != 0 {
		bucket--
	}

	var periodStart, periodEnd time.Time
	switch w.calendarUnit {
	case types.CalendarMonth:
		periodStart = epoch.AddDate(0, int(bucket*count), 0)
		periodEnd = periodStart.AddDate(0, int(count), 0)
	case types.CalendarYear:
		periodStart = epoch.AddDate(int(bucket*count), 0, 0)
		periodEnd = periodStart.AddDate(int(count), 0, 0)
	}
	start = periodStart.UnixNano()
	end = periodEnd.UnixNano() - 1
	return
}

// Pull implements Operator.
func (w *IntervalWindow) Pull() (*Result, error) {
	if w.phase == PhaseExecuting {
		if err := w.drain(); err != nil {
			return nil, err
		}
		w.phase = PhaseResToReturn
	}
	if w.cursor >= len(w.order) {
		w.phase = PhaseDone
		return nil, nil
	}
	start := w.order[w.cursor]
	w.cursor++
	grp := w.open[start]
	w.finalize(grp)
	return &Result{Block: rowToBlock(grp.row)}, nil
}

func (w *IntervalWindow) finalize(grp *intervalGroup) {
	if len(grp.accs) == 0 {
		return
	}
	entries := make([]types.EntryInfo, len(grp.accs))
	for i, a := range grp.accs {
		var before sampleState
		if i < len(grp.before) {
			before = grp.before[i]
		}
		entries[i] = types.EntryInfo{Value: a.finalize(before, grp.row.WindowStart)}
	}
	grp.row.Entries = entries
}

func (w *IntervalWindow) drain() error {
	for {
		res, err := w.downstream.Pull()
		if err != nil {
			return err
		}
		if res == nil {
			return nil
		}
		if err := w.consume(res.Block); err != nil {
			return err
		}
	}
}

func (w *IntervalWindow) consume(block *types.DataBlock) error {
	for i := 0; i < int(block.NumRows); i++ {
		ts := timestampAt(block, i)
		start, end := w.windowBounds(ts)
		grp, ok := w.open[start]
		if !ok {
			if len(w.open) >= maxOpenWindows {
				return errTooManyTimeWindows
			}
			grp = &intervalGroup{row: types.NewResultRow(-1, 0, 0), accs: newAccStates(w.exprs)}
			grp.row.WindowStart = start
			grp.row.WindowEnd = end
			grp.before = append([]sampleState(nil), w.lastSample...)
			w.open[start] = grp
			w.order = append(w.order, start)
		}
		grp.row.NumOfRows++
		for ei, ex := range w.exprs {
			val := valueAt(block, ex.InputCol, i)
			grp.accs[ei].add(ts, val)
			w.lastSample[ei] = sampleState{ts: ts, val: val, have: true}
		}
	}
	return nil
}

var _ Operator = (*IntervalWindow)(nil)

// SessionWindow groups rows whose timestamp gap from the previous row
// is within gapNS, closing and emitting a ResultRow whenever the gap
// is exceeded (spec §4.4 "Session-window aggregate"). gapNS comes
// from the plan's SessionGapN field, expressed in the same time unit
// as the block's timestamp column.
type SessionWindow struct {
	downstream Operator
	gapNS      int64

	phase     Phase
	rows      []*types.ResultRow
	cursor    int
	curWindow *types.ResultRow
	prevTs    int64
	haveRow   bool
}

// NewSessionWindow constructs a SessionWindow operator.
func NewSessionWindow(downstream Operator, node *types.OperatorNode) *SessionWindow {
	return &SessionWindow{downstream: downstream, gapNS: node.SessionGapN}
}

// Pull implements Operator.
func (s *SessionWindow) Pull() (*Result, error) {
	if s.phase == PhaseExecuting {
		if err := s.drain(); err != nil {
			return nil, err
		}
		s.flush()
		s.phase = PhaseResToReturn
	}
	if s.cursor >= len(s.rows) {
		s.phase = PhaseDone
		return nil, nil
	}
	row := s.rows[s.cursor]
	s.cursor++
	return &Result{Block: &types.DataBlock{NumRows: row.NumOfRows, Rows: []types.ResultRow{*row}}}, nil
}

func (s *SessionWindow) drain() error {
	for {
		res, err := s.downstream.Pull()
		if err != nil {
			return err
		}
		if res == nil {
			return nil
		}
		s.consume(res.Block)
	}
}

func (s *SessionWindow) consume(block *types.DataBlock) {
	for i := 0; i < int(block.NumRows); i++ {
		ts := timestampAt(block, i)
		if !s.haveRow {
			s.openWindow(ts)
			s.haveRow = true
			s.prevTs = ts
			continue
		}
		if ts-s.prevTs <= s.gapNS {
			s.curWindow.NumOfRows++
			s.curWindow.WindowEnd = ts
		} else {
			s.closeWindow()
			s.openWindow(ts)
		}
		s.prevTs = ts
	}
}

func (s *SessionWindow) openWindow(ts int64) {
	row := types.NewResultRow(-1, 0, 1)
	row.WindowStart = ts
	row.WindowEnd = ts
	s.curWindow = row
}

func (s *SessionWindow) closeWindow() {
	if s.curWindow != nil {
		s.curWindow.Closed = true
		s.rows = append(s.rows, s.curWindow)
	}
}

// flush closes a still-open trailing window at end-of-block, per spec
// §4.4 "on end-of-block flush with curWindow.ekey := curWindow.skey is
// intentional" for single-row sessions — WindowEnd already equals
// WindowStart in that case since no second row extended it.
func (s *SessionWindow) flush() {
	if s.curWindow != nil {
		s.closeWindow()
		s.curWindow = nil
	}
}

var _ Operator = (*SessionWindow)(nil)

// StateWindow breaks on a change in a designated column's value rather
// than a time gap (spec §4.4 "State-window").
type StateWindow struct {
	downstream Operator
	stateCol   int

	phase      Phase
	rows       []*types.ResultRow
	cursor     int
	curWindow  *types.ResultRow
	haveState  bool
	prevState  []byte
}

// NewStateWindow constructs a StateWindow keyed on the column named by
// the plan node's first non-aggregate expression, or on column 1 when
// the node has none.
func NewStateWindow(downstream Operator, node *types.OperatorNode) *StateWindow {
	stateCol := 1
	for _, e := range node.Exprs {
		if !e.IsAgg {
			stateCol = e.InputCol
			break
		}
	}
	return &StateWindow{downstream: downstream, stateCol: stateCol}
}

// Pull implements Operator.
func (s *StateWindow) Pull() (*Result, error) {
	if s.phase == PhaseExecuting {
		if err := s.drain(); err != nil {
			return nil, err
		}
		if s.curWindow != nil {
			s.curWindow.Closed = true
			s.rows = append(s.rows, s.curWindow)
			s.curWindow = nil
		}
		s.phase = PhaseResToReturn
	}
	if s.cursor >= len(s.rows) {
		s.phase = PhaseDone
		return nil, nil
	}
	row := s.rows[s.cursor]
	s.cursor++
	return &Result{Block: &types.DataBlock{NumRows: row.NumOfRows, Rows: []types.ResultRow{*row}}}, nil
}

func (s *StateWindow) drain() error {
	for {
		res, err := s.downstream.Pull()
		if err != nil {
			return err
		}
		if res == nil {
			return nil
		}
		s.consume(res.Block)
	}
}

func (s *StateWindow) consume(block *types.DataBlock) {
	for i := 0; i < int(block.NumRows); i++ {
		ts := timestampAt(block, i)
		state := groupKeyAt(block, s.stateCol, i)
		if !s.haveState || !bytesEqual(state, s.prevState) {
			if s.curWindow != nil {
				s.curWindow.Closed = true
				s.rows = append(s.rows, s.curWindow)
			}
			row := types.NewResultRow(-1, 0, 1)
			row.WindowStart = ts
			row.WindowEnd = ts
			row.GroupKey = state
			s.curWindow = row
			s.haveState = true
		} else {
			s.curWindow.NumOfRows++
			s.curWindow.WindowEnd = ts
		}
		s.prevState = state
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var _ Operator = (*StateWindow)(nil)

package executor

import (
	"fmt"

	"github.com/cuemby/flowdb/pkg/types"
)

// GroupBy hashes its downstream's rows by a designated group column and
// accumulates each expression's value per group, emitting one
// finalized ResultRow per group in the order each group was first seen
// (spec §4.4 "Group-by").
type GroupBy struct {
	downstream Operator
	colIdx     int
	exprs      []types.Expr

	phase  Phase
	groups map[string]*groupByGroup
	order  []string
	cursor int
	err    error
}

type groupByGroup struct {
	row  *types.ResultRow
	accs []*accState
}

// NewGroupBy constructs a GroupBy keyed on column 1 (the column after
// the timestamp), or on column 0 when node.OutputCols > 0,
// accumulating node.Exprs per group.
func NewGroupBy(downstream Operator, node *types.OperatorNode) *GroupBy {
	colIdx := 1
	if node.OutputCols > 0 {
		colIdx = 0
	}
	return &GroupBy{downstream: downstream, colIdx: colIdx, exprs: node.Exprs, groups: make(map[string]*groupByGroup)}
}

// Pull implements Operator.
func (g *GroupBy) Pull() (*Result, error) {
	if g.phase == PhaseExecuting {
		if err := g.drain(); err != nil {
			return nil, err
		}
		g.phase = PhaseResToReturn
	}
	if g.err != nil {
		return nil, g.err
	}
	if g.cursor >= len(g.order) {
		g.phase = PhaseDone
		return nil, nil
	}
	key := g.order[g.cursor]
	g.cursor++
	grp := g.groups[key]
	finalizeEntries(grp.row, grp.accs)
	return &Result{Block: rowToBlock(grp.row), NewGroup: true}, nil
}

func (g *GroupBy) drain() error {
	for {
		res, err := g.downstream.Pull()
		if err != nil {
			return err
		}
		if res == nil {
			return nil
		}
		if err := g.consume(res.Block); err != nil {
			return err
		}
	}
}

func (g *GroupBy) consume(block *types.DataBlock) error {
	if g.colIdx < len(block.Columns) && block.Columns[g.colIdx].Type == floatColumnType {
		return fmt.Errorf("executor: group-by column %q is float/double, not allowed", block.Columns[g.colIdx].Name)
	}
	for i := 0; i < int(block.NumRows); i++ {
		key := string(groupKeyAt(block, g.colIdx, i))
		grp, ok := g.groups[key]
		if !ok {
			grp = &groupByGroup{row: types.NewResultRow(-1, 0, 0), accs: newAccStates(g.exprs)}
			grp.row.GroupKey = []byte(key)
			g.groups[key] = grp
			g.order = append(g.order, key)
		}
		grp.row.NumOfRows++
		ts := timestampAt(block, i)
		for ei, ex := range g.exprs {
			grp.accs[ei].add(ts, valueAt(block, ex.InputCol, i))
		}
	}
	return nil
}

var _ Operator = (*GroupBy)(nil)

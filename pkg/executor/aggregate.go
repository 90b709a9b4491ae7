package executor

import "github.com/cuemby/flowdb/pkg/types"

// Aggregate is the blocking ungrouped/grouped aggregate operator: it
// drains its downstream fully into a hash table of group-key →
// ResultRow, accumulating each expression's value per group, then
// streams the finalized rows back out (spec §4.4 "Aggregate... on
// drain complete, transitions to RES-TO-RETURN").
type Aggregate struct {
	downstream Operator
	exprs      []types.Expr

	phase  Phase
	groups map[string]*aggGroup
	order  []string
	cursor int
}

type aggGroup struct {
	row  *types.ResultRow
	accs []*accState
}

// NewAggregate constructs an Aggregate over downstream, evaluating
// exprs (only the aggregate-flagged ones accumulate; non-agg
// expressions pass through as group-by keys).
func NewAggregate(downstream Operator, exprs []types.Expr) *Aggregate {
	return &Aggregate{downstream: downstream, exprs: exprs, groups: make(map[string]*aggGroup)}
}

// Pull implements Operator.
func (a *Aggregate) Pull() (*Result, error) {
	if a.phase == PhaseExecuting {
		if err := a.drain(); err != nil {
			return nil, err
		}
		a.phase = PhaseResToReturn
	}

	if a.cursor >= len(a.order) {
		a.phase = PhaseDone
		return nil, nil
	}

	key := a.order[a.cursor]
	a.cursor++
	g := a.groups[key]
	finalizeEntries(g.row, g.accs)
	return &Result{Block: rowToBlock(g.row)}, nil
}

func (a *Aggregate) drain() error {
	for {
		res, err := a.downstream.Pull()
		if err != nil {
			return err
		}
		if res == nil {
			return nil
		}
		a.consume(res.Block)
	}
}

// consume folds one input block into its group's accumulators. An
// ungrouped aggregate has a single group keyed by an empty string;
// grouped variants layer GroupBy in front of Aggregate in the operator
// tree and carry the group key on each row (spec §4.4 "Group-by...
// streams rows into per-group result rows").
func (a *Aggregate) consume(block *types.DataBlock) {
	if block == nil {
		return
	}
	var groupKey []byte
	if len(block.Rows) > 0 {
		groupKey = block.Rows[0].GroupKey
	}
	key := string(groupKey)

	g, ok := a.groups[key]
	if !ok {
		g = &aggGroup{row: types.NewResultRow(-1, 0, 0), accs: newAccStates(a.exprs)}
		g.row.GroupKey = groupKey
		a.groups[key] = g
		a.order = append(a.order, key)
	}
	g.row.NumOfRows += block.NumRows

	for i := 0; i < int(block.NumRows); i++ {
		ts := timestampAt(block, i)
		for ei, ex := range a.exprs {
			g.accs[ei].add(ts, valueAt(block, ex.InputCol, i))
		}
	}
}

func rowToBlock(row *types.ResultRow) *types.DataBlock {
	return &types.DataBlock{
		NumRows: row.NumOfRows,
		Rows:    []types.ResultRow{*row},
	}
}

var _ Operator = (*Aggregate)(nil)

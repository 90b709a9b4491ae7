package executor

import "github.com/cuemby/flowdb/pkg/types"

// Project passes each input block straight through (spec §4.4
// "standard streaming behaviors"). It keeps its expression list but
// does not evaluate it: no column is computed, renamed or dropped,
// since column materialization from expressions is a planner/codegen
// concern outside this package's scope.
type Project struct {
	downstream Operator
	exprs      []types.Expr
}

// NewProject constructs a Project operator.
func NewProject(downstream Operator, exprs []types.Expr) *Project {
	return &Project{downstream: downstream, exprs: exprs}
}

// Pull implements Operator.
func (p *Project) Pull() (*Result, error) { return p.downstream.Pull() }

var _ Operator = (*Project)(nil)

// Predicate evaluates whether row i of block passes a filter; the
// concrete expression evaluator lives above this package (SQL
// predicate compilation is out of scope per spec §1), so Filter is
// parameterized by this narrow function type.
type Predicate func(block *types.DataBlock, row int) bool

// Filter drops rows that do not satisfy its predicate, streaming the
// remainder through unchanged (spec §4.4 "standard streaming
// behaviors").
type Filter struct {
	downstream Operator
	pred       Predicate
}

// NewFilter constructs a Filter operator. exprs is accepted for
// symmetry with the other Build-time constructors but evaluation is
// delegated to SetPredicate by the caller that owns expression
// compilation.
func NewFilter(downstream Operator, exprs []types.Expr) *Filter {
	return &Filter{downstream: downstream}
}

// SetPredicate installs the compiled row predicate.
func (f *Filter) SetPredicate(pred Predicate) { f.pred = pred }

// Pull implements Operator.
func (f *Filter) Pull() (*Result, error) {
	for {
		res, err := f.downstream.Pull()
		if err != nil || res == nil {
			return res, err
		}
		if f.pred == nil {
			return res, nil
		}
		kept := keepRows(res.Block, f.pred)
		if kept.NumRows == 0 {
			continue
		}
		return &Result{Block: kept, NewGroup: res.NewGroup}, nil
	}
}

func keepRows(block *types.DataBlock, pred Predicate) *types.DataBlock {
	var idxs []int
	for i := 0; i < int(block.NumRows); i++ {
		if pred(block, i) {
			idxs = append(idxs, i)
		}
	}
	if len(idxs) == int(block.NumRows) {
		return block
	}
	out := &types.DataBlock{QueryID: block.QueryID, TaskID: block.TaskID, NumRows: int32(len(idxs))}
	for _, col := range block.Columns {
		newCol := types.Column{Name: col.Name, Type: col.Type, Bytes: col.Bytes}
		for _, i := range idxs {
			if col.Bytes > 0 {
				start := i * int(col.Bytes)
				end := start + int(col.Bytes)
				if end <= len(col.Data) {
					newCol.Data = append(newCol.Data, col.Data[start:end]...)
				}
			}
			if i < len(col.VarData) {
				newCol.VarData = append(newCol.VarData, col.VarData[i])
			}
		}
		out.Columns = append(out.Columns, newCol)
	}
	return out
}

var _ Operator = (*Filter)(nil)

// Limit enforces an offset/count window over the stream: it decrements
// a global offset before counting toward the limit (spec §4.4 "Limit
// decrements a global offset before counting").
type Limit struct {
	downstream Operator
	limit      int64
	offset     int64
	emitted    int64
	done       bool
}

// NewLimit constructs a Limit operator; limit <= 0 means unbounded.
func NewLimit(downstream Operator, limit, offset int64) *Limit {
	return &Limit{downstream: downstream, limit: limit, offset: offset}
}

// Pull implements Operator.
func (l *Limit) Pull() (*Result, error) {
	if l.done {
		return nil, nil
	}
	for {
		res, err := l.downstream.Pull()
		if err != nil || res == nil {
			l.done = true
			return res, err
		}
		block := res.Block
		n := int64(block.NumRows)

		if l.offset > 0 {
			if l.offset >= n {
				l.offset -= n
				continue
			}
			block = sliceRows(block, int(l.offset), int(n))
			n -= l.offset
			l.offset = 0
		}

		if l.limit > 0 && l.emitted+n > l.limit {
			keep := l.limit - l.emitted
			block = sliceRows(block, 0, int(keep))
			n = keep
		}

		l.emitted += n
		res2 := &Result{Block: block, NewGroup: res.NewGroup}
		if l.limit > 0 && l.emitted >= l.limit {
			l.done = true
		}
		return res2, nil
	}
}

var _ Operator = (*Limit)(nil)

// Package executor implements the per-task operator tree (spec §4.4):
// a pull-based, single-threaded-cooperative pipeline where every node
// exposes one Pull method and suspension happens only at exchange and
// sink boundaries. There is no teacher analogue for this component —
// it is grounded directly on spec §4.4 and on
// original_source/source/libs/executor/*, expressed the way the
// teacher structures a stateful, ticker-driven component (explicit
// phase field, constructor taking its collaborators by interface).
// Operators hold no locks: one tree is pulled by one goroutine.
package executor

import (
	"fmt"

	"github.com/cuemby/flowdb/pkg/errs"
	"github.com/cuemby/flowdb/pkg/types"
)

// Phase is a blocking operator's position in the IN-EXECUTING →
// RES-TO-RETURN → DONE lifecycle (spec §4.4 "key invariants").
type Phase int32

const (
	PhaseExecuting Phase = iota
	PhaseResToReturn
	PhaseDone
)

// Result is what Pull returns: nil means end-of-stream (spec's
// `Option<DataBlock>`); NewGroup signals a group boundary the caller
// must propagate upward (spec §4.4 "operators propagate a newgroup
// signal").
type Result struct {
	Block    *types.DataBlock
	NewGroup bool
}

// Operator is the single contract every node in the tree implements.
type Operator interface {
	Pull() (*Result, error)
}

// ScanSource abstracts the storage handle a Scan operator pulls from
// (spec's out-of-scope §6.3 TSDB file interface): NextBlock returns
// nil at end of stream. Reset re-opens the handle with a swapped
// window/order for a reverse-scan pass.
type ScanSource interface {
	NextBlock() (*types.DataBlock, error)
	Reset(reverse bool) error
}

// StreamSource abstracts the continuous-ingest queue a StreamScan
// operator pulls from.
type StreamSource interface {
	NextBlock() (*types.DataBlock, bool)
}

// RemoteFetch performs one fetch RPC against a remote task, returning
// the next block and whether that source is now exhausted (spec §4.4
// "Exchange" — completed=1 means advance to the next source). The
// caller of Build supplies the implementation (no package in this
// repository provides one); the executor only depends on this narrow
// function type.
type RemoteFetch func(addr string, queryID, taskID uint64) (block *types.DataBlock, completed bool, err error)

// Build constructs an Operator tree from a types.OperatorNode plan,
// wiring leaf nodes to the collaborators supplied in deps.
func Build(node *types.OperatorNode, deps Deps) (Operator, error) {
	if node == nil {
		return nil, fmt.Errorf("executor: nil operator node")
	}

	var downstream Operator
	var err error
	if len(node.Downstream) > 0 {
		downstream, err = Build(node.Downstream[0], deps)
		if err != nil {
			return nil, err
		}
	}

	switch node.Kind {
	case types.OpScan:
		if deps.ScanSource == nil {
			return nil, fmt.Errorf("executor: scan node requires a ScanSource")
		}
		return NewScan(deps.ScanSource), nil

	case types.OpStreamScan:
		if deps.StreamSource == nil {
			return nil, fmt.Errorf("executor: stream scan node requires a StreamSource")
		}
		return NewStreamScan(deps.StreamSource), nil

	case types.OpExchange:
		if deps.Fetch == nil || len(deps.ExchangeAddrs) == 0 {
			return nil, fmt.Errorf("executor: exchange node requires Fetch and ExchangeAddrs")
		}
		return NewExchange(deps.ExchangeAddrs, deps.QueryID, deps.TaskID, deps.Fetch), nil

	case types.OpAggregate:
		return NewAggregate(downstream, node.Exprs), nil

	case types.OpIntervalWindow:
		return NewIntervalWindow(downstream, node), nil

	case types.OpSessionWindow:
		return NewSessionWindow(downstream, node), nil

	case types.OpStateWindow:
		return NewStateWindow(downstream, node), nil

	case types.OpGroupBy:
		return NewGroupBy(downstream, node), nil

	case types.OpFill:
		return NewFill(downstream, node), nil

	case types.OpProject:
		return NewProject(downstream, node.Exprs), nil

	case types.OpFilter:
		return NewFilter(downstream, node.Exprs), nil

	case types.OpLimit:
		return NewLimit(downstream, node.Limit, node.Offset), nil

	case types.OpSortMerge, types.OpOrder:
		return NewSortMerge(downstream), nil

	default:
		return nil, fmt.Errorf("executor: unsupported operator kind %s", node.Kind)
	}
}

// Deps carries every external collaborator a leaf operator might need;
// Build only touches the fields relevant to the node kinds present in
// the plan.
type Deps struct {
	ScanSource    ScanSource
	StreamSource  StreamSource
	Fetch         RemoteFetch
	ExchangeAddrs []string
	QueryID       uint64
	TaskID        uint64
}

// maxOpenWindows bounds the number of concurrently open result rows an
// interval operator may hold before failing the job (spec §4.4 "hard
// capped... fails the job with TooManyTimeWindows").
const maxOpenWindows = 4096

var errTooManyTimeWindows = errs.TooManyTimeWindows

// Package qworker is the vnode-side query dispatch table (spec §4.6):
// one task-state entry per (queryId, taskId), driven by the incoming
// query/ready/fetch/drop message sequence, each task pulling its
// operator tree (pkg/executor) into a bounded sink (pkg/sink).
// Grounded on pkg/worker/worker.go's shape — a node struct owning a
// guarded map of live work plus a background executor-loop goroutine
// per unit of work, generalized from containers to query tasks.
package qworker

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cuemby/flowdb/pkg/codec"
	"github.com/cuemby/flowdb/pkg/errs"
	"github.com/cuemby/flowdb/pkg/executor"
	"github.com/cuemby/flowdb/pkg/log"
	"github.com/cuemby/flowdb/pkg/sink"
	"github.com/cuemby/flowdb/pkg/types"
)

// State is a task's worker-side lifecycle state (spec §4.6), distinct
// from the scheduler-side types.TaskStatus the same task also carries.
type State int32

const (
	StateNotStart State = iota
	StateExecuting
	StatePartialSucceed
	StateSucceed
	StateFailed
	StateCancelling
	StateCancelled
	StateDropping
	StateFreeing
)

func (s State) String() string {
	switch s {
	case StateNotStart:
		return "NotStart"
	case StateExecuting:
		return "Executing"
	case StatePartialSucceed:
		return "PartialSucceed"
	case StateSucceed:
		return "Succeed"
	case StateFailed:
		return "Failed"
	case StateCancelling:
		return "Cancelling"
	case StateCancelled:
		return "Cancelled"
	case StateDropping:
		return "Dropping"
	case StateFreeing:
		return "Freeing"
	default:
		return "Unknown"
	}
}

func (s State) terminal() bool {
	switch s {
	case StateSucceed, StateFailed, StateCancelled, StateFreeing:
		return true
	default:
		return false
	}
}

// entry is one task's worker-side bookkeeping.
type entry struct {
	mu           sync.Mutex
	state        State
	lastSentType int32 // -1 until the worker has sent its first response
	sink         *sink.Sink
	op           executor.Operator
	stopCh       chan struct{}
}

// BuildFunc constructs the operator tree for a newly queried task. The
// wire encoding of a compiled sub-plan is out of scope (spec §1 names
// only the codec's generic send primitive); callers supply this
// factory however they decode a SubPlan into operators.
type BuildFunc func(queryID, taskID uint64) (executor.Operator, error)

// Worker is one vnode's query dispatch table.
type Worker struct {
	nodeID string
	build  BuildFunc

	mu    sync.Mutex
	tasks map[codec.Key]*entry
}

// New constructs a Worker that builds operator trees via build.
func New(nodeID string, build BuildFunc) *Worker {
	return &Worker{nodeID: nodeID, build: build, tasks: make(map[codec.Key]*entry)}
}

func (w *Worker) get(key codec.Key) (*entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.tasks[key]
	return e, ok
}

// Dispatch routes one inbound frame to the task lifecycle, matching
// pkg/rpc's Handler signature so a Worker can be wired directly as an
// rpc.Server's handler. It enforces the "rsp type must equal
// last_sent_type + 1" invariant before touching task state (spec
// §4.6).
func (w *Worker) Dispatch(msg codec.Message) ([]byte, int32) {
	queryID, taskID := msg.Header.QueryID, msg.Header.TaskID

	switch msg.Header.MsgType {
	case types.MsgQuery:
		if err := w.Query(queryID, taskID); err != nil {
			return nil, errs.Code(err)
		}
		return nil, 0

	case types.MsgReady:
		e, ok := w.get(codec.Key{QueryID: queryID, TaskID: taskID})
		if !ok {
			return nil, errs.Code(errs.NotFound)
		}
		if err := checkLastSentType(e, types.MsgReady); err != nil {
			return nil, errs.Code(err)
		}
		state, err := w.Ready(queryID, taskID)
		if err != nil {
			return nil, errs.Code(err)
		}
		markSent(e, types.MsgReadyRsp)
		return []byte{byte(state)}, 0

	case types.MsgFetch:
		e, ok := w.get(codec.Key{QueryID: queryID, TaskID: taskID})
		if !ok {
			return nil, errs.Code(errs.NotFound)
		}
		if err := checkLastSentType(e, types.MsgFetch); err != nil {
			return nil, errs.Code(err)
		}
		block, completed, err := w.Fetch(queryID, taskID)
		if err != nil {
			return nil, errs.Code(err)
		}
		markSent(e, types.MsgFetchRsp)
		return encodeFetchResponse(block, completed), 0

	case types.MsgDrop:
		if err := w.Drop(queryID, taskID); err != nil {
			return nil, errs.Code(err)
		}
		return nil, 0

	default:
		return nil, errs.Code(errs.InvalidMsg)
	}
}

func encodeFetchResponse(block *types.DataBlock, completed bool) []byte {
	var rows int32
	if block != nil {
		rows = block.NumRows
	}
	buf := make([]byte, 5)
	binary.BigEndian.PutUint32(buf[0:4], uint32(rows))
	if completed {
		buf[4] = 1
	}
	return buf
}

func markSent(e *entry, sent types.MsgType) {
	e.mu.Lock()
	e.lastSentType = int32(sent)
	e.mu.Unlock()
}

// checkLastSentType enforces spec §4.6's "a rsp type must equal
// last_sent_type + 1" invariant: the next inbound message for a task
// must be exactly one past the type the worker most recently
// responded with.
func checkLastSentType(e *entry, incoming types.MsgType) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if int32(incoming) != e.lastSentType+1 {
		return fmt.Errorf("qworker: unexpected message type %s after last sent %d: %w",
			incoming, e.lastSentType, errs.StatusError)
	}
	return nil
}

// Query handles an incoming query dispatch: NotStart → Executing,
// building the operator tree and starting its background pull loop
// (spec §4.6 "query | NotStart | Executing").
func (w *Worker) Query(queryID, taskID uint64) error {
	key := codec.Key{QueryID: queryID, TaskID: taskID}

	w.mu.Lock()
	if _, exists := w.tasks[key]; exists {
		w.mu.Unlock()
		return fmt.Errorf("qworker: task %d/%d already dispatched: %w", queryID, taskID, errs.StatusError)
	}
	e := &entry{state: StateNotStart, lastSentType: -1, sink: sink.New(0), stopCh: make(chan struct{})}
	w.tasks[key] = e
	w.mu.Unlock()

	op, err := w.build(queryID, taskID)
	if err != nil {
		e.mu.Lock()
		e.state = StateFailed
		e.mu.Unlock()
		return fmt.Errorf("qworker: build operator tree: %w", err)
	}

	e.mu.Lock()
	e.op = op
	e.state = StateExecuting
	e.lastSentType = int32(types.MsgQueryRsp)
	e.mu.Unlock()

	go w.run(queryID, taskID, e)
	return nil
}

// run pulls the operator tree to completion, pushing every block into
// the task's sink (spec §4.6 "exec-complete (intermediate) | Executing
// | PartialSucceed").
func (w *Worker) run(queryID, taskID uint64, e *entry) {
	logger := log.WithComponent("qworker").With().
		Uint64("query_id", queryID).Uint64("task_id", taskID).Logger()

	for {
		select {
		case <-e.stopCh:
			e.sink.Drain()
			return
		default:
		}

		res, err := e.op.Pull()
		if err != nil {
			logger.Error().Err(err).Msg("task execution failed")
			e.mu.Lock()
			e.state = StateFailed
			e.mu.Unlock()
			e.sink.EndPut()
			return
		}
		if res == nil {
			e.sink.EndPut()
			e.mu.Lock()
			if e.state == StateExecuting {
				e.state = StatePartialSucceed
			}
			e.mu.Unlock()
			return
		}
		if putErr := e.sink.Put(res.Block); putErr != nil {
			if putErr == errs.JobFreed {
				return
			}
			logger.Warn().Err(putErr).Msg("sink rejected block, task stalling")
			return
		}
	}
}

// Ready reports the task's current state, matching spec §4.6's "ready
// (while completed) | PartialSucceed/Succeed | same" — the call never
// itself changes a PartialSucceed/Succeed task's state.
func (w *Worker) Ready(queryID, taskID uint64) (State, error) {
	e, ok := w.get(codec.Key{QueryID: queryID, TaskID: taskID})
	if !ok {
		return 0, errs.NotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// Fetch drains the next block from the task's sink, transitioning
// PartialSucceed → Succeed once the sink reports fully drained (spec
// §4.6 "fetch (all drained) | PartialSucceed | Succeed").
func (w *Worker) Fetch(queryID, taskID uint64) (*types.DataBlock, bool, error) {
	e, ok := w.get(codec.Key{QueryID: queryID, TaskID: taskID})
	if !ok {
		return nil, false, errs.NotFound
	}

	block, done := e.sink.GetBlock()
	if done && block == nil {
		e.mu.Lock()
		if e.state == StatePartialSucceed {
			e.state = StateSucceed
		}
		e.mu.Unlock()
		return nil, true, nil
	}
	return block, false, nil
}

// Drop tears down a task, idempotently: dropping a task that does not
// exist (already freed, or never dispatched) succeeds rather than
// erroring (spec §4.6 "worker-side idempotent drop succeeds even if
// task doesn't exist").
func (w *Worker) Drop(queryID, taskID uint64) error {
	key := codec.Key{QueryID: queryID, TaskID: taskID}

	w.mu.Lock()
	e, ok := w.tasks[key]
	if ok {
		delete(w.tasks, key)
	}
	w.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	if e.state.terminal() {
		e.mu.Unlock()
		return nil
	}
	e.state = StateDropping
	e.mu.Unlock()

	close(e.stopCh)
	e.sink.Drain()

	e.mu.Lock()
	e.state = StateFreeing
	e.mu.Unlock()
	return nil
}

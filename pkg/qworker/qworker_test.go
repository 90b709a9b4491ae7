package qworker

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/cuemby/flowdb/pkg/codec"
	"github.com/cuemby/flowdb/pkg/errs"
	"github.com/cuemby/flowdb/pkg/executor"
	"github.com/cuemby/flowdb/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingOp yields n single-row blocks then ends the stream.
type countingOp struct {
	remaining int
}

func (c *countingOp) Pull() (*executor.Result, error) {
	if c.remaining <= 0 {
		return nil, nil
	}
	c.remaining--
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(c.remaining))
	return &executor.Result{Block: &types.DataBlock{
		NumRows: 1,
		Columns: []types.Column{{Name: "ts", Bytes: 8, Data: buf}},
	}}, nil
}

func waitForState(t *testing.T, w *Worker, queryID, taskID uint64, want State) {
	t.Helper()
	for i := 0; i < 100; i++ {
		state, err := w.Ready(queryID, taskID)
		require.NoError(t, err)
		if state == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task did not reach state %s in time", want)
}

func TestQueryTransitionsToExecutingThenPartialSucceed(t *testing.T) {
	w := New("vnode-1", func(queryID, taskID uint64) (executor.Operator, error) {
		return &countingOp{remaining: 2}, nil
	})

	require.NoError(t, w.Query(1, 1))
	waitForState(t, w, 1, 1, StatePartialSucceed)
}

func TestFetchDrainsAllBlocksThenSucceeds(t *testing.T) {
	w := New("vnode-1", func(queryID, taskID uint64) (executor.Operator, error) {
		return &countingOp{remaining: 2}, nil
	})
	require.NoError(t, w.Query(1, 1))
	waitForState(t, w, 1, 1, StatePartialSucceed)

	var blocks int
	for {
		block, completed, err := w.Fetch(1, 1)
		require.NoError(t, err)
		if completed {
			break
		}
		if block != nil {
			blocks++
		}
	}
	assert.Equal(t, 2, blocks)

	state, err := w.Ready(1, 1)
	require.NoError(t, err)
	assert.Equal(t, StateSucceed, state)
}

func TestDropIsIdempotentForUnknownTask(t *testing.T) {
	w := New("vnode-1", nil)
	assert.NoError(t, w.Drop(99, 99))
	assert.NoError(t, w.Drop(99, 99))
}

func TestDuplicateQueryRejected(t *testing.T) {
	w := New("vnode-1", func(queryID, taskID uint64) (executor.Operator, error) {
		return &countingOp{remaining: 1}, nil
	})
	require.NoError(t, w.Query(1, 1))
	err := w.Query(1, 1)
	assert.ErrorIs(t, err, errs.StatusError)
}

func TestDispatchRejectsOutOfOrderMessageType(t *testing.T) {
	w := New("vnode-1", func(queryID, taskID uint64) (executor.Operator, error) {
		return &countingOp{remaining: 1}, nil
	})
	require.NoError(t, w.Query(1, 1))
	waitForState(t, w, 1, 1, StatePartialSucceed)

	// Fetch is only valid after Ready; issuing it directly should be
	// rejected by the last-sent-type check.
	_, code := w.Dispatch(codec.Message{Header: codec.Header{
		MsgType: types.MsgFetch, QueryID: 1, TaskID: 1,
	}})
	assert.Equal(t, errs.Code(errs.StatusError), code)
}

func TestDispatchReadyThenFetchSucceeds(t *testing.T) {
	w := New("vnode-1", func(queryID, taskID uint64) (executor.Operator, error) {
		return &countingOp{remaining: 1}, nil
	})
	require.NoError(t, w.Query(1, 1))
	waitForState(t, w, 1, 1, StatePartialSucceed)

	_, code := w.Dispatch(codec.Message{Header: codec.Header{
		MsgType: types.MsgReady, QueryID: 1, TaskID: 1,
	}})
	require.Equal(t, int32(0), code)

	_, code = w.Dispatch(codec.Message{Header: codec.Header{
		MsgType: types.MsgFetch, QueryID: 1, TaskID: 1,
	}})
	assert.Equal(t, int32(0), code)
}

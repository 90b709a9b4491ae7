// Package sink is the bounded per-query data-block queue sitting
// between the executor and the scheduler's fetch path (spec §4.5
// "Sink"): operators Put completed blocks, the fetch RPC handler calls
// GetBlock to drain them, and the queue enforces
// maxDataBlockNumPerQuery so a runaway producer cannot exhaust worker
// memory.
package sink

import (
	"sync"

	"github.com/cuemby/flowdb/pkg/errs"
	"github.com/cuemby/flowdb/pkg/metrics"
	"github.com/cuemby/flowdb/pkg/types"
)

// DefaultMaxBlocks bounds the number of unconsumed blocks a sink holds
// before Put starts rejecting new blocks with errs.NotEnoughBuffer.
const DefaultMaxBlocks = 64

// Sink is a single-producer/single-consumer bounded queue of
// *types.DataBlock for one task's output.
type Sink struct {
	maxBlocks int

	mu     sync.Mutex
	cond   *sync.Cond
	blocks []*types.DataBlock
	ended  bool

	// inGetLength asserts the spec's invariant that at most one
	// get_length call is outstanding at a time.
	inGetLength bool
}

// New constructs a Sink bounded to maxBlocks queued blocks (0 uses
// DefaultMaxBlocks).
func New(maxBlocks int) *Sink {
	if maxBlocks <= 0 {
		maxBlocks = DefaultMaxBlocks
	}
	s := &Sink{maxBlocks: maxBlocks}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Put enqueues a block, blocking producers out once maxBlocks is
// reached rather than unbounded buffering (spec §4.5 policy). Returns
// errs.JobFreed if the sink was already ended.
func (s *Sink) Put(block *types.DataBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return errs.JobFreed
	}
	if len(s.blocks) >= s.maxBlocks {
		metrics.SinkBlocksDroppedTotal.Inc()
		return errs.NotEnoughBuffer
	}
	s.blocks = append(s.blocks, block)
	metrics.SinkBlocksQueuedTotal.Inc()
	s.cond.Broadcast()
	return nil
}

// EndPut marks the sink as having no further blocks; subsequent GetBlock
// calls on an empty queue return (nil, true) instead of blocking.
func (s *Sink) EndPut() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// GetLength blocks until at least one block is queued or the sink has
// ended, then returns the current queue length. Only one caller may be
// inside GetLength at a time (spec §4.5 "single concurrent get_length").
func (s *Sink) GetLength() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inGetLength {
		return 0, errs.InvalidInput
	}
	s.inGetLength = true
	defer func() { s.inGetLength = false }()

	for len(s.blocks) == 0 && !s.ended {
		s.cond.Wait()
	}
	return len(s.blocks), nil
}

// GetBlock dequeues the next block. done is true when the queue is
// empty and EndPut has already been called — the caller should stop
// fetching.
func (s *Sink) GetBlock() (block *types.DataBlock, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.blocks) == 0 {
		return nil, s.ended
	}
	block, s.blocks = s.blocks[0], s.blocks[1:]
	return block, false
}

// Drain empties and ends the sink, used when a task is dropped before
// its results are fully consumed.
func (s *Sink) Drain() {
	s.mu.Lock()
	s.blocks = nil
	s.ended = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

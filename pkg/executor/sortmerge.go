package executor

import (
	"sort"

	"github.com/cuemby/flowdb/pkg/types"
)

// SortMerge is the blocking multiway-merge/sort/order operator: it
// fully drains its downstream, orders the accumulated blocks by the
// timestamp of each block's first row, then streams them back out one
// block at a time (spec §4.4 "Multiway-merge / sort / order"). Rows
// inside a block keep their order, and rows of different blocks are
// not merged, so the output is sorted only when each input block is
// sorted and the blocks' time ranges do not overlap.
type SortMerge struct {
	downstream Operator

	phase  Phase
	blocks []*types.DataBlock
	cursor int
}

// NewSortMerge constructs a SortMerge operator.
func NewSortMerge(downstream Operator) *SortMerge {
	return &SortMerge{downstream: downstream}
}

// Pull implements Operator.
func (s *SortMerge) Pull() (*Result, error) {
	if s.phase == PhaseExecuting {
		if err := s.drain(); err != nil {
			return nil, err
		}
		s.sortBlocks()
		s.phase = PhaseResToReturn
	}
	if s.cursor >= len(s.blocks) {
		s.phase = PhaseDone
		return nil, nil
	}
	block := s.blocks[s.cursor]
	s.cursor++
	return &Result{Block: block}, nil
}

func (s *SortMerge) drain() error {
	for {
		res, err := s.downstream.Pull()
		if err != nil {
			return err
		}
		if res == nil {
			return nil
		}
		s.blocks = append(s.blocks, res.Block)
	}
}

func (s *SortMerge) sortBlocks() {
	sort.Slice(s.blocks, func(i, j int) bool {
		return firstTimestamp(s.blocks[i]) < firstTimestamp(s.blocks[j])
	})
}

func firstTimestamp(block *types.DataBlock) int64 {
	if block.NumRows == 0 {
		return 0
	}
	return timestampAt(block, 0)
}

var _ Operator = (*SortMerge)(nil)

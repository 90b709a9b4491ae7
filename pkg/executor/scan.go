package executor

// Scan is the table-scan leaf operator: it fetches one block per Pull
// from its ScanSource, and if configured to repeat with a reversed
// scan, resets the source with swapped window/order once the forward
// pass is exhausted (spec §4.4 "Table scan").
type Scan struct {
	source  ScanSource
	repeat  bool
	flipped bool
	done    bool
}

// NewScan constructs a forward-scanning Scan operator. Call
// SetRepeat to enable the reverse-scan-after-forward behavior.
func NewScan(source ScanSource) *Scan {
	return &Scan{source: source}
}

// SetRepeat enables the reverse pass once the forward scan exhausts.
func (s *Scan) SetRepeat(repeat bool) { s.repeat = repeat }

// Pull implements Operator.
func (s *Scan) Pull() (*Result, error) {
	if s.done {
		return nil, nil
	}

	block, err := s.source.NextBlock()
	if err != nil {
		return nil, err
	}
	if block != nil {
		return &Result{Block: block}, nil
	}

	if s.repeat && !s.flipped {
		s.flipped = true
		if err := s.source.Reset(true); err != nil {
			return nil, err
		}
		return s.Pull()
	}

	s.done = true
	return nil, nil
}

// StreamScan pulls from the continuous-ingest queue, returning each
// fresh block unmodified (spec §4.4 "Streaming scan").
type StreamScan struct {
	source StreamSource
}

// NewStreamScan constructs a StreamScan operator.
func NewStreamScan(source StreamSource) *StreamScan {
	return &StreamScan{source: source}
}

// Pull implements Operator.
func (s *StreamScan) Pull() (*Result, error) {
	block, ok := s.source.NextBlock()
	if !ok {
		return nil, nil
	}
	return &Result{Block: block}, nil
}

var _ Operator = (*Scan)(nil)
var _ Operator = (*StreamScan)(nil)

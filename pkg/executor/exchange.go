package executor

// Exchange sequentially round-robins a list of remote task addresses,
// polling each via a fetch RPC until it reports completed, then
// advancing to the next; Pull returns nil once every source is
// exhausted (spec §4.4 "Exchange").
type Exchange struct {
	addrs   []string
	idx     int
	queryID uint64
	taskID  uint64
	fetch   RemoteFetch

	// profiling accumulators, reported per spec §4.4 "total
	// rows/bytes/elapsed are accumulated per exchange node".
	rows  int64
	bytes int64
}

// NewExchange constructs an Exchange polling addrs in order.
func NewExchange(addrs []string, queryID, taskID uint64, fetch RemoteFetch) *Exchange {
	return &Exchange{addrs: addrs, queryID: queryID, taskID: taskID, fetch: fetch}
}

// Pull implements Operator.
func (e *Exchange) Pull() (*Result, error) {
	for e.idx < len(e.addrs) {
		addr := e.addrs[e.idx]
		block, completed, err := e.fetch(addr, e.queryID, e.taskID)
		if err != nil {
			return nil, err
		}
		if block != nil {
			e.rows += int64(block.NumRows)
			e.bytes += block.EstimateBytes()
		}
		if completed {
			e.idx++
			if block == nil {
				continue
			}
			return &Result{Block: block}, nil
		}
		if block == nil {
			// Source not yet completed but has nothing ready; poll the
			// same source again rather than treat this as end-of-stream.
			continue
		}
		return &Result{Block: block}, nil
	}
	return nil, nil
}

// Profile reports the rows and bytes pulled through this exchange so
// far, for the task's §4.7 TaskProfile.
func (e *Exchange) Profile() (rows, bytes int64) { return e.rows, e.bytes }

var _ Operator = (*Exchange)(nil)

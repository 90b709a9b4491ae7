// Package txn implements the two-phase metadata transaction manager
// (spec §4.3 "Transaction manager"): a transaction carries an ordered
// list of redo actions applied against sdb/raftlog, and a matching list
// of undo actions used to roll back a transaction that fails partway
// through. Commit marks the transaction Committing and runs the redo
// actions in memory; it writes no prepare or commit record to sdb or
// raftlog. The shape mirrors the teacher's Command{Op,Data}
// replicated-apply shape (pkg/manager/fsm.go) but adds the redo/undo
// log this domain's DDL transactions require.
package txn

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/flowdb/pkg/log"
)

// ActionKind names the action to run; concrete actions are registered
// by the owning component (sdb, raftlog) via RegisterAction.
type ActionKind string

// Action is one redo or undo step. Run receives the opaque argument
// stored alongside it in the transaction log.
type Action func(arg interface{}) error

// Step is one entry in a transaction's redo/undo log.
type Step struct {
	Kind ActionKind
	Arg  interface{}
	redo Action
	undo Action
}

// Status is the lifecycle state of a Transaction (spec §4.3).
type Status int32

const (
	StatusPending Status = iota
	StatusCommitting
	StatusCommitted
	StatusRollingBack
	StatusRolledBack
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusCommitting:
		return "Committing"
	case StatusCommitted:
		return "Committed"
	case StatusRollingBack:
		return "RollingBack"
	case StatusRolledBack:
		return "RolledBack"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Transaction is one atomic sequence of metadata mutations (spec §4.3,
// e.g. CreateDatabase allocating vgroups, or AlterDatabase changing
// retention). Steps execute in order; if a redo step fails, already-run
// steps are undone in reverse order.
type Transaction struct {
	ID        uint64
	Name      string
	Steps     []Step
	Status    Status
	CreatedAt time.Time

	mu sync.Mutex
}

// New allocates an empty transaction.
func New(id uint64, name string) *Transaction {
	return &Transaction{ID: id, Name: name, Status: StatusPending, CreatedAt: time.Now()}
}

// AddStep appends a redo/undo pair with its argument to the transaction
// log. Steps must be added before Commit is called.
func (t *Transaction) AddStep(kind ActionKind, arg interface{}, redo, undo Action) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Steps = append(t.Steps, Step{Kind: kind, Arg: arg, redo: redo, undo: undo})
}

// acceptableCode reports whether an error returned by a redo action can
// be treated as already-applied rather than a genuine failure (spec
// §4.3 "acceptableCode"). It accepts only a nil error: no error value is
// treated as already-applied, so every failing redo action fails Commit.
func acceptableCode(err error) bool {
	return err == nil
}

// Commit executes every redo step in order. On the first failure it
// rolls back every step that already ran, in reverse order, and returns
// the original error; a rollback-policy failure (an undo step itself
// erroring) is logged but does not mask the original commit error.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	t.Status = StatusCommitting
	t.mu.Unlock()

	logger := log.WithComponent("txn")

	ran := 0
	var commitErr error
	for i, step := range t.Steps {
		if err := step.redo(step.Arg); err != nil && !acceptableCode(err) {
			commitErr = fmt.Errorf("txn %d step %d (%s): %w", t.ID, i, step.Kind, err)
			break
		}
		ran++
	}

	if commitErr == nil {
		t.mu.Lock()
		t.Status = StatusCommitted
		t.mu.Unlock()
		return nil
	}

	t.mu.Lock()
	t.Status = StatusRollingBack
	t.mu.Unlock()

	for i := ran - 1; i >= 0; i-- {
		step := t.Steps[i]
		if step.undo == nil {
			continue
		}
		if err := step.undo(step.Arg); err != nil {
			logger.Error().Err(err).Int("step", i).Uint64("txn_id", t.ID).
				Msg("rollback step failed, metadata may be inconsistent")
		}
	}

	t.mu.Lock()
	t.Status = StatusRolledBack
	t.mu.Unlock()

	return commitErr
}

// GetStatus returns the current transaction status.
func (t *Transaction) GetStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status
}

// Manager tracks in-flight transactions by ID, the way the scheduler
// tracks in-flight jobs. The table is held in memory only, so it is
// empty after an mnode restart.
type Manager struct {
	mu     sync.Mutex
	nextID uint64
	txns   map[uint64]*Transaction
}

// NewManager constructs an empty transaction manager.
func NewManager() *Manager {
	return &Manager{txns: make(map[uint64]*Transaction)}
}

// Begin allocates and tracks a new transaction.
func (m *Manager) Begin(name string) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := New(m.nextID, name)
	m.txns[t.ID] = t
	return t
}

// Get looks up a tracked transaction by ID.
func (m *Manager) Get(id uint64) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	return t, ok
}

// Forget drops a completed transaction from the tracking map.
func (m *Manager) Forget(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.txns, id)
}

// InFlight returns every tracked transaction whose status is neither
// Committed nor RolledBack.
func (m *Manager) InFlight() []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, t := range m.txns {
		switch t.GetStatus() {
		case StatusCommitted, StatusRolledBack:
		default:
			out = append(out, t)
		}
	}
	return out
}

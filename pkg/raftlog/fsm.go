// Package raftlog replicates sdb mutations across mnode replicas using
// hashicorp/raft. Command{Op,Data} is JSON-dispatched through Apply;
// Snapshot and Restore round-trip the full sdb contents through a
// single JSON blob.
package raftlog

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/flowdb/pkg/sdb"
	"github.com/cuemby/flowdb/pkg/types"
	"github.com/hashicorp/raft"
)

// FSM implements raft.FSM over an sdb.Store.
type FSM struct {
	mu    sync.RWMutex
	store *sdb.Store
}

// NewFSM wraps store as a raft finite state machine.
func NewFSM(store *sdb.Store) *FSM {
	return &FSM{store: store}
}

// Command is one replicated mutation: an operation tag plus its
// JSON-encoded argument.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opPutDatabase = "put_database"
	opPutVGroup   = "put_vgroup"
	opPutUser     = "put_user"
	opDelDatabase = "del_database"
)

// Apply applies one committed log entry to the local sdb.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("raftlog: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opPutDatabase:
		var d types.Database
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return err
		}
		return f.store.Put(&d)

	case opPutVGroup:
		var g types.VGroup
		if err := json.Unmarshal(cmd.Data, &g); err != nil {
			return err
		}
		return f.store.Put(&g)

	case opPutUser:
		var u types.User
		if err := json.Unmarshal(cmd.Data, &u); err != nil {
			return err
		}
		return f.store.Put(&u)

	case opDelDatabase:
		var name string
		if err := json.Unmarshal(cmd.Data, &name); err != nil {
			return err
		}
		return f.store.Delete(name, &types.Database{})

	default:
		return fmt.Errorf("raftlog: unknown command %q", cmd.Op)
	}
}

// Snapshot captures the full sdb contents for log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	dbs, err := f.store.ScanDatabases()
	if err != nil {
		return nil, fmt.Errorf("raftlog: list databases: %w", err)
	}
	vgroups, err := f.store.ScanVGroups()
	if err != nil {
		return nil, fmt.Errorf("raftlog: list vgroups: %w", err)
	}

	return &Snapshot{Databases: dbs, VGroups: vgroups}, nil
}

// Restore replaces local sdb content with a previously persisted
// snapshot, used on node restart or when catching up a lagging replica.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("raftlog: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, d := range snap.Databases {
		if err := f.store.Put(d); err != nil {
			return fmt.Errorf("raftlog: restore database %s: %w", d.Name, err)
		}
	}
	for _, g := range snap.VGroups {
		if err := f.store.Put(g); err != nil {
			return fmt.Errorf("raftlog: restore vgroup %d: %w", g.ID, err)
		}
	}
	return nil
}

// Snapshot is the point-in-time replicated state handed to raft's
// snapshot sink.
type Snapshot struct {
	Databases []*types.Database
	VGroups   []*types.VGroup
}

// Persist writes the snapshot to sink as JSON.
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release is a no-op; the snapshot holds no external resources.
func (s *Snapshot) Release() {}

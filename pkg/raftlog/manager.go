package raftlog

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/flowdb/pkg/events"
	"github.com/cuemby/flowdb/pkg/log"
	"github.com/cuemby/flowdb/pkg/metrics"
	"github.com/cuemby/flowdb/pkg/sdb"
	"github.com/cuemby/flowdb/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Manager owns one mnode's raft participation: the local sdb, the FSM
// wrapping it, and the raft instance replicating Commands across the
// mnode quorum (spec §4.2, adapted from pkg/manager/manager.go's
// Bootstrap/Join/AddVoter wiring, trimmed of every concern outside
// metadata replication).
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *FSM
	store *sdb.Store
}

// Config configures a Manager.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// New creates a Manager with its local sdb opened, but does not yet
// start raft — call Bootstrap or Join for that.
func New(cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("raftlog: create data dir: %w", err)
	}
	store, err := sdb.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("raftlog: open sdb: %w", err)
	}
	return &Manager{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      NewFSM(store),
		store:    store,
	}, nil
}

func (m *Manager) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(m.nodeID)

	// Tuned for sub-10s mnode failover on a LAN-local cluster rather than
	// hashicorp/raft's WAN-conservative defaults.
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.CommitTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond
	return cfg
}

func (m *Manager) startRaft(cfg *raft.Config) (*raft.TCPTransport, error) {
	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create stable store: %w", err)
	}
	r, err := raft.NewRaft(cfg, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}
	m.raft = r
	return transport, nil
}

// Bootstrap initializes a new single-node quorum seeded by this mnode.
func (m *Manager) Bootstrap() error {
	cfg := m.raftConfig()
	transport, err := m.startRaft(cfg)
	if err != nil {
		return err
	}
	future := m.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: cfg.LocalID, Address: transport.LocalAddr()}},
	})
	return future.Error()
}

// JoinExisting starts raft without bootstrapping; the caller is expected
// to already have been added as a voter by the current leader via
// AddVoter.
func (m *Manager) JoinExisting() error {
	_, err := m.startRaft(m.raftConfig())
	return err
}

// AddVoter adds nodeID/address as a new voting member; only the leader
// can do this.
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raftlog: raft not started")
	}
	if !m.IsLeader() {
		return fmt.Errorf("raftlog: not leader, current leader is %s", m.LeaderAddr())
	}
	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// RemoveServer removes a member from the quorum.
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raftlog: raft not started")
	}
	if !m.IsLeader() {
		return fmt.Errorf("raftlog: not leader")
	}
	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this mnode currently holds raft leadership.
func (m *Manager) IsLeader() bool {
	return m.raft != nil && m.raft.State() == raft.Leader
}

// LeaderAddr returns the bind address of the current leader, if known.
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	return string(m.raft.Leader())
}

// Store exposes the local sdb for reads; writes must go through Apply so
// they are replicated.
func (m *Manager) Store() *sdb.Store { return m.store }

// WatchLeaderChanges publishes a LeaderChanged event each time raft's
// LeaderCh fires, until stopCh closes. Run as a background goroutine
// alongside the raft instance's own lifecycle.
func (m *Manager) WatchLeaderChanges(broker *events.Broker, stopCh <-chan struct{}) {
	if m.raft == nil || broker == nil {
		return
	}
	ch := m.raft.LeaderCh()
	for {
		select {
		case isLeader := <-ch:
			broker.Publish(&events.Event{
				Type:     events.LeaderChanged,
				Message:  m.LeaderAddr(),
				Metadata: map[string]string{"node_id": m.nodeID, "is_leader": fmt.Sprintf("%t", isLeader)},
			})
		case <-stopCh:
			return
		}
	}
}

func (m *Manager) apply(op string, v interface{}) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftCommitDuration)

	if m.raft == nil {
		return fmt.Errorf("raftlog: raft not started")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Command{Op: op, Data: payload})
	if err != nil {
		return err
	}
	future := m.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raftlog: apply %s: %w", op, err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// PutDatabase replicates a Database upsert across the quorum.
func (m *Manager) PutDatabase(d *types.Database) error { return m.apply(opPutDatabase, d) }

// PutVGroup replicates a VGroup upsert.
func (m *Manager) PutVGroup(g *types.VGroup) error { return m.apply(opPutVGroup, g) }

// PutUser replicates a User upsert.
func (m *Manager) PutUser(u *types.User) error { return m.apply(opPutUser, u) }

// DeleteDatabase replicates a Database removal by name.
func (m *Manager) DeleteDatabase(name string) error { return m.apply(opDelDatabase, name) }

// Shutdown stops raft and closes the local sdb.
func (m *Manager) Shutdown() error {
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("raftlog: shutdown raft: %w", err)
		}
	}
	if m.store != nil {
		return m.store.Close()
	}
	log.Info("raftlog manager shut down")
	return nil
}

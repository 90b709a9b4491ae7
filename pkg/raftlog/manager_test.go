package raftlog

import (
	"testing"
	"time"

	"github.com/cuemby/flowdb/pkg/events"
	"github.com/cuemby/flowdb/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Note: this exercises real Raft/BoltDB, which has known race-detector
// pointer-alignment issues on newer Go toolchains (same caveat as the
// teacher's scheduler_test.go) — skip under -short.
func bootstrapTestManager(t *testing.T) *Manager {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	mgr, err := New(Config{
		NodeID:   "test-mnode",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	require.NoError(t, mgr.Bootstrap())

	for i := 0; i < 50; i++ {
		if mgr.IsLeader() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !mgr.IsLeader() {
		t.Fatal("manager failed to become leader")
	}
	return mgr
}

func TestPutAndFetchDatabase(t *testing.T) {
	mgr := bootstrapTestManager(t)

	db := &types.Database{Name: "metrics", ReplicaNum: 1}
	require.NoError(t, mgr.PutDatabase(db))

	var got types.Database
	require.NoError(t, mgr.Store().Get(db.MetaName(), &got))
	assert.Equal(t, "metrics", got.Name)
}

func TestDeleteDatabase(t *testing.T) {
	mgr := bootstrapTestManager(t)

	db := &types.Database{Name: "metrics"}
	require.NoError(t, mgr.PutDatabase(db))
	require.NoError(t, mgr.DeleteDatabase("metrics"))

	var got types.Database
	err := mgr.Store().Get(db.MetaName(), &got)
	assert.Error(t, err)
}

func TestPutVGroupAndUser(t *testing.T) {
	mgr := bootstrapTestManager(t)

	require.NoError(t, mgr.PutVGroup(&types.VGroup{ID: 1, DbName: "metrics"}))
	require.NoError(t, mgr.PutUser(&types.User{Name: "admin", Superuser: true}))

	vgroups, err := mgr.Store().ScanVGroups()
	require.NoError(t, err)
	assert.Len(t, vgroups, 1)
}

func TestWatchLeaderChangesPublishesOnElection(t *testing.T) {
	mgr := bootstrapTestManager(t)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	stopCh := make(chan struct{})
	defer close(stopCh)
	go mgr.WatchLeaderChanges(broker, stopCh)

	select {
	case evt := <-sub:
		assert.Equal(t, events.LeaderChanged, evt.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for leader-change event")
	}
}

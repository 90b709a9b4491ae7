package profile

import (
	"testing"
	"time"

	"github.com/cuemby/flowdb/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndAcquireConn(t *testing.T) {
	r := New(DefaultConfig(), nil)
	rec := r.CreateConn("alice", "psql", 100, "10.0.0.1", 5432)

	got, err := r.Acquire(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.User)
}

func TestHeartbeatCreatesThenReusesConn(t *testing.T) {
	r := New(DefaultConfig(), nil)
	rec, err := r.Heartbeat(0, "bob", "cli", 1, "10.0.0.2", 6000)
	require.NoError(t, err)
	require.NotZero(t, rec.ID)

	again, err := r.Heartbeat(rec.ID, "bob", "cli", 1, "10.0.0.2", 6000)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
}

func TestHeartbeatRejectsChangedClientAddress(t *testing.T) {
	r := New(DefaultConfig(), nil)
	rec, err := r.Heartbeat(0, "bob", "cli", 1, "10.0.0.2", 6000)
	require.NoError(t, err)

	_, err = r.Heartbeat(rec.ID, "bob", "cli", 1, "10.0.0.3", 6000)
	assert.ErrorIs(t, err, errs.InvalidInput)
}

func TestFinishQueryEvictsOldestDescriptorWhenRingFull(t *testing.T) {
	r := New(DefaultConfig(), nil)
	rec := r.CreateConn("alice", "psql", 1, "10.0.0.1", 5432)
	rec.RecentQueries = make([]uint64, 0, 2) // tiny ring for the test

	require.NoError(t, r.StartQuery(rec.ID, 1, "select 1"))
	require.NoError(t, r.FinishQuery(rec.ID, 1))
	require.NoError(t, r.StartQuery(rec.ID, 2, "select 2"))
	require.NoError(t, r.FinishQuery(rec.ID, 2))

	assert.Len(t, r.ListQueries(), 2)

	require.NoError(t, r.StartQuery(rec.ID, 3, "select 3"))
	require.NoError(t, r.FinishQuery(rec.ID, 3))

	queries := r.ListQueries()
	assert.Len(t, queries, 2)
	ids := map[uint64]bool{}
	for _, q := range queries {
		ids[q.ID] = true
	}
	assert.False(t, ids[1], "oldest descriptor should have been evicted")
	assert.True(t, ids[2])
	assert.True(t, ids[3])
}

func TestKillQueryRequiresSuperUser(t *testing.T) {
	r := New(DefaultConfig(), nil)
	rec := r.CreateConn("alice", "psql", 1, "10.0.0.1", 5432)

	err := r.KillQuery(false, rec.ID, 1, nil)
	assert.ErrorIs(t, err, ErrForbidden)

	var killedConn, killedQuery uint64
	err = r.KillQuery(true, rec.ID, 7, func(connID, queryID uint64) {
		killedConn, killedQuery = connID, queryID
	})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, killedConn)
	assert.EqualValues(t, 7, killedQuery)
}

func TestKillConnRemovesConnection(t *testing.T) {
	r := New(DefaultConfig(), nil)
	rec := r.CreateConn("alice", "psql", 1, "10.0.0.1", 5432)

	require.NoError(t, r.KillConn(true, rec.ID))
	_, err := r.Acquire(rec.ID)
	assert.ErrorIs(t, err, errs.NotFound)
}

func TestSweepEvictsOnlyIdleUnreferencedConns(t *testing.T) {
	r := New(Config{SweepInterval: time.Hour, ConnTTL: 10 * time.Millisecond}, nil)
	idle := r.CreateConn("idle", "cli", 1, "10.0.0.1", 1)
	held, err := r.Acquire(r.CreateConn("held", "cli", 2, "10.0.0.2", 2).ID)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	r.sweep()

	_, err = r.Acquire(idle.ID)
	assert.ErrorIs(t, err, errs.NotFound)

	got, err := r.Acquire(held.ID)
	require.NoError(t, err)
	assert.Equal(t, held.ID, got.ID)
}

func TestAllowConnectDisabledByDefaultRate(t *testing.T) {
	r := New(Config{SweepInterval: time.Hour, ConnTTL: time.Hour}, nil)
	for i := 0; i < 1000; i++ {
		assert.True(t, r.AllowConnect())
	}
}

func TestAllowConnectThrottlesBurst(t *testing.T) {
	r := New(Config{SweepInterval: time.Hour, ConnTTL: time.Hour, MaxConnectsPerSec: 1, ConnectBurst: 2}, nil)
	assert.True(t, r.AllowConnect())
	assert.True(t, r.AllowConnect())
	assert.False(t, r.AllowConnect())
}

package catalog

import (
	"testing"
	"time"

	"github.com/cuemby/flowdb/pkg/errs"
	"github.com/cuemby/flowdb/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	vgroups   map[uint32]*types.VGroup
	databases map[string]*types.Database
	fetches   int
}

func (f *stubFetcher) FetchVGroup(id uint32) (*types.VGroup, error) {
	f.fetches++
	g, ok := f.vgroups[id]
	if !ok {
		return nil, errs.NotFound
	}
	return g, nil
}

func (f *stubFetcher) FetchDatabase(name string) (*types.Database, error) {
	return f.databases[name], nil
}

func TestEpSetForPutsLeaderFirst(t *testing.T) {
	fetcher := &stubFetcher{vgroups: map[uint32]*types.VGroup{
		1: {
			ID: 1,
			Vnodes: []types.VnodeMember{
				{NodeID: 1, Endpoint: "10.0.0.1:6030", IsLeader: false},
				{NodeID: 2, Endpoint: "10.0.0.2:6030", IsLeader: true},
				{NodeID: 3, Endpoint: "10.0.0.3:6030", IsLeader: false},
			},
		},
	}}

	cat := New(fetcher, time.Minute)
	eps, err := cat.EpSetFor(1)
	require.NoError(t, err)
	require.Len(t, eps.Eps, 3)
	assert.Equal(t, "10.0.0.2:6030", eps.Eps[0])
}

func TestEpSetForCachesUntilTTLExpires(t *testing.T) {
	fetcher := &stubFetcher{vgroups: map[uint32]*types.VGroup{
		1: {ID: 1, Vnodes: []types.VnodeMember{{NodeID: 1, Endpoint: "a:1"}}},
	}}

	cat := New(fetcher, time.Hour)
	_, err := cat.EpSetFor(1)
	require.NoError(t, err)
	_, err = cat.EpSetFor(1)
	require.NoError(t, err)

	assert.Equal(t, 1, fetcher.fetches)
}

func TestInvalidateForcesRefresh(t *testing.T) {
	fetcher := &stubFetcher{vgroups: map[uint32]*types.VGroup{
		1: {ID: 1, Vnodes: []types.VnodeMember{{NodeID: 1, Endpoint: "a:1"}}},
	}}

	cat := New(fetcher, time.Hour)
	_, err := cat.EpSetFor(1)
	require.NoError(t, err)

	cat.Invalidate(1)
	_, err = cat.EpSetFor(1)
	require.NoError(t, err)

	assert.Equal(t, 2, fetcher.fetches)
}

func TestDatabaseVGroupsMissingReturnsNotFound(t *testing.T) {
	fetcher := &stubFetcher{databases: map[string]*types.Database{}}
	cat := New(fetcher, time.Minute)

	_, err := cat.DatabaseVGroups("nope")
	assert.ErrorIs(t, err, errs.NotFound)
}

func TestDatabaseVGroupsReturnsIDs(t *testing.T) {
	fetcher := &stubFetcher{databases: map[string]*types.Database{
		"metrics": {Name: "metrics", VgroupIDs: []uint32{1, 2, 3}},
	}}
	cat := New(fetcher, time.Minute)

	ids, err := cat.DatabaseVGroups("metrics")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2, 3}, ids)
}

package heartbeat

import (
	"errors"
	"testing"

	"github.com/cuemby/flowdb/pkg/catalog"
	"github.com/cuemby/flowdb/pkg/errs"
	"github.com/cuemby/flowdb/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct{}

func (stubFetcher) FetchVGroup(id uint32) (*types.VGroup, error) { return nil, errs.NotFound }

func (stubFetcher) FetchDatabase(name string) (*types.Database, error) { return nil, errs.NotFound }

// fakeSender calls back synchronously with a canned response, or an
// error if forced to.
type fakeSender struct {
	resp    BatchResponse
	err     error
	batches []BatchRequest
}

func (f *fakeSender) SendBatch(batch BatchRequest, cb func(BatchResponse, error)) {
	f.batches = append(f.batches, batch)
	cb(f.resp, f.err)
}

func TestTickSkipsClustersWithNoActiveConns(t *testing.T) {
	sender := &fakeSender{}
	m := New(sender, catalog.New(stubFetcher{}, 0))
	m.clusterFor("c1") // created but never registered active

	m.Tick()
	assert.Empty(t, sender.batches)
}

func TestTickGathersExpiredDBsAndClearsThem(t *testing.T) {
	sender := &fakeSender{resp: BatchResponse{ClusterKey: "c1"}}
	m := New(sender, catalog.New(stubFetcher{}, 0))
	m.RegisterConn("c1", 1, HbTypeDBInfo)
	m.MarkDBExpired("c1", 1, "mydb")

	m.Tick()
	require.Len(t, sender.batches, 1)
	require.Len(t, sender.batches[0].Entries, 1)
	assert.Equal(t, []string{"mydb"}, sender.batches[0].Entries[0].ExpiredDBs)

	// second tick carries nothing new
	m.Tick()
	require.Len(t, sender.batches, 2)
	assert.Empty(t, sender.batches[1].Entries[0].ExpiredDBs)
}

func TestDBInfoResponseReplacesCatalogEntry(t *testing.T) {
	cat := catalog.New(stubFetcher{}, 0)
	vg := &types.VGroup{ID: 5, Vnodes: []types.VnodeMember{{Endpoint: "v1:9000", IsLeader: true}}}
	sender := &fakeSender{resp: BatchResponse{
		ClusterKey: "c1",
		Entries: []RespEntry{{
			ConnID: 1,
			HbType: HbTypeDBInfo,
			DBInfo: []DBInfo{{Name: "mydb", VgVersion: 1, Vgroups: []*types.VGroup{vg}}},
		}},
	}}
	m := New(sender, cat)
	m.RegisterConn("c1", 1, HbTypeDBInfo)

	m.Tick()

	eps, err := cat.EpSetFor(5)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1:9000"}, eps.Eps)
}

func TestDBInfoResponseNegativeVersionRemovesEntry(t *testing.T) {
	cat := catalog.New(stubFetcher{}, 0)
	vg := &types.VGroup{ID: 5, Vnodes: []types.VnodeMember{{Endpoint: "v1:9000"}}}
	cat.Replace(vg)

	sender := &fakeSender{resp: BatchResponse{
		ClusterKey: "c1",
		Entries: []RespEntry{{
			ConnID: 1,
			HbType: HbTypeDBInfo,
			DBInfo: []DBInfo{{Name: "mydb", VgVersion: -1, Vgroups: []*types.VGroup{vg}}},
		}},
	}}
	m := New(sender, cat)
	m.RegisterConn("c1", 1, HbTypeDBInfo)

	m.Tick()

	_, err := cat.EpSetFor(5)
	assert.ErrorIs(t, err, errs.NotFound)
}

func TestUserAuthRefreshFiresCallback(t *testing.T) {
	sender := &fakeSender{resp: BatchResponse{
		ClusterKey: "c1",
		Entries:    []RespEntry{{ConnID: 9, HbType: HbTypeUserAuth, AuthVer: 3}},
	}}
	m := New(sender, catalog.New(stubFetcher{}, 0))
	m.RegisterConn("c1", 9, HbTypeUserAuth)

	var gotConn uint64
	var gotVer uint32
	m.OnAuthRefresh(func(connID uint64, version uint32) {
		gotConn, gotVer = connID, version
	})

	m.Tick()
	assert.Equal(t, uint64(9), gotConn)
	assert.Equal(t, uint32(3), gotVer)
}

func TestFailedBatchClearsAggregation(t *testing.T) {
	sender := &fakeSender{err: errors.New("boom")}
	m := New(sender, catalog.New(stubFetcher{}, 0))
	m.RegisterConn("c1", 1, HbTypeDBInfo)
	m.MarkDBExpired("c1", 1, "mydb")

	m.Tick()
	require.Len(t, sender.batches, 1)

	// aggregation was cleared even though the send failed
	sender.err = nil
	m.Tick()
	require.Len(t, sender.batches, 2)
	assert.Empty(t, sender.batches[1].Entries[0].ExpiredDBs)
}

package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/flowdb/pkg/catalog"
	"github.com/cuemby/flowdb/pkg/codec"
	"github.com/cuemby/flowdb/pkg/errs"
	"github.com/cuemby/flowdb/pkg/events"
	"github.com/cuemby/flowdb/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubFetcher backs a catalog.Catalog with in-memory vgroups.
type stubFetcher struct {
	vgroups map[uint32]*types.VGroup
}

func (s *stubFetcher) FetchVGroup(id uint32) (*types.VGroup, error) {
	g, ok := s.vgroups[id]
	if !ok {
		return nil, errs.NotFound
	}
	return g, nil
}

func (s *stubFetcher) FetchDatabase(name string) (*types.Database, error) {
	return nil, errs.NotFound
}

func vgroup(id uint32, addrs ...string) *types.VGroup {
	g := &types.VGroup{ID: id}
	for i, a := range addrs {
		g.Vnodes = append(g.Vnodes, types.VnodeMember{Endpoint: a, IsLeader: i == 0})
	}
	return g
}

// fakeDispatcher answers every Send synchronously and records it, so
// tests can assert both on call order and on the task/job state the
// response drove.
type fakeDispatcher struct {
	mu        sync.Mutex
	calls     []sentCall
	queryCode map[string]int32 // addr -> code to return for MsgQuery, 0 default
	fetchBody []byte
	fetchCode int32
}

type sentCall struct {
	addr    string
	msgType types.MsgType
	queryID uint64
	taskID  uint64
}

func (d *fakeDispatcher) Send(addr string, msgType types.MsgType, queryID, taskID uint64, body []byte, cb codec.Callback, param interface{}) error {
	d.mu.Lock()
	d.calls = append(d.calls, sentCall{addr: addr, msgType: msgType, queryID: queryID, taskID: taskID})
	d.mu.Unlock()

	switch msgType {
	case types.MsgQuery:
		cb(param, nil, d.queryCode[addr])
	case types.MsgFetch:
		cb(param, d.fetchBody, d.fetchCode)
	case types.MsgDrop:
		cb(param, nil, 0)
	}
	return nil
}

func (d *fakeDispatcher) callCount(msgType types.MsgType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.msgType == msgType {
			n++
		}
	}
	return n
}

func (d *fakeDispatcher) addrsFor(msgType types.MsgType) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, c := range d.calls {
		if c.msgType == msgType {
			out = append(out, c.addr)
		}
	}
	return out
}

func singleTaskJob(jobID uint64, vgroupID uint32) *types.Job {
	job := types.NewJob(jobID)
	root := &types.Task{ID: 1, JobID: jobID, Level: 0, Plan: &types.SubPlan{QueryID: jobID, TaskID: 1, VgroupID: vgroupID}}
	job.Levels = []*types.Level{{Index: 0, Tasks: []*types.Task{root}}}
	return job
}

func TestSingleLevelJobReachesPartialSucceedThenSucceed(t *testing.T) {
	fetcher := &stubFetcher{vgroups: map[uint32]*types.VGroup{1: vgroup(1, "v1:9000")}}
	cat := catalog.New(fetcher, 0)
	dispatch := &fakeDispatcher{fetchBody: []byte{0, 0, 0, 3, 1}, fetchCode: 0}
	sched := NewScheduler(cat, dispatch)

	job := singleTaskJob(42, 1)
	sched.Register(job)
	require.NoError(t, sched.Launch(job.ID))

	assert.Equal(t, types.JobPartialSucceed, job.GetStatus())

	block, err := sched.Fetch(job.ID)
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.EqualValues(t, 3, block.NumRows)
	assert.Equal(t, types.JobSucceed, job.GetStatus())
}

func TestTwoLevelJobLaunchesRootOnlyAfterBothLeavesSucceed(t *testing.T) {
	fetcher := &stubFetcher{vgroups: map[uint32]*types.VGroup{
		1: vgroup(1, "v1:9000"),
		2: vgroup(2, "v2:9000"),
		3: vgroup(3, "v3:9000"),
	}}
	cat := catalog.New(fetcher, 0)
	dispatch := &fakeDispatcher{}
	sched := NewScheduler(cat, dispatch)

	jobID := uint64(7)
	job := types.NewJob(jobID)
	root := &types.Task{ID: 1, JobID: jobID, Level: 1, Plan: &types.SubPlan{QueryID: jobID, TaskID: 1, VgroupID: 3}}
	leafA := &types.Task{ID: 2, JobID: jobID, Level: 0, Plan: &types.SubPlan{QueryID: jobID, TaskID: 2, VgroupID: 1}, Parents: []*types.Task{root}}
	leafB := &types.Task{ID: 3, JobID: jobID, Level: 0, Plan: &types.SubPlan{QueryID: jobID, TaskID: 3, VgroupID: 2}, Parents: []*types.Task{root}}
	root.Children = []*types.Task{leafA, leafB}
	job.Levels = []*types.Level{
		{Index: 1, Tasks: []*types.Task{leafA, leafB}},
		{Index: 0, Tasks: []*types.Task{root}},
	}

	sched.Register(job)
	require.NoError(t, sched.Launch(job.ID))

	addrs := dispatch.addrsFor(types.MsgQuery)
	require.Len(t, addrs, 3)
	// both leaves must appear in the call log before the root's address.
	assert.Contains(t, addrs[:2], "v1:9000")
	assert.Contains(t, addrs[:2], "v2:9000")
	assert.Equal(t, "v3:9000", addrs[2])
	assert.Equal(t, types.JobPartialSucceed, job.GetStatus())
}

func TestRetryAdvancesCandidateOnTimeout(t *testing.T) {
	fetcher := &stubFetcher{vgroups: map[uint32]*types.VGroup{
		1: vgroup(1, "v1:9000", "v2:9000", "v3:9000"),
	}}
	cat := catalog.New(fetcher, 0)
	dispatch := &fakeDispatcher{queryCode: map[string]int32{
		"v1:9000": errs.Code(errs.Timeout),
	}}
	sched := NewScheduler(cat, dispatch)

	job := singleTaskJob(1, 1)
	sched.Register(job)
	require.NoError(t, sched.Launch(job.ID))

	assert.Equal(t, types.JobPartialSucceed, job.GetStatus())
	root := job.RootTask()
	assert.Equal(t, "v2:9000", root.ExecAddr)
	assert.Len(t, root.ExecAddrs, 2)
}

func TestTaskFailsAfterAllCandidatesExhausted(t *testing.T) {
	fetcher := &stubFetcher{vgroups: map[uint32]*types.VGroup{1: vgroup(1, "v1:9000", "v2:9000")}}
	cat := catalog.New(fetcher, 0)
	dispatch := &fakeDispatcher{queryCode: map[string]int32{
		"v1:9000": errs.Code(errs.Timeout),
		"v2:9000": errs.Code(errs.Timeout),
	}}
	sched := NewScheduler(cat, dispatch)

	job := singleTaskJob(1, 1)
	sched.Register(job)
	require.NoError(t, sched.Launch(job.ID))

	assert.Equal(t, types.JobFailed, job.GetStatus())
	assert.EqualValues(t, errs.Code(errs.Timeout), job.ErrCode)
}

func TestUserDropFansOutToAllRecordedExecAddrs(t *testing.T) {
	fetcher := &stubFetcher{vgroups: map[uint32]*types.VGroup{1: vgroup(1, "v1:9000")}}
	cat := catalog.New(fetcher, 0)
	dispatch := &fakeDispatcher{}
	sched := NewScheduler(cat, dispatch)

	job := singleTaskJob(1, 1)
	sched.Register(job)
	require.NoError(t, sched.Launch(job.ID))
	assert.Equal(t, types.JobPartialSucceed, job.GetStatus())

	require.NoError(t, sched.Drop(job.ID))
	assert.Equal(t, types.JobDropped, job.GetStatus())
	assert.Equal(t, 1, dispatch.callCount(types.MsgDrop))
}

func TestStatusReportsUnknownJobAsMissing(t *testing.T) {
	sched := NewScheduler(catalog.New(&stubFetcher{}, 0), &fakeDispatcher{})

	status, ok := sched.Status(999)
	assert.False(t, ok)
	assert.Equal(t, types.JobNull, status)
}

func TestStatusAndJobCountsTrackRegisteredJobs(t *testing.T) {
	fetcher := &stubFetcher{vgroups: map[uint32]*types.VGroup{1: vgroup(1, "v1:9000")}}
	cat := catalog.New(fetcher, 0)
	dispatch := &fakeDispatcher{fetchBody: []byte{0, 0, 0, 1, 1}, fetchCode: 0}
	sched := NewScheduler(cat, dispatch)

	job := singleTaskJob(7, 1)
	sched.Register(job)
	require.NoError(t, sched.Launch(job.ID))

	status, ok := sched.Status(job.ID)
	assert.True(t, ok)
	assert.Equal(t, types.JobPartialSucceed, status)
	assert.Equal(t, 1, sched.JobCounts()[types.JobPartialSucceed.String()])

	_, err := sched.Fetch(job.ID)
	require.NoError(t, err)

	status, ok = sched.Status(job.ID)
	assert.True(t, ok)
	assert.Equal(t, types.JobSucceed, status)
}

func TestWithBrokerPublishesJobLifecycleEvents(t *testing.T) {
	fetcher := &stubFetcher{vgroups: map[uint32]*types.VGroup{1: vgroup(1, "v1:9000")}}
	cat := catalog.New(fetcher, 0)
	dispatch := &fakeDispatcher{fetchBody: []byte{0, 0, 0, 1, 1}, fetchCode: 0}
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sched := NewScheduler(cat, dispatch).WithBroker(broker)

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	job := singleTaskJob(9, 1)
	sched.Register(job)
	require.NoError(t, sched.Launch(job.ID))
	_, err := sched.Fetch(job.ID)
	require.NoError(t, err)

	seen := map[events.Type]bool{}
	for i := 0; i < 3; i++ {
		select {
		case evt := <-sub:
			seen[evt.Type] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for published event")
		}
	}
	assert.True(t, seen[events.JobSubmitted])
	assert.True(t, seen[events.JobSucceeded])
}

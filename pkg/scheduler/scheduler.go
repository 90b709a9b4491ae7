// Package scheduler drives a job's task DAG to completion: level-by-level
// launch starting at the leaves, per-task retry against candidate
// addresses, failure propagation (including wait-all-peers levels),
// user-visible fetch against the root task, and cancel/drop fan-out
// across every recorded execution address (spec §4.7). Grounded on the
// teacher's pkg/scheduler/scheduler.go for its background-loop shape
// (NewScheduler/Start/Stop/run) and on pkg/reconciler/reconciler.go for
// the periodic sweep that reclaims terminal jobs.
package scheduler

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/flowdb/pkg/catalog"
	"github.com/cuemby/flowdb/pkg/codec"
	"github.com/cuemby/flowdb/pkg/errs"
	"github.com/cuemby/flowdb/pkg/events"
	"github.com/cuemby/flowdb/pkg/log"
	"github.com/cuemby/flowdb/pkg/types"
	"github.com/rs/zerolog"
)

// Dispatcher sends one async request and fires cb exactly once with the
// response or a timeout. Implemented by *pkg/rpc.Client; tests substitute
// a fake that calls back synchronously or on a delay.
type Dispatcher interface {
	Send(addr string, msgType types.MsgType, queryID, taskID uint64, body []byte, cb codec.Callback, param interface{}) error
}

// Scheduler owns every job currently in flight and drives each one's
// task DAG through launch, retry, and completion.
type Scheduler struct {
	catalog  *catalog.Catalog
	dispatch Dispatcher
	logger   zerolog.Logger
	broker   *events.Broker

	mu     sync.RWMutex
	jobs   map[uint64]*types.Job
	stopCh chan struct{}
}

// NewScheduler constructs a Scheduler that resolves task addresses
// through cat and sends wire requests through dispatch.
func NewScheduler(cat *catalog.Catalog, dispatch Dispatcher) *Scheduler {
	return &Scheduler{
		catalog:  cat,
		dispatch: dispatch,
		logger:   log.WithComponent("scheduler"),
		jobs:     make(map[uint64]*types.Job),
		stopCh:   make(chan struct{}),
	}
}

// WithBroker attaches a cluster event broker, publishing job and task
// lifecycle events as they occur. broker may be left unset; publish is
// a no-op without one.
func (s *Scheduler) WithBroker(broker *events.Broker) *Scheduler {
	s.broker = broker
	return s
}

func (s *Scheduler) publish(t events.Type, jobID uint64, msg string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:     t,
		Message:  msg,
		Metadata: map[string]string{"job_id": fmt.Sprintf("%d", jobID)},
	})
}

// Start begins the background sweep that reclaims terminal, unreferenced
// jobs.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the background sweep.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// sweep removes jobs that are terminal and have no outstanding
// references (spec §3 "destroyed only after reference count reaches
// zero and status is terminal").
func (s *Scheduler) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, job := range s.jobs {
		if job.Freeable() {
			delete(s.jobs, id)
		}
	}
}

// Register adds a fully-built job (levels, tasks, and parent/child
// links already wired by the planner — logical-plan generation is out
// of scope here) to the scheduler's tracking table.
func (s *Scheduler) Register(job *types.Job) {
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	s.publish(events.JobSubmitted, job.ID, "")
}

func (s *Scheduler) jobFor(id uint64) *types.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[id]
}

// Launch starts a registered job's leaf level, the deepest level in the
// job's leaves-first Levels slice (spec §4.7 "starts at the deepest
// level"). The root level's single task becomes launchable once its
// descendants have all succeeded.
func (s *Scheduler) Launch(jobID uint64) error {
	job := s.jobFor(jobID)
	if job == nil {
		return fmt.Errorf("scheduler: job %d: %w", jobID, errs.NotFound)
	}
	if len(job.Levels) == 0 {
		return fmt.Errorf("scheduler: job %d has no levels", jobID)
	}
	job.SetStatus(types.JobExecuting)

	leaf := job.Levels[0]
	for _, task := range leaf.Tasks {
		s.launchTask(job, task)
	}
	return nil
}

// launchTask resolves a task's candidate addresses (first launch only)
// and dispatches its query.
func (s *Scheduler) launchTask(job *types.Job, task *types.Task) {
	if task.Plan != nil && len(task.Candidates.Eps) == 0 {
		eps, err := s.catalog.EpSetFor(task.Plan.VgroupID)
		if err != nil {
			s.onTaskFailed(job, task, errs.Code(errs.NotFound))
			return
		}
		task.Candidates = eps
	}
	task.Status = types.TaskExecuting
	s.mu.Lock()
	job.Executing[task.ID] = task
	s.mu.Unlock()
	s.sendQuery(job, task)
}

func (s *Scheduler) sendQuery(job *types.Job, task *types.Task) {
	addr := task.Candidates.Current()
	if addr == "" {
		s.onTaskFailed(job, task, errs.Code(errs.NotFound))
		return
	}
	task.LastSentType = types.MsgQuery
	task.ExecAddrs = append(task.ExecAddrs, addr)
	if err := s.dispatch.Send(addr, types.MsgQuery, job.ID, task.ID, nil, s.onQueryResponse, task); err != nil {
		s.logger.Warn().Err(err).Uint64("job_id", job.ID).Uint64("task_id", task.ID).
			Str("addr", addr).Msg("query dispatch failed, retrying next candidate")
		s.retryOrFail(job, task, errs.Code(errs.Timeout))
	}
}

// onQueryResponse handles a task's MsgQueryRsp (spec §4.7 retry policy:
// "a retry on transient errors re-selects from candidate addresses by
// advancing candidateIdx").
func (s *Scheduler) onQueryResponse(param interface{}, body []byte, code int32) {
	task, ok := param.(*types.Task)
	if !ok {
		return
	}
	job := s.jobFor(task.JobID)
	if job == nil {
		return
	}
	if code == 0 {
		s.onTaskSucceeded(job, task)
		return
	}
	s.retryOrFail(job, task, code)
}

func (s *Scheduler) retryOrFail(job *types.Job, task *types.Task, code int32) {
	if code == errs.Code(errs.Timeout) {
		if exhausted := task.Candidates.Advance(); !exhausted {
			s.publish(events.TaskRetried, job.ID, fmt.Sprintf("task %d", task.ID))
			s.sendQuery(job, task)
			return
		}
	}
	s.onTaskFailed(job, task, code)
}

// onTaskSucceeded records the task's execution address, propagates
// readiness to its parent, and collapses the level/job as appropriate
// (spec §4.7 "on a child's success, it increments each parent's
// childReady ... on task success at level 0, the level collapses the
// job to PartialSucceed").
func (s *Scheduler) onTaskSucceeded(job *types.Job, task *types.Task) {
	task.ExecAddr = task.Candidates.Current()
	task.Status = types.TaskSucceed

	s.mu.Lock()
	delete(job.Executing, task.ID)
	job.Succeeded[task.ID] = task
	s.mu.Unlock()

	level := job.Levels[task.Level]
	levelDone, allSucceeded := level.RecordTerminal(true)

	for _, parent := range task.Parents {
		if parent.MarkChildReady() {
			s.launchTask(job, parent)
		}
	}

	if level.Index == 0 {
		job.SetStatus(types.JobPartialSucceed)
		return
	}
	if levelDone && !allSucceeded {
		s.failJob(job)
	}
}

// onTaskFailed marks a task Failed and, unless it is waiting for its
// peers, fails the whole job immediately (spec §4.7 "if the task is
// marked wait-all-peers, the level accumulates failures and only
// propagates when all siblings reported terminal").
func (s *Scheduler) onTaskFailed(job *types.Job, task *types.Task, code int32) {
	task.Status = types.TaskFailed
	task.ErrCode = code
	job.SetErrCode(code)

	s.mu.Lock()
	delete(job.Executing, task.ID)
	job.Failed[task.ID] = task
	s.mu.Unlock()

	s.publish(events.TaskFailed, job.ID, fmt.Sprintf("task %d", task.ID))

	level := job.Levels[task.Level]
	levelDone, _ := level.RecordTerminal(false)

	if task.WaitAllPeer {
		if levelDone {
			s.failJob(job)
		}
		return
	}
	s.failJob(job)
}

func (s *Scheduler) failJob(job *types.Job) {
	task := job.RootTask()
	if task != nil {
		job.SetErrCode(task.ErrCode)
	}
	job.SetStatus(types.JobFailed)
	s.publish(events.JobFailed, job.ID, "")
}

// Status reports jobID's current state, used by a wire-protocol front
// end to decide whether a fetch response's completion flag should be
// set (spec §4.7's Fetch only blocks a caller already holding a *Job;
// a remote client has only the job id).
func (s *Scheduler) Status(jobID uint64) (types.JobStatus, bool) {
	job := s.jobFor(jobID)
	if job == nil {
		return types.JobNull, false
	}
	return job.GetStatus(), true
}

// JobCounts tallies jobs by status string, used to back
// metrics.Source.JobCounts.
func (s *Scheduler) JobCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int, len(s.jobs))
	for _, job := range s.jobs {
		counts[job.GetStatus().String()]++
	}
	return counts
}

// Fetch posts the user-fetch flag and, while the job is PartialSucceed,
// issues a CAS-guarded fetch RPC to the root task before blocking for a
// result (spec §4.7 "Fetch").
func (s *Scheduler) Fetch(jobID uint64) (*types.DataBlock, error) {
	job := s.jobFor(jobID)
	if job == nil {
		return nil, fmt.Errorf("scheduler: job %d: %w", jobID, errs.NotFound)
	}
	job.MarkUserFetch()
	job.Acquire()
	defer job.Release()

	if job.GetStatus() == types.JobPartialSucceed && job.TryStartFetch() {
		root := job.RootTask()
		if root == nil {
			job.PublishResult(nil)
			return nil, fmt.Errorf("scheduler: job %d has no root task", jobID)
		}
		addr := root.ExecAddr
		if err := s.dispatch.Send(addr, types.MsgFetch, job.ID, root.ID, nil, s.onFetchResponse, job); err != nil {
			job.SetErrCode(errs.Code(errs.Timeout))
			job.PublishResult(nil)
		}
	}

	block, status := job.WaitResult()
	if status == types.JobFailed {
		return nil, fmt.Errorf("scheduler: job %d failed with code %d", job.ID, job.ErrCode)
	}
	return block, nil
}

// onFetchResponse decodes a fetch response matching pkg/qworker's wire
// format (4-byte row count, 1-byte completion flag), publishing the
// block and resolving the job to Succeed on the final block.
func (s *Scheduler) onFetchResponse(param interface{}, body []byte, code int32) {
	job, ok := param.(*types.Job)
	if !ok {
		return
	}
	if code != 0 {
		job.SetErrCode(code)
		job.SetStatus(types.JobFailed)
		job.PublishResult(nil)
		return
	}

	block, completed := decodeFetchResponse(body)
	if completed {
		job.SetStatus(types.JobSucceed)
		s.publish(events.JobSucceeded, job.ID, "")
	}
	job.PublishResult(block)
}

func decodeFetchResponse(body []byte) (*types.DataBlock, bool) {
	if len(body) < 5 {
		return nil, true
	}
	rows := binary.BigEndian.Uint32(body[0:4])
	completed := body[4] == 1
	return &types.DataBlock{NumRows: int32(rows)}, completed
}

// Cancel moves a job to Cancelling and issues best-effort drop RPCs to
// every recorded execution address, then marks it Cancelled.
func (s *Scheduler) Cancel(jobID uint64) error {
	return s.dropJob(jobID, types.JobCancelling, types.JobCancelled)
}

// Drop tears a job down the same way Cancel does but lands it in the
// Dropped terminal state (spec §4.7 "Any active state → Dropping (external
// drop)").
func (s *Scheduler) Drop(jobID uint64) error {
	return s.dropJob(jobID, types.JobDropping, types.JobDropped)
}

func (s *Scheduler) dropJob(jobID uint64, transitional, final types.JobStatus) error {
	job := s.jobFor(jobID)
	if job == nil {
		return fmt.Errorf("scheduler: job %d: %w", jobID, errs.NotFound)
	}
	job.SetStatus(transitional)

	for taskID, addrs := range job.AllTaskAddrs() {
		task := s.taskByID(job, taskID)
		if task != nil && task.NoNeedDrop {
			continue
		}
		for _, addr := range addrs {
			_ = s.dispatch.Send(addr, types.MsgDrop, job.ID, taskID, nil, noopCallback, nil)
		}
	}

	job.SetStatus(final)
	if final == types.JobCancelled {
		s.publish(events.JobCancelled, job.ID, "")
	}
	return nil
}

func (s *Scheduler) taskByID(job *types.Job, id uint64) *types.Task {
	for _, level := range job.Levels {
		for _, t := range level.Tasks {
			if t.ID == id {
				return t
			}
		}
	}
	return nil
}

func noopCallback(param interface{}, body []byte, code int32) {}

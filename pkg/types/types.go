// Package types holds the data model shared across the distributed query
// execution core: jobs, tasks, levels, sub-plans, operator-tree
// descriptions, result rows, meta-store objects, and connection records
// (spec.md §3).
package types

import (
	"sync"
	"time"
)

// EpSet is an ordered set of candidate node endpoints for a task, plus a
// round-robin cursor. One vgroup replica set maps onto one EpSet.
type EpSet struct {
	Eps          []string // host:port, replica 0 is the preferred leader hint
	CandidateIdx int      // round-robin index into Eps, advanced on retry
}

// Current returns the endpoint the candidate index currently points at.
func (e *EpSet) Current() string {
	if len(e.Eps) == 0 {
		return ""
	}
	return e.Eps[e.CandidateIdx%len(e.Eps)]
}

// Advance moves the round-robin cursor to the next candidate and reports
// whether every candidate has now been tried at least once since the last
// reset (exhausted).
func (e *EpSet) Advance() (exhausted bool) {
	e.CandidateIdx++
	return e.CandidateIdx >= len(e.Eps)
}

// JobStatus is the scheduler-side job state machine (spec §4.7).
type JobStatus int32

const (
	JobNull JobStatus = iota
	JobNotStart
	JobExecuting
	JobPartialSucceed
	JobFailed
	JobCancelling
	JobDropping
	JobSucceed
	JobCancelled
	JobDropped
)

func (s JobStatus) String() string {
	switch s {
	case JobNull:
		return "Null"
	case JobNotStart:
		return "NotStart"
	case JobExecuting:
		return "Executing"
	case JobPartialSucceed:
		return "PartialSucceed"
	case JobFailed:
		return "Failed"
	case JobCancelling:
		return "Cancelling"
	case JobDropping:
		return "Dropping"
	case JobSucceed:
		return "Succeed"
	case JobCancelled:
		return "Cancelled"
	case JobDropped:
		return "Dropped"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status is one a job never leaves.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceed, JobFailed, JobCancelled, JobDropped:
		return true
	default:
		return false
	}
}

// TaskStatus is the per-task state on the scheduler side (spec §4.7),
// distinct from the worker-side states of §4.6 (see qworker.State).
type TaskStatus int32

const (
	TaskNotStart TaskStatus = iota
	TaskExecuting
	TaskPartialSucceed
	TaskSucceed
	TaskFailed
	TaskDropping
	TaskDropped
)

func (s TaskStatus) String() string {
	switch s {
	case TaskNotStart:
		return "NotStart"
	case TaskExecuting:
		return "Executing"
	case TaskPartialSucceed:
		return "PartialSucceed"
	case TaskSucceed:
		return "Succeed"
	case TaskFailed:
		return "Failed"
	case TaskDropping:
		return "Dropping"
	case TaskDropped:
		return "Dropped"
	default:
		return "Unknown"
	}
}

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceed, TaskFailed, TaskDropped:
		return true
	default:
		return false
	}
}

// MsgType enumerates the wire message types of spec §6.1, in send order.
// The query-worker dispatch validates that each response's type is
// exactly LastSentType+1.
type MsgType int32

const (
	MsgQuery MsgType = iota
	MsgQueryRsp
	MsgReady
	MsgReadyRsp
	MsgFetch
	MsgFetchRsp
	MsgDrop
	MsgDropRsp

	// MsgConnect/MsgHeartbeat/MsgKill carry the client-facing half of
	// spec §6.1's wire table (CONNECT, HEARTBEAT, KILL-QUERY/KILL-CONN);
	// the task-dispatch pairs above carry the scheduler/qworker half.
	MsgConnect
	MsgConnectRsp
	MsgHeartbeat
	MsgHeartbeatRsp
	MsgKill
	MsgKillRsp
)

// TaskProfile accumulates per-task execution statistics, surfaced through
// Job.Profile() for EXPLAIN-ANALYZE-style introspection (see SPEC_FULL.md
// §5, grounded on original_source's scheduler.c profiling counters).
type TaskProfile struct {
	Rows      int64
	Bytes     int64
	Elapsed   time.Duration
	StartedAt time.Time
	EndedAt   time.Time
}

// Task is one sub-plan on one candidate set of nodes (spec §3 "Task").
type Task struct {
	ID     uint64
	JobID  uint64
	Level  int // position of the owning level in Job.Levels (leaves-first), not its Level.Index
	Status TaskStatus

	LastSentType MsgType // last message type sent, for reply validation

	Candidates EpSet    // candidate addresses + round-robin index
	ExecAddrs  []string // addresses actually used, for drop fan-out

	Plan *SubPlan // serialized/compiled execution unit

	Parents  []*Task // tasks at Level-1 that depend on this one
	Children []*Task // tasks at Level+1 this one depends on

	mu          sync.Mutex // guards ChildReady and parent mutation
	ChildReady  int        // count of children that have reported success
	NoNeedDrop  bool       // true for tasks never actually dispatched
	WaitAllPeer bool       // level only propagates failure once all peers are terminal

	ExecAddr string // the candidate address that ultimately succeeded
	ErrCode  int32

	Profile TaskProfile

	owner uint64 // CAS-guarded executing-goroutine marker (0 = idle)
}

// Lock acquires the task's parent-mutation lock.
func (t *Task) Lock() { t.mu.Lock() }

// Unlock releases the task's parent-mutation lock.
func (t *Task) Unlock() { t.mu.Unlock() }

// ReadyToLaunch reports whether every child of this task has reported
// success (spec §3: "A task is 'ready to launch' when all children have
// reported success").
func (t *Task) ReadyToLaunch() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ChildReady >= len(t.Children)
}

// MarkChildReady increments the child-ready counter and reports whether
// this call made the task launchable.
func (t *Task) MarkChildReady() (becameReady bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ChildReady++
	return t.ChildReady == len(t.Children)
}

// Level is an ordered collection of tasks at the same DAG depth (spec §3).
// Level 0 is the root/final aggregator level; the leaf level has the
// numerically largest index.
type Level struct {
	Index int
	Tasks []*Task

	mu        sync.RWMutex
	Succeeded int
	Failed    int
	Status    TaskStatus
}

// RecordTerminal records one task in this level reaching a terminal state
// and reports whether the level itself has now completed, i.e. whether
// succeeded+failed == len(Tasks) (spec §8, "Level completion").
func (l *Level) RecordTerminal(succeeded bool) (levelDone, allSucceeded bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if succeeded {
		l.Succeeded++
	} else {
		l.Failed++
	}
	done := l.Succeeded+l.Failed == len(l.Tasks)
	if done {
		if l.Failed == 0 {
			l.Status = TaskPartialSucceed
		} else {
			l.Status = TaskFailed
		}
	}
	return done, l.Failed == 0
}

// Counts returns the current succeeded/failed counters under the level's
// read lock.
func (l *Level) Counts() (succeeded, failed, total int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.Succeeded, l.Failed, len(l.Tasks)
}

// Job represents one client query (spec §3 "Job").
type Job struct {
	ID     uint64
	SQL    string
	Status JobStatus

	// Levels are ordered leaves-first: Levels[0] is the deepest
	// (numerically largest index) level; the last entry is level 0, the
	// root/final aggregator.
	Levels []*Level

	mu sync.Mutex

	RefCount int32 // concurrent callback/drop safety

	ErrCode int32 // first-observed non-recoverable failure, 0 = none

	resultCond   *sync.Cond
	ResultReady  bool
	ResultBuf    *DataBlock
	FetchInFlite bool // a fetch RPC is currently outstanding (remoteFetch CAS)
	UserFetch    bool // the user has requested a fetch at least once

	Executing map[uint64]*Task
	Succeeded map[uint64]*Task
	Failed    map[uint64]*Task

	CreatedAt time.Time
}

// NewJob allocates a job with its lookup indices and condition variable
// initialized.
func NewJob(id uint64) *Job {
	j := &Job{
		ID:        id,
		Status:    JobNull,
		Executing: make(map[uint64]*Task),
		Succeeded: make(map[uint64]*Task),
		Failed:    make(map[uint64]*Task),
		CreatedAt: time.Now(),
	}
	j.resultCond = sync.NewCond(&j.mu)
	return j
}

// Acquire increments the job's reference count; pairs with Release.
func (j *Job) Acquire() {
	j.mu.Lock()
	j.RefCount++
	j.mu.Unlock()
}

// Release decrements the reference count and reports whether the job is
// now eligible for freeing, i.e. RefCount == 0 and Status is terminal
// (spec §3 "destroyed only after reference count reaches zero and status
// is terminal").
func (j *Job) Release() (freeable bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.RefCount--
	return j.RefCount <= 0 && j.Status.Terminal()
}

// SetErrCode records the first non-zero error code observed for this job
// (first-writer wins, spec §7).
func (j *Job) SetErrCode(code int32) {
	if code == 0 {
		return
	}
	j.mu.Lock()
	if j.ErrCode == 0 {
		j.ErrCode = code
	}
	j.mu.Unlock()
}

// SetStatus transitions the job to a new status and wakes any fetcher
// blocked in WaitResult.
func (j *Job) SetStatus(s JobStatus) {
	j.mu.Lock()
	j.Status = s
	j.mu.Unlock()
	j.resultCond.Broadcast()
}

// GetStatus returns the current job status.
func (j *Job) GetStatus() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status
}

// PublishResult stores a fetched block and wakes blocked fetchers (spec
// §5 "Scheduler fetch_rows: blocks on a per-job semaphore until either
// the fetch response arrives or the job transitions to a terminal
// state").
func (j *Job) PublishResult(block *DataBlock) {
	j.mu.Lock()
	j.ResultBuf = block
	j.ResultReady = true
	j.FetchInFlite = false
	j.mu.Unlock()
	j.resultCond.Broadcast()
}

// WaitResult blocks until a result is published or the job reaches a
// terminal status, then returns and clears the pending result.
func (j *Job) WaitResult() (*DataBlock, JobStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for !j.ResultReady && !j.Status.Terminal() {
		j.resultCond.Wait()
	}
	block := j.ResultBuf
	j.ResultBuf = nil
	j.ResultReady = false
	return block, j.Status
}

// TryStartFetch CAS-sets FetchInFlite, preventing duplicate in-flight
// fetches (spec §4.7 "remoteFetch is CAS-set").
func (j *Job) TryStartFetch() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.FetchInFlite {
		return false
	}
	j.FetchInFlite = true
	return true
}

// RootTask returns the single level-0 task (spec §3 invariant: "at level
// 0 a query job has exactly one task").
func (j *Job) RootTask() *Task {
	if len(j.Levels) == 0 {
		return nil
	}
	root := j.Levels[len(j.Levels)-1]
	if len(root.Tasks) != 1 {
		return nil
	}
	return root.Tasks[0]
}

// AllTaskAddrs returns every execution address recorded across executing,
// succeeded, and failed tasks — the drop fan-out target set (spec §4.7).
func (j *Job) AllTaskAddrs() map[uint64][]string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[uint64][]string)
	collect := func(m map[uint64]*Task) {
		for id, t := range m {
			if len(t.ExecAddrs) > 0 {
				out[id] = append([]string(nil), t.ExecAddrs...)
			}
		}
	}
	collect(j.Executing)
	collect(j.Succeeded)
	collect(j.Failed)
	return out
}

// MarkUserFetch records that the user has requested a fetch at least
// once (spec §4.7 "user-level fetch posts a user-fetch flag").
func (j *Job) MarkUserFetch() {
	j.mu.Lock()
	j.UserFetch = true
	j.mu.Unlock()
}

// Freeable reports whether the job is eligible for freeing without
// mutating its reference count, used by the scheduler's background
// sweep to reclaim terminal, unreferenced jobs.
func (j *Job) Freeable() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.RefCount <= 0 && j.Status.Terminal()
}

// Profile returns a snapshot of per-task profiling data across every
// level, keyed by task id (SPEC_FULL.md §5).
func (j *Job) Profile() map[uint64]TaskProfile {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[uint64]TaskProfile)
	for _, lvl := range j.Levels {
		for _, t := range lvl.Tasks {
			out[t.ID] = t.Profile
		}
	}
	return out
}

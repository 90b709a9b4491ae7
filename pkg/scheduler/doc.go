/*
Package scheduler drives one job's task DAG from submission to result.

A job arrives already split into ordered levels — Levels[0] is the
deepest level (the data-source leaves), the last entry is level 0, the
single root/aggregator task. The scheduler launches the leaf level,
and each task that succeeds marks its parent's child-ready counter;
once a parent's children have all reported success, the scheduler
launches it in turn. The root task's success collapses the whole job
to PartialSucceed, at which point fetch calls may proceed.

# Launch and retry

	sched := scheduler.NewScheduler(cat, rpcClient)
	sched.Register(job)
	sched.Launch(job.ID)

Each task carries a round-robin candidate address set (types.EpSet). A
transient failure (errs.Timeout) advances the candidate index and
resends; a task only fails once every candidate has been tried. A
non-retryable failure fails the task outright, and unless it is marked
wait-all-peers the whole job fails immediately with that task's error
code.

# Fetch

	block, err := sched.Fetch(job.ID)

Fetch sets the job's user-fetch flag and, while the job is
PartialSucceed, issues a single in-flight fetch RPC to the root task
(CAS-guarded via types.Job.TryStartFetch so concurrent callers never
double-send). The call blocks until a result is published or the job
reaches a terminal status.

# Cancel and drop

	sched.Cancel(job.ID)
	sched.Drop(job.ID)

Both walk every task's recorded execution addresses and send a
best-effort drop RPC to each, skipping tasks marked NoNeedDrop (never
actually dispatched). A background sweep, started by Start, reclaims
jobs once their reference count reaches zero and their status is
terminal.
*/
package scheduler

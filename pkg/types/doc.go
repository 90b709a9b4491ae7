/*
Package types defines the core data structures shared across flowdb:
query job/task coordination, the column-block wire format the executor
operates on, the compiled operator plan, and the meta-store objects
sdb persists.

# Architecture

The types package has no dependencies on the rest of flowdb; every
other package imports it. It defines:

  - Job/Task/Level: the fan-out tree a query is split into across vnodes
  - DataBlock/Column/ResultRow/EntryInfo: the column-oriented block
    format the executor's operators pull and push between each other
  - OperatorNode/Expr/SubPlan: the compiled plan shape Build() turns
    into an operator tree
  - Database/VGroup/User/ConnectionProfile/CARecord: meta-store objects
    persisted through sdb

# Job Coordination

A query submitted to an mnode becomes a Job: a tree of Tasks, one per
Level, fanned out across the vgroups a query touches. Each Task tracks
its own TaskStatus; a Level completes once every Task in it reaches a
terminal status (RecordTerminal), and the Job overall completes once
its root Task does.

	job := types.NewJob(jobID)
	// ... populate job.Levels with Tasks addressed to each vgroup's vnodes
	job.SetStatus(types.JobExecuting)
	block, status := job.WaitResult()

# Data Blocks

DataBlock is the unit operators exchange via Pull(): a fixed-width,
column-oriented buffer per Column (big-endian byte-packed for numeric
types), with Rows holding per-row window/group bookkeeping once a
blocking operator (aggregate, group-by, window) has produced results.
EntryInfo carries one expression's finalized scalar within a
ResultRow, plus whether it came from real input or from boundary
interpolation/fill.

	row := types.NewResultRow(pageID, offset, numRows)
	row.Entries = []types.EntryInfo{{Value: 5050}}

# Compiled Plan

OperatorNode is the plan-level description of one operator: its Kind
(OpKind), the Exprs it evaluates (including AggFuncKind for
aggregates), and operator-specific parameters (IntervalNS, SlidingNS,
SessionGapN, FillMode, CalendarUnit). SubPlan threads an ordered list
of these into the shape executor.Build walks to construct the runtime
operator tree.

# Meta-Store Objects

Database, VGroup, User, ConnectionProfile, and CARecord all implement
MetaObject (MetaName, SchemaVersion) so sdb can persist them under a
bucket keyed by type with a version-tagged envelope. ConnectionRecord
is not persisted; it is the live, in-memory state pkg/profile tracks
per client connection.

# Thread Safety

Task and Job guard their mutable fields with an embedded mutex
(Lock/Unlock, Acquire/Release) since a Job's Tasks are updated
concurrently as results stream back from multiple vnodes. DataBlock
and the meta-store types are treated as immutable snapshots once
built; callers needing to mutate one concurrently must synchronize
externally.

# See Also

  - pkg/executor for the operator tree built from OperatorNode/SubPlan
  - pkg/sdb for MetaObject persistence
  - pkg/catalog for vgroup routing decisions that populate Job/Task
*/
package types

// Package events is an in-memory pub/sub broker for job-lifecycle and
// cluster-membership notifications (job submitted/succeeded/failed,
// task retried, vnode joined/left/down, raft leader changes). Publish
// waits only while the broker's 100-event queue is full (or until
// Stop); slow subscribers drop events rather than stall the
// broadcaster.
package events

// Package log provides the structured logging used across mnode, vnode,
// and client processes: a package-level zerolog.Logger configured once via
// Init, plus WithComponent/WithNodeID/WithJobID/WithTaskID/WithQueryID
// helpers for attaching context without threading a logger through every
// call.
package log

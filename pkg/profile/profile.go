// Package profile is the server-side connection registry (spec §4.9):
// a TTL-bucketed cache of live client connections keyed by connection
// id, with reference counting for concurrent acquire/release and
// super-user-gated kill operations. Grounded on pkg/health/health.go's
// Config{Interval,Timeout,Retries} shape for the periodic sweep, and on
// pkg/events.Broker for publishing kill notifications.
package profile

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/flowdb/pkg/errs"
	"github.com/cuemby/flowdb/pkg/events"
	"github.com/cuemby/flowdb/pkg/log"
	"github.com/cuemby/flowdb/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrForbidden is returned by the kill operations when the caller is
// not a super-user (spec §4.9 "permitted only to super-users").
var ErrForbidden = errors.New("profile: operation requires super-user privilege")

// QueryDescriptor is one entry of a connection's recent-query ring,
// surfaced for ShowQueries-style introspection (SPEC_FULL.md §5,
// mndProfile.c-derived — the distillation only names a bare id ring).
type QueryDescriptor struct {
	ID        uint64
	SQL       string
	StartedAt time.Time
	Duration  time.Duration
}

type entry struct {
	rec      *types.ConnectionRecord
	refCount int32
}

// Config tunes the registry's sweep cadence and connection lifetime,
// mirroring pkg/health.Config's Interval/Timeout/Retries shape.
type Config struct {
	SweepInterval time.Duration
	ConnTTL       time.Duration // shellActivityTimer * 3, per spec §5 note

	// MaxConnectsPerSec and ConnectBurst bound the CONNECT admission
	// rate; MaxConnectsPerSec <= 0 disables the limiter.
	MaxConnectsPerSec float64
	ConnectBurst      int
}

// DefaultConfig returns sensible sweep, TTL, and admission-rate defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:     30 * time.Second,
		ConnTTL:           3 * heartbeatInterval,
		MaxConnectsPerSec: 200,
		ConnectBurst:      50,
	}
}

const heartbeatInterval = 1500 * time.Millisecond

// Registry is the live connection table.
type Registry struct {
	cfg    Config
	logger zerolog.Logger
	broker *events.Broker

	mu          sync.Mutex
	conns       map[uint64]*entry
	descriptors map[uint64]QueryDescriptor
	nextID      uint64

	limiter *rate.Limiter

	stopCh chan struct{}
}

// New constructs a Registry. broker may be nil; when set, kill
// operations publish a cluster event.
func New(cfg Config, broker *events.Broker) *Registry {
	if cfg.SweepInterval <= 0 {
		cfg = DefaultConfig()
	}
	var limiter *rate.Limiter
	if cfg.MaxConnectsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxConnectsPerSec), cfg.ConnectBurst)
	}
	return &Registry{
		cfg:         cfg,
		logger:      log.WithComponent("profile"),
		broker:      broker,
		conns:       make(map[uint64]*entry),
		descriptors: make(map[uint64]QueryDescriptor),
		limiter:     limiter,
		stopCh:      make(chan struct{}),
	}
}

// AllowConnect reports whether a new CONNECT may be admitted under the
// registry's admission rate limit (spec §4.9's connection registry is
// the natural place to guard against a connect-storm, the way the
// teacher's ingress layer rate-limits inbound requests ahead of the
// worker pool).
func (r *Registry) AllowConnect() bool {
	if r.limiter == nil {
		return true
	}
	return r.limiter.Allow()
}

// Start begins the background sweep that evicts idle, unreferenced
// connections once they exceed ConnTTL.
func (r *Registry) Start() {
	go r.run()
}

// Stop halts the sweep.
func (r *Registry) Stop() {
	close(r.stopCh)
}

func (r *Registry) run() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, e := range r.conns {
		if e.refCount > 0 {
			continue
		}
		if now.Sub(e.rec.LastAcc) > r.cfg.ConnTTL {
			r.removeLocked(id, e)
		}
	}
}

// CreateConn registers a new connection (spec §4.9 "create_conn(rpc-conn-info,
// pid, app, start_ts)").
func (r *Registry) CreateConn(user, app string, pid int32, clientIP string, clientPort uint16) *types.ConnectionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	rec := types.NewConnectionRecord(r.nextID, user, app, 0)
	rec.PID = pid
	rec.ClientIP = clientIP
	rec.ClientPt = clientPort
	r.conns[rec.ID] = &entry{rec: rec}
	return rec
}

// Acquire finds a connection, refreshes its last-access time, and
// increments its reference count so a concurrent sweep won't evict it
// mid-use (spec §4.9 "acquire(connId) refreshes lastAccess and
// increments ref").
func (r *Registry) Acquire(connID uint64) (*types.ConnectionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return nil, fmt.Errorf("profile: connection %d: %w", connID, errs.NotFound)
	}
	e.refCount++
	e.rec.LastAcc = time.Now()
	return e.rec, nil
}

// Release decrements a connection's reference count.
func (r *Registry) Release(connID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return fmt.Errorf("profile: connection %d: %w", connID, errs.NotFound)
	}
	if e.refCount > 0 {
		e.refCount--
	}
	return nil
}

// Heartbeat either finds an existing connection and validates its
// client address hasn't changed, or creates a new one (spec §4.9
// "heartbeat either finds an existing connection ... or creates a new
// one and returns its id"). connID == 0 always creates.
func (r *Registry) Heartbeat(connID uint64, user, app string, pid int32, clientIP string, clientPort uint16) (*types.ConnectionRecord, error) {
	if connID != 0 {
		r.mu.Lock()
		e, ok := r.conns[connID]
		if ok {
			if e.rec.ClientIP != clientIP || e.rec.ClientPt != clientPort {
				r.mu.Unlock()
				return nil, fmt.Errorf("profile: connection %d address changed: %w", connID, errs.InvalidInput)
			}
			e.rec.LastAcc = time.Now()
			r.mu.Unlock()
			return e.rec, nil
		}
		r.mu.Unlock()
	}
	return r.CreateConn(user, app, pid, clientIP, clientPort), nil
}

// StartQuery records a query as the connection's current one and opens
// its descriptor entry.
func (r *Registry) StartQuery(connID, queryID uint64, sqlSurrogate string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return fmt.Errorf("profile: connection %d: %w", connID, errs.NotFound)
	}
	e.rec.CurrentQueryID = queryID
	r.descriptors[queryID] = QueryDescriptor{ID: queryID, SQL: sqlSurrogate, StartedAt: time.Now()}
	return nil
}

// FinishQuery closes a query's descriptor and folds it into the
// connection's bounded recent-query ring, evicting and forgetting the
// oldest descriptor when the ring is already full.
func (r *Registry) FinishQuery(connID, queryID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return fmt.Errorf("profile: connection %d: %w", connID, errs.NotFound)
	}
	e.rec.CurrentQueryID = 0

	if d, ok := r.descriptors[queryID]; ok {
		d.Duration = time.Since(d.StartedAt)
		r.descriptors[queryID] = d
	}
	if cap(e.rec.RecentQueries) > 0 && len(e.rec.RecentQueries) == cap(e.rec.RecentQueries) {
		delete(r.descriptors, e.rec.RecentQueries[0])
	}
	e.rec.RecordFinishedQuery(queryID)
	return nil
}

// KillQuery cancels a running query, permitted only to super-users
// (spec §4.9). onKill, if non-nil, is invoked with the target
// (connId, queryId) so the caller can route the cancellation into the
// scheduler.
func (r *Registry) KillQuery(isSuperUser bool, connID, queryID uint64, onKill func(connID, queryID uint64)) error {
	if !isSuperUser {
		return ErrForbidden
	}
	r.mu.Lock()
	_, ok := r.conns[connID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("profile: connection %d: %w", connID, errs.NotFound)
	}
	if onKill != nil {
		onKill(connID, queryID)
	}
	r.publish(events.QueryKilled, connID)
	return nil
}

// KillConn force-evicts a connection immediately, permitted only to
// super-users.
func (r *Registry) KillConn(isSuperUser bool, connID uint64) error {
	if !isSuperUser {
		return ErrForbidden
	}
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("profile: connection %d: %w", connID, errs.NotFound)
	}
	e.rec.Killed = true
	r.removeLocked(connID, e)
	r.mu.Unlock()
	r.publish(events.ConnKilled, connID)
	return nil
}

func (r *Registry) removeLocked(connID uint64, e *entry) {
	for _, qid := range e.rec.RecentQueries {
		delete(r.descriptors, qid)
	}
	delete(r.descriptors, e.rec.CurrentQueryID)
	delete(r.conns, connID)
}

func (r *Registry) publish(t events.Type, connID uint64) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		Type:      t,
		Timestamp: time.Now(),
		Metadata:  map[string]string{"conn_id": fmt.Sprintf("%d", connID)},
	})
}

// ListConns returns a snapshot of every tracked connection.
func (r *Registry) ListConns() []*types.ConnectionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.ConnectionRecord, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.rec)
	}
	return out
}

// ListQueries returns every tracked query descriptor, running or
// recently finished, across all connections.
func (r *Registry) ListQueries() []QueryDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]QueryDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	return out
}

// Package heartbeat is the client-side background pipeline that
// aggregates per-connection state across every cluster the client
// talks to, batches it into one request per cluster per tick, and
// routes the response back into a pkg/catalog refresh (spec §4.8).
// Grounded on pkg/worker/worker.go's heartbeatLoop shape: a ticker
// goroutine started with Start/Stop, generalized from one worker's
// single heartbeat target to a per-cluster fan-out.
package heartbeat

import (
	"sync"
	"time"

	"github.com/cuemby/flowdb/pkg/catalog"
	"github.com/cuemby/flowdb/pkg/log"
	"github.com/cuemby/flowdb/pkg/types"
	"github.com/rs/zerolog"
)

// Interval is the fixed heartbeat tick (spec §4.8 "fixed interval (1.5
// s)").
const Interval = 1500 * time.Millisecond

// HbType tags the payload a connection's heartbeat entry carries.
type HbType int32

const (
	// HbTypeDBInfo requests expired-database metadata refresh.
	HbTypeDBInfo HbType = iota
	// HbTypeUserAuth requests a privilege-version refresh, supplementing
	// the DB-info handler with clientHb.c's user-authorization check.
	HbTypeUserAuth
)

// DBInfo is one database's pushed vgroup layout (spec §4.8 "a packed
// list of (db-name, uid, vgVersion, vgNum, {vgId, hashRange, epset}+)").
// VgVersion < 0 means the database was dropped and its entries should
// be removed rather than replaced.
type DBInfo struct {
	Name      string
	UID       uint64
	VgVersion int32
	Vgroups   []*types.VGroup
}

// Entry is one connection's outbound heartbeat payload.
type Entry struct {
	ConnID     uint64
	HbType     HbType
	ExpiredDBs []string // HbTypeDBInfo: databases to request a refresh for
	AuthVer    uint32   // HbTypeUserAuth: last known privilege version
}

// BatchRequest is what one cluster's tick sends upstream.
type BatchRequest struct {
	ClusterKey string
	Entries    []Entry
}

// RespEntry is one connection's inbound heartbeat response payload.
type RespEntry struct {
	ConnID  uint64
	HbType  HbType
	DBInfo  []DBInfo
	AuthVer uint32
}

// BatchResponse is the reply to one cluster's batch request.
type BatchResponse struct {
	ClusterKey string
	Entries    []RespEntry
}

// Sender async-sends a batch request, invoking cb exactly once with the
// response or an error (spec §4.8 "serialize and async-send the batch
// with the batch-response callback; payload ownership transfers to the
// RPC layer"). Implemented over pkg/rpc in production; tests substitute
// a fake.
type Sender interface {
	SendBatch(batch BatchRequest, cb func(BatchResponse, error))
}

// connState is one (connId, hbType) pair's client-side aggregation.
type connState struct {
	expiredDBs []string
	authVer    uint32
}

// clusterManager aggregates connection state for one cluster (spec §3
// "Heartbeat batch": "per-cluster manager holds an active-connection
// map and a connection-info map keyed by (connId, hbType)").
type clusterManager struct {
	mu     sync.Mutex
	key    string
	active map[uint64]struct{}
	info   map[connKey]*connState
}

type connKey struct {
	connID uint64
	hbType HbType
}

func newClusterManager(key string) *clusterManager {
	return &clusterManager{
		key:    key,
		active: make(map[uint64]struct{}),
		info:   make(map[connKey]*connState),
	}
}

// Manager is the global client-side heartbeat pipeline: one goroutine
// ticking at Interval, a per-cluster manager list, and the catalog
// every DB-info response refreshes.
type Manager struct {
	sender  Sender
	catalog *catalog.Catalog
	logger  zerolog.Logger

	onAuthRefresh func(connID uint64, version uint32)

	mu       sync.Mutex // the "global heartbeat lock" (spec §4.8 step 1)
	clusters map[string]*clusterManager

	stopCh chan struct{}
}

// New constructs a Manager that sends batches through sender and
// refreshes cat on DB-info responses.
func New(sender Sender, cat *catalog.Catalog) *Manager {
	return &Manager{
		sender:   sender,
		catalog:  cat,
		logger:   log.WithComponent("heartbeat"),
		clusters: make(map[string]*clusterManager),
		stopCh:   make(chan struct{}),
	}
}

// OnAuthRefresh registers a callback fired whenever a connection's
// privilege version advances.
func (m *Manager) OnAuthRefresh(fn func(connID uint64, version uint32)) {
	m.mu.Lock()
	m.onAuthRefresh = fn
	m.mu.Unlock()
}

// Start begins the fixed-interval tick loop.
func (m *Manager) Start() {
	go m.run()
}

// Stop halts the tick loop.
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) run() {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Tick()
		case <-m.stopCh:
			return
		}
	}
}

// RegisterConn marks (connID, hbType) active under clusterKey, creating
// the cluster manager and connection-info entry if this is the first
// sighting.
func (m *Manager) RegisterConn(clusterKey string, connID uint64, hbType HbType) {
	cm := m.clusterFor(clusterKey)
	cm.mu.Lock()
	cm.active[connID] = struct{}{}
	k := connKey{connID: connID, hbType: hbType}
	if _, ok := cm.info[k]; !ok {
		cm.info[k] = &connState{}
	}
	cm.mu.Unlock()
}

// MarkDBExpired records that connID should request a refresh for db on
// its next DB-info heartbeat tick.
func (m *Manager) MarkDBExpired(clusterKey string, connID uint64, db string) {
	cm := m.clusterFor(clusterKey)
	cm.mu.Lock()
	st, ok := cm.info[connKey{connID: connID, hbType: HbTypeDBInfo}]
	if ok {
		st.expiredDBs = append(st.expiredDBs, db)
	}
	cm.mu.Unlock()
}

func (m *Manager) clusterFor(key string) *clusterManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	cm, ok := m.clusters[key]
	if !ok {
		cm = newClusterManager(key)
		m.clusters[key] = cm
	}
	return cm
}

// Tick runs one heartbeat pass: gather every cluster with active
// connections, send its batch, and let the response callback drive the
// catalog refresh (spec §4.8 steps 1-4).
func (m *Manager) Tick() {
	m.mu.Lock()
	clusters := make([]*clusterManager, 0, len(m.clusters))
	for _, cm := range m.clusters {
		clusters = append(clusters, cm)
	}
	m.mu.Unlock()

	for _, cm := range clusters {
		batch, ok := gather(cm)
		if !ok {
			continue
		}
		m.sender.SendBatch(batch, func(resp BatchResponse, err error) {
			m.onResponse(cm, resp, err)
		})
	}
}

// gather builds one cluster's batch request and clears each entry's
// aggregated expired-DB list, since ownership of that payload transfers
// to the send (spec §4.8 step 3).
func gather(cm *clusterManager) (BatchRequest, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if len(cm.active) == 0 {
		return BatchRequest{}, false
	}
	batch := BatchRequest{ClusterKey: cm.key}
	for connID := range cm.active {
		for _, hbType := range []HbType{HbTypeDBInfo, HbTypeUserAuth} {
			k := connKey{connID: connID, hbType: hbType}
			st, ok := cm.info[k]
			if !ok {
				continue
			}
			e := Entry{ConnID: connID, HbType: hbType, AuthVer: st.authVer}
			if len(st.expiredDBs) > 0 {
				e.ExpiredDBs = st.expiredDBs
				st.expiredDBs = nil
			}
			batch.Entries = append(batch.Entries, e)
		}
	}
	return batch, true
}

// onResponse dispatches each response entry to its hb-type handler, or
// drops the whole batch on error / an unrecognized cluster key (spec
// §4.8 "Failure semantics").
func (m *Manager) onResponse(cm *clusterManager, resp BatchResponse, err error) {
	if err != nil {
		m.logger.Warn().Err(err).Str("cluster", cm.key).Msg("heartbeat batch failed, clearing aggregation")
		m.clearAggregation(cm)
		return
	}
	if resp.ClusterKey != cm.key {
		m.logger.Warn().Str("want", cm.key).Str("got", resp.ClusterKey).Msg("heartbeat response cluster key mismatch")
		m.clearAggregation(cm)
		return
	}
	for _, e := range resp.Entries {
		switch e.HbType {
		case HbTypeDBInfo:
			m.applyDBInfo(e.DBInfo)
		case HbTypeUserAuth:
			m.applyAuthRefresh(cm, e.ConnID, e.AuthVer)
		}
	}
}

func (m *Manager) clearAggregation(cm *clusterManager) {
	cm.mu.Lock()
	for _, st := range cm.info {
		st.expiredDBs = nil
	}
	cm.mu.Unlock()
}

// applyDBInfo replaces or removes each database's vgroup layout in the
// catalog (spec §4.8 "atomically per DB, replaces the catalog's vgroup
// layout or removes it if vgVersion < 0").
func (m *Manager) applyDBInfo(infos []DBInfo) {
	for _, info := range infos {
		if info.VgVersion < 0 {
			for _, g := range info.Vgroups {
				m.catalog.Remove(g.ID)
			}
			continue
		}
		for _, g := range info.Vgroups {
			m.catalog.Replace(g)
		}
	}
}

func (m *Manager) applyAuthRefresh(cm *clusterManager, connID uint64, version uint32) {
	cm.mu.Lock()
	st, ok := cm.info[connKey{connID: connID, hbType: HbTypeUserAuth}]
	if ok {
		st.authVer = version
	}
	cm.mu.Unlock()

	m.mu.Lock()
	fn := m.onAuthRefresh
	m.mu.Unlock()
	if fn != nil {
		fn(connID, version)
	}
}

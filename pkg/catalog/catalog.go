// Package catalog resolves vgroup ids to endpoint sets and database
// names to their vgroup ids, and tracks the freshness of cached vgroup
// entries, the client-and-scheduler-shared "catalog"
// of spec §4.5. Candidate selection is round-robin over a vgroup's
// replica set, generalized from pkg/ingress/loadbalancer.go's
// service-backend round robin into an EpSet cursor (types.EpSet).
package catalog

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/flowdb/pkg/errs"
	"github.com/cuemby/flowdb/pkg/log"
	"github.com/cuemby/flowdb/pkg/types"
)

// entry is one cached vgroup routing record plus its fetch time, used to
// decide when a cache entry is stale enough to warrant a refresh (spec
// §4.5 "catalog entries expire after a configurable TTL").
type entry struct {
	vgroup    *types.VGroup
	fetchedAt time.Time
}

// Fetcher retrieves authoritative vgroup metadata, normally backed by
// the mnode's sdb; tests substitute a stub.
type Fetcher interface {
	FetchVGroup(id uint32) (*types.VGroup, error)
	FetchDatabase(name string) (*types.Database, error)
}

// Catalog caches vgroup routing entries and hands out round-robin
// candidate endpoint sets for dispatch.
type Catalog struct {
	fetcher Fetcher
	ttl     time.Duration

	mu      sync.RWMutex
	vgroups map[uint32]*entry
}

// New builds a Catalog backed by fetcher, with entries expiring after ttl.
func New(fetcher Fetcher, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Catalog{fetcher: fetcher, ttl: ttl, vgroups: make(map[uint32]*entry)}
}

// EpSetFor returns a fresh types.EpSet for vgroupID, refreshing from the
// fetcher if the cached entry is missing or older than the catalog's
// TTL (spec §4.5).
func (c *Catalog) EpSetFor(vgroupID uint32) (types.EpSet, error) {
	c.mu.RLock()
	e, ok := c.vgroups[vgroupID]
	c.mu.RUnlock()

	if ok && time.Since(e.fetchedAt) < c.ttl {
		return epSetFromVGroup(e.vgroup), nil
	}
	return c.refresh(vgroupID)
}

func (c *Catalog) refresh(vgroupID uint32) (types.EpSet, error) {
	g, err := c.fetcher.FetchVGroup(vgroupID)
	if err != nil {
		return types.EpSet{}, fmt.Errorf("catalog: fetch vgroup %d: %w", vgroupID, err)
	}
	c.mu.Lock()
	c.vgroups[vgroupID] = &entry{vgroup: g, fetchedAt: time.Now()}
	c.mu.Unlock()
	return epSetFromVGroup(g), nil
}

func epSetFromVGroup(g *types.VGroup) types.EpSet {
	eps := make([]string, 0, len(g.Vnodes))
	// Leader first: dispatch prefers it, but round-robin still covers
	// every replica on retry.
	for _, v := range g.Vnodes {
		if v.IsLeader {
			eps = append([]string{v.Endpoint}, eps...)
		} else {
			eps = append(eps, v.Endpoint)
		}
	}
	return types.EpSet{Eps: eps}
}

// Invalidate drops a cached vgroup entry, forcing the next EpSetFor call
// to refresh it — used after a task reports errs.NotFound against every
// candidate (spec §4.5 "stale catalog entry retry").
func (c *Catalog) Invalidate(vgroupID uint32) {
	c.mu.Lock()
	delete(c.vgroups, vgroupID)
	c.mu.Unlock()
	log.WithComponent("catalog").Debug().Uint32("vgroup_id", vgroupID).Msg("invalidated catalog entry")
}

// Replace installs g as the authoritative routing entry for its vgroup
// id, overwriting any cached copy (spec §4.8 "atomically per DB,
// replaces the catalog's vgroup layout") — the path the heartbeat
// pipeline uses to push a server-pushed refresh, bypassing the fetcher.
func (c *Catalog) Replace(g *types.VGroup) {
	c.mu.Lock()
	c.vgroups[g.ID] = &entry{vgroup: g, fetchedAt: time.Now()}
	c.mu.Unlock()
}

// Remove drops a vgroup entry outright (spec §4.8 "or removes it if
// vgVersion < 0").
func (c *Catalog) Remove(vgroupID uint32) {
	c.mu.Lock()
	delete(c.vgroups, vgroupID)
	c.mu.Unlock()
}

// DatabaseVGroups returns the vgroup ids belonging to a database,
// looking the database up directly from the fetcher (not cached — this
// path is rarer and the mnode's sdb lookup is already O(1)).
func (c *Catalog) DatabaseVGroups(dbName string) ([]uint32, error) {
	db, err := c.fetcher.FetchDatabase(dbName)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch database %s: %w", dbName, err)
	}
	if db == nil {
		return nil, errs.NotFound
	}
	return db.VgroupIDs, nil
}

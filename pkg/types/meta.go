package types

import (
	"fmt"
	"time"
)

// metaSchemaVersion is the current on-disk encoding version for
// meta-store objects (spec §4.2 "every stored row begins with a
// schema-version byte"). sdb rejects rows whose version it does not
// recognize with errs.DataVersionMismatch.
const metaSchemaVersion byte = 1

// MetaObject is the common shape every sdb-resident object implements:
// a stable name used as its bbolt key, and the schema version it was
// last encoded with (spec §4.2).
type MetaObject interface {
	MetaName() string
	SchemaVersion() byte
}

// Database is a meta-store object describing one logical database and
// its retention/replication policy (spec §3 "Meta-store object";
// SPEC_FULL.md §5, mndDb.c-derived AlterDatabase fields).
type Database struct {
	Version     byte
	Name        string
	VgroupIDs   []uint32
	ReplicaNum  int8
	RetentionNS int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	// Reserved keeps room for future fields without bumping Version
	// (spec §4.2 "reserved tail of at least 64 bytes").
	Reserved [64]byte
}

func (d *Database) MetaName() string    { return "db:" + d.Name }
func (d *Database) SchemaVersion() byte { return metaSchemaVersion }

// VGroup is a meta-store object describing one vnode group: its member
// vnodes and their current role (spec §3 "Meta-store object").
type VGroup struct {
	Version  byte
	ID       uint32
	DbName   string
	Vnodes   []VnodeMember
	Reserved [64]byte
}

func (g *VGroup) MetaName() string    { return fmt.Sprintf("vgroup:%d", g.ID) }
func (g *VGroup) SchemaVersion() byte { return metaSchemaVersion }

// VnodeMember is one replica within a VGroup.
type VnodeMember struct {
	NodeID   uint32
	Endpoint string
	IsLeader bool
}

// User is a meta-store object holding an authenticated principal and its
// privileges (spec §3 "Meta-store object").
type User struct {
	Version     byte
	Name        string
	PassHash    []byte // teacher's security package secret-box output
	Superuser   bool
	DbPrivilege map[string]string // db name -> "read"|"write"|"all"
	CreatedAt   time.Time
	Reserved    [64]byte
}

func (u *User) MetaName() string    { return "user:" + u.Name }
func (u *User) SchemaVersion() byte { return metaSchemaVersion }

// ConnectionProfile is a meta-store object recording one client
// connection's long-lived identity, distinct from the live ConnectionRecord
// kept only in pkg/profile's in-memory registry (spec §3 "Meta-store
// object"; SPEC_FULL.md §5, mndProfile.c-derived).
type ConnectionProfile struct {
	Version    byte
	ConnID     uint64
	User       string
	AppName    string
	FirstSeen  time.Time
	LastAuthOK time.Time
	Reserved   [64]byte
}

func (p *ConnectionProfile) MetaName() string   { return fmt.Sprintf("conn:%d", p.ConnID) }
func (p *ConnectionProfile) SchemaVersion() byte { return metaSchemaVersion }

// CARecord is the meta-store object holding the cluster's certificate
// authority material: the root certificate in the clear and its private
// key encrypted with the cluster key (spec §3 "Meta-store object";
// pkg/security persists and loads it through sdb rather than a bespoke
// bucket).
type CARecord struct {
	Version     byte
	RootCertDER []byte
	RootKeyDER  []byte // encrypted with the cluster key
	Reserved    [64]byte
}

func (c *CARecord) MetaName() string    { return "ca:root" }
func (c *CARecord) SchemaVersion() byte { return metaSchemaVersion }

// ConnectionRecord is the live, in-memory state of one client connection
// tracked by pkg/profile (spec §3 "Connection record"): identity, the
// query currently running, and a bounded ring of recently completed
// queries for introspection (SPEC_FULL.md §5).
type ConnectionRecord struct {
	ID        uint64
	User      string
	App       string
	PID       int32
	ClientIP  string
	ClientPt  uint16
	Killed    bool
	LoginTime time.Time
	LastAcc   time.Time

	CurrentQueryID uint64

	// RecentQueries is a small fixed-capacity ring of the most recently
	// finished query ids, newest last.
	RecentQueries []uint64
	ringCap       int
}

// NewConnectionRecord allocates a record with its recent-query ring sized
// to cap entries.
func NewConnectionRecord(id uint64, user, app string, cap int) *ConnectionRecord {
	if cap <= 0 {
		cap = 16
	}
	return &ConnectionRecord{
		ID:            id,
		User:          user,
		App:           app,
		LoginTime:     time.Now(),
		LastAcc:       time.Now(),
		RecentQueries: make([]uint64, 0, cap),
		ringCap:       cap,
	}
}

// RecordFinishedQuery appends a completed query id to the ring, evicting
// the oldest entry once the ring is full.
func (c *ConnectionRecord) RecordFinishedQuery(queryID uint64) {
	if len(c.RecentQueries) >= c.ringCap {
		c.RecentQueries = append(c.RecentQueries[1:], queryID)
		return
	}
	c.RecentQueries = append(c.RecentQueries, queryID)
}

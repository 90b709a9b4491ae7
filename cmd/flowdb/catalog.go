package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/flowdb/pkg/sdb"
	"github.com/cuemby/flowdb/pkg/txn"
	"github.com/cuemby/flowdb/pkg/types"
	"github.com/spf13/cobra"
)

// Catalog bootstrap operates on a data directory's sdb directly, the
// same offline-store pattern cert.go uses, rather than against a
// running mnode: the cluster has no member addresses to dispatch a
// DDL transaction to until its first database exists.
var mnodeBootstrapDBCmd = &cobra.Command{
	Use:   "bootstrap-db NAME VGROUP_ID:NODE_ID:ENDPOINT[,NODE_ID:ENDPOINT...] [VGROUP_ID:...]...",
	Short: "Create a database and its vgroups directly in an offline sdb store",
	Long: `bootstrap-db writes a new Database record and its VGroup records in
one transaction (pkg/txn), rolling back every already-applied write if
any step fails. Use this to seed a cluster's first database before any
mnode is serving traffic; once a quorum is up, issue DDL through a
running mnode instead.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		replicaNum, _ := cmd.Flags().GetInt("replica-num")
		retention, _ := cmd.Flags().GetDuration("retention")

		name := args[0]
		vgroups, err := parseVGroupSpecs(name, args[1:])
		if err != nil {
			return err
		}

		store, err := sdb.Open(dataDir)
		if err != nil {
			return fmt.Errorf("open sdb: %w", err)
		}
		defer store.Close()

		db := &types.Database{
			Name:        name,
			ReplicaNum:  int8(replicaNum),
			RetentionNS: retention.Nanoseconds(),
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
		}
		for _, g := range vgroups {
			db.VgroupIDs = append(db.VgroupIDs, g.ID)
		}

		mgr := txn.NewManager()
		t := mgr.Begin("create-database:" + name)

		t.AddStep("put-database", db,
			func(arg interface{}) error { return store.Put(arg.(*types.Database)) },
			func(arg interface{}) error { return store.Delete(arg.(*types.Database).MetaName(), &types.Database{}) },
		)
		for _, g := range vgroups {
			g := g
			t.AddStep("put-vgroup", g,
				func(arg interface{}) error { return store.Put(arg.(*types.VGroup)) },
				func(arg interface{}) error { return store.Delete(arg.(*types.VGroup).MetaName(), &types.VGroup{}) },
			)
		}

		if err := t.Commit(); err != nil {
			mgr.Forget(t.ID)
			return fmt.Errorf("bootstrap-db: %w", err)
		}
		mgr.Forget(t.ID)

		fmt.Printf("✓ database %q created with %d vgroup(s)\n", name, len(vgroups))
		return nil
	},
}

func parseVGroupSpecs(dbName string, specs []string) ([]*types.VGroup, error) {
	groups := make([]*types.VGroup, 0, len(specs))
	for _, spec := range specs {
		parts := strings.SplitN(spec, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid vgroup spec %q, want ID:NODE_ID:ENDPOINT[,...]", spec)
		}
		id, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vgroup id in %q: %w", spec, err)
		}
		g := &types.VGroup{ID: uint32(id), DbName: dbName}
		for i, member := range strings.Split(parts[1], ",") {
			mParts := strings.SplitN(member, ":", 2)
			if len(mParts) != 2 {
				return nil, fmt.Errorf("invalid vnode member %q, want NODE_ID:ENDPOINT", member)
			}
			nodeID, err := strconv.ParseUint(mParts[0], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid node id in %q: %w", member, err)
			}
			g.Vnodes = append(g.Vnodes, types.VnodeMember{
				NodeID:   uint32(nodeID),
				Endpoint: mParts[1],
				IsLeader: i == 0,
			})
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func init() {
	mnodeBootstrapDBCmd.Flags().String("data-dir", "./data/mnode", "mnode sdb data directory")
	mnodeBootstrapDBCmd.Flags().Int("replica-num", 1, "replica count recorded on the database")
	mnodeBootstrapDBCmd.Flags().Duration("retention", 0, "retention period (0 disables expiry)")
	mnodeCmd.AddCommand(mnodeBootstrapDBCmd)
}

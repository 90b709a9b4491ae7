package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/flowdb/pkg/catalog"
	"github.com/cuemby/flowdb/pkg/codec"
	"github.com/cuemby/flowdb/pkg/config"
	"github.com/cuemby/flowdb/pkg/errs"
	"github.com/cuemby/flowdb/pkg/events"
	"github.com/cuemby/flowdb/pkg/heartbeat"
	"github.com/cuemby/flowdb/pkg/log"
	"github.com/cuemby/flowdb/pkg/metrics"
	"github.com/cuemby/flowdb/pkg/profile"
	"github.com/cuemby/flowdb/pkg/raftlog"
	"github.com/cuemby/flowdb/pkg/rpc"
	"github.com/cuemby/flowdb/pkg/scheduler"
	"github.com/cuemby/flowdb/pkg/types"
	"github.com/spf13/cobra"
)

var mnodeCmd = &cobra.Command{
	Use:   "mnode",
	Short: "Management node operations",
}

var mnodeStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a management node",
	Long: `Start a flowdb management node: it replicates the sdb meta-store
across the mnode quorum via raft, schedules query jobs against vnodes,
tracks live client connections, and serves the CONNECT/QUERY/FETCH/
HEARTBEAT/KILL wire protocol over mTLS.`,
}

func init() {
	cfg := config.BindMnodeFlags(mnodeStartCmd)
	mnodeStartCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "prometheus metrics bind address")
	mnodeStartCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runMnodeStart(cmd, cfg)
	}
	mnodeCmd.AddCommand(mnodeStartCmd)
}

func runMnodeStart(cmd *cobra.Command, cfg *config.Mnode) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	logger := log.WithNodeID(cfg.NodeID)
	logger.Info().Str("bind_addr", cfg.BindAddr).Str("data_dir", cfg.DataDir).Msg("starting mnode")

	rl, err := raftlog.New(raftlog.Config{NodeID: cfg.NodeID, BindAddr: cfg.BindAddr, DataDir: cfg.DataDir})
	if err != nil {
		return fmt.Errorf("mnode: create raftlog manager: %w", err)
	}
	if cfg.Join != "" {
		if err := rl.JoinExisting(); err != nil {
			return fmt.Errorf("mnode: join raft cluster: %w", err)
		}
	} else {
		if err := rl.Bootstrap(); err != nil {
			return fmt.Errorf("mnode: bootstrap raft cluster: %w", err)
		}
	}
	fmt.Println("✓ Raft metadata log started")

	fetcher := &sdbFetcher{store: rl.Store()}
	cat := catalog.New(fetcher, 30*time.Second)

	tlsCfg, err := rpc.TLSConfig(cfg.CertDir)
	if err != nil {
		return fmt.Errorf("mnode: tls config: %w (run 'flowdb cert issue-node' first)", err)
	}
	rpcClient := rpc.NewClient(tlsCfg)
	defer rpcClient.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	leaderWatchStop := make(chan struct{})
	go rl.WatchLeaderChanges(broker, leaderWatchStop)
	defer close(leaderWatchStop)

	sched := scheduler.NewScheduler(cat, rpcClient).WithBroker(broker)
	sched.Start()
	defer sched.Stop()
	fmt.Println("✓ Scheduler started")

	registry := profile.New(profile.DefaultConfig(), broker)
	registry.Start()
	defer registry.Stop()
	fmt.Println("✓ Connection registry started")

	hb := heartbeat.New(noopSender{}, cat)
	hb.Start()
	defer hb.Stop()

	collector := metrics.NewCollector(metrics.Source{
		Raft: func() metrics.RaftStats {
			return metrics.RaftStats{IsLeader: rl.IsLeader()}
		},
		DatabaseCnt: func() int {
			dbs, _ := rl.Store().ScanDatabases()
			return len(dbs)
		},
		VGroupCnt: func() int {
			vgroups, _ := rl.Store().ScanVGroups()
			return len(vgroups)
		},
		Connections: func() int { return len(registry.ListConns()) },
		JobCounts:   sched.JobCounts,
	}, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	go func() {
		http.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)

	h := &mnodeHandler{sched: sched, registry: registry}
	srv := rpc.NewServer(tlsCfg, h.Dispatch)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(cfg.RPCAddr); err != nil {
			errCh <- err
		}
	}()
	fmt.Printf("✓ mnode listening on %s\n", cfg.RPCAddr)
	fmt.Println("Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nmnode server error: %v\n", err)
	}

	srv.Stop()
	if err := rl.Shutdown(); err != nil {
		return fmt.Errorf("mnode: shutdown: %w", err)
	}
	fmt.Println("✓ Shutdown complete")
	return nil
}

// sdbFetcher adapts a raftlog-backed sdb.Store to catalog.Fetcher.
type sdbFetcher struct {
	store interface {
		Get(name string, dst types.MetaObject) error
	}
}

func (f *sdbFetcher) FetchVGroup(id uint32) (*types.VGroup, error) {
	g := &types.VGroup{ID: id}
	if err := f.store.Get(g.MetaName(), g); err != nil {
		return nil, err
	}
	return g, nil
}

func (f *sdbFetcher) FetchDatabase(name string) (*types.Database, error) {
	d := &types.Database{Name: name}
	if err := f.store.Get(d.MetaName(), d); err != nil {
		return nil, err
	}
	return d, nil
}

// noopSender satisfies heartbeat.Sender for the mnode's own heartbeat
// manager, which only runs to drive auth-refresh/DB-expiry bookkeeping
// locally; the mnode receives heartbeats from clients, it doesn't send
// them anywhere itself.
type noopSender struct{}

func (noopSender) SendBatch(batch heartbeat.BatchRequest, cb func(heartbeat.BatchResponse, error)) {
	cb(heartbeat.BatchResponse{ClusterKey: batch.ClusterKey}, nil)
}

// mnodeHandler bridges the wire protocol's CONNECT/QUERY/FETCH/
// HEARTBEAT/KILL frames to the in-process scheduler and connection
// registry APIs (spec §4.7-4.9).
type mnodeHandler struct {
	sched    *scheduler.Scheduler
	registry *profile.Registry
}

// defaultVgroupID is the target vgroup for every submitted query, since
// SQL parsing/planning (the storage engine's job, spec.md Non-goals) is
// out of scope: a real deployment's planner would resolve this from the
// query text instead of a fixed constant.
const defaultVgroupID uint32 = 1

func (h *mnodeHandler) Dispatch(msg codec.Message) ([]byte, int32) {
	switch msg.Header.MsgType {
	case types.MsgConnect:
		return h.handleConnect(msg)
	case types.MsgQuery:
		return h.handleQuery(msg)
	case types.MsgFetch:
		return h.handleFetch(msg)
	case types.MsgKill:
		return h.handleKill(msg)
	case types.MsgHeartbeat:
		return h.handleHeartbeat(msg)
	default:
		return nil, errs.Code(errs.InvalidMsg)
	}
}

func (h *mnodeHandler) handleConnect(msg codec.Message) ([]byte, int32) {
	if !h.registry.AllowConnect() {
		return nil, errs.Code(errs.TooManyConns)
	}
	body := msg.Body
	user, rest, err := decodeString(body)
	if err != nil {
		return nil, errs.Code(errs.InvalidMsg)
	}
	app, _, err := decodeString(rest)
	if err != nil {
		return nil, errs.Code(errs.InvalidMsg)
	}
	rec := h.registry.CreateConn(user, app, 0, "", 0)
	resp := make([]byte, 8)
	binary.BigEndian.PutUint64(resp, rec.ID)
	return resp, 0
}

func (h *mnodeHandler) handleQuery(msg codec.Message) ([]byte, int32) {
	queryID := msg.Header.QueryID
	job := types.NewJob(queryID)
	job.SQL = string(msg.Body)
	root := &types.Task{
		ID:    1,
		JobID: queryID,
		Level: 0,
		Plan:  &types.SubPlan{QueryID: queryID, TaskID: 1, VgroupID: defaultVgroupID},
	}
	job.Levels = []*types.Level{{Index: 0, Tasks: []*types.Task{root}}}

	h.sched.Register(job)
	if err := h.sched.Launch(queryID); err != nil {
		return nil, errs.Code(err)
	}
	return nil, 0
}

func (h *mnodeHandler) handleFetch(msg codec.Message) ([]byte, int32) {
	block, err := h.sched.Fetch(msg.Header.QueryID)
	if err != nil {
		return nil, errs.Code(err)
	}
	var rows int32
	if block != nil {
		rows = block.NumRows
	}
	status, _ := h.sched.Status(msg.Header.QueryID)
	completed := status.Terminal()
	resp := make([]byte, 5)
	binary.BigEndian.PutUint32(resp[0:4], uint32(rows))
	if completed {
		resp[4] = 1
	}
	return resp, 0
}

func (h *mnodeHandler) handleKill(msg codec.Message) ([]byte, int32) {
	if len(msg.Body) < 8 {
		return nil, errs.Code(errs.InvalidMsg)
	}
	connID := binary.BigEndian.Uint64(msg.Body[:8])
	if msg.Header.QueryID != 0 {
		if err := h.sched.Cancel(msg.Header.QueryID); err != nil {
			return nil, errs.Code(err)
		}
		if err := h.registry.KillQuery(true, connID, msg.Header.QueryID, nil); err != nil {
			return nil, errs.Code(err)
		}
		return nil, 0
	}
	if err := h.registry.KillConn(true, connID); err != nil {
		return nil, errs.Code(err)
	}
	return nil, 0
}

func (h *mnodeHandler) handleHeartbeat(msg codec.Message) ([]byte, int32) {
	var batch heartbeat.BatchRequest
	if err := json.Unmarshal(msg.Body, &batch); err != nil {
		return nil, errs.Code(errs.InvalidMsg)
	}
	resp := heartbeat.BatchResponse{ClusterKey: batch.ClusterKey}
	out, err := json.Marshal(resp)
	if err != nil {
		return nil, errs.Code(errs.InvalidMsg)
	}
	return out, 0
}

func decodeString(buf []byte) (s string, rest []byte, err error) {
	if len(buf) < 4 {
		return "", nil, fmt.Errorf("short string length")
	}
	n := binary.BigEndian.Uint32(buf[:4])
	if uint32(len(buf)-4) < n {
		return "", nil, fmt.Errorf("short string body")
	}
	return string(buf[4 : 4+n]), buf[4+n:], nil
}

package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/flowdb/pkg/config"
	"github.com/cuemby/flowdb/pkg/executor"
	"github.com/cuemby/flowdb/pkg/log"
	"github.com/cuemby/flowdb/pkg/metrics"
	"github.com/cuemby/flowdb/pkg/qworker"
	"github.com/cuemby/flowdb/pkg/rpc"
	"github.com/cuemby/flowdb/pkg/types"
	"github.com/spf13/cobra"
)

var vnodeCmd = &cobra.Command{
	Use:   "vnode",
	Short: "Storage shard node operations",
}

var vnodeStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a vnode",
	Long: `Start a flowdb vnode: it executes the query/ready/fetch/drop task
lifecycle (pkg/qworker) against a per-task operator tree (pkg/executor),
over the same mTLS wire protocol the mnode speaks.`,
}

func init() {
	cfg := config.BindVnodeFlags(vnodeStartCmd)
	vnodeStartCmd.Flags().String("metrics-addr", "127.0.0.1:9091", "prometheus metrics bind address")
	vnodeStartCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runVnodeStart(cmd, cfg)
	}
	vnodeCmd.AddCommand(vnodeStartCmd)
}

func runVnodeStart(cmd *cobra.Command, cfg *config.Vnode) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	logger := log.WithNodeID(cfg.NodeID)
	logger.Info().Str("bind_addr", cfg.BindAddr).Str("data_dir", cfg.DataDir).Msg("starting vnode")

	tlsCfg, err := rpc.TLSConfig(cfg.CertDir)
	if err != nil {
		return fmt.Errorf("vnode: tls config: %w (run 'flowdb cert issue-node' first)", err)
	}

	worker := qworker.New(cfg.NodeID, demoBuildFunc)

	go func() {
		http.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)

	srv := rpc.NewServer(tlsCfg, worker.Dispatch)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(cfg.BindAddr); err != nil {
			errCh <- err
		}
	}()
	fmt.Printf("✓ vnode listening on %s\n", cfg.BindAddr)
	fmt.Println("Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nvnode server error: %v\n", err)
	}

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("vnode: shutdown: %w", err)
	}
	fmt.Println("✓ Shutdown complete")
	return nil
}

// demoBuildFunc stands in for a real sub-plan compiler: decoding a
// dispatched plan off the wire is out of scope (pkg/qworker's doc
// comment), so every task runs a bare scan against a synthetic source
// until a storage engine exists to back it.
func demoBuildFunc(queryID, taskID uint64) (executor.Operator, error) {
	return executor.NewScan(&demoScanSource{queryID: queryID, taskID: taskID}), nil
}

// demoScanSource yields a handful of synthetic single-column blocks
// then ends the stream, the shape pkg/executor's tests exercise with
// fakeScanSource.
type demoScanSource struct {
	queryID, taskID uint64
	idx             int
}

const demoBlockCount = 3

func (s *demoScanSource) NextBlock() (*types.DataBlock, error) {
	if s.idx >= demoBlockCount {
		return nil, nil
	}
	s.idx++
	return &types.DataBlock{
		QueryID: s.queryID,
		TaskID:  s.taskID,
		NumRows: 1,
		Columns: []types.Column{
			{Name: "ts", Bytes: 8, Data: make([]byte, 8)},
		},
	}, nil
}

func (s *demoScanSource) Reset(reverse bool) error {
	s.idx = 0
	return nil
}

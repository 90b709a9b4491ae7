// Command flowdb is the single binary for every node role: mnode
// (management node), vnode (storage shard), and query (client CLI),
// mirroring the teacher's single-binary cluster/worker/CLI split in
// cmd/warren/main.go.
package main

import (
	"fmt"
	"os"

	"github.com/cuemby/flowdb/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "flowdb",
	Short: "flowdb - distributed query execution core",
	Long: `flowdb is the distributed query-execution core of a clustered
time-series database: a management node (mnode) schedules jobs across
storage shards (vnode), and a query client submits SQL and fetches
results over a hand-framed, mTLS-secured wire protocol.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"flowdb version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(mnodeCmd)
	rootCmd.AddCommand(vnodeCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(certCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

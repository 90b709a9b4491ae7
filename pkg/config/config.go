// Package config binds cobra flags directly onto a process's
// configuration struct, the way the teacher's cmd/warren/main.go reads
// node-id/bind-addr/data-dir flags straight into its manager/worker
// constructors rather than through a separate file-based layer
// (SPEC_FULL.md §2.3).
package config

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// Mnode holds one management node's startup configuration.
type Mnode struct {
	NodeID   string
	BindAddr string // raft transport address
	RPCAddr  string // CONNECT/QUERY/FETCH/HEARTBEAT/KILL wire address
	DataDir  string
	CertDir  string

	Join string // address of an existing mnode to join, empty to bootstrap

	HeartbeatInterval       time.Duration
	MaxDataBlockNumPerQuery int
	MaxIdleDurationSec      int
}

// BindMnodeFlags registers the mnode subcommand's flags and returns the
// Mnode they populate once cmd runs.
func BindMnodeFlags(cmd *cobra.Command) *Mnode {
	cfg := &Mnode{}
	cmd.Flags().StringVar(&cfg.NodeID, "node-id", "", "unique id for this mnode (required)")
	cmd.Flags().StringVar(&cfg.BindAddr, "bind-addr", "0.0.0.0:7030", "raft transport bind address")
	cmd.Flags().StringVar(&cfg.RPCAddr, "rpc-addr", "0.0.0.0:7031", "client/vnode wire protocol bind address")
	cmd.Flags().StringVar(&cfg.DataDir, "data-dir", "./data/mnode", "sdb and raft log directory")
	cmd.Flags().StringVar(&cfg.CertDir, "cert-dir", "./certs/mnode", "node certificate directory")
	cmd.Flags().StringVar(&cfg.Join, "join", "", "address of an existing mnode to join (bootstrap if empty)")
	cmd.Flags().DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", 1500*time.Millisecond, "client heartbeat tick interval (not read; the tick is fixed at heartbeat.Interval)")
	cmd.Flags().IntVar(&cfg.MaxDataBlockNumPerQuery, "max-data-block-num-per-query", 64, "bounded sink depth per query task (not read by the mnode)")
	cmd.Flags().IntVar(&cfg.MaxIdleDurationSec, "max-idle-duration-sec", 1800, "connection idle timeout before eviction (not read by the mnode)")
	return cfg
}

// Validate checks the fields BindMnodeFlags cannot enforce through
// MarkFlagRequired alone (cobra only validates presence, not content).
func (c *Mnode) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: --node-id is required")
	}
	return nil
}

// Vnode holds one storage-shard node's startup configuration.
type Vnode struct {
	NodeID   string
	BindAddr string
	DataDir  string
	CertDir  string

	MaxDataBlockNumPerQuery int
}

// BindVnodeFlags registers the vnode subcommand's flags.
func BindVnodeFlags(cmd *cobra.Command) *Vnode {
	cfg := &Vnode{}
	cmd.Flags().StringVar(&cfg.NodeID, "node-id", "", "unique id for this vnode (required)")
	cmd.Flags().StringVar(&cfg.BindAddr, "bind-addr", "0.0.0.0:7040", "rpc bind address")
	cmd.Flags().StringVar(&cfg.DataDir, "data-dir", "./data/vnode", "local data directory")
	cmd.Flags().StringVar(&cfg.CertDir, "cert-dir", "./certs/vnode", "node certificate directory")
	cmd.Flags().IntVar(&cfg.MaxDataBlockNumPerQuery, "max-data-block-num-per-query", 64, "bounded sink depth per query task (not read; each task's sink holds sink.DefaultMaxBlocks)")
	return cfg
}

// Validate checks the vnode fields BindVnodeFlags cannot enforce alone.
func (c *Vnode) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: --node-id is required")
	}
	return nil
}

// Client holds the query CLI's connection configuration.
type Client struct {
	MnodeAddr string
	CertDir   string
	User      string
	App       string
}

// BindClientFlags registers the query subcommand's persistent flags.
func BindClientFlags(cmd *cobra.Command) *Client {
	cfg := &Client{}
	cmd.PersistentFlags().StringVar(&cfg.MnodeAddr, "mnode", "127.0.0.1:7031", "mnode wire protocol address")
	cmd.PersistentFlags().StringVar(&cfg.CertDir, "cert-dir", "./certs/client", "client certificate directory")
	cmd.PersistentFlags().StringVar(&cfg.User, "user", "root", "connecting user")
	cmd.PersistentFlags().StringVar(&cfg.App, "app", "flowdb-cli", "application name reported on connect")
	return cfg
}

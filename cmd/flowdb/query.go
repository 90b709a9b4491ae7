package main

import (
	"fmt"

	"github.com/cuemby/flowdb/pkg/client"
	"github.com/cuemby/flowdb/pkg/config"
	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query client operations",
}

var queryClientCfg *config.Client

func init() {
	queryClientCfg = config.BindClientFlags(queryCmd)

	queryCmd.AddCommand(querySQLCmd)
	queryCmd.AddCommand(queryKillCmd)
	queryCmd.AddCommand(queryKillConnCmd)
}

var querySQLCmd = &cobra.Command{
	Use:   "run SQL",
	Short: "Submit a query and print its result row count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialClient()
		if err != nil {
			return err
		}
		defer c.Close()

		connID, err := c.Connect(queryClientCfg.User, queryClientCfg.App)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		fmt.Printf("✓ connected (conn_id=%d)\n", connID)

		queryID, err := c.SubmitQuery(args[0])
		if err != nil {
			return fmt.Errorf("submit query: %w", err)
		}
		fmt.Printf("✓ query submitted (query_id=%d)\n", queryID)

		var total int32
		for {
			rows, completed, err := c.Fetch(queryID)
			if err != nil {
				return fmt.Errorf("fetch: %w", err)
			}
			total += rows
			if completed {
				break
			}
		}
		fmt.Printf("✓ query complete: %d rows\n", total)
		return nil
	},
}

var queryKillCmd = &cobra.Command{
	Use:   "kill QUERY_ID",
	Short: "Kill a running query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var queryID uint64
		if _, err := fmt.Sscanf(args[0], "%d", &queryID); err != nil {
			return fmt.Errorf("invalid query id %q: %w", args[0], err)
		}

		c, err := dialClient()
		if err != nil {
			return err
		}
		defer c.Close()

		if _, err := c.Connect(queryClientCfg.User, queryClientCfg.App); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if err := c.KillQuery(queryID); err != nil {
			return err
		}
		fmt.Printf("✓ query %d killed\n", queryID)
		return nil
	},
}

var queryKillConnCmd = &cobra.Command{
	Use:   "kill-conn",
	Short: "Kill this client's own connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialClient()
		if err != nil {
			return err
		}
		defer c.Close()

		connID, err := c.Connect(queryClientCfg.User, queryClientCfg.App)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if err := c.KillConn(); err != nil {
			return err
		}
		fmt.Printf("✓ connection %d killed\n", connID)
		return nil
	},
}

func dialClient() (*client.Client, error) {
	c, err := client.NewClient(queryClientCfg.MnodeAddr, queryClientCfg.CertDir)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", queryClientCfg.MnodeAddr, err)
	}
	return c, nil
}

package main

import (
	"crypto/x509"
	"fmt"
	"net"

	"github.com/cuemby/flowdb/pkg/sdb"
	"github.com/cuemby/flowdb/pkg/security"
	"github.com/spf13/cobra"
)

// Certificate issuance is modeled on an operator distributing a cluster
// CA out of band (pkg/client's doc comment): these commands open a
// mnode's sdb directly rather than talking to a running mnode process,
// since flowdb has no certificate-request wire message of its own.
var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage the cluster certificate authority and node/client certificates",
}

var certInitCACmd = &cobra.Command{
	Use:   "init-ca",
	Short: "Generate a new cluster CA and persist it to a data directory's sdb",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		clusterID, _ := cmd.Flags().GetString("cluster-id")

		store, err := sdb.Open(dataDir)
		if err != nil {
			return fmt.Errorf("open sdb: %w", err)
		}
		defer store.Close()

		if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(clusterID)); err != nil {
			return fmt.Errorf("set cluster encryption key: %w", err)
		}

		ca := security.NewCertAuthority(store)
		if err := ca.Initialize(); err != nil {
			return fmt.Errorf("initialize ca: %w", err)
		}

		fmt.Println("✓ Cluster CA generated and saved to", dataDir)
		return nil
	},
}

var certIssueNodeCmd = &cobra.Command{
	Use:   "issue-node ID ROLE",
	Short: "Issue a node certificate (mnode or vnode) from the cluster CA",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		clusterID, _ := cmd.Flags().GetString("cluster-id")
		outDir, _ := cmd.Flags().GetString("out")
		hosts, _ := cmd.Flags().GetStringSlice("hosts")

		nodeID, role := args[0], args[1]

		store, err := sdb.Open(dataDir)
		if err != nil {
			return fmt.Errorf("open sdb: %w", err)
		}
		defer store.Close()

		if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(clusterID)); err != nil {
			return fmt.Errorf("set cluster encryption key: %w", err)
		}

		ca := security.NewCertAuthority(store)
		if err := ca.LoadFromStore(); err != nil {
			return fmt.Errorf("load ca: %w", err)
		}

		if len(hosts) == 0 {
			hosts = []string{"localhost"}
		}
		var ips []net.IP
		var dnsNames []string
		for _, h := range hosts {
			if ip := net.ParseIP(h); ip != nil {
				ips = append(ips, ip)
				continue
			}
			dnsNames = append(dnsNames, h)
		}

		cert, err := ca.IssueNodeCertificate(nodeID, role, dnsNames, ips)
		if err != nil {
			return fmt.Errorf("issue node certificate: %w", err)
		}
		rootCert, err := x509.ParseCertificate(ca.GetRootCACert())
		if err != nil {
			return fmt.Errorf("parse root ca: %w", err)
		}
		if err := security.ValidateCertChain(cert.Leaf, rootCert); err != nil {
			return fmt.Errorf("issued certificate failed chain validation: %w", err)
		}
		if err := security.SaveCertToFile(cert, outDir); err != nil {
			return fmt.Errorf("save certificate: %w", err)
		}
		if err := security.SaveCACertToFile(ca.GetRootCACert(), outDir); err != nil {
			return fmt.Errorf("save ca certificate: %w", err)
		}

		fmt.Printf("✓ Certificate for %s (%s) written to %s\n", nodeID, role, outDir)
		return nil
	},
}

var certIssueClientCmd = &cobra.Command{
	Use:   "issue-client ID",
	Short: "Issue a client certificate from the cluster CA",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		clusterID, _ := cmd.Flags().GetString("cluster-id")
		outDir, _ := cmd.Flags().GetString("out")

		clientID := args[0]

		store, err := sdb.Open(dataDir)
		if err != nil {
			return fmt.Errorf("open sdb: %w", err)
		}
		defer store.Close()

		if err := security.SetClusterEncryptionKey(security.DeriveKeyFromClusterID(clusterID)); err != nil {
			return fmt.Errorf("set cluster encryption key: %w", err)
		}

		ca := security.NewCertAuthority(store)
		if err := ca.LoadFromStore(); err != nil {
			return fmt.Errorf("load ca: %w", err)
		}

		cert, err := ca.IssueClientCertificate(clientID)
		if err != nil {
			return fmt.Errorf("issue client certificate: %w", err)
		}
		rootCert, err := x509.ParseCertificate(ca.GetRootCACert())
		if err != nil {
			return fmt.Errorf("parse root ca: %w", err)
		}
		if err := security.ValidateCertChain(cert.Leaf, rootCert); err != nil {
			return fmt.Errorf("issued certificate failed chain validation: %w", err)
		}
		if err := security.SaveCertToFile(cert, outDir); err != nil {
			return fmt.Errorf("save certificate: %w", err)
		}
		if err := security.SaveCACertToFile(ca.GetRootCACert(), outDir); err != nil {
			return fmt.Errorf("save ca certificate: %w", err)
		}

		fmt.Printf("✓ Client certificate for %s written to %s\n", clientID, outDir)
		return nil
	},
}

func init() {
	certInitCACmd.Flags().String("data-dir", "./data/mnode", "mnode sdb data directory")
	certInitCACmd.Flags().String("cluster-id", "default-cluster", "cluster id used to derive the encryption key guarding the root key")

	certIssueNodeCmd.Flags().String("data-dir", "./data/mnode", "mnode sdb data directory holding the CA")
	certIssueNodeCmd.Flags().String("cluster-id", "default-cluster", "cluster id used to derive the encryption key guarding the root key")
	certIssueNodeCmd.Flags().String("out", "./certs/node", "output directory for node.crt/node.key/ca.crt")
	certIssueNodeCmd.Flags().StringSlice("hosts", nil, "DNS names and/or IPs the certificate should cover")

	certIssueClientCmd.Flags().String("data-dir", "./data/mnode", "mnode sdb data directory holding the CA")
	certIssueClientCmd.Flags().String("cluster-id", "default-cluster", "cluster id used to derive the encryption key guarding the root key")
	certIssueClientCmd.Flags().String("out", "./certs/client", "output directory for node.crt/node.key/ca.crt")

	certCmd.AddCommand(certInitCACmd)
	certCmd.AddCommand(certIssueNodeCmd)
	certCmd.AddCommand(certIssueClientCmd)
}

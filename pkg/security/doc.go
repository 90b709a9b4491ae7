/*
Package security provides cryptographic services for flowdb clusters.

This package implements two core security capabilities: a Certificate
Authority (CA) for mutual TLS (mTLS), and CA private-key encryption
under a cluster-derived key. Together these secure the pkg/rpc traffic
(mnode <-> vnode dispatch, client <-> mnode query submission); the raft
transport between mnodes is plain TCP and does not use them.

# Architecture

	┌─────────────────────────────────────────────┐
	│              Security Architecture           │
	└─────┬─────────────────────────┬──────────────┘
	      │                         │
	      ▼                         ▼
	┌────────────────┐      ┌──────────────┐
	│       CA        │      │ Certificate  │
	│  (Root only)     │      │  Management  │
	└────────┬─────────┘      └──────┬───────┘
	         │                       │
	         ▼                       ▼
	  RSA 4096-bit            90-day validity
	  10-year validity        File or sdb persistence

## Cluster Encryption Key

All security is rooted in the cluster encryption key, a 32-byte key derived
from the cluster ID during initialization:

	clusterKey = SHA-256(clusterID)  // 32 bytes for AES-256

This key encrypts the CA private key before it is written to sdb. It is
held only in memory on mnode processes and must be provided when joining
the cluster or recovering from backups.

# Certificate Authority

## Root CA

flowdb's CA uses a hierarchical structure with a long-lived root certificate:

	Root CA (self-signed)
	├── 10-year validity
	├── RSA 4096-bit key (high security)
	├── KeyUsage: CertSign, CRLSign
	└── Subject: CN=FlowDB Root CA, O=FlowDB Cluster

The root CA is created during cluster initialization and stored encrypted:

	Root Certificate: Stored in sdb (plaintext, public)
	Root Private Key: Stored in sdb (encrypted with cluster key)

## Node Certificates

The CA issues certificates for all cluster nodes (mnodes and vnodes):

	Node Certificate
	├── 90-day validity
	├── RSA 2048-bit key (faster operations)
	├── KeyUsage: DigitalSignature, KeyEncipherment
	├── ExtKeyUsage: ServerAuth, ClientAuth
	├── Subject: CN={role}-{nodeID}, O=FlowDB Cluster
	├── DNS Names: [node hostname]
	└── IP Addresses: [node IP]

Each node receives a unique certificate for mutual TLS authentication:

	Mnode ←→ mTLS ←→ Vnode
	  ↓                ↓
	CA verifies     CA verifies
	vnode cert      mnode cert

## Client Certificates

Query clients also receive certificates for authentication:

	Client Certificate
	├── 90-day validity
	├── KeyUsage: DigitalSignature, KeyEncipherment
	├── ExtKeyUsage: ClientAuth
	└── Subject: CN=cli-{clientID}, O=FlowDB Cluster

This allows secure client → mnode communication without passwords.

# Usage Examples

## Setting Up Certificate Authority

	import (
		"github.com/cuemby/flowdb/pkg/sdb"
		"github.com/cuemby/flowdb/pkg/security"
	)

	store, err := sdb.Open("/var/lib/flowdb/mnode1")
	if err != nil {
		panic(err)
	}

	clusterKey := security.DeriveKeyFromClusterID(clusterID)
	err = security.SetClusterEncryptionKey(clusterKey)
	if err != nil {
		panic(err)
	}

	ca := security.NewCertAuthority(store)
	err = ca.Initialize() // generates root CA
	if err != nil {
		panic(err)
	}

	err = ca.SaveToStore() // encrypted with the cluster key
	if err != nil {
		panic(err)
	}

## Issuing Node Certificates

	nodeID := "mnode-1"
	role := "mnode"
	dnsNames := []string{"mnode1.cluster.local", "localhost"}
	ipAddresses := []net.IP{
		net.ParseIP("192.168.1.10"),
		net.ParseIP("127.0.0.1"),
	}

	tlsCert, err := ca.IssueNodeCertificate(nodeID, role, dnsNames, ipAddresses)
	if err != nil {
		panic(err)
	}

	fmt.Println("Certificate issued for:", nodeID)
	fmt.Println("Valid until:", tlsCert.Leaf.NotAfter)

## Verifying Certificates

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		panic(err)
	}

	err = ca.VerifyCertificate(cert)
	if err != nil {
		// certificate invalid or not issued by this CA
		panic(err)
	}

# Integration Points

## sdb Integration

The CA is persisted through sdb:

	Bucket: "ca"
	Key:    "ca:root"
	Value:  CARecord{RootCertDER: [...], RootKeyDER: [...encrypted...]}

The root private key is always encrypted at rest.

## RPC TLS Integration

All RPC dispatch traffic (pkg/rpc) is wrapped in mTLS with CA-issued
certificates loaded from disk via SaveCertToFile/LoadCertFromFile and
SaveCACertToFile/LoadCACertFromFile:

	// Server-side (mnode/vnode)
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{nodeCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    certPool, // contains root CA
	}

	// Client-side (vnode/query client)
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      certPool, // contains root CA
	}

This ensures:
  - All connections encrypted (TLS 1.3)
  - Mutual authentication (both parties verified)
  - No unauthorized access (CA-signed certs required)

# Design Patterns

## Hierarchical PKI

The CA uses a standard hierarchical structure:

	Root CA (trust anchor)
	└── Node/Client Certificates (issued by root)

Benefits:
  - Root key rarely used (only for issuing certs)
  - Root can be offline for additional security
  - Revocation via CRL/OCSP (future enhancement)

## Key Derivation

The cluster encryption key is derived deterministically:

	clusterKey = SHA-256(clusterID)

This means:
  - Same cluster ID → same key (important for replicas)
  - Key can be recomputed without storage
  - Backup = cluster ID (must be kept secret!)

## Certificate Caching

The CA records every certificate it issues in an in-memory cache:

	certCache[nodeID] = {Cert, Key, IssuedAt, ExpiresAt}

The cache is read only through GetCachedCert. IssueNodeCertificate and
IssueClientCertificate do not consult it: each call generates a new key
and certificate and overwrites the cached entry for that id.

# Security Considerations

## Key Management

The cluster encryption key is critical:

  - Compromise = root CA private key exposed
  - Loss = cluster unrecoverable
  - Must be backed up securely

## Threat Model

flowdb's security protects against:

	✓ Network eavesdropping (TLS encryption)
	✓ Unauthorized access (mTLS authentication)
	✓ Impersonation (CA-signed certificates)

flowdb does NOT protect against:

	✗ Compromised cluster encryption key (CA private key exposed)
	✗ Compromised CA private key (issue fake certificates)
	✗ Compromised mnode (full cluster access)
	✗ Physical access to storage (encrypted, but key in memory)

# See Also

  - pkg/sdb - meta-store persistence backend
  - pkg/catalog - vgroup routing, consumed over mTLS-protected RPC
  - pkg/rpc - the transport this package's certificates protect
*/
package security

package security

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/flowdb/pkg/sdb"
)

func TestSaveLoadCertToFile(t *testing.T) {
	// Set cluster encryption key
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("Failed to set cluster encryption key: %v", err)
	}

	// Create temporary directories
	tmpStoreDir, err := os.MkdirTemp("", "flowdb-store-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp store dir: %v", err)
	}
	defer os.RemoveAll(tmpStoreDir)

	tmpCertDir, err := os.MkdirTemp("", "flowdb-cert-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp cert dir: %v", err)
	}
	defer os.RemoveAll(tmpCertDir)

	// Create CA and issue certificate
	store, err := sdb.Open(tmpStoreDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	ca := NewCertAuthority(store)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	cert, err := ca.IssueNodeCertificate("test-node", "worker", []string{}, []net.IP{})
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}

	// Save certificate to file
	if err := SaveCertToFile(cert, tmpCertDir); err != nil {
		t.Fatalf("Failed to save certificate: %v", err)
	}

	// Verify files exist
	certPath := filepath.Join(tmpCertDir, "node.crt")
	keyPath := filepath.Join(tmpCertDir, "node.key")

	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		t.Error("Certificate file should exist")
	}
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		t.Error("Key file should exist")
	}

	// Load certificate from file
	loadedCert, err := LoadCertFromFile(tmpCertDir)
	if err != nil {
		t.Fatalf("Failed to load certificate: %v", err)
	}

	// Verify loaded certificate matches original
	if loadedCert.Leaf.Subject.CommonName != cert.Leaf.Subject.CommonName {
		t.Errorf("Loaded cert CN mismatch: expected %s, got %s",
			cert.Leaf.Subject.CommonName, loadedCert.Leaf.Subject.CommonName)
	}
}

func TestSaveLoadCACertToFile(t *testing.T) {
	// Set cluster encryption key
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("Failed to set cluster encryption key: %v", err)
	}

	// Create temporary directories
	tmpStoreDir, err := os.MkdirTemp("", "flowdb-store-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp store dir: %v", err)
	}
	defer os.RemoveAll(tmpStoreDir)

	tmpCertDir, err := os.MkdirTemp("", "flowdb-cert-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp cert dir: %v", err)
	}
	defer os.RemoveAll(tmpCertDir)

	// Create CA
	store, err := sdb.Open(tmpStoreDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	ca := NewCertAuthority(store)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	// Get CA cert
	caCertDER := ca.GetRootCACert()

	// Save CA cert to file
	if err := SaveCACertToFile(caCertDER, tmpCertDir); err != nil {
		t.Fatalf("Failed to save CA certificate: %v", err)
	}

	// Verify file exists
	caPath := filepath.Join(tmpCertDir, "ca.crt")
	if _, err := os.Stat(caPath); os.IsNotExist(err) {
		t.Error("CA certificate file should exist")
	}

	// Load CA cert from file
	loadedCACert, err := LoadCACertFromFile(tmpCertDir)
	if err != nil {
		t.Fatalf("Failed to load CA certificate: %v", err)
	}

	// Verify loaded CA cert matches original
	if !loadedCACert.Equal(ca.rootCert) {
		t.Error("Loaded CA cert should match original")
	}
}

func TestCertExists(t *testing.T) {
	// Create temporary directory
	tmpDir, err := os.MkdirTemp("", "flowdb-cert-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	// Initially should not exist
	if CertExists(tmpDir) {
		t.Error("Certificate should not exist initially")
	}

	// Create files
	certPath := filepath.Join(tmpDir, "node.crt")
	keyPath := filepath.Join(tmpDir, "node.key")
	caPath := filepath.Join(tmpDir, "ca.crt")

	_ = os.WriteFile(certPath, []byte("cert"), 0600)
	_ = os.WriteFile(keyPath, []byte("key"), 0600)
	_ = os.WriteFile(caPath, []byte("ca"), 0600)

	// Now should exist
	if !CertExists(tmpDir) {
		t.Error("Certificate should exist after creating files")
	}

	// Remove one file
	os.Remove(keyPath)

	// Should not exist (incomplete)
	if CertExists(tmpDir) {
		t.Error("Certificate should not exist with missing key file")
	}
}

func TestValidateCertChain(t *testing.T) {
	// Set cluster encryption key
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("Failed to set cluster encryption key: %v", err)
	}

	// Create temporary directory
	tmpDir, err := os.MkdirTemp("", "flowdb-ca-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	// Create CA and issue certificate
	store, err := sdb.Open(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	ca := NewCertAuthority(store)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	cert, err := ca.IssueNodeCertificate("test-node", "worker", []string{}, []net.IP{})
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}

	// Validate cert chain
	if err := ValidateCertChain(cert.Leaf, ca.rootCert); err != nil {
		t.Errorf("Certificate chain validation failed: %v", err)
	}

	// Test with nil certificate
	if err := ValidateCertChain(nil, ca.rootCert); err == nil {
		t.Error("Validation should fail with nil certificate")
	}

	// Test with nil CA
	if err := ValidateCertChain(cert.Leaf, nil); err == nil {
		t.Error("Validation should fail with nil CA")
	}
}


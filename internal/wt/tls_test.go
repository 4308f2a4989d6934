package wt

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGenerateTLSConfigReturnsValidCert(t *testing.T) {
	validity := 2 * time.Hour
	tlsCfg, fingerprint, err := GenerateTLSConfig(validity, "")
	if err != nil {
		t.Fatalf("GenerateTLSConfig: %v", err)
	}
	if len(fingerprint) != 64 { // SHA-256 hex
		t.Errorf("fingerprint length: got %d, want 64", len(fingerprint))
	}
	if len(tlsCfg.Certificates) != 1 {
		t.Fatalf("expected 1 certificate, got %d", len(tlsCfg.Certificates))
	}

	leaf := tlsCfg.Certificates[0].Leaf
	if leaf == nil {
		t.Fatal("expected parsed leaf certificate")
	}
	if leaf.Subject.CommonName != "accord" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "accord")
	}

	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		t.Errorf("cert not valid now: NotBefore=%v NotAfter=%v", leaf.NotBefore, leaf.NotAfter)
	}
	if leaf.NotAfter.Before(now.Add(validity).Add(-time.Minute)) {
		t.Errorf("NotAfter too early: %v", leaf.NotAfter)
	}
}

func TestGenerateTLSConfigUniqueCerts(t *testing.T) {
	_, fp1, err := GenerateTLSConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("GenerateTLSConfig: %v", err)
	}
	_, fp2, err := GenerateTLSConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("GenerateTLSConfig: %v", err)
	}
	if fp1 == fp2 {
		t.Error("two calls should produce different certificates")
	}
}

func TestGenerateTLSConfigCustomHostname(t *testing.T) {
	tlsCfg, _, err := GenerateTLSConfig(time.Hour, "chat.local")
	if err != nil {
		t.Fatalf("GenerateTLSConfig: %v", err)
	}
	leaf := tlsCfg.Certificates[0].Leaf
	if leaf.Subject.CommonName != "chat.local" {
		t.Errorf("CN: got %q", leaf.Subject.CommonName)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	for _, host := range []string{"localhost", "chat.local"} {
		if _, err := leaf.Verify(x509.VerifyOptions{DNSName: host, Roots: pool}); err != nil {
			t.Errorf("verify %s: %v", host, err)
		}
	}
}

func TestLoadTLSConfigMatchesGeneratedFingerprint(t *testing.T) {
	tlsCfg, want, err := GenerateTLSConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("GenerateTLSConfig: %v", err)
	}
	cert := tlsCfg.Certificates[0]

	keyDER, err := x509.MarshalECPrivateKey(cert.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}

	_, got, err := LoadTLSConfig(certFile, keyFile)
	if err != nil {
		t.Fatalf("LoadTLSConfig: %v", err)
	}
	if got != want {
		t.Fatalf("fingerprint mismatch: got %s want %s", got, want)
	}

	if _, _, err := LoadTLSConfig(filepath.Join(dir, "missing.pem"), keyFile); err == nil {
		t.Fatal("expected error for missing certificate")
	}
}

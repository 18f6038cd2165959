package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/quic-go/quic-go/http3"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}

	validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore)
	if validity != time.Hour {
		t.Errorf("validity = %v, want 1h", validity)
	}
	if x509Cert.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if x509Cert.Subject.CommonName != "framebridge" {
		t.Errorf("CommonName = %q", x509Cert.Subject.CommonName)
	}

	expected := sha256.Sum256(cert.TLSCert.Certificate[0])
	if cert.Fingerprint != expected {
		t.Error("fingerprint mismatch")
	}
	if len(cert.FingerprintHex()) != 64 {
		t.Errorf("FingerprintHex length = %d, want 64", len(cert.FingerprintHex()))
	}

	if !slices.Contains(x509Cert.DNSNames, "localhost") {
		t.Error("expected localhost in DNS names")
	}
}

func TestGenerateDefaultValidity(t *testing.T) {
	t.Parallel()
	cert, err := Generate(0)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if got := x509Cert.NotAfter.Sub(x509Cert.NotBefore); got != DefaultValidity {
		t.Errorf("validity = %v, want %v", got, DefaultValidity)
	}
}

func TestGenerateExtraHosts(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour, "bridge.internal", "10.0.0.5", "0.0.0.0", "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if !slices.Contains(x509Cert.DNSNames, "bridge.internal") {
		t.Errorf("DNSNames = %v, want bridge.internal", x509Cert.DNSNames)
	}
	found := slices.ContainsFunc(x509Cert.IPAddresses, func(ip net.IP) bool {
		return ip.Equal(net.ParseIP("10.0.0.5"))
	})
	if !found {
		t.Errorf("IPAddresses = %v, want 10.0.0.5", x509Cert.IPAddresses)
	}
	if len(x509Cert.IPAddresses) != 3 {
		t.Errorf("unspecified address should be skipped, got %v", x509Cert.IPAddresses)
	}
}

func TestTLSConfig(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	cfg := cert.TLSConfig()
	if len(cfg.Certificates) != 1 {
		t.Fatalf("Certificates = %d, want 1", len(cfg.Certificates))
	}
	if !slices.Contains(cfg.NextProtos, http3.NextProtoH3) {
		t.Errorf("NextProtos = %v, want %q", cfg.NextProtos, http3.NextProtoH3)
	}
}

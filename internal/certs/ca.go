package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/smrt-devops/buildctl/internal/store"
	"github.com/smrt-devops/buildctl/internal/utils"
)

// CADuration is the controller CA certificate's validity period (10 years).
const CADuration = 10 * 365 * 24 * time.Hour

// CA represents a Certificate Authority. The key is always ECDSA P-256.
type CA struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// Store is the subset of *store.Store the CA manager depends on. Persisting
// the CA in the relational store (rather than a Kubernetes Secret) keeps it
// reachable from every controller replica without a cluster API dependency.
type Store interface {
	GetCA(ctx context.Context) (certPEM, keyPEM []byte, err error)
	StoreCA(ctx context.Context, certPEM, keyPEM []byte, now time.Time) error
}

var _ Store = (*store.Store)(nil)

// CAManager owns generation, persistence, and retrieval of the controller's
// self-signed CA.
type CAManager struct {
	store Store
	log   utils.Logger
}

// NewCAManager constructs a CAManager.
func NewCAManager(st Store, log utils.Logger) *CAManager {
	return &CAManager{store: st, log: log}
}

// EnsureCA returns the controller's CA, generating and persisting a new one
// the first time it is called against an empty store.
func (m *CAManager) EnsureCA(ctx context.Context) (*CA, error) {
	certPEM, keyPEM, err := m.store.GetCA(ctx)
	if err == nil && len(certPEM) > 0 && len(keyPEM) > 0 {
		ca, parseErr := parseCA(certPEM, keyPEM)
		if parseErr == nil {
			return ca, nil
		}
		m.log.Info("failed to parse stored CA, regenerating", "error", parseErr)
	}

	m.log.Info("generating new controller CA")
	ca, err := m.generateCA()
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA: %w", err)
	}
	if err := m.storeCA(ctx, ca); err != nil {
		return nil, fmt.Errorf("failed to store CA: %w", err)
	}
	return ca, nil
}

// GetCA retrieves the CA as already persisted in the store.
func (m *CAManager) GetCA(ctx context.Context) (*CA, error) {
	certPEM, keyPEM, err := m.store.GetCA(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get CA: %w", err)
	}
	ca, err := parseCA(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA: %w", err)
	}
	return ca, nil
}

// GetCACertPEM returns the CA certificate as PEM, for clients that need to
// trust the controller's self-signed chain.
func (m *CAManager) GetCACertPEM(ctx context.Context) ([]byte, error) {
	ca, err := m.GetCA(ctx)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Cert.Raw}), nil
}

// generateCA generates a new CA certificate and key. The key is always
// ECDSA P-256 — this is mandatory.
func (m *CAManager) generateCA() (*CA, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA CA key: %w", err)
	}

	caTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"buildctl"},
			CommonName:   "buildctl controller CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(CADuration),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	caCertDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, err
	}
	caCert, err := x509.ParseCertificate(caCertDER)
	if err != nil {
		return nil, err
	}

	return &CA{Cert: caCert, Key: caKey}, nil
}

func (m *CAManager) storeCA(ctx context.Context, ca *CA) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Cert.Raw})

	keyDER, err := x509.MarshalECPrivateKey(ca.Key)
	if err != nil {
		return fmt.Errorf("failed to marshal ECDSA CA key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return m.store.StoreCA(ctx, certPEM, keyPEM, time.Now().UTC())
}

func parseCA(certPEM, keyPEM []byte) (*CA, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode CA key PEM")
	}

	var key *ecdsa.PrivateKey
	if keyBlock.Type == "EC PRIVATE KEY" {
		key, err = x509.ParseECPrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ECDSA CA key: %w", err)
		}
	} else {
		parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CA key (only ECDSA keys are supported): %w", err)
		}
		var ok bool
		key, ok = parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("CA key is not ECDSA, got %T", parsed)
		}
	}

	return &CA{Cert: cert, Key: key}, nil
}

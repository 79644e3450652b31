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
	"net"
	"time"

	"github.com/smrt-devops/buildctl/internal/utils"
)

// CertificateInfo contains certificate validity information.
type CertificateInfo struct {
	NotBefore   time.Time
	NotAfter    time.Time
	RenewalTime time.Time
}

// CertificateRequest defines a certificate request.
type CertificateRequest struct {
	CommonName   string
	DNSNames     []string
	IPAddresses  []net.IP
	Organization string
	Duration     time.Duration
	IsServer     bool
	IsClient     bool
}

// CertificateManager issues leaf certificates signed by the controller's CA.
// Issued certificates are held in memory by the caller (the request
// gateway's TLS listener) rather than persisted as Kubernetes Secrets, since
// there is no longer a cluster of worker pods that need to fetch them
// independently — the gateway is the only TLS server in this deployment.
type CertificateManager struct {
	caManager *CAManager
	log       utils.Logger
	config    *Config
}

// NewCertificateManager constructs a CertificateManager.
func NewCertificateManager(caManager *CAManager, log utils.Logger, config *Config) *CertificateManager {
	if config == nil {
		config = LoadConfig()
	}
	return &CertificateManager{caManager: caManager, log: log, config: config}
}

// IssueCertificate issues a new certificate from the CA. All certificates
// use ECDSA P-256 keys — this is mandatory.
func (m *CertificateManager) IssueCertificate(ctx context.Context, req *CertificateRequest) (certPEM, keyPEM []byte, info *CertificateInfo, err error) {
	ca, err := m.caManager.GetCA(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to get CA: %w", err)
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate ECDSA private key: %w", err)
	}

	duration := req.Duration
	if duration == 0 {
		if req.IsServer {
			duration = m.config.DefaultServerCertDuration
		} else {
			duration = m.config.DefaultClientCertDuration
		}
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().Unix()),
		Subject: pkix.Name{
			CommonName:   req.CommonName,
			Organization: []string{req.Organization},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(duration),
		DNSNames:              req.DNSNames,
		IPAddresses:           req.IPAddresses,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{},
		BasicConstraintsValid: true,
	}
	if req.IsServer {
		template.ExtKeyUsage = append(template.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	}
	if req.IsClient {
		template.ExtKeyUsage = append(template.ExtKeyUsage, x509.ExtKeyUsageClientAuth)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, &privateKey.PublicKey, ca.Key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal ECDSA private key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	certDuration := cert.NotAfter.Sub(cert.NotBefore)
	defaultRenewalWindow := m.config.DefaultRenewalTime
	var renewalTime time.Time
	if certDuration < defaultRenewalWindow {
		renewalTime = cert.NotAfter.Add(-certDuration * 80 / 100)
	} else {
		renewalTime = cert.NotAfter.Add(-defaultRenewalWindow)
	}

	info = &CertificateInfo{NotBefore: cert.NotBefore, NotAfter: cert.NotAfter, RenewalTime: renewalTime}
	return certPEM, keyPEM, info, nil
}

// ShouldRotateCertificate reports whether a certificate is close enough to
// expiry that the gateway should mint a replacement.
func (m *CertificateManager) ShouldRotateCertificate(certInfo *CertificateInfo, rotateBefore time.Duration) bool {
	if certInfo == nil {
		return true
	}

	now := time.Now()
	var renewalTime time.Time
	if !certInfo.RenewalTime.IsZero() {
		renewalTime = certInfo.RenewalTime
	} else {
		certDuration := certInfo.NotAfter.Sub(certInfo.NotBefore)
		if certDuration < rotateBefore {
			renewalTime = certInfo.NotAfter.Add(-certDuration * 80 / 100)
		} else {
			renewalTime = certInfo.NotAfter.Add(-rotateBefore)
		}
	}

	return now.After(renewalTime)
}

// Package config loads the controller's runtime configuration from
// environment variables, following the same struct-of-fields,
// os.Getenv-plus-time.ParseDuration pattern as certs.LoadConfig and
// utils.LoadLoggerConfigFromEnv.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full enumerated configuration set of the controller core.
type Config struct {
	// StoreDSN is the Postgres connection string for the relational store.
	StoreDSN string

	// StorageRoot is the filesystem root under which source, credential,
	// and result artifacts are staged and stored.
	StorageRoot string

	// AdminKey authenticates the static Admin authenticator class.
	AdminKey string

	// ListenAddress is the address the request gateway listens on.
	ListenAddress string

	// ListenTLS, when true, serves the gateway over HTTPS using the
	// controller-managed CA.
	ListenTLS bool

	// MetricsAddress is the address the Prometheus /metrics endpoint
	// listens on, always plain HTTP regardless of ListenTLS.
	MetricsAddress string

	SessionTokenTTL time.Duration
	OTPTTL          time.Duration
	GuestTokenTTL   time.Duration
	WorkerStaleness time.Duration

	SourceMaxBytes      int64
	CredentialsMaxBytes int64
	ResultMaxBytes      int64
	ChunkSize           int

	MaxConcurrentRequests int

	// OIDCIssuer, when set, enables Operator SSO as an alternate Admin
	// authenticator alongside AdminKey.
	OIDCIssuer    string
	OIDCAudience  string
	OIDCUserClaim string
}

// Default returns the configuration defaults named in spec.md §6.
func Default() *Config {
	return &Config{
		StoreDSN:       "postgres://localhost:5432/buildctl?sslmode=disable",
		StorageRoot:    "/var/lib/buildctl",
		ListenAddress:  ":8443",
		ListenTLS:      false,
		MetricsAddress: ":9090",

		SessionTokenTTL: 90 * time.Second,
		OTPTTL:          5 * time.Minute,
		GuestTokenTTL:   24 * time.Hour,
		WorkerStaleness: 5 * time.Minute,

		SourceMaxBytes:      500 * 1024 * 1024,
		CredentialsMaxBytes: 50 * 1024 * 1024,
		ResultMaxBytes:      500 * 1024 * 1024,
		ChunkSize:           64 * 1024,

		MaxConcurrentRequests: 64,

		OIDCUserClaim: "email",
	}
}

// LoadFromEnv loads configuration from environment variables, applying
// defaults first and overriding with whatever is set.
func LoadFromEnv() (*Config, error) {
	c := Default()

	if v := os.Getenv("BUILDCTL_STORE_DSN"); v != "" {
		c.StoreDSN = v
	}
	if v := os.Getenv("BUILDCTL_STORAGE_ROOT"); v != "" {
		c.StorageRoot = v
	}
	if v := os.Getenv("BUILDCTL_ADMIN_KEY"); v != "" {
		c.AdminKey = v
	}
	if v := os.Getenv("BUILDCTL_LISTEN_ADDRESS"); v != "" {
		c.ListenAddress = v
	}
	if v := os.Getenv("BUILDCTL_LISTEN_TLS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("BUILDCTL_LISTEN_TLS: %w", err)
		}
		c.ListenTLS = b
	}
	if v := os.Getenv("BUILDCTL_METRICS_ADDRESS"); v != "" {
		c.MetricsAddress = v
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"BUILDCTL_SESSION_TOKEN_TTL", &c.SessionTokenTTL},
		{"BUILDCTL_OTP_TTL", &c.OTPTTL},
		{"BUILDCTL_GUEST_TOKEN_TTL", &c.GuestTokenTTL},
		{"BUILDCTL_WORKER_STALENESS", &c.WorkerStaleness},
	}
	for _, d := range durations {
		if v := os.Getenv(d.env); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", d.env, err)
			}
			*d.dst = parsed
		}
	}

	byteSizes := []struct {
		env string
		dst *int64
	}{
		{"BUILDCTL_SOURCE_MAX_BYTES", &c.SourceMaxBytes},
		{"BUILDCTL_CREDENTIALS_MAX_BYTES", &c.CredentialsMaxBytes},
		{"BUILDCTL_RESULT_MAX_BYTES", &c.ResultMaxBytes},
	}
	for _, b := range byteSizes {
		if v := os.Getenv(b.env); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", b.env, err)
			}
			*b.dst = parsed
		}
	}

	if v := os.Getenv("BUILDCTL_CHUNK_SIZE"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("BUILDCTL_CHUNK_SIZE: %w", err)
		}
		c.ChunkSize = parsed
	}
	if v := os.Getenv("BUILDCTL_MAX_CONCURRENT_REQUESTS"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("BUILDCTL_MAX_CONCURRENT_REQUESTS: %w", err)
		}
		c.MaxConcurrentRequests = parsed
	}

	if v := os.Getenv("BUILDCTL_OIDC_ISSUER"); v != "" {
		c.OIDCIssuer = v
	}
	if v := os.Getenv("BUILDCTL_OIDC_AUDIENCE"); v != "" {
		c.OIDCAudience = v
	}
	if v := os.Getenv("BUILDCTL_OIDC_USER_CLAIM"); v != "" {
		c.OIDCUserClaim = v
	}

	if c.AdminKey == "" {
		return nil, fmt.Errorf("BUILDCTL_ADMIN_KEY must be set")
	}

	return c, nil
}

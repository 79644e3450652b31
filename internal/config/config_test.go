package config

import (
	"testing"
	"time"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	t.Setenv("BUILDCTL_ADMIN_KEY", "test-admin-key")

	c, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if c.AdminKey != "test-admin-key" {
		t.Errorf("AdminKey = %q", c.AdminKey)
	}
	if c.SessionTokenTTL != 90*time.Second {
		t.Errorf("SessionTokenTTL = %v, want 90s", c.SessionTokenTTL)
	}
	if c.ChunkSize != 64*1024 {
		t.Errorf("ChunkSize = %d, want 64KiB", c.ChunkSize)
	}
}

func TestLoadFromEnvRequiresAdminKey(t *testing.T) {
	t.Setenv("BUILDCTL_ADMIN_KEY", "")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error when BUILDCTL_ADMIN_KEY is unset")
	}
}

func TestLoadFromEnvOverridesDurations(t *testing.T) {
	t.Setenv("BUILDCTL_ADMIN_KEY", "k")
	t.Setenv("BUILDCTL_WORKER_STALENESS", "2m")

	c, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if c.WorkerStaleness != 2*time.Minute {
		t.Errorf("WorkerStaleness = %v, want 2m", c.WorkerStaleness)
	}
}

func TestLoadFromEnvRejectsBadDuration(t *testing.T) {
	t.Setenv("BUILDCTL_ADMIN_KEY", "k")
	t.Setenv("BUILDCTL_OTP_TTL", "not-a-duration")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}

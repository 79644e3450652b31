package authority

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/smrt-devops/buildctl/internal/apierr"
	"github.com/smrt-devops/buildctl/internal/domain"
)

type fakeStore struct {
	tokens map[string]*domain.Token
}

func newFakeStore() *fakeStore {
	return &fakeStore{tokens: make(map[string]*domain.Token)}
}

func (f *fakeStore) InsertToken(_ context.Context, t *domain.Token) error {
	cp := *t
	f.tokens[t.Secret] = &cp
	return nil
}

func (f *fakeStore) GetToken(_ context.Context, secret string) (*domain.Token, error) {
	t, ok := f.tokens[secret]
	if !ok {
		return nil, apierr.Unauthenticated("token not found")
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) ConsumeToken(_ context.Context, secret string) error {
	t, ok := f.tokens[secret]
	if !ok {
		return apierr.Unauthenticated("token not found")
	}
	if t.Consumed {
		return apierr.TokenConsumed("already consumed")
	}
	t.Consumed = true
	return nil
}

func (f *fakeStore) ExchangeBootstrapForGuest(_ context.Context, otpSecret, buildID string, guest *domain.Token) error {
	otp, ok := f.tokens[otpSecret]
	if !ok || otp.Class != domain.TokenBootstrap || otp.Consumed || otp.BuildID == nil || *otp.BuildID != buildID {
		return apierr.Forbidden("bootstrap OTP not eligible for exchange")
	}
	otp.Consumed = true
	cp := *guest
	f.tokens[guest.Secret] = &cp
	return nil
}

func (f *fakeStore) DeleteExpiredTokens(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for k, t := range f.tokens {
		if t.Expired(now) {
			delete(f.tokens, k)
			n++
		}
	}
	return n, nil
}

func newTestAuthority(t *testing.T) (*Authority, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	a, err := New(fs, Config{
		AdminKey:        "super-secret-admin-key",
		SessionTokenTTL: 90 * time.Second,
		OTPTTL:          5 * time.Minute,
		GuestTokenTTL:   24 * time.Hour,
	}, logr.Discard(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, fs
}

func TestIssueBuildTokenAndValidate(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	tok, err := a.IssueBuildToken(ctx, "build-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueBuildToken: %v", err)
	}
	if tok.Class != domain.TokenBuild {
		t.Errorf("Class = %v, want Build", tok.Class)
	}

	got, err := a.Validate(ctx, tok.Secret)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ScopeAllowsBuild(got, "build-1") {
		t.Error("expected token to scope to build-1")
	}
	if ScopeAllowsBuild(got, "build-2") {
		t.Error("did not expect token to scope to build-2")
	}
}

func TestExchangeBootstrapForGuestSingleUse(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	otp, err := a.IssueBootstrapOTP(ctx, "build-1", "worker-1")
	if err != nil {
		t.Fatalf("IssueBootstrapOTP: %v", err)
	}

	guest, err := a.ExchangeBootstrapForGuest(ctx, otp.Secret, "build-1")
	if err != nil {
		t.Fatalf("ExchangeBootstrapForGuest: %v", err)
	}
	if guest.Class != domain.TokenGuest {
		t.Errorf("Class = %v, want Guest", guest.Class)
	}
	if guest.BuildID == nil || *guest.BuildID != "build-1" {
		t.Errorf("BuildID = %v, want build-1", guest.BuildID)
	}

	if _, err := a.ExchangeBootstrapForGuest(ctx, otp.Secret, "build-1"); err == nil {
		t.Fatal("expected second exchange to fail")
	} else if e, ok := apierr.As(err); !ok || e.Code != "Forbidden" {
		t.Errorf("expected Forbidden, got %v", err)
	}
}

func TestExchangeBootstrapForGuestWrongBuild(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	otp, err := a.IssueBootstrapOTP(ctx, "build-1", "worker-1")
	if err != nil {
		t.Fatalf("IssueBootstrapOTP: %v", err)
	}
	if _, err := a.ExchangeBootstrapForGuest(ctx, otp.Secret, "build-2"); err == nil {
		t.Fatal("expected exchange scoped to a different build to fail")
	}
}

func TestExchangeBootstrapForGuestWrongClass(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	guest, err := a.IssueGuestToken(ctx, "build-1")
	if err != nil {
		t.Fatalf("IssueGuestToken: %v", err)
	}
	if _, err := a.ExchangeBootstrapForGuest(ctx, guest.Secret, "build-1"); err == nil {
		t.Fatal("expected error for non-bootstrap token")
	}
}

func TestAuthenticateAdminStaticKey(t *testing.T) {
	a, _ := newTestAuthority(t)
	ctx := context.Background()

	if err := a.AuthenticateAdmin(ctx, "super-secret-admin-key", ""); err != nil {
		t.Errorf("expected success with correct admin key, got %v", err)
	}
	if err := a.AuthenticateAdmin(ctx, "wrong-key", ""); err == nil {
		t.Error("expected failure with wrong admin key")
	}
}

func TestNewSessionSecretUnique(t *testing.T) {
	a, _ := newTestAuthority(t)
	s1, exp1, err := a.NewSessionSecret()
	if err != nil {
		t.Fatalf("NewSessionSecret: %v", err)
	}
	s2, _, err := a.NewSessionSecret()
	if err != nil {
		t.Fatalf("NewSessionSecret: %v", err)
	}
	if s1 == s2 {
		t.Error("expected distinct session secrets")
	}
	if !exp1.After(time.Now()) {
		t.Error("expected expiry in the future")
	}
}

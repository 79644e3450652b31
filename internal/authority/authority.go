// Package authority is the Credential Authority of spec.md §4.3: issuance,
// validation, rotation, and consumption of the five disjoint token classes
// (Admin, Build, Session, Bootstrap OTP, Guest). Token shape follows an
// HMAC-over-random-bytes pattern with base64 RawURLEncoding, generalized
// from an in-memory map to a store-backed authority so tokens survive a
// controller restart and are visible to every request-gateway goroutine
// through one source of truth.
package authority

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/smrt-devops/buildctl/internal/apierr"
	"github.com/smrt-devops/buildctl/internal/auth"
	"github.com/smrt-devops/buildctl/internal/domain"
	"github.com/smrt-devops/buildctl/internal/metrics"
	"github.com/smrt-devops/buildctl/internal/store"
	"github.com/smrt-devops/buildctl/internal/utils"
)

// Store is the subset of *store.Store the authority depends on.
type Store interface {
	InsertToken(ctx context.Context, t *domain.Token) error
	GetToken(ctx context.Context, secret string) (*domain.Token, error)
	ConsumeToken(ctx context.Context, secret string) error
	ExchangeBootstrapForGuest(ctx context.Context, otpSecret, buildID string, guest *domain.Token) error
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

var _ Store = (*store.Store)(nil)

// Config configures token lifetimes; loaded from internal/config.
type Config struct {
	AdminKey        string
	SessionTokenTTL time.Duration
	OTPTTL          time.Duration
	GuestTokenTTL   time.Duration
}

// Authority issues, validates, rotates, and consumes credentials.
type Authority struct {
	store  Store
	hmac   []byte
	cfg    Config
	log    utils.Logger
	oidc   *auth.OIDCVerifier // nil unless Operator SSO is configured
}

// New constructs an Authority. oidcVerifier may be nil: Operator SSO is
// additive, never required (spec.md §4.3 keeps the static Admin key valid).
func New(st Store, cfg Config, log utils.Logger, oidcVerifier *auth.OIDCVerifier) (*Authority, error) {
	if cfg.AdminKey == "" {
		return nil, fmt.Errorf("authority: AdminKey must not be empty")
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("authority: generating HMAC secret: %w", err)
	}
	return &Authority{
		store: st,
		hmac:  secret,
		cfg:   cfg,
		log:   log.WithName("authority"),
		oidc:  oidcVerifier,
	}, nil
}

func (a *Authority) signToken(random []byte) string {
	mac := hmac.New(sha256.New, a.hmac)
	mac.Write(random)
	sig := mac.Sum(nil)
	combined := append(append([]byte{}, random...), sig...)
	return base64.RawURLEncoding.EncodeToString(combined)
}

func (a *Authority) newSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return a.signToken(raw), nil
}

// IssueBuildToken mints a Build-class token scoped to buildID, handed to a
// submitter so they can poll status and fetch results for their own build.
func (a *Authority) IssueBuildToken(ctx context.Context, buildID string, ttl time.Duration) (*domain.Token, error) {
	return a.issue(ctx, domain.TokenBuild, &buildID, nil, ttl, false)
}

// IssueBootstrapOTP mints a single-use Bootstrap OTP scoped to both buildID
// and workerID, exchanged exactly once for a Guest token (spec §4.3).
func (a *Authority) IssueBootstrapOTP(ctx context.Context, buildID, workerID string) (*domain.Token, error) {
	return a.issue(ctx, domain.TokenBootstrap, &buildID, &workerID, a.cfg.OTPTTL, false)
}

// IssueGuestToken mints a Guest token scoped to buildID. The gateway accepts
// it on the guest source/credential routes and, like a Build token, on that
// build's submitter-facing routes.
func (a *Authority) IssueGuestToken(ctx context.Context, buildID string) (*domain.Token, error) {
	return a.issue(ctx, domain.TokenGuest, &buildID, nil, a.cfg.GuestTokenTTL, false)
}

func (a *Authority) issue(ctx context.Context, class domain.TokenClass, buildID, workerID *string, ttl time.Duration, consumed bool) (*domain.Token, error) {
	secret, err := a.newSecret()
	if err != nil {
		return nil, apierr.Internal(err)
	}
	now := time.Now().UTC()
	t := &domain.Token{
		Secret:    secret,
		Class:     class,
		BuildID:   buildID,
		WorkerID:  workerID,
		ExpiresAt: now.Add(ttl),
		Consumed:  consumed,
		IssuedAt:  now,
	}
	if err := a.store.InsertToken(ctx, t); err != nil {
		return nil, err
	}
	metrics.TokensIssuedTotal.WithLabelValues(string(class)).Inc()
	return t, nil
}

// ExchangeBootstrapForGuest validates a Bootstrap OTP scoped to buildID and,
// in the same store transaction, consumes it and mints a fresh Guest token
// in its place — the in-guest handshake of spec §4.3/§4.6. Concurrent
// presentation of the same OTP can only ever mint one Guest token: the
// consume-and-insert happens as a single atomic store operation, not two
// operations composed by this layer, since both the OTP and the Guest
// token it mints live in the same tokens table.
func (a *Authority) ExchangeBootstrapForGuest(ctx context.Context, otpSecret, buildID string) (*domain.Token, error) {
	otp, err := a.store.GetToken(ctx, otpSecret)
	if err != nil {
		return nil, err
	}
	if otp.Class != domain.TokenBootstrap {
		return nil, apierr.Unauthenticated("not a bootstrap token")
	}
	if otp.BuildID == nil || *otp.BuildID != buildID {
		return nil, apierr.Forbidden("bootstrap OTP is not scoped to this build")
	}
	if otp.Consumed {
		return nil, apierr.Forbidden("bootstrap OTP already consumed")
	}
	if otp.Expired(time.Now().UTC()) {
		return nil, apierr.TokenExpired("bootstrap OTP expired")
	}

	secret, err := a.newSecret()
	if err != nil {
		return nil, apierr.Internal(err)
	}
	now := time.Now().UTC()
	guest := &domain.Token{
		Secret:    secret,
		Class:     domain.TokenGuest,
		BuildID:   &buildID,
		ExpiresAt: now.Add(a.cfg.GuestTokenTTL),
		IssuedAt:  now,
	}
	if err := a.store.ExchangeBootstrapForGuest(ctx, otpSecret, buildID, guest); err != nil {
		return nil, err
	}
	return guest, nil
}

// NewSessionSecret mints a fresh session secret and its expiry, for the
// worker registry to persist on a worker row (initial mint or rotation).
func (a *Authority) NewSessionSecret() (secret string, expiresAt time.Time, err error) {
	secret, err = a.newSecret()
	if err != nil {
		return "", time.Time{}, apierr.Internal(err)
	}
	return secret, time.Now().UTC().Add(a.cfg.SessionTokenTTL), nil
}

// Validate looks a token up by secret, rejecting it if expired, consumed,
// or (for single-use classes) already redeemed.
func (a *Authority) Validate(ctx context.Context, secret string) (*domain.Token, error) {
	t, err := a.store.GetToken(ctx, secret)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if t.Expired(now) {
		return nil, apierr.TokenExpired("token expired")
	}
	if t.Consumed {
		return nil, apierr.TokenConsumed("token already consumed")
	}
	return t, nil
}

// AuthenticateAdmin accepts either the static admin key (constant-time
// compared) or, if Operator SSO is configured, a verified OIDC bearer token.
func (a *Authority) AuthenticateAdmin(ctx context.Context, adminKeyHeader, oidcBearer string) error {
	if adminKeyHeader != "" && subtle.ConstantTimeCompare([]byte(adminKeyHeader), []byte(a.cfg.AdminKey)) == 1 {
		return nil
	}
	if oidcBearer != "" && a.oidc != nil {
		if _, err := a.oidc.VerifyToken(ctx, oidcBearer); err == nil {
			return nil
		}
	}
	return apierr.Unauthenticated("admin authentication failed")
}

// ScopeAllowsBuild reports whether t grants access to buildID. Admin tokens
// (scope nil) always pass; Build/Bootstrap/Guest/Session tokens must match
// exactly.
func ScopeAllowsBuild(t *domain.Token, buildID string) bool {
	if t.Class == domain.TokenAdmin {
		return true
	}
	return t.BuildID != nil && *t.BuildID == buildID
}

// ScopeAllowsWorker reports whether t grants access to workerID.
func ScopeAllowsWorker(t *domain.Token, workerID string) bool {
	if t.Class == domain.TokenAdmin {
		return true
	}
	return t.WorkerID != nil && *t.WorkerID == workerID
}

// CleanupExpired purges store-side expired tokens, run by the sweep.
func (a *Authority) CleanupExpired(ctx context.Context) (int64, error) {
	return a.store.DeleteExpiredTokens(ctx, time.Now().UTC())
}

package api

import (
	"net/http"

	"github.com/smrt-devops/buildctl/internal/apierr"
	"github.com/smrt-devops/buildctl/internal/authority"
	"github.com/smrt-devops/buildctl/internal/domain"
)

// requireAdmin authenticates the request as Admin, via the Admin header or
// (if Operator SSO is configured) an OIDC bearer token on Authorization —
// the one header deliberately shared with the OIDC world, since it grants
// the same Admin capability rather than a sixth token class.
func (s *Server) requireAdmin(r *http.Request) error {
	return s.authority.AuthenticateAdmin(r.Context(), r.Header.Get("Admin"), oidcBearerToken(r))
}

// requireBuildAccess accepts either Admin or a Build/Guest-class token
// scoped to buildID — the "Admin or BuildToken(id)" rule spec.md §6's route
// table names for every submitter-facing build route. Mixing token classes
// across build ids is rejected: a token scoped to a different build is
// refused as Forbidden.
func (s *Server) requireBuildAccess(r *http.Request, buildID string) error {
	if err := s.requireAdmin(r); err == nil {
		return nil
	}
	secret := r.Header.Get("BuildToken")
	if secret == "" {
		return apierr.Unauthenticated("missing credentials")
	}
	t, err := s.authority.Validate(r.Context(), secret)
	if err != nil {
		return err
	}
	if t.Class != domain.TokenBuild && t.Class != domain.TokenGuest {
		return apierr.Forbidden("token class does not grant build access")
	}
	if !authority.ScopeAllowsBuild(t, buildID) {
		return apierr.Forbidden("token is not scoped to this build")
	}
	return nil
}

// requireSession authenticates a worker by its SessionToken header and
// returns the token secret (the registry looks the worker up by it
// directly, since session tokens are not generic tokens-table rows).
func requireSession(r *http.Request) (string, error) {
	secret := r.Header.Get("SessionToken")
	if secret == "" {
		return "", apierr.Unauthenticated("missing session token")
	}
	return secret, nil
}

// requireGuestAccess authenticates a Guest-class token scoped to buildID via
// the GuestToken header.
func (s *Server) requireGuestAccess(r *http.Request, buildID string) (*domain.Token, error) {
	secret := r.Header.Get("GuestToken")
	if secret == "" {
		return nil, apierr.Unauthenticated("missing guest token")
	}
	t, err := s.authority.Validate(r.Context(), secret)
	if err != nil {
		return nil, err
	}
	if t.Class != domain.TokenGuest {
		return nil, apierr.Forbidden("token class does not grant guest access")
	}
	if !authority.ScopeAllowsBuild(t, buildID) {
		return nil, apierr.Forbidden("guest token is not scoped to this build")
	}
	return t, nil
}

// requireBootstrapOTP extracts the Bootstrap OTP secret from the
// BootstrapOTP header, validated by the caller against the scoping build via
// the exchange call itself (the OTP's single-use semantics require the
// validate-and-consume step to happen atomically in the authority, not
// here).
func requireBootstrapOTP(r *http.Request) (string, error) {
	secret := r.Header.Get("BootstrapOTP")
	if secret == "" {
		return "", apierr.Unauthenticated("missing bootstrap credential")
	}
	return secret, nil
}

// oidcBearerToken extracts a standard Authorization: Bearer token, used only
// by the additive Operator SSO path — the five reserved headers (Admin,
// BuildToken, SessionToken, BootstrapOTP, GuestToken) never share this one.
func oidcBearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

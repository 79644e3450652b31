package api

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/smrt-devops/buildctl/internal/apierr"
)

// handleGuestSource is GET /builds/{id}/source: the in-guest build
// environment fetches its source bundle using the Guest token it obtained
// from the handshake.
func (s *Server) handleGuestSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.requireGuestAccess(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}

	b, err := s.builds.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if err := s.channel.Egress(r.Context(), b.SourcePath, w); err != nil {
		s.writeError(w, r, err)
		return
	}
}

type credentialBundle struct {
	Key      string   `json:"key"`
	Password string   `json:"password"`
	Profiles []string `json:"profiles"`
}

type certsSecureResponse struct {
	Key      string   `json:"key"`
	Password string   `json:"password"`
	Profiles []string `json:"profiles"`
}

// handleGuestCredentials is GET /builds/{id}/certs-secure: returns the
// build's signing credential bundle, base64-encoded per spec.md §6. The
// credential artifact itself is stored as JSON on disk (ingested at submit
// time) and is never written to a log or error message.
func (s *Server) handleGuestCredentials(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.requireGuestAccess(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}

	b, err := s.builds.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if b.CredentialPath == nil {
		s.writeError(w, r, apierr.NotFound("build has no credential bundle"))
		return
	}

	var bundle credentialBundle
	if err := s.channel.ReadCredentialsJSON(*b.CredentialPath, &bundle); err != nil {
		s.writeError(w, r, err)
		return
	}

	profiles := make([]string, len(bundle.Profiles))
	for i, p := range bundle.Profiles {
		profiles[i] = base64.StdEncoding.EncodeToString([]byte(p))
	}

	s.writeJSON(w, http.StatusOK, certsSecureResponse{
		Key:      base64.StdEncoding.EncodeToString([]byte(bundle.Key)),
		Password: bundle.Password,
		Profiles: profiles,
	})
}

type guestHandshakeResponse struct {
	GuestToken string `json:"guestToken"`
	ExpiresAt  string `json:"expiresAt"`
}

// handleGuestHandshake is POST /builds/{id}/authenticate: the in-guest
// build environment exchanges its Bootstrap OTP (plus the Admin key, since
// this route runs inside the build guest which is provisioned by the
// controller's own Admin-authenticated tooling) for a Guest token scoped to
// this build.
func (s *Server) handleGuestHandshake(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.requireAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	otp, err := requireBootstrapOTP(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	guest, err := s.authority.ExchangeBootstrapForGuest(r.Context(), otp, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, guestHandshakeResponse{
		GuestToken: guest.Secret,
		ExpiresAt:  guest.ExpiresAt.Format(time.RFC3339Nano),
	})
}

package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/smrt-devops/buildctl/internal/apierr"
	"github.com/smrt-devops/buildctl/internal/artifacts"
	"github.com/smrt-devops/buildctl/internal/domain"
)

const buildTokenTTL = 7 * 24 * time.Hour

type submitBuildResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	BuildToken string `json:"buildToken"`
}

// handleSubmitBuild is POST /builds: Admin submits a multipart payload of
// {platform, source, [credentials]} and receives a build id plus a Build
// token scoped to it.
func (s *Server) handleSubmitBuild(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, r, apierr.Validation(fmt.Sprintf("invalid multipart payload: %v", err)))
		return
	}

	platform := domain.Platform(r.FormValue("platform"))
	if !platform.Valid() {
		s.writeError(w, r, apierr.Validation("unknown or missing platform"))
		return
	}

	id := uuid.New().String()

	sourceFile, _, err := r.FormFile("source")
	if err != nil {
		s.writeError(w, r, apierr.Validation("source file is required"))
		return
	}
	defer sourceFile.Close()

	ingestedSource, err := s.channel.Ingest(r.Context(), artifacts.KindSource, id, sourceFile)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var credentialPath *string
	if credFile, _, err := r.FormFile("credentials"); err == nil {
		defer credFile.Close()
		ingestedCred, err := s.channel.Ingest(r.Context(), artifacts.KindCredentials, id, credFile)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		credentialPath = &ingestedCred.Path
	}

	build, err := s.builds.Submit(r.Context(), id, platform, ingestedSource.Path, credentialPath, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	tok, err := s.authority.IssueBuildToken(r.Context(), build.ID, buildTokenTTL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, submitBuildResponse{
		ID:         build.ID,
		Status:     string(build.Status),
		BuildToken: tok.Secret,
	})
}

type buildStatusResponse struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Platform    string     `json:"platform"`
	WorkerID    *string    `json:"workerId,omitempty"`
	SubmittedAt time.Time  `json:"submittedAt"`
	AssignedAt  *time.Time `json:"assignedAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Failure     *string    `json:"failure,omitempty"`
	RetryOfID   *string    `json:"retryOfId,omitempty"`
}

// handleBuildStatus is GET /builds/{id}/status.
func (s *Server) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.requireBuildAccess(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}

	b, err := s.builds.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, buildStatusResponse{
		ID:          b.ID,
		Status:      string(b.Status),
		Platform:    string(b.Platform),
		WorkerID:    b.WorkerID,
		SubmittedAt: b.SubmittedAt,
		AssignedAt:  b.AssignedAt,
		StartedAt:   b.StartedAt,
		CompletedAt: b.CompletedAt,
		Failure:     b.FailureMessage,
		RetryOfID:   b.RetryOfID,
	})
}

type logEntryResponse struct {
	Seq        int64     `json:"seq"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	InsertedAt time.Time `json:"insertedAt"`
}

// handleBuildLogs is GET /builds/{id}/logs?limit=N&after=seq.
func (s *Server) handleBuildLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.requireBuildAccess(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}

	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeError(w, r, apierr.Validation("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, r, apierr.Validation("after must be an integer sequence number"))
			return
		}
		after = parsed
	}

	entries, err := s.builds.Logs(r.Context(), id, after, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]logEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, logEntryResponse{
			Seq:        e.Seq,
			Severity:   string(e.Severity),
			Message:    e.Message,
			InsertedAt: e.InsertedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleActiveBuilds is GET /builds/active: Admin-only list of
// Assigned/Building builds.
func (s *Server) handleActiveBuilds(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	assigned, err := s.builds.List(r.Context(), statusPtr(domain.BuildAssigned), 10000)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	building, err := s.builds.List(r.Context(), statusPtr(domain.BuildBuilding), 10000)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]buildStatusResponse, 0, len(assigned)+len(building))
	for _, b := range append(assigned, building...) {
		out = append(out, buildStatusResponse{
			ID:          b.ID,
			Status:      string(b.Status),
			Platform:    string(b.Platform),
			WorkerID:    b.WorkerID,
			SubmittedAt: b.SubmittedAt,
			AssignedAt:  b.AssignedAt,
			StartedAt:   b.StartedAt,
			CompletedAt: b.CompletedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleRetryBuild is POST /builds/{id}/retry: the referenced build must be
// Failed; a new build is created cloning its platform and source bytes.
func (s *Server) handleRetryBuild(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.requireBuildAccess(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}

	newID := uuid.New().String()
	build, err := s.builds.Retry(r.Context(), newID, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	tok, err := s.authority.IssueBuildToken(r.Context(), build.ID, buildTokenTTL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, submitBuildResponse{
		ID:         build.ID,
		Status:     string(build.Status),
		BuildToken: tok.Secret,
	})
}

// handleCancelBuild is POST /builds/{id}/cancel.
func (s *Server) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.requireBuildAccess(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.builds.Cancel(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.BuildCancelled)})
}

// handleDownloadResult is GET /builds/{id}/result: streams the completed
// build's result bytes, with the JWS signature echoed as a header so a
// caller can verify integrity independently of the channel.
func (s *Server) handleDownloadResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.requireBuildAccess(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}

	b, err := s.builds.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if b.Status != domain.BuildCompleted || b.ResultPath == nil {
		s.writeError(w, r, apierr.NotFound("build has no downloadable result"))
		return
	}

	if b.ResultSignature != nil {
		w.Header().Set("X-Result-Signature", *b.ResultSignature)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if err := s.channel.Egress(r.Context(), *b.ResultPath, w); err != nil {
		s.writeError(w, r, err)
		return
	}
}

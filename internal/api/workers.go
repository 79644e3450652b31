package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/smrt-devops/buildctl/internal/apierr"
	"github.com/smrt-devops/buildctl/internal/artifacts"
	"github.com/smrt-devops/buildctl/internal/domain"
)

type registerWorkerRequest struct {
	Name         string              `json:"name"`
	Capabilities domain.Capabilities `json:"capabilities"`
}

type registerWorkerResponse struct {
	WorkerID     string `json:"workerId"`
	SessionToken string `json:"sessionToken"`
}

// handleRegisterWorker is POST /workers: Admin enrolls a new worker and
// receives its id plus an initial session token.
func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.requireAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req registerWorkerRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, r, apierr.Validation("name is required"))
		return
	}

	id := uuid.New().String()
	worker, err := s.registry.Register(r.Context(), id, req.Name, req.Capabilities)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, registerWorkerResponse{
		WorkerID:     worker.ID,
		SessionToken: worker.SessionToken,
	})
}

type jobPayload struct {
	BuildID      string `json:"buildId"`
	Platform     string `json:"platform"`
	SourceHandle string `json:"sourceHandle"`
	BootstrapOTP string `json:"bootstrapOTP"`
}

type pollResponse struct {
	SessionToken string      `json:"sessionToken"`
	Job          *jobPayload `json:"job,omitempty"`
}

// handleWorkerPoll is GET /workers/poll: authenticates the worker by its
// current Session token, rotates the token, and assigns a pending build
// matching one of the worker's declared platforms if one is available.
// Platform is supplied as a query parameter since a worker's capability set
// may span more than one.
func (s *Server) handleWorkerPoll(w http.ResponseWriter, r *http.Request) {
	oldToken, err := requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	platform := domain.Platform(r.URL.Query().Get("platform"))
	if !platform.Valid() {
		s.writeError(w, r, apierr.Validation("platform query parameter is required"))
		return
	}

	worker, newToken, err := s.registry.Heartbeat(r.Context(), oldToken, domain.WorkerIdle)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	declared := false
	for _, p := range worker.Capabilities.Platforms {
		if p == platform {
			declared = true
			break
		}
	}
	if !declared {
		s.writeJSON(w, http.StatusOK, pollResponse{SessionToken: newToken})
		return
	}

	assignment, err := s.queue.Assign(r.Context(), worker.ID, platform)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if assignment == nil {
		s.writeJSON(w, http.StatusOK, pollResponse{SessionToken: newToken})
		return
	}

	if err := s.registry.SetBuilding(r.Context(), worker.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	// Worker's first poll after assignment confirms it has begun work
	// (spec §4.2: Assigned -> Building implicit on first artifact channel
	// call); idempotent, so a retried poll against the same assignment
	// doesn't fail a build that already started.
	if err := s.builds.Start(r.Context(), assignment.Build.ID); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, pollResponse{
		SessionToken: newToken,
		Job: &jobPayload{
			BuildID:      assignment.Build.ID,
			Platform:     string(assignment.Build.Platform),
			SourceHandle: assignment.Build.SourcePath,
			BootstrapOTP: assignment.BootstrapOTP.Secret,
		},
	})
}

// handleWorkerResult is POST /workers/result: a worker reports the outcome
// of a build it was assigned, as a multipart form: buildId and the outcome
// are plain form fields and, on success, the result bytes travel as a file
// part, mirroring the submit-build shape.
func (s *Server) handleWorkerResult(w http.ResponseWriter, r *http.Request) {
	token, err := requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, r, apierr.Validation("invalid multipart payload"))
		return
	}
	buildID := r.FormValue("buildId")
	if buildID == "" {
		s.writeError(w, r, apierr.Validation("buildId is required"))
		return
	}

	// The session token identifies the worker; reporting a result also
	// rotates it, same as a poll, so the worker carries one fresh token
	// forward regardless of which route it last called.
	w2, newToken, hbErr := s.registry.Heartbeat(r.Context(), token, domain.WorkerIdle)
	if hbErr != nil {
		s.writeError(w, r, hbErr)
		return
	}

	success := r.FormValue("success") == "true"
	if success {
		resultFile, _, ferr := r.FormFile("result")
		if ferr != nil {
			s.writeError(w, r, apierr.Validation("result file is required on success"))
			return
		}
		defer resultFile.Close()

		ingested, ierr := s.channel.Ingest(r.Context(), artifacts.KindResult, buildID, resultFile)
		if ierr != nil {
			s.writeError(w, r, ierr)
			return
		}

		var signature string
		if s.signer != nil {
			sig, serr := s.signer.Sign(artifacts.ResultClaims{
				BuildID:     buildID,
				Digest:      ingested.SHA256,
				CompletedAt: time.Now().UTC(),
			})
			if serr != nil {
				s.log.Error(serr, "failed to sign result digest, storing result unsigned", "buildId", buildID)
			} else {
				signature = sig
			}
		}

		if err := s.builds.Complete(r.Context(), buildID, w2.ID, ingested.Path, signature); err != nil {
			s.writeError(w, r, err)
			return
		}
	} else {
		message := r.FormValue("failure")
		if message == "" {
			message = "build failed"
		}
		if err := s.builds.Fail(r.Context(), buildID, w2.ID, message); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"buildId": buildID, "status": "recorded", "sessionToken": newToken})
}

// handleWorkerUnregister is POST /workers/unregister: a worker's own
// graceful-shutdown call (spec.md §4.4), identified by its current Session
// token. Its in-flight builds are reassigned back to Pending and it is
// marked Offline; unlike poll/result, the session is not rotated since the
// worker is leaving.
func (s *Server) handleWorkerUnregister(w http.ResponseWriter, r *http.Request) {
	token, err := requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	worker, err := s.registry.ResolveSession(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.registry.Unregister(r.Context(), worker.ID); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"workerId": worker.ID, "status": "offline"})
}

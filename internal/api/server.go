// Package api is the Request Gateway of spec.md §6 (C8): the single HTTP
// entrypoint that dispatches to the authority, registry, queue, build state
// machine, and artifact channel, enforcing per-route authenticator-class
// rules and rendering every error through one JSON shape. Its positional
// New constructor, method-qualified ServeMux patterns, decodeJSON/writeJSON/
// writeError helpers, and errorResponse/ListenAndServe-with-graceful-Shutdown shape
// are grounded on a single-authenticateRequest-path style gateway,
// generalized here into the five-class scheme spec.md §4.3 defines.
package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/smrt-devops/buildctl/internal/apierr"
	"github.com/smrt-devops/buildctl/internal/artifacts"
	"github.com/smrt-devops/buildctl/internal/authority"
	"github.com/smrt-devops/buildctl/internal/buildstate"
	"github.com/smrt-devops/buildctl/internal/domain"
	"github.com/smrt-devops/buildctl/internal/metrics"
	"github.com/smrt-devops/buildctl/internal/queue"
	"github.com/smrt-devops/buildctl/internal/registry"
	"github.com/smrt-devops/buildctl/internal/utils"
)

// Authority is the subset of *authority.Authority the gateway depends on.
type Authority interface {
	AuthenticateAdmin(ctx context.Context, adminKeyHeader, oidcBearer string) error
	Validate(ctx context.Context, secret string) (*domain.Token, error)
	IssueBuildToken(ctx context.Context, buildID string, ttl time.Duration) (*domain.Token, error)
	ExchangeBootstrapForGuest(ctx context.Context, otpSecret, buildID string) (*domain.Token, error)
}

// Registry is the subset of *registry.Registry the gateway depends on.
type Registry interface {
	Register(ctx context.Context, id, name string, caps domain.Capabilities) (*domain.Worker, error)
	Heartbeat(ctx context.Context, oldToken string, status domain.WorkerStatus) (*domain.Worker, string, error)
	SetBuilding(ctx context.Context, workerID string) error
	Get(ctx context.Context, id string) (*domain.Worker, error)
	ResolveSession(ctx context.Context, token string) (*domain.Worker, error)
	Unregister(ctx context.Context, workerID string) error
}

// Queue is the subset of *queue.Queue the gateway depends on.
type Queue interface {
	Assign(ctx context.Context, workerID string, platform domain.Platform) (*queue.Assignment, error)
}

// BuildState is the subset of *buildstate.Machine the gateway depends on.
type BuildState interface {
	Submit(ctx context.Context, id string, platform domain.Platform, sourcePath string, credentialPath *string, retryOf *string) (*domain.Build, error)
	Retry(ctx context.Context, newID, failedID string) (*domain.Build, error)
	Start(ctx context.Context, id string) error
	Complete(ctx context.Context, id, workerID, resultPath, resultSignature string) error
	Fail(ctx context.Context, id, workerID, message string) error
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.Build, error)
	List(ctx context.Context, status *domain.BuildStatus, limit int) ([]*domain.Build, error)
	Logs(ctx context.Context, buildID string, after int64, limit int) ([]*domain.BuildLogEntry, error)
}

var (
	_ Authority  = (*authority.Authority)(nil)
	_ Registry   = (*registry.Registry)(nil)
	_ Queue      = (*queue.Queue)(nil)
	_ BuildState = (*buildstate.Machine)(nil)
)

// Signer mirrors artifacts.Signer's exported surface the gateway uses.
type Signer interface {
	Sign(claims artifacts.ResultClaims) (string, error)
	JWKThumbprint() (string, error)
}

var _ Signer = (*artifacts.Signer)(nil)

// Server is the controller's HTTP request gateway.
type Server struct {
	authority  Authority
	registry   Registry
	queue      Queue
	builds     BuildState
	channel    *artifacts.Channel
	signer     Signer
	log        utils.Logger
	addr       string
	inflight   chan struct{}
	tlsCert    *tls.Certificate
}

// WithTLSCertificate configures the gateway to serve over HTTPS using the
// given certificate, issued by the controller's self-signed CA (spec.md §4
// "Self-signed controller TLS"). Called before Start; a nil cert (the
// zero value) leaves the gateway on plain HTTP.
func (s *Server) WithTLSCertificate(cert *tls.Certificate) {
	s.tlsCert = cert
}

// New constructs a Server.
func New(auth Authority, reg Registry, q Queue, builds BuildState, channel *artifacts.Channel, signer Signer, log utils.Logger, addr string, maxConcurrent int) *Server {
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	return &Server{
		authority: auth,
		registry:  reg,
		queue:     q,
		builds:    builds,
		channel:   channel,
		signer:    signer,
		log:       log.WithName("api"),
		addr:      addr,
		inflight:  make(chan struct{}, maxConcurrent),
	}
}

// mux builds the route table of spec.md §6.
func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /builds", s.withLimits(s.handleSubmitBuild))
	mux.HandleFunc("GET /builds/active", s.withLimits(s.handleActiveBuilds))
	mux.HandleFunc("GET /builds/{id}/status", s.withLimits(s.handleBuildStatus))
	mux.HandleFunc("GET /builds/{id}/logs", s.withLimits(s.handleBuildLogs))
	mux.HandleFunc("POST /builds/{id}/retry", s.withLimits(s.handleRetryBuild))
	mux.HandleFunc("POST /builds/{id}/cancel", s.withLimits(s.handleCancelBuild))
	mux.HandleFunc("GET /builds/{id}/result", s.withLimits(s.handleDownloadResult))

	mux.HandleFunc("POST /workers", s.withLimits(s.handleRegisterWorker))
	mux.HandleFunc("GET /workers/poll", s.withLimits(s.handleWorkerPoll))
	mux.HandleFunc("POST /workers/result", s.withLimits(s.handleWorkerResult))
	mux.HandleFunc("POST /workers/unregister", s.withLimits(s.handleWorkerUnregister))

	mux.HandleFunc("GET /builds/{id}/source", s.withLimits(s.handleGuestSource))
	mux.HandleFunc("GET /builds/{id}/certs-secure", s.withLimits(s.handleGuestCredentials))
	mux.HandleFunc("POST /builds/{id}/authenticate", s.withLimits(s.handleGuestHandshake))

	mux.HandleFunc("GET /health", s.handleHealth)

	return mux
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.withCorrelationID(s.withMetrics(s.mux())),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // artifact streaming routes can run long
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Error(err, "failed to shut down request gateway gracefully")
		}
	}()

	if s.tlsCert != nil {
		server.TLSConfig = &tls.Config{Certificates: []tls.Certificate{*s.tlsCert}}
		s.log.Info("starting request gateway", "addr", s.addr, "tls", true)
		if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api: listen: %w", err)
		}
		return nil
	}

	s.log.Info("starting request gateway", "addr", s.addr, "tls", false)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: listen: %w", err)
	}
	return nil
}

type correlationIDKey struct{}

// withCorrelationID stamps every request with a correlation id, propagated
// through the context and echoed in every error response (spec.md §6 error
// shape: {error:{code,message,correlationId}}).
func (s *Server) withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Correlation-Id", id)
		ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func correlationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// withMetrics records request counts and latency, labeled by the raw
// request path.
func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		metrics.APIRequestsTotal.WithLabelValues(endpoint, r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(endpoint, r.Method).Observe(time.Since(start).Seconds())
	})
}

// withLimits enforces the bounded-concurrency backpressure of spec.md §5:
// once MaxConcurrentRequests in-flight requests are being served, further
// requests are rejected immediately with ServiceUnavailable rather than
// queuing indefinitely.
func (s *Server) withLimits(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.inflight <- struct{}{}:
			defer func() { <-s.inflight }()
			next(w, r)
		default:
			s.writeError(w, r, apierr.ServiceUnavailable("gateway is at its concurrent request limit"))
		}
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlationId"`
	} `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apierr.HTTPStatus(err)
	code := "InternalError"
	message := err.Error()
	if e, ok := apierr.As(err); ok {
		code = e.Code
		message = e.Message
	}
	if status >= 500 {
		s.log.Error(err, "request failed", "correlationId", correlationID(r.Context()), "path", r.URL.Path)
	}
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	body.Error.CorrelationID = correlationID(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error(err, "failed to encode response")
	}
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, apierr.Validation(fmt.Sprintf("invalid request body: %v", err)))
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"status": "ok"}
	pendingBuilds, _ := s.builds.List(r.Context(), statusPtr(domain.BuildPending), 10000)
	assignedBuilds, _ := s.builds.List(r.Context(), statusPtr(domain.BuildAssigned), 10000)
	buildingBuilds, _ := s.builds.List(r.Context(), statusPtr(domain.BuildBuilding), 10000)
	status["queue"] = map[string]int{
		"pending": len(pendingBuilds),
		"active":  len(assignedBuilds) + len(buildingBuilds),
	}
	perPlatform := map[domain.Platform]int{}
	for _, b := range pendingBuilds {
		perPlatform[b.Platform]++
	}
	for _, platform := range []domain.Platform{domain.PlatformIOS, domain.PlatformAndroid} {
		metrics.QueueDepth.WithLabelValues(string(platform)).Set(float64(perPlatform[platform]))
	}
	if s.signer != nil {
		if thumb, err := s.signer.JWKThumbprint(); err == nil {
			status["resultSigningKeyThumbprint"] = thumb
		}
	}
	s.writeJSON(w, http.StatusOK, status)
}

func statusPtr(s domain.BuildStatus) *domain.BuildStatus { return &s }

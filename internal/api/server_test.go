package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/smrt-devops/buildctl/internal/apierr"
	"github.com/smrt-devops/buildctl/internal/artifacts"
	"github.com/smrt-devops/buildctl/internal/domain"
	"github.com/smrt-devops/buildctl/internal/queue"
)

const testAdminKey = "admin-secret"

type fakeAuthority struct {
	tokens map[string]*domain.Token
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{tokens: make(map[string]*domain.Token)}
}

func (f *fakeAuthority) AuthenticateAdmin(_ context.Context, adminKeyHeader, _ string) error {
	if adminKeyHeader == testAdminKey {
		return nil
	}
	return apierr.Unauthenticated("bad admin key")
}

func (f *fakeAuthority) Validate(_ context.Context, secret string) (*domain.Token, error) {
	t, ok := f.tokens[secret]
	if !ok {
		return nil, apierr.Unauthenticated("unknown token")
	}
	if t.Consumed {
		return nil, apierr.TokenConsumed("token already consumed")
	}
	if t.Expired(time.Now().UTC()) {
		return nil, apierr.TokenExpired("token expired")
	}
	return t, nil
}

func (f *fakeAuthority) IssueBuildToken(_ context.Context, buildID string, ttl time.Duration) (*domain.Token, error) {
	secret := "build-" + buildID
	t := &domain.Token{Secret: secret, Class: domain.TokenBuild, BuildID: &buildID, ExpiresAt: time.Now().UTC().Add(ttl)}
	f.tokens[secret] = t
	return t, nil
}

func (f *fakeAuthority) ExchangeBootstrapForGuest(_ context.Context, otpSecret, buildID string) (*domain.Token, error) {
	otp, ok := f.tokens[otpSecret]
	if !ok || otp.Class != domain.TokenBootstrap || otp.Consumed || otp.BuildID == nil || *otp.BuildID != buildID {
		return nil, apierr.Forbidden("bootstrap OTP not eligible for exchange")
	}
	otp.Consumed = true
	secret := "guest-" + uuid.New().String()
	guest := &domain.Token{Secret: secret, Class: domain.TokenGuest, BuildID: &buildID, ExpiresAt: time.Now().UTC().Add(time.Hour)}
	f.tokens[secret] = guest
	return guest, nil
}

func (f *fakeAuthority) issueOTP(buildID, workerID string) string {
	secret := fmt.Sprintf("otp-%s-%s", buildID, workerID)
	f.tokens[secret] = &domain.Token{Secret: secret, Class: domain.TokenBootstrap, BuildID: &buildID, WorkerID: &workerID, ExpiresAt: time.Now().UTC().Add(time.Minute)}
	return secret
}

type fakeRegistry struct {
	workers map[string]*domain.Worker
	n       int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{workers: make(map[string]*domain.Worker)}
}

func (f *fakeRegistry) Register(_ context.Context, id, name string, caps domain.Capabilities) (*domain.Worker, error) {
	w := &domain.Worker{ID: id, Name: name, Capabilities: caps, Status: domain.WorkerIdle, SessionToken: "session-0", SessionExpiry: time.Now().UTC().Add(time.Minute)}
	f.workers[id] = w
	return w, nil
}

func (f *fakeRegistry) Heartbeat(_ context.Context, oldToken string, status domain.WorkerStatus) (*domain.Worker, string, error) {
	for _, w := range f.workers {
		if w.SessionToken == oldToken {
			f.n++
			newToken := fmt.Sprintf("session-%d", f.n)
			w.SessionToken = newToken
			w.Status = status
			return w, newToken, nil
		}
	}
	return nil, "", apierr.Unauthenticated("unrecognized session token")
}

func (f *fakeRegistry) SetBuilding(_ context.Context, workerID string) error {
	w, ok := f.workers[workerID]
	if !ok {
		return apierr.NotFound("worker not found")
	}
	w.Status = domain.WorkerBuilding
	return nil
}

func (f *fakeRegistry) Get(_ context.Context, id string) (*domain.Worker, error) {
	w, ok := f.workers[id]
	if !ok {
		return nil, apierr.NotFound("worker not found")
	}
	return w, nil
}

func (f *fakeRegistry) ResolveSession(_ context.Context, token string) (*domain.Worker, error) {
	for _, w := range f.workers {
		if w.SessionToken == token {
			return w, nil
		}
	}
	return nil, apierr.Unauthenticated("unrecognized session token")
}

func (f *fakeRegistry) Unregister(_ context.Context, workerID string) error {
	w, ok := f.workers[workerID]
	if !ok {
		return apierr.NotFound("worker not found")
	}
	w.Status = domain.WorkerOffline
	return nil
}

type fakeQueue struct {
	auth      *fakeAuthority
	nextBuild *domain.Build
}

func (f *fakeQueue) Assign(_ context.Context, workerID string, platform domain.Platform) (*queue.Assignment, error) {
	if f.nextBuild == nil || f.nextBuild.Platform != platform {
		return nil, nil
	}
	b := f.nextBuild
	f.nextBuild = nil
	// Like store.TryAssignOne, the claimed build leaves the queue Assigned
	// to the polling worker.
	b.Status = domain.BuildAssigned
	b.WorkerID = &workerID
	otpSecret := f.auth.issueOTP(b.ID, workerID)
	return &queue.Assignment{Build: b, BootstrapOTP: f.auth.tokens[otpSecret]}, nil
}

type fakeBuildState struct {
	builds map[string]*domain.Build
}

func newFakeBuildState() *fakeBuildState {
	return &fakeBuildState{builds: make(map[string]*domain.Build)}
}

func (f *fakeBuildState) Submit(_ context.Context, id string, platform domain.Platform, sourcePath string, credentialPath *string, retryOf *string) (*domain.Build, error) {
	b := &domain.Build{ID: id, Platform: platform, Status: domain.BuildPending, SubmittedAt: time.Now().UTC(), SourcePath: sourcePath, CredentialPath: credentialPath, RetryOfID: retryOf}
	f.builds[id] = b
	return b, nil
}

func (f *fakeBuildState) Retry(_ context.Context, newID, failedID string) (*domain.Build, error) {
	failed, ok := f.builds[failedID]
	if !ok {
		return nil, apierr.NotFound("build not found")
	}
	if failed.Status != domain.BuildFailed {
		return nil, apierr.IllegalTransition("only a Failed build can be retried")
	}
	b := &domain.Build{ID: newID, Platform: failed.Platform, Status: domain.BuildPending, SubmittedAt: time.Now().UTC(), SourcePath: failed.SourcePath, RetryOfID: &failedID}
	f.builds[newID] = b
	return b, nil
}

// Start mirrors buildstate.Machine.Start's CAS: only a build currently
// Assigned may transition to Building, and a build already Building is left
// alone (idempotent against a repeated poll for the same assignment).
func (f *fakeBuildState) Start(_ context.Context, id string) error {
	b, ok := f.builds[id]
	if !ok {
		return apierr.NotFound("build not found")
	}
	if b.Status == domain.BuildBuilding {
		return nil
	}
	if b.Status != domain.BuildAssigned {
		return apierr.IllegalTransition("build is not Assigned")
	}
	b.Status = domain.BuildBuilding
	return nil
}

// Complete mirrors buildstate.Machine.Complete's CAS: only a Building build
// may complete, catching the class of bug where a caller reports a result
// for a build that was never started.
func (f *fakeBuildState) Complete(_ context.Context, id, _, resultPath, resultSignature string) error {
	b, ok := f.builds[id]
	if !ok {
		return apierr.NotFound("build not found")
	}
	if b.Status != domain.BuildBuilding {
		return apierr.IllegalTransition("build is not Building")
	}
	b.Status = domain.BuildCompleted
	b.ResultPath = &resultPath
	if resultSignature != "" {
		b.ResultSignature = &resultSignature
	}
	return nil
}

// Fail mirrors buildstate.Machine.Fail's CAS: only a Building build may fail.
func (f *fakeBuildState) Fail(_ context.Context, id, _, message string) error {
	b, ok := f.builds[id]
	if !ok {
		return apierr.NotFound("build not found")
	}
	if b.Status != domain.BuildBuilding {
		return apierr.IllegalTransition("build is not Building")
	}
	b.Status = domain.BuildFailed
	b.FailureMessage = &message
	return nil
}

func (f *fakeBuildState) Cancel(_ context.Context, id string) error {
	b, ok := f.builds[id]
	if !ok {
		return apierr.NotFound("build not found")
	}
	if b.Status.Terminal() {
		return apierr.IllegalTransition("build is already terminal")
	}
	b.Status = domain.BuildCancelled
	return nil
}

func (f *fakeBuildState) Get(_ context.Context, id string) (*domain.Build, error) {
	b, ok := f.builds[id]
	if !ok {
		return nil, apierr.NotFound("build not found")
	}
	return b, nil
}

func (f *fakeBuildState) List(_ context.Context, status *domain.BuildStatus, limit int) ([]*domain.Build, error) {
	var out []*domain.Build
	for _, b := range f.builds {
		if status == nil || b.Status == *status {
			out = append(out, b)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeBuildState) Logs(_ context.Context, _ string, _ int64, _ int) ([]*domain.BuildLogEntry, error) {
	return nil, nil
}

func newTestServer(t *testing.T) (*Server, *fakeAuthority, *fakeRegistry, *fakeQueue, *fakeBuildState) {
	t.Helper()
	auth := newFakeAuthority()
	reg := newFakeRegistry()
	q := &fakeQueue{auth: auth}
	bs := newFakeBuildState()
	ch, err := artifacts.New(t.TempDir(), artifacts.Limits{SourceMaxBytes: 1 << 20, CredentialsMaxBytes: 1 << 20, ResultMaxBytes: 1 << 20, ChunkSize: 4096}, logr.Discard())
	if err != nil {
		t.Fatalf("artifacts.New: %v", err)
	}
	srv := New(auth, reg, q, bs, ch, nil, logr.Discard(), ":0", 64)
	return srv, auth, reg, q, bs
}

func multipartSubmitBody(t *testing.T, platform, source string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("platform", platform); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	fw, err := mw.CreateFormFile("source", "src.zip")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte(source))
	if err := mw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestSubmitBuildRequiresAdmin(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)
	body, ct := multipartSubmitBody(t, "ios", "zipbytes")

	req := httptest.NewRequest(http.MethodPost, "/builds", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	srv.mux().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401; body=%s", w.Code, w.Body.String())
	}
}

func TestSubmitBuildThenFetchStatus(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)
	body, ct := multipartSubmitBody(t, "ios", "zipbytes")

	req := httptest.NewRequest(http.MethodPost, "/builds", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Admin", testAdminKey)
	w := httptest.NewRecorder()
	srv.mux().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("submit status = %d, want 201; body=%s", w.Code, w.Body.String())
	}
	var submitted submitBuildResponse
	decodeBody(t, w, &submitted)
	if submitted.Status != "pending" {
		t.Errorf("Status = %q, want pending", submitted.Status)
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/builds/"+submitted.ID+"/status", nil)
	statusReq.Header.Set("BuildToken", submitted.BuildToken)
	statusW := httptest.NewRecorder()
	srv.mux().ServeHTTP(statusW, statusReq)

	if statusW.Code != http.StatusOK {
		t.Fatalf("status fetch = %d, want 200; body=%s", statusW.Code, statusW.Body.String())
	}

	wrongReq := httptest.NewRequest(http.MethodGet, "/builds/"+submitted.ID+"/status", nil)
	wrongReq.Header.Set("BuildToken", "not-the-right-token")
	wrongW := httptest.NewRecorder()
	srv.mux().ServeHTTP(wrongW, wrongReq)
	if wrongW.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", wrongW.Code)
	}
}

func TestWorkerRegisterPollAssignmentFlow(t *testing.T) {
	srv, _, _, q, bs := newTestServer(t)

	regReq := httptest.NewRequest(http.MethodPost, "/workers", bytes.NewBufferString(`{"name":"runner-1","capabilities":{"platforms":["ios"]}}`))
	regReq.Header.Set("Admin", testAdminKey)
	regW := httptest.NewRecorder()
	srv.mux().ServeHTTP(regW, regReq)
	if regW.Code != http.StatusCreated {
		t.Fatalf("register status = %d, want 201; body=%s", regW.Code, regW.Body.String())
	}
	var reg registerWorkerResponse
	decodeBody(t, regW, &reg)

	b, err := bs.Submit(context.Background(), uuid.New().String(), domain.PlatformIOS, "sources/b1.bin", nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	q.nextBuild = b

	pollReq := httptest.NewRequest(http.MethodGet, "/workers/poll?platform=ios", nil)
	pollReq.Header.Set("SessionToken", reg.SessionToken)
	pollW := httptest.NewRecorder()
	srv.mux().ServeHTTP(pollW, pollReq)
	if pollW.Code != http.StatusOK {
		t.Fatalf("poll status = %d, want 200; body=%s", pollW.Code, pollW.Body.String())
	}
	var poll pollResponse
	decodeBody(t, pollW, &poll)
	if poll.Job == nil || poll.Job.BuildID != b.ID {
		t.Fatalf("expected job for build %s, got %+v", b.ID, poll.Job)
	}
	if poll.SessionToken == reg.SessionToken {
		t.Error("expected session token rotation on poll")
	}
	if poll.Job.BootstrapOTP == "" {
		t.Error("expected a bootstrap OTP in the job payload")
	}
	if got, _ := bs.Get(context.Background(), b.ID); got.Status != domain.BuildBuilding {
		t.Errorf("build status after poll = %v, want Building (Start must fire on first poll after assignment)", got.Status)
	}

	oldReq := httptest.NewRequest(http.MethodGet, "/workers/poll?platform=ios", nil)
	oldReq.Header.Set("SessionToken", reg.SessionToken)
	oldW := httptest.NewRecorder()
	srv.mux().ServeHTTP(oldW, oldReq)
	if oldW.Code != http.StatusUnauthorized {
		t.Errorf("stale session token status = %d, want 401", oldW.Code)
	}
}

// TestWorkerResultRoundTripAfterAssignment proves the full "assign, worker
// begins building, worker reports success" path a deployed worker actually
// takes: a /workers/result call must not 409 just because the build was only
// ever Assigned, never explicitly transitioned by anything other than the
// poll that handed the job out.
func TestWorkerResultRoundTripAfterAssignment(t *testing.T) {
	srv, _, _, q, bs := newTestServer(t)

	regReq := httptest.NewRequest(http.MethodPost, "/workers", bytes.NewBufferString(`{"name":"runner-1","capabilities":{"platforms":["ios"]}}`))
	regReq.Header.Set("Admin", testAdminKey)
	regW := httptest.NewRecorder()
	srv.mux().ServeHTTP(regW, regReq)
	var reg registerWorkerResponse
	decodeBody(t, regW, &reg)

	b, err := bs.Submit(context.Background(), uuid.New().String(), domain.PlatformIOS, "sources/b1.bin", nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	q.nextBuild = b

	pollReq := httptest.NewRequest(http.MethodGet, "/workers/poll?platform=ios", nil)
	pollReq.Header.Set("SessionToken", reg.SessionToken)
	pollW := httptest.NewRecorder()
	srv.mux().ServeHTTP(pollW, pollReq)
	var poll pollResponse
	decodeBody(t, pollW, &poll)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("buildId", b.ID)
	mw.WriteField("success", "true")
	fw, _ := mw.CreateFormFile("result", "out.ipa")
	fw.Write([]byte("result-bytes"))
	mw.Close()

	resultReq := httptest.NewRequest(http.MethodPost, "/workers/result", &buf)
	resultReq.Header.Set("Content-Type", mw.FormDataContentType())
	resultReq.Header.Set("SessionToken", poll.SessionToken)
	resultW := httptest.NewRecorder()
	srv.mux().ServeHTTP(resultW, resultReq)
	if resultW.Code != http.StatusOK {
		t.Fatalf("result status = %d, want 200; body=%s", resultW.Code, resultW.Body.String())
	}

	final, err := bs.Get(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != domain.BuildCompleted {
		t.Errorf("final status = %v, want Completed", final.Status)
	}
}

func TestGuestHandshakeSingleUse(t *testing.T) {
	srv, auth, _, _, bs := newTestServer(t)
	b, err := bs.Submit(context.Background(), uuid.New().String(), domain.PlatformIOS, "sources/b1.bin", nil, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	otp := auth.issueOTP(b.ID, "worker-1")

	req := httptest.NewRequest(http.MethodPost, "/builds/"+b.ID+"/authenticate", nil)
	req.Header.Set("Admin", testAdminKey)
	req.Header.Set("BootstrapOTP", otp)
	w := httptest.NewRecorder()
	srv.mux().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("handshake status = %d, want 200; body=%s", w.Code, w.Body.String())
	}
	var resp guestHandshakeResponse
	decodeBody(t, w, &resp)
	if resp.GuestToken == "" {
		t.Fatal("expected a non-empty guest token")
	}

	req2 := httptest.NewRequest(http.MethodPost, "/builds/"+b.ID+"/authenticate", nil)
	req2.Header.Set("Admin", testAdminKey)
	req2.Header.Set("BootstrapOTP", otp)
	w2 := httptest.NewRecorder()
	srv.mux().ServeHTTP(w2, req2)
	if w2.Code != http.StatusForbidden {
		t.Errorf("second handshake status = %d, want 403", w2.Code)
	}
}

func TestHealthEndpointRequiresNoAuth(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.mux().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", w.Code, w.Body.String())
	}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response body %q: %v", w.Body.String(), err)
	}
}

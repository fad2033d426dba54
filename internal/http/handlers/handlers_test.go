package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"nursefilter/internal/domain"
	"nursefilter/internal/infra"
	"nursefilter/internal/jobcache"
	"nursefilter/internal/middleware"
	"nursefilter/internal/pipeline"
	"nursefilter/internal/quota"
	"nursefilter/internal/runpod"
	"nursefilter/internal/storage"
)

type stubRequests struct {
	mu   sync.Mutex
	byID map[string]*domain.Request
}

func newStubRequests() *stubRequests {
	return &stubRequests{byID: make(map[string]*domain.Request)}
}

func (s *stubRequests) Create(_ context.Context, req *domain.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	cp.CreatedAt = time.Now()
	s.byID[req.ID] = &cp
	return nil
}

func (s *stubRequests) GetByID(_ context.Context, id string) (*domain.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.byID[id]; ok {
		cp := *req
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (s *stubRequests) GetByRemoteJobID(_ context.Context, jobID string) (*domain.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.byID {
		if req.RemoteJobID != nil && *req.RemoteJobID == jobID {
			cp := *req
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *stubRequests) MarkSubmitted(_ context.Context, id, remoteJobID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.byID[id]; ok {
		req.Status = domain.RequestStatusSubmitted
		req.RemoteJobID = &remoteJobID
		req.SubmittedAt = &at
	}
	return nil
}

func (s *stubRequests) MarkCompleted(_ context.Context, id string, status domain.RequestStatus, outputURL *string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.byID[id]
	if !ok || req.Status.Terminal() {
		return false, nil
	}
	req.Status = status
	if outputURL != nil {
		req.OutputURL = outputURL
	}
	req.CompletedAt = &at
	return true, nil
}

func (s *stubRequests) Associate(_ context.Context, anonymousID, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, req := range s.byID {
		if req.AnonymousID != nil && *req.AnonymousID == anonymousID && req.UserID == nil {
			req.UserID = &userID
			req.AnonymousID = nil
			n++
		}
	}
	return n, nil
}

func (s *stubRequests) ListByUser(_ context.Context, userID string, offset, limit int) ([]domain.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Request
	for _, req := range s.byID {
		if req.UserID != nil && *req.UserID == userID {
			out = append(out, *req)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type stubUsers struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func (s *stubUsers) GetByID(_ context.Context, id string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (s *stubUsers) DecrementQuota(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if u.QuotaRemaining > 0 {
		u.QuotaRemaining--
	}
	return u.QuotaRemaining, nil
}

func (s *stubUsers) ReplenishQuota(_ context.Context, id string, remaining int, observedReset, nextReset time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !u.QuotaResetDate.Equal(observedReset) {
		return false, nil
	}
	u.QuotaRemaining = remaining
	u.QuotaResetDate = nextReset
	return true, nil
}

func (s *stubUsers) SetFollowStatus(_ context.Context, id string, follows bool, floor int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.ErrNotFound
	}
	u.FollowsProfile = follows
	if follows && u.QuotaRemaining < floor {
		u.QuotaRemaining = floor
	}
	return nil
}

type testEnv struct {
	app      *App
	router   chi.Router
	requests *stubRequests
	users    *stubUsers
	storeDir string
	worker   *workerStub
}

// workerStub plays the remote GPU endpoint over HTTP.
type workerStub struct {
	mu       sync.Mutex
	runResp  map[string]any
	statResp map[string]any
}

func (ws *workerStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws.mu.Lock()
		defer ws.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(r.URL.Path, "/status/"):
			_ = json.NewEncoder(w).Encode(ws.statResp)
		default:
			_ = json.NewEncoder(w).Encode(ws.runResp)
		}
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		requests: newStubRequests(),
		users:    &stubUsers{users: map[string]*domain.User{}},
		storeDir: t.TempDir(),
		worker: &workerStub{
			runResp:  map[string]any{"id": "job-1", "status": "IN_QUEUE"},
			statResp: map[string]any{"status": "IN_PROGRESS"},
		},
	}

	workerSrv := httptest.NewServer(env.worker.handler())
	t.Cleanup(workerSrv.Close)

	store, err := storage.NewFileStore(env.storeDir, "http://localhost:8080/static")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	ledger := quota.NewLedger(env.users, quota.Options{DefaultCeiling: 10, FollowerCeiling: 30})
	remote := runpod.NewClient(runpod.Options{
		BaseURL:    workerSrv.URL,
		EndpointID: "ep-test",
		APIKey:     "rp-key",
	})
	orch := pipeline.New(pipeline.Options{
		Requests:        env.requests,
		Quota:           ledger,
		Cache:           jobcache.New(),
		Remote:          remote,
		Store:           store,
		Logger:          zerolog.Nop(),
		WebhookURL:      "http://localhost:8080/api/webhook/runpod",
		PollInterval:    time.Minute, // keep the background loop out of the way
		PollMaxAttempts: 1,
	})
	t.Cleanup(orch.Close)

	cfg := &infra.Config{JWTSecret: "test-secret", RateLimitPerMin: 1000}
	env.app = NewApp(cfg, zerolog.Nop(), orch, ledger, env.users, env.requests, store)

	r := chi.NewRouter()
	r.Post("/api/process-image", env.app.ProcessImage)
	r.Get("/api/job-status/{jobId}", env.app.JobStatus)
	r.Post("/api/webhook/runpod", env.app.Webhook)
	r.Get("/api/webhook/runpod", env.app.Webhook)
	r.Get("/api/workflows/list", env.app.ListWorkflows)
	r.Get("/api/workflows/{id}", env.app.GetWorkflow)
	r.Get("/api/user/profile", env.app.Profile)
	r.Post("/api/user/associate", env.app.Associate)
	r.Post("/api/user/follow", env.app.Follow)
	r.Get("/api/images/history", env.app.History)
	r.Get("/api/images/history/{id}", env.app.HistoryDetail)
	r.Get("/static/{bucket}/{filename}", env.app.ServeAsset)
	env.router = r
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body any, userID string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	if userID != "" {
		req = req.WithContext(middleware.ContextWithUserID(req.Context(), userID))
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

const testImageB64 = "data:image/png;base64,aW1hZ2U="

func TestProcessImageAsync(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/process-image", map[string]any{
		"workflow_name": "lastnurses_api",
		"image":         testImageB64,
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["job_id"] != "job-1" || body["status"] != "processing" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestProcessImageValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/process-image", map[string]any{"image": testImageB64}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestProcessImageQuotaExhausted(t *testing.T) {
	env := newTestEnv(t)
	env.users.users["u1"] = &domain.User{ID: "u1", QuotaRemaining: 0, QuotaResetDate: time.Now().Add(time.Hour)}

	rec := env.do(t, http.MethodPost, "/api/process-image", map[string]any{
		"workflow_name": "lastnurses_api",
		"image":         testImageB64,
	}, "u1")
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	env := newTestEnv(t)

	// Submit so the job exists in ledger and cache.
	rec := env.do(t, http.MethodPost, "/api/process-image", map[string]any{
		"workflow_name": "lastnurses_api",
		"image":         testImageB64,
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d", rec.Code)
	}

	payload := map[string]any{
		"id":     "job-1",
		"status": "COMPLETED",
		"output": map[string]any{"output_image": testImageB64},
	}
	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/api/webhook/runpod", payload, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d status = %d, body %s", i+1, rec.Code, rec.Body.String())
		}
		body := decodeBody(t, rec)
		if body["success"] != true {
			t.Fatalf("delivery %d body: %v", i+1, body)
		}
	}

	// Exactly one artifact despite two deliveries.
	entries, err := os.ReadDir(filepath.Join(env.storeDir, storage.BucketProcessed))
	if err != nil {
		t.Fatalf("read processed dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("processed artifacts = %d, want 1", len(entries))
	}

	req, err := env.requests.GetByRemoteJobID(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("request lookup: %v", err)
	}
	if req.Status != domain.RequestStatusCompleted {
		t.Fatalf("request status = %s", req.Status)
	}
}

func TestWebhookMissingJobID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/webhook/runpod", map[string]any{"status": "COMPLETED"}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookNonTerminalAcknowledged(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/webhook/runpod", map[string]any{
		"id":     "job-9",
		"status": "IN_PROGRESS",
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := decodeBody(t, rec); body["success"] != true {
		t.Fatalf("body: %v", body)
	}
}

func TestWebhookQueryParams(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/process-image", map[string]any{
		"workflow_name": "lastnurses_api",
		"image":         testImageB64,
	}, "")

	rec := env.do(t, http.MethodGet, "/api/webhook/runpod?id=job-1&status=FAILED&error=oom", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	status := env.do(t, http.MethodGet, "/api/job-status/job-1", nil, "")
	body := decodeBody(t, status)
	if body["status"] != "failed" || body["error"] != "oom" {
		t.Fatalf("unexpected status body: %v", body)
	}
}

func TestJobStatusCompleted(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/process-image", map[string]any{
		"workflow_name": "lastnurses_api",
		"image":         testImageB64,
	}, "")
	env.do(t, http.MethodPost, "/api/webhook/runpod", map[string]any{
		"id":     "job-1",
		"status": "COMPLETED",
		"output": map[string]any{"output_image": testImageB64},
	}, "")

	rec := env.do(t, http.MethodGet, "/api/job-status/job-1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "completed" {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["output_url"] == nil || body["output_url"] == "" {
		t.Fatalf("output_url missing: %v", body)
	}
}

func TestJobStatusInProgress(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/job-status/job-unknown", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "processing" || body["remote_status"] != "IN_PROGRESS" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestProfile(t *testing.T) {
	env := newTestEnv(t)
	env.users.users["u1"] = &domain.User{
		ID:             "u1",
		Email:          "nurse@example.com",
		Username:       "nurse",
		QuotaRemaining: 7,
		QuotaResetDate: time.Now().Add(time.Hour),
	}

	rec := env.do(t, http.MethodGet, "/api/user/profile", nil, "u1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["quota_remaining"] != float64(7) || body["quota_ceiling"] != float64(10) {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestProfileUnauthorized(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/user/profile", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAssociate(t *testing.T) {
	env := newTestEnv(t)
	anon := "anon-1"
	for i := 0; i < 3; i++ {
		_ = env.requests.Create(context.Background(), &domain.Request{
			ID:          uuidLike(i),
			AnonymousID: &anon,
			WorkflowID:  "lastnurses_api",
			Status:      domain.RequestStatusCompleted,
		})
	}

	rec := env.do(t, http.MethodPost, "/api/user/associate", map[string]any{"anonymous_id": anon}, "u1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["associated"] != float64(3) {
		t.Fatalf("unexpected body: %v", body)
	}

	// Claimed rows belong to the user now; a second claim finds nothing.
	rec = env.do(t, http.MethodPost, "/api/user/associate", map[string]any{"anonymous_id": anon}, "u2")
	if body := decodeBody(t, rec); body["associated"] != float64(0) {
		t.Fatalf("re-claim body: %v", body)
	}
}

func uuidLike(i int) string {
	return strings.Repeat("0", 7) + string(rune('a'+i))
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t)
	userID := "u1"
	for i := 0; i < 3; i++ {
		_ = env.requests.Create(context.Background(), &domain.Request{
			ID:         uuidLike(i),
			UserID:     &userID,
			WorkflowID: "lastnurses_api",
			Status:     domain.RequestStatusCompleted,
		})
	}

	rec := env.do(t, http.MethodGet, "/api/images/history?page=1&page_size=2", nil, "u1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	items, ok := body["items"].([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("unexpected items: %v", body)
	}
}

func TestHistoryDetail(t *testing.T) {
	env := newTestEnv(t)
	owner := "u1"
	other := "u2"
	_ = env.requests.Create(context.Background(), &domain.Request{
		ID:         "req-owned",
		UserID:     &owner,
		WorkflowID: "lastnurses_api",
		Status:     domain.RequestStatusCompleted,
	})
	_ = env.requests.Create(context.Background(), &domain.Request{
		ID:         "req-foreign",
		UserID:     &other,
		WorkflowID: "lastnurses_api",
		Status:     domain.RequestStatusPending,
	})

	rec := env.do(t, http.MethodGet, "/api/images/history/req-owned", nil, owner)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["id"] != "req-owned" || body["status"] != "completed" {
		t.Fatalf("unexpected body: %v", body)
	}

	// Someone else's request is indistinguishable from a missing one.
	if rec := env.do(t, http.MethodGet, "/api/images/history/req-foreign", nil, owner); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign request status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/images/history/nope", nil, owner); rec.Code != http.StatusNotFound {
		t.Fatalf("missing request status = %d", rec.Code)
	}
}

func TestFollowRaisesQuota(t *testing.T) {
	env := newTestEnv(t)
	env.users.users["u1"] = &domain.User{ID: "u1", QuotaRemaining: 4, QuotaResetDate: time.Now().Add(time.Hour)}

	rec := env.do(t, http.MethodPost, "/api/user/follow", map[string]any{"followed": true}, "u1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	u, _ := env.users.GetByID(context.Background(), "u1")
	if !u.FollowsProfile || u.QuotaRemaining != 30 {
		t.Fatalf("unexpected user state: %+v", u)
	}
}

func TestWorkflowCatalog(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/workflows/list", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if wfs, ok := body["workflows"].([]any); !ok || len(wfs) == 0 {
		t.Fatalf("unexpected body: %v", body)
	}

	rec = env.do(t, http.MethodGet, "/api/workflows/lastnurses_api", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/workflows/nope", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestServeAsset(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.storeDir, storage.BucketProcessed, "123.png")
	if err := os.WriteFile(path, []byte("png-bytes"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/static/processed/123.png", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Fatalf("content type = %q", got)
	}
	if rec.Body.String() != "png-bytes" {
		t.Fatalf("body = %q", rec.Body.String())
	}

	if rec := env.do(t, http.MethodGet, "/static/processed/missing.png", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing asset status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/static/secrets/123.png", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown bucket status = %d", rec.Code)
	}
}

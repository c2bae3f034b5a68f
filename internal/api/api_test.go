package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/terrpan/atbroker/internal/broker"
	"github.com/terrpan/atbroker/internal/model"
	"github.com/terrpan/atbroker/internal/provider"
	"github.com/terrpan/atbroker/internal/scheduler"
	"github.com/terrpan/atbroker/internal/settings"
	"github.com/terrpan/atbroker/internal/store"
	"github.com/terrpan/atbroker/internal/store/memory"
	"github.com/terrpan/atbroker/internal/tasks"
)

const (
	instanceURL = "https://a.codegra.de"
	adminToken  = "s3cret-admin"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type secretProvider struct {
	mu      sync.Mutex
	started int
}

func (p *secretProvider) Kind() model.ProviderKind { return model.ProviderDev }

func (p *secretProvider) Start(_ context.Context, r *model.Runner) (provider.StartResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started++
	return provider.StartResult{Address: fmt.Sprintf("10.0.0.%d", p.started), Ref: r.ID}, nil
}

func (p *secretProvider) Cleanup(context.Context, *model.Runner, bool) error { return nil }

func (p *secretProvider) VerifyCredential(r *model.Runner, presented string) bool {
	return provider.SecretMatches(r, presented)
}

func (p *secretProvider) Close() error { return nil }

type recorder struct {
	mu    sync.Mutex
	tasks []tasks.Task
}

func (r *recorder) Enqueue(_ context.Context, ts ...tasks.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, ts...)
}

func (r *recorder) take() []tasks.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.tasks
	r.tasks = nil
	return out
}

// failingOps fails every call with err.
type failingOps struct {
	Operations
	err error
}

func (f failingOps) DeleteJob(context.Context, string, string) error { return f.err }

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type APISuite struct {
	suite.Suite
	ctx     context.Context
	store   *memory.Store
	queue   *recorder
	sched   *scheduler.Scheduler
	handler http.Handler
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APISuite))
}

func (s *APISuite) SetupTest() {
	s.ctx = context.Background()
	clk := clocktesting.NewFakeClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	st, err := memory.New(clk)
	require.NoError(s.T(), err)
	s.store = st
	s.queue = &recorder{}
	s.sched = scheduler.New(scheduler.Config{
		Store: st,
		Settings: settings.New(settings.Defaults{
			MaxRunners:          5,
			AssignedGracePeriod: 5 * time.Minute,
			RunnerMaxTimeAlive:  time.Hour,
		}),
		Providers: provider.NewRegistry(&secretProvider{}),
		Tasks:     s.queue,
		Clock:     clk,
	})
	s.handler = s.newServer(Config{}).Handler()
}

func (s *APISuite) newServer(cfg Config) *Server {
	cfg.Instances = []Instance{{Name: "a", Password: "pw-a", URL: instanceURL}}
	if cfg.AdminToken == "" {
		cfg.AdminToken = adminToken
	}
	return New(cfg, broker.New(s.sched, nil), nil)
}

func (s *APISuite) do(h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.T(), err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		if k == "RemoteAddr" {
			req.RemoteAddr = v
			continue
		}
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func instanceHeaders() map[string]string {
	return map[string]string{HeaderInstanceName: "a", HeaderInstancePass: "pw-a"}
}

func runnerHeaders(r *model.Runner) map[string]string {
	return map[string]string{HeaderRunnerPass: r.Secret, "RemoteAddr": r.Address + ":41000"}
}

func (s *APISuite) runTasks() {
	for _, t := range s.queue.take() {
		if t.Delay == 0 {
			_ = s.sched.HandleTask(s.ctx, t)
		}
	}
}

func (s *APISuite) runnersOf(remoteID string) []*model.Runner {
	var rs []*model.Runner
	require.NoError(s.T(), s.store.InTx(s.ctx, func(tx store.Tx) error {
		job, err := tx.LockJobByRemoteID(s.ctx, remoteID)
		if err != nil {
			return err
		}
		rs, err = tx.ListRunners(s.ctx, store.RunnerFilter{JobID: job.ID, States: model.ActiveStates()})
		return err
	}))
	return rs
}

// ---------------------------------------------------------------------------
// Instance endpoints
// ---------------------------------------------------------------------------

func (s *APISuite) TestInstanceAuth() {
	rr := s.do(s.handler, http.MethodPut, "/api/v1/jobs/abc", nil, nil)
	assert.Equal(s.T(), http.StatusUnauthorized, rr.Code)

	rr = s.do(s.handler, http.MethodPut, "/api/v1/jobs/abc", nil,
		map[string]string{HeaderInstanceName: "a", HeaderInstancePass: "wrong"})
	assert.Equal(s.T(), http.StatusForbidden, rr.Code)

	rr = s.do(s.handler, http.MethodPut, "/api/v1/jobs/abc", nil,
		map[string]string{HeaderInstanceName: "b", HeaderInstancePass: "pw-a"})
	assert.Equal(s.T(), http.StatusForbidden, rr.Code)
}

func (s *APISuite) TestRegisterJob() {
	rr := s.do(s.handler, http.MethodPut, "/api/v1/jobs/abc",
		map[string]any{"wanted_runners": 2, "metadata": map[string]any{"course": "os"}}, instanceHeaders())
	require.Equal(s.T(), http.StatusOK, rr.Code)

	var raw map[string]any
	require.NoError(s.T(), json.Unmarshal(rr.Body.Bytes(), &raw))
	assert.Equal(s.T(), "abc", raw["remote_id"])
	assert.NotContains(s.T(), raw, "id")

	var got broker.JobSummary
	require.NoError(s.T(), json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(s.T(), "abc", got.RemoteID)
	assert.Equal(s.T(), "waiting_for_runner", got.State)
	assert.Equal(s.T(), 2, got.WantedRunners)
	assert.Equal(s.T(), "os", got.Metadata["course"])
	assert.Len(s.T(), s.runnersOf("abc"), 2)
}

func (s *APISuite) TestRegisterJob_Errors() {
	rr := s.do(s.handler, http.MethodPut, "/api/v1/jobs/missing",
		map[string]any{"update_only": true}, instanceHeaders())
	assert.Equal(s.T(), http.StatusNotFound, rr.Code)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/jobs/abc", bytes.NewReader([]byte("{nope")))
	for k, v := range instanceHeaders() {
		req.Header.Set(k, v)
	}
	bad := httptest.NewRecorder()
	s.handler.ServeHTTP(bad, req)
	assert.Equal(s.T(), http.StatusBadRequest, bad.Code)
}

func (s *APISuite) TestDeleteAndRunnerEndpoints() {
	rr := s.do(s.handler, http.MethodPut, "/api/v1/jobs/abc", nil, instanceHeaders())
	require.Equal(s.T(), http.StatusOK, rr.Code)

	rr = s.do(s.handler, http.MethodPost, "/api/v1/jobs/abc/runners/claim",
		runnerAddressRequest{Address: "10.9.9.9"}, instanceHeaders())
	assert.Equal(s.T(), http.StatusNotFound, rr.Code)

	rr = s.do(s.handler, http.MethodDelete, "/api/v1/jobs/abc/runners",
		runnerAddressRequest{Address: "10.9.9.9"}, instanceHeaders())
	assert.Equal(s.T(), http.StatusNotFound, rr.Code)

	rr = s.do(s.handler, http.MethodDelete, "/api/v1/jobs/abc", nil, instanceHeaders())
	assert.Equal(s.T(), http.StatusNoContent, rr.Code)
	rr = s.do(s.handler, http.MethodDelete, "/api/v1/jobs/abc", nil, instanceHeaders())
	assert.Equal(s.T(), http.StatusNoContent, rr.Code)
}

// ---------------------------------------------------------------------------
// Runner endpoints
// ---------------------------------------------------------------------------

func (s *APISuite) TestRunnerFlow() {
	rr := s.do(s.handler, http.MethodPut, "/api/v1/jobs/abc", nil, instanceHeaders())
	require.Equal(s.T(), http.StatusOK, rr.Code)
	s.runTasks()
	r := s.runnersOf("abc")[0]
	require.NotEmpty(s.T(), r.Address)

	rr = s.do(s.handler, http.MethodPost, "/api/v1/runners/alive", nil, runnerHeaders(r))
	require.Equal(s.T(), http.StatusOK, rr.Code)
	var alive broker.RunnerSummary
	require.NoError(s.T(), json.Unmarshal(rr.Body.Bytes(), &alive))
	assert.Equal(s.T(), r.PublicID, alive.ID)
	assert.Equal(s.T(), "started", alive.State)

	rr = s.do(s.handler, http.MethodGet, "/api/v1/runners/"+r.PublicID+"/jobs", nil, runnerHeaders(r))
	require.Equal(s.T(), http.StatusOK, rr.Code)
	var urls []string
	require.NoError(s.T(), json.Unmarshal(rr.Body.Bytes(), &urls))
	assert.Equal(s.T(), []string{instanceURL}, urls)

	rr = s.do(s.handler, http.MethodPost, "/api/v1/runners/"+r.PublicID+"/jobs/confirm",
		confirmRequest{URL: "https://other.codegra.de"}, runnerHeaders(r))
	assert.Equal(s.T(), http.StatusNotFound, rr.Code)

	rr = s.do(s.handler, http.MethodPost, "/api/v1/runners/"+r.PublicID+"/jobs/confirm",
		confirmRequest{URL: instanceURL}, runnerHeaders(r))
	assert.Equal(s.T(), http.StatusNoContent, rr.Code)
	assert.Equal(s.T(), model.RunnerRunning, s.runnersOf("abc")[0].State)
}

func (s *APISuite) TestRunnerAuth() {
	rr := s.do(s.handler, http.MethodPut, "/api/v1/jobs/abc", nil, instanceHeaders())
	require.Equal(s.T(), http.StatusOK, rr.Code)
	s.runTasks()
	r := s.runnersOf("abc")[0]

	rr = s.do(s.handler, http.MethodGet, "/api/v1/runners/"+r.PublicID+"/jobs", nil, nil)
	assert.Equal(s.T(), http.StatusUnauthorized, rr.Code)

	rr = s.do(s.handler, http.MethodGet, "/api/v1/runners/"+r.PublicID+"/jobs", nil,
		map[string]string{HeaderRunnerPass: "wrong"})
	assert.Equal(s.T(), http.StatusForbidden, rr.Code)

	rr = s.do(s.handler, http.MethodPost, "/api/v1/runners/alive", nil,
		map[string]string{HeaderRunnerPass: r.Secret, "RemoteAddr": "192.0.2.77:1234"})
	assert.Equal(s.T(), http.StatusNotFound, rr.Code)
}

func (s *APISuite) TestRunnerRateLimit() {
	h := s.newServer(Config{RunnerRate: 0.001, RunnerBurst: 1}).Handler()
	headers := map[string]string{HeaderRunnerPass: "x", "RemoteAddr": "192.0.2.1:1000"}

	rr := s.do(h, http.MethodGet, "/api/v1/runners/nope/jobs", nil, headers)
	assert.Equal(s.T(), http.StatusNotFound, rr.Code)
	rr = s.do(h, http.MethodGet, "/api/v1/runners/nope/jobs", nil, headers)
	assert.Equal(s.T(), http.StatusTooManyRequests, rr.Code)

	headers["RemoteAddr"] = "192.0.2.2:1000"
	rr = s.do(h, http.MethodGet, "/api/v1/runners/nope/jobs", nil, headers)
	assert.Equal(s.T(), http.StatusNotFound, rr.Code)
}

// ---------------------------------------------------------------------------
// Admin endpoints
// ---------------------------------------------------------------------------

func (s *APISuite) TestSettings() {
	admin := map[string]string{"Authorization": "Bearer " + adminToken}

	rr := s.do(s.handler, http.MethodGet, "/api/v1/settings", nil, nil)
	assert.Equal(s.T(), http.StatusUnauthorized, rr.Code)
	rr = s.do(s.handler, http.MethodGet, "/api/v1/settings", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(s.T(), http.StatusForbidden, rr.Code)

	rr = s.do(s.handler, http.MethodPut, "/api/v1/settings/max_amount_of_runners", settingRequest{Value: "9"}, admin)
	require.Equal(s.T(), http.StatusOK, rr.Code)
	var set settingResponse
	require.NoError(s.T(), json.Unmarshal(rr.Body.Bytes(), &set))
	assert.Equal(s.T(), settingResponse{Key: "max_amount_of_runners", Value: "9"}, set)
	assert.Equal(s.T(), []tasks.Task{tasks.MaybeStartMore()}, s.queue.take())

	rr = s.do(s.handler, http.MethodGet, "/api/v1/settings/max_amount_of_runners", nil, admin)
	require.Equal(s.T(), http.StatusOK, rr.Code)
	assert.Contains(s.T(), rr.Body.String(), `"value":"9"`)

	rr = s.do(s.handler, http.MethodGet, "/api/v1/settings", nil, admin)
	require.Equal(s.T(), http.StatusOK, rr.Code)
	var all map[string]string
	require.NoError(s.T(), json.Unmarshal(rr.Body.Bytes(), &all))
	assert.Equal(s.T(), "9", all["max_amount_of_runners"])

	rr = s.do(s.handler, http.MethodPut, "/api/v1/settings/runner_max_time_alive", settingRequest{Value: "soon"}, admin)
	assert.Equal(s.T(), http.StatusBadRequest, rr.Code)
	rr = s.do(s.handler, http.MethodGet, "/api/v1/settings/unknown", nil, admin)
	assert.Equal(s.T(), http.StatusNotFound, rr.Code)
}

func (s *APISuite) TestHealthAndMetricsMounted() {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	h := s.newServer(Config{Health: ok, Metrics: ok}).Handler()

	assert.Equal(s.T(), http.StatusTeapot, s.do(h, http.MethodGet, "/healthz", nil, nil).Code)
	assert.Equal(s.T(), http.StatusTeapot, s.do(h, http.MethodGet, "/metrics", nil, nil).Code)
}

// ---------------------------------------------------------------------------
// Signed instances
// ---------------------------------------------------------------------------

func (s *APISuite) TestSignedInstance() {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(s.T(), err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(s.T(), err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	var hits atomic.Int32
	keyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != defaultPublicKeyPath {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		_, _ = w.Write(pemKey)
	}))
	defer keyServer.Close()

	h := s.newServer(Config{SignedIssuers: []string{keyServer.URL}}).Handler()

	sign := func(issuer string, expires *jwt.NumericDate) map[string]string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: expires,
		}).SignedString(priv)
		require.NoError(s.T(), err)
		return map[string]string{"Authorization": "Bearer " + token}
	}
	valid := jwt.NewNumericDate(time.Now().Add(time.Minute))

	rr := s.do(h, http.MethodPut, "/api/v1/jobs/signed", nil, sign(keyServer.URL, valid))
	require.Equal(s.T(), http.StatusOK, rr.Code)
	rr = s.do(h, http.MethodPut, "/api/v1/jobs/signed", nil, sign(keyServer.URL, valid))
	require.Equal(s.T(), http.StatusOK, rr.Code)
	assert.Equal(s.T(), int32(1), hits.Load())

	// The job belongs to the signing instance only.
	rr = s.do(h, http.MethodDelete, "/api/v1/jobs/signed", nil, instanceHeaders())
	assert.Equal(s.T(), http.StatusNotFound, rr.Code)

	rr = s.do(h, http.MethodPut, "/api/v1/jobs/x", nil, sign("https://evil.example", valid))
	assert.Equal(s.T(), http.StatusForbidden, rr.Code)

	rr = s.do(h, http.MethodPut, "/api/v1/jobs/x", nil, sign(keyServer.URL+".evil.example", valid))
	assert.Equal(s.T(), http.StatusForbidden, rr.Code)

	rr = s.do(h, http.MethodPut, "/api/v1/jobs/x", nil, sign(keyServer.URL, jwt.NewNumericDate(time.Now().Add(-time.Minute))))
	assert.Equal(s.T(), http.StatusForbidden, rr.Code)

	rr = s.do(h, http.MethodPut, "/api/v1/jobs/x", nil, sign(keyServer.URL, nil))
	assert.Equal(s.T(), http.StatusForbidden, rr.Code)

	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(s.T(), err)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Issuer:    keyServer.URL,
		ExpiresAt: valid,
	}).SignedString(other)
	require.NoError(s.T(), err)
	rr = s.do(h, http.MethodPut, "/api/v1/jobs/x", nil, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(s.T(), http.StatusForbidden, rr.Code)
}

func (s *APISuite) TestSignedDisabledWithoutIssuers() {
	rr := s.do(s.handler, http.MethodPut, "/api/v1/jobs/abc", nil, map[string]string{"Authorization": "Bearer abc"})
	assert.Equal(s.T(), http.StatusUnauthorized, rr.Code)
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

func TestWriteError_InternalErrors(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	ops := failingOps{err: fmt.Errorf("store: %w", &model.InvariantError{Entity: "runner", From: "cleaned", To: "running"})}
	h := New(Config{Instances: []Instance{{Name: "a", Password: "pw", URL: instanceURL}}}, ops, logger).Handler()

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/abc", nil)
	req.Header.Set(HeaderInstanceName, "a")
	req.Header.Set(HeaderInstancePass, "pw")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "cleaned")
	assert.Contains(t, logs.String(), `"alert":true`)

	ops.err = errors.New("boom")
	logs.Reset()
	h = New(Config{Instances: []Instance{{Name: "a", Password: "pw", URL: instanceURL}}}, ops, logger).Handler()
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, logs.String(), `"alert"`)
}

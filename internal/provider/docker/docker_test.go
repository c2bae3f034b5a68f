package docker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/atbroker/internal/model"
	"github.com/terrpan/atbroker/internal/provider"
)

// ---------------------------------------------------------------------------
// Mock docker client (satisfies dockerAPI)
// ---------------------------------------------------------------------------

type notFoundError struct{}

func (notFoundError) Error() string { return "No such container" }
func (notFoundError) NotFound()     {}

type mockDocker struct {
	mu sync.Mutex

	created []*container.Config
	names   []string
	started []string
	stopped []string
	removed []string
	pulled  []string

	createErr error
	startErr  error
	removeErr error

	// inspects are returned in order; the last one repeats.
	inspects []container.InspectResponse
	inspectN int
}

func running(ip string) container.InspectResponse {
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			State: &container.State{Status: "running", Running: true},
		},
		NetworkSettings: &container.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{"bridge": {IPAddress: ip}},
		},
	}
}

func exited() container.InspectResponse {
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			State: &container.State{Status: "exited", ExitCode: 1},
		},
	}
}

func (m *mockDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulled = append(m.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (m *mockDocker) ContainerCreate(_ context.Context, cfg *container.Config, _ *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return container.CreateResponse{}, m.createErr
	}
	m.created = append(m.created, cfg)
	m.names = append(m.names, name)
	return container.CreateResponse{ID: "cid-" + name}, nil
}

func (m *mockDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = append(m.started, id)
	return nil
}

func (m *mockDocker) ContainerInspect(_ context.Context, _ string) (container.InspectResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := min(m.inspectN, len(m.inspects)-1)
	m.inspectN++
	return m.inspects[i], nil
}

func (m *mockDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, id)
	return nil
}

func (m *mockDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErr != nil {
		return m.removeErr
	}
	m.removed = append(m.removed, id)
	return nil
}

func (m *mockDocker) Close() error { return nil }

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type DockerProviderSuite struct {
	suite.Suite
	ctx    context.Context
	client *mockDocker
	runner *model.Runner
	p      *Provider
}

func (s *DockerProviderSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = &mockDocker{inspects: []container.InspectResponse{running("172.17.0.5")}}
	s.runner = &model.Runner{ID: "r1", PublicID: "pub1", Secret: "sec", Kind: model.ProviderDocker}
	s.p = newProvider(s.client, Config{
		BrokerURL: "http://broker:8080",
		Poll:      provider.PollConfig{Attempts: 3, Interval: time.Millisecond},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDockerProviderSuite(t *testing.T) {
	suite.Run(t, new(DockerProviderSuite))
}

func (s *DockerProviderSuite) TestStart_Success() {
	res, err := s.p.Start(s.ctx, s.runner)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "172.17.0.5", res.Address)
	assert.Equal(s.T(), "cid-atbroker-r1", res.Ref)

	require.Len(s.T(), s.client.created, 1)
	cfg := s.client.created[0]
	assert.Equal(s.T(), "ghcr.io/codegrade/autotest-runner:latest", cfg.Image)
	assert.Contains(s.T(), cfg.Env, "CG_BROKER_RUNNER_ID=pub1")
	assert.Contains(s.T(), cfg.Env, "CG_BROKER_RUNNER_PASS=sec")
	assert.Contains(s.T(), cfg.Env, "CG_BROKER_URL=http://broker:8080")
	assert.Equal(s.T(), "r1", cfg.Labels["atbroker.runner"])
}

func (s *DockerProviderSuite) TestStart_WaitsForAddress() {
	notYet := running("")
	s.client.inspects = []container.InspectResponse{notYet, notYet, running("172.17.0.9")}

	res, err := s.p.Start(s.ctx, s.runner)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "172.17.0.9", res.Address)
	assert.Equal(s.T(), 3, s.client.inspectN)
}

func (s *DockerProviderSuite) TestStart_TimeoutRemovesContainer() {
	s.client.inspects = []container.InspectResponse{running("")}

	_, err := s.p.Start(s.ctx, s.runner)
	assert.ErrorIs(s.T(), err, provider.ErrProvisionTimeout)
	assert.Equal(s.T(), []string{"cid-atbroker-r1"}, s.client.removed)
}

func (s *DockerProviderSuite) TestStart_ExitedContainerFailsFast() {
	s.client.inspects = []container.InspectResponse{exited()}

	_, err := s.p.Start(s.ctx, s.runner)
	assert.ErrorIs(s.T(), err, provider.ErrProvision)
	assert.Equal(s.T(), 1, s.client.inspectN)
}

func (s *DockerProviderSuite) TestStart_CreateError() {
	s.client.createErr = errors.New("no such image")

	_, err := s.p.Start(s.ctx, s.runner)
	assert.ErrorIs(s.T(), err, provider.ErrProvision)
	assert.Empty(s.T(), s.client.started)
}

func (s *DockerProviderSuite) TestStart_StartErrorRemovesContainer() {
	s.client.startErr = errors.New("port in use")

	_, err := s.p.Start(s.ctx, s.runner)
	require.Error(s.T(), err)
	assert.Equal(s.T(), []string{"cid-atbroker-r1"}, s.client.removed)
}

func (s *DockerProviderSuite) TestDind() {
	s.p.cfg.Dind = true
	_, err := s.p.Start(s.ctx, s.runner)
	require.NoError(s.T(), err)
	assert.Contains(s.T(), s.client.created[0].Env, "DOCKER_HOST=unix:///var/run/docker.sock")
}

func (s *DockerProviderSuite) TestCleanup() {
	s.runner.ProviderRef = "cid-1"

	require.NoError(s.T(), s.p.Cleanup(s.ctx, s.runner, true))
	assert.Equal(s.T(), []string{"cid-1"}, s.client.stopped)
	assert.Empty(s.T(), s.client.removed)

	require.NoError(s.T(), s.p.Cleanup(s.ctx, s.runner, false))
	assert.Equal(s.T(), []string{"cid-1"}, s.client.removed)
}

func (s *DockerProviderSuite) TestCleanup_Idempotent() {
	s.runner.ProviderRef = "cid-gone"
	s.client.removeErr = notFoundError{}
	assert.NoError(s.T(), s.p.Cleanup(s.ctx, s.runner, false))

	s.client.removeErr = errors.New("daemon unavailable")
	assert.ErrorIs(s.T(), s.p.Cleanup(s.ctx, s.runner, false), provider.ErrProvision)

	s.runner.ProviderRef = ""
	assert.NoError(s.T(), s.p.Cleanup(s.ctx, s.runner, false), "never started")
}

func (s *DockerProviderSuite) TestPullImage() {
	require.NoError(s.T(), s.p.pullImage(s.ctx))
	assert.Equal(s.T(), []string{"ghcr.io/codegrade/autotest-runner:latest"}, s.client.pulled)
	assert.True(s.T(), s.p.VerifyCredential(s.runner, ""))
}

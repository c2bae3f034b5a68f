// Package docker implements provider.Provider using the Docker daemon to
// run AutoTest runners as containers.  Containers live on a network the
// broker can reach, so they are trusted like the dev provider.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/atbroker/internal/model"
	"github.com/terrpan/atbroker/internal/provider"
)

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image to use for runners.
	// Default: ghcr.io/codegrade/autotest-runner:latest
	Image string

	// Network the containers join; their address on it is what the
	// broker sees.  Default: bridge.
	Network string

	// Cmd overrides the image's command (optional).
	Cmd []string

	// Dind enables Docker-in-Docker by bind-mounting the host's Docker
	// socket (/var/run/docker.sock) into each runner container.
	//
	// Security note: the socket gives the runner full access to the
	// host Docker daemon.
	Dind bool

	// BrokerURL is handed to the runner so it can call back.
	BrokerURL string

	Poll provider.PollConfig
}

// dockerAPI is the subset of the Docker client the provider uses.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Provider manages runners as Docker containers.
type Provider struct {
	client dockerAPI
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check.
var _ provider.Provider = (*Provider)(nil)

// New connects to the daemon and pulls the runner image so it is
// available for container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	p := newProvider(client, cfg, logger)
	if err := p.pullImage(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return p, nil
}

func newProvider(client dockerAPI, cfg Config, logger *slog.Logger) *Provider {
	if cfg.Image == "" {
		cfg.Image = "ghcr.io/codegrade/autotest-runner:latest"
	}
	if cfg.Network == "" {
		cfg.Network = "bridge"
	}
	if cfg.Poll.Attempts == 0 {
		cfg.Poll.Attempts = 30
	}
	return &Provider{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("atbroker/provider/docker"),
	}
}

func (p *Provider) pullImage(ctx context.Context) error {
	p.logger.Info("pulling runner image", slog.String("image", p.cfg.Image))

	pull, err := p.client.ImagePull(ctx, p.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", p.cfg.Image, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.ReadAll(pull); err != nil {
		pull.Close()
		return fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return fmt.Errorf("closing image pull stream: %w", err)
	}

	p.logger.Info("runner image ready", slog.String("image", p.cfg.Image))
	return nil
}

func (p *Provider) Kind() model.ProviderKind { return model.ProviderDocker }

func containerName(r *model.Runner) string {
	return "atbroker-" + r.ID
}

// Start creates and starts a container for r and waits until it has an
// address on the configured network.
func (p *Provider) Start(ctx context.Context, r *model.Runner) (provider.StartResult, error) {
	ctx, span := p.tracer.Start(ctx, "provider.docker.Start")
	defer span.End()

	name := containerName(r)
	span.SetAttributes(
		attribute.String("runner.id", r.ID),
		attribute.String("docker.container_name", name),
	)

	bootstrap := provider.Bootstrap(p.cfg.BrokerURL, r)
	var env []string
	for _, k := range provider.BootstrapKeys(bootstrap) {
		env = append(env, fmt.Sprintf("%s=%s", k, bootstrap[k]))
	}

	var hostCfg *container.HostConfig
	if p.cfg.Dind {
		env = append(env, "DOCKER_HOST=unix:///var/run/docker.sock")
		hostCfg = &container.HostConfig{
			Binds: []string{"/var/run/docker.sock:/var/run/docker.sock"},
		}
		p.logger.Info("dind enabled: mounting docker socket", slog.String("name", name))
	}

	resp, err := p.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:  p.cfg.Image,
			Cmd:    p.cfg.Cmd,
			Env:    env,
			Labels: map[string]string{"atbroker.runner": r.ID},
		},
		hostCfg,
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{p.cfg.Network: {}},
		},
		nil, // platform
		name,
	)
	if err != nil {
		span.RecordError(err)
		return provider.StartResult{}, provider.Wrap("container create", model.ProviderDocker, name, err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.remove(ctx, resp.ID)
		span.RecordError(err)
		return provider.StartResult{}, provider.Wrap("container start", model.ProviderDocker, resp.ID, err)
	}

	address, err := provider.Poll(ctx, p.cfg.Poll, func(ctx context.Context) (string, error) {
		return p.address(ctx, resp.ID)
	})
	if err != nil {
		p.remove(ctx, resp.ID)
		span.RecordError(err)
		return provider.StartResult{}, provider.Wrap("wait for container", model.ProviderDocker, resp.ID, err)
	}

	span.SetAttributes(attribute.String("docker.container_id", resp.ID))
	p.logger.Info("runner container started",
		slog.String("runner", r.ID),
		slog.String("containerID", resp.ID),
		slog.String("address", address),
	)
	return provider.StartResult{Address: address, Ref: resp.ID}, nil
}

// address returns the container's IP on the configured network.
func (p *Provider) address(ctx context.Context, id string) (string, error) {
	info, err := p.client.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("container inspect: %w", err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return "", provider.NotReady("no container state")
	}
	switch info.State.Status {
	case "exited", "dead":
		return "", fmt.Errorf("container %s is %s (exit code %d)", id, info.State.Status, info.State.ExitCode)
	}
	if !info.State.Running {
		return "", provider.NotReady("container not running")
	}
	if info.NetworkSettings == nil {
		return "", provider.NotReady("no network settings")
	}
	if ep, ok := info.NetworkSettings.Networks[p.cfg.Network]; ok && ep != nil && ep.IPAddress != "" {
		return ep.IPAddress, nil
	}
	return "", provider.NotReady("no address on " + p.cfg.Network)
}

// remove is the best-effort cleanup after a failed start.
func (p *Provider) remove(ctx context.Context, id string) {
	if err := p.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !dockerclient.IsErrNotFound(err) {
		p.logger.Warn("failed to remove container after failed start",
			slog.String("containerID", id),
			slog.String("error", err.Error()),
		)
	}
}

// Cleanup force-removes the container, or only stops it when
// shutdownOnly is set.  A missing container is not an error.
func (p *Provider) Cleanup(ctx context.Context, r *model.Runner, shutdownOnly bool) error {
	ctx, span := p.tracer.Start(ctx, "provider.docker.Cleanup")
	defer span.End()

	id := r.ProviderRef
	if id == "" {
		return nil
	}
	span.SetAttributes(
		attribute.String("docker.container_id", id),
		attribute.Bool("shutdown_only", shutdownOnly),
	)

	p.logger.Info("cleaning runner container",
		slog.String("runner", r.ID),
		slog.String("containerID", id),
		slog.Bool("shutdown_only", shutdownOnly),
	)

	var err error
	if shutdownOnly {
		err = p.client.ContainerStop(ctx, id, container.StopOptions{})
	} else {
		err = p.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	}
	if err != nil && !dockerclient.IsErrNotFound(err) {
		span.RecordError(err)
		return provider.Wrap("cleanup", model.ProviderDocker, id, err)
	}
	return nil
}

func (p *Provider) VerifyCredential(*model.Runner, string) bool { return true }

func (p *Provider) Close() error { return p.client.Close() }

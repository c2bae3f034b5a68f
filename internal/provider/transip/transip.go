// Package transip implements provider.Provider on a fixed pool of TransIP
// VPSes.  VPSes are never created or destroyed: a stopped VPS is free, a
// runner claims one, reverts it to the clean snapshot and boots it.
// Cleanup stops it again.
package transip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/transip/gotransip/v6"
	"github.com/transip/gotransip/v6/vps"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/atbroker/internal/model"
	"github.com/terrpan/atbroker/internal/provider"
)

const (
	statusRunning = "running"
	statusStopped = "stopped"
)

// Config holds TransIP provider settings.
type Config struct {
	AccountName    string
	PrivateKeyPath string

	// TestMode talks to the TransIP demo environment.
	TestMode bool

	// VPSNames is the pool runners are drawn from (required).
	VPSNames []string

	// SnapshotDescription selects the clean snapshot to revert to.
	SnapshotDescription string

	// RevertAttempts bounds retries of a snapshot revert hitting a
	// locked VPS; RevertBackoff is the linear step.  Defaults: 10, 5s.
	RevertAttempts uint
	RevertBackoff  time.Duration

	Poll provider.PollConfig
}

// vpsAPI is the subset of *vps.Repository the provider uses.
type vpsAPI interface {
	GetByName(vpsName string) (vps.Vps, error)
	Start(vpsName string) error
	Stop(vpsName string) error
	GetSnapshots(vpsName string) ([]vps.Snapshot, error)
	RevertSnapshot(vpsName string, snapshotName string) error
}

// Provider hands out VPSes from the configured pool.
type Provider struct {
	client vpsAPI
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	claimed map[string]string // vps name -> runner id
}

// Compile-time check.
var _ provider.Provider = (*Provider)(nil)

// New creates an API client from the account's private key.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	client, err := gotransip.NewClient(gotransip.ClientConfiguration{
		AccountName:    cfg.AccountName,
		PrivateKeyPath: cfg.PrivateKeyPath,
		TestMode:       cfg.TestMode,
	})
	if err != nil {
		return nil, fmt.Errorf("transip client: %w", err)
	}
	logger.Info("transip provider initialized",
		slog.String("account", cfg.AccountName),
		slog.Int("pool_size", len(cfg.VPSNames)),
	)
	return newProvider(&vps.Repository{Client: client}, cfg, logger), nil
}

func newProvider(client vpsAPI, cfg Config, logger *slog.Logger) *Provider {
	if cfg.RevertAttempts == 0 {
		cfg.RevertAttempts = 10
	}
	if cfg.RevertBackoff == 0 {
		cfg.RevertBackoff = 5 * time.Second
	}
	if cfg.Poll.Attempts == 0 {
		cfg.Poll.Attempts = 120
	}
	return &Provider{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("atbroker/provider/transip"),
		claimed: make(map[string]string),
	}
}

func (p *Provider) Kind() model.ProviderKind { return model.ProviderTransip }

// claim picks the first stopped, unlocked VPS nobody in this process
// holds.
func (p *Provider) claim(runnerID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, name := range p.cfg.VPSNames {
		if _, taken := p.claimed[name]; taken {
			continue
		}
		v, err := p.client.GetByName(name)
		if err != nil {
			p.logger.Warn("skipping unreadable vps", slog.String("vps", name), slog.String("error", err.Error()))
			continue
		}
		if string(v.Status) != statusStopped || v.IsLocked {
			continue
		}
		p.claimed[name] = runnerID
		return name, nil
	}
	return "", fmt.Errorf("no free vps in a pool of %d", len(p.cfg.VPSNames))
}

func (p *Provider) release(name string) {
	p.mu.Lock()
	delete(p.claimed, name)
	p.mu.Unlock()
}

func (p *Provider) snapshot(name string) (string, error) {
	snaps, err := p.client.GetSnapshots(name)
	if err != nil {
		return "", fmt.Errorf("list snapshots: %w", err)
	}
	for _, s := range snaps {
		if s.Description == p.cfg.SnapshotDescription {
			return s.Name, nil
		}
	}
	return "", fmt.Errorf("no snapshot described %q on %s", p.cfg.SnapshotDescription, name)
}

// transient classifies the API's "VPS is locked" refusals.
func transient(err error) error {
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "locked") {
		return fmt.Errorf("%w: %w", provider.ErrTransient, err)
	}
	return err
}

// Start claims a VPS, reverts it to the clean snapshot and boots it.
func (p *Provider) Start(ctx context.Context, r *model.Runner) (provider.StartResult, error) {
	ctx, span := p.tracer.Start(ctx, "provider.transip.Start")
	defer span.End()
	span.SetAttributes(attribute.String("runner.id", r.ID))

	name, err := p.claim(r.ID)
	if err != nil {
		span.RecordError(err)
		return provider.StartResult{}, provider.Wrap("claim", model.ProviderTransip, "", err)
	}
	span.SetAttributes(attribute.String("transip.vps", name))

	address, err := p.boot(ctx, name)
	if err != nil {
		span.RecordError(err)
		p.release(name)
		return provider.StartResult{}, provider.Wrap("start", model.ProviderTransip, name, err)
	}

	p.logger.Info("runner vps running",
		slog.String("runner", r.ID),
		slog.String("vps", name),
		slog.String("address", address),
	)
	return provider.StartResult{Address: address, Ref: name}, nil
}

func (p *Provider) boot(ctx context.Context, name string) (string, error) {
	snap, err := p.snapshot(name)
	if err != nil {
		return "", err
	}

	p.logger.Info("reverting vps", slog.String("vps", name), slog.String("snapshot", snap))
	err = provider.RetryTransient(ctx, p.cfg.RevertAttempts, p.cfg.RevertBackoff, func() error {
		return transient(p.client.RevertSnapshot(name, snap))
	})
	if err != nil {
		return "", fmt.Errorf("revert snapshot: %w", err)
	}

	started := false
	return provider.Poll(ctx, p.cfg.Poll, func(context.Context) (string, error) {
		v, err := p.client.GetByName(name)
		if err != nil {
			return "", transientNotReady(err)
		}
		if v.IsLocked {
			return "", provider.NotReady("vps locked")
		}
		switch string(v.Status) {
		case statusRunning:
			if v.IPAddress == "" {
				return "", provider.NotReady("no address")
			}
			return v.IPAddress, nil
		case statusStopped:
			if !started {
				if err := p.client.Start(name); err != nil {
					return "", transientNotReady(err)
				}
				started = true
			}
		}
		return "", provider.NotReady("vps " + string(v.Status))
	})
}

// transientNotReady keeps polling through locked refusals.
func transientNotReady(err error) error {
	if err = transient(err); errors.Is(err, provider.ErrTransient) {
		return provider.NotReady(err.Error())
	}
	return err
}

// Cleanup stops the VPS and puts it back into the pool.  A pool VPS is
// never deleted, so shutdownOnly changes nothing here: the disk stays as
// the runner left it until the next Start reverts it.
func (p *Provider) Cleanup(ctx context.Context, r *model.Runner, shutdownOnly bool) error {
	_, span := p.tracer.Start(ctx, "provider.transip.Cleanup")
	defer span.End()

	name := r.ProviderRef
	if name == "" {
		return nil
	}
	span.SetAttributes(
		attribute.String("transip.vps", name),
		attribute.Bool("shutdown_only", shutdownOnly),
	)

	v, err := p.client.GetByName(name)
	if err != nil {
		span.RecordError(err)
		return provider.Wrap("cleanup", model.ProviderTransip, name, err)
	}
	if string(v.Status) != statusStopped {
		p.logger.Info("stopping runner vps", slog.String("vps", name))
		if err := p.client.Stop(name); err != nil {
			span.RecordError(err)
			return provider.Wrap("cleanup", model.ProviderTransip, name, transient(err))
		}
	}
	p.release(name)
	return nil
}

// VerifyCredential requires the runner's secret.
func (p *Provider) VerifyCredential(r *model.Runner, presented string) bool {
	return provider.SecretMatches(r, presented)
}

func (p *Provider) Close() error { return nil }

// Package dev implements a provider that provisions nothing.  Runners of
// this kind are processes an operator starts by hand on a fixed address,
// usually the loopback interface.  Never use it in production: it trusts
// every caller.
package dev

import (
	"context"
	"log/slog"

	"github.com/terrpan/atbroker/internal/model"
	"github.com/terrpan/atbroker/internal/provider"
)

// Config holds dev provider settings.
type Config struct {
	// Address every dev runner reports from.  Default: 127.0.0.1.
	Address string
}

// Provider is the passthrough provider.
type Provider struct {
	address string
	logger  *slog.Logger
}

// Compile-time check.
var _ provider.Provider = (*Provider)(nil)

// New creates a dev provider.
func New(cfg Config, logger *slog.Logger) *Provider {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1"
	}
	return &Provider{address: cfg.Address, logger: logger}
}

func (p *Provider) Kind() model.ProviderKind { return model.ProviderDev }

func (p *Provider) Start(_ context.Context, r *model.Runner) (provider.StartResult, error) {
	p.logger.Info("dev runner ready",
		slog.String("runner", r.ID),
		slog.String("public_id", r.PublicID),
		slog.String("address", p.address),
	)
	return provider.StartResult{Address: p.address, Ref: "dev-" + r.ID}, nil
}

func (p *Provider) Cleanup(_ context.Context, r *model.Runner, shutdownOnly bool) error {
	p.logger.Debug("dev runner cleanup",
		slog.String("runner", r.ID),
		slog.Bool("shutdown_only", shutdownOnly),
	)
	return nil
}

func (p *Provider) VerifyCredential(*model.Runner, string) bool { return true }

func (p *Provider) Close() error { return nil }

// Package provider defines the capability set every compute backend
// offers the broker.  Each model.ProviderKind has exactly one
// implementation; the scheduler dispatches on Runner.Kind through a
// Registry so runners are always driven by the backend that created
// them.
package provider

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/terrpan/atbroker/internal/model"
)

// StartResult is what a successful Start reports back.
type StartResult struct {
	// Address is the network address the runner will call from.
	Address string

	// Ref is the provider's own handle for the unit, passed back to
	// Cleanup through Runner.ProviderRef.
	Ref string
}

// Provider is the contract every compute backend must satisfy.
//
// Start and Cleanup block, possibly for minutes.  They are only ever
// called from the task workers, never while a store transaction is
// open.
type Provider interface {
	Kind() model.ProviderKind

	// Start provisions the unit for r and waits until it is reachable.
	// It fails with ErrProvisionTimeout when readiness polling runs out
	// of attempts and ErrProvision on API failure.
	Start(ctx context.Context, r *model.Runner) (StartResult, error)

	// Cleanup destroys the unit, or only stops it when shutdownOnly is
	// set.  It must be idempotent: cleaning an already gone unit
	// succeeds.
	Cleanup(ctx context.Context, r *model.Runner, shutdownOnly bool) error

	// VerifyCredential reports whether presented authenticates r.
	VerifyCredential(r *model.Runner, presented string) bool

	Close() error
}

// Sentinel errors.
var (
	ErrProvision        = errors.New("provision failed")
	ErrProvisionTimeout = errors.New("provision timed out")
	ErrTransient        = errors.New("transient provider error")
)

// Error records a failed provider operation.
type Error struct {
	Op   string
	Kind model.ProviderKind
	Ref  string
	Err  error
}

func (e *Error) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Kind, e.Op, e.Ref, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an *Error, classifying err as ErrProvision unless it
// already wraps one of the sentinels or a context error.
func Wrap(op string, kind model.ProviderKind, ref string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrProvision), errors.Is(err, ErrProvisionTimeout), errors.Is(err, ErrTransient),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		err = fmt.Errorf("%w: %w", ErrProvision, err)
	}
	return &Error{Op: op, Kind: kind, Ref: ref, Err: err}
}

// SecretMatches compares presented with the runner's secret in constant
// time.
func SecretMatches(r *model.Runner, presented string) bool {
	if r.Secret == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(r.Secret), []byte(presented)) == 1
}

// Bootstrap returns the values a runner needs to find and authenticate
// against the broker.  Providers deliver them through whatever channel
// their backend has (environment, metadata, user data).
func Bootstrap(brokerURL string, r *model.Runner) map[string]string {
	return map[string]string{
		"CG_BROKER_URL":         brokerURL,
		"CG_BROKER_RUNNER_ID":   r.PublicID,
		"CG_BROKER_RUNNER_PASS": r.Secret,
	}
}

// BootstrapKeys returns the keys of Bootstrap in a stable order.
func BootstrapKeys(env map[string]string) []string {
	return slices.Sorted(maps.Keys(env))
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry maps each kind to its provider.
type Registry struct {
	providers map[model.ProviderKind]Provider
}

// NewRegistry builds a registry from ps.  Later entries of the same kind
// replace earlier ones.
func NewRegistry(ps ...Provider) *Registry {
	reg := &Registry{providers: make(map[model.ProviderKind]Provider, len(ps))}
	for _, p := range ps {
		reg.providers[p.Kind()] = p
	}
	return reg
}

// Get returns the provider for kind.
func (r *Registry) Get(kind model.ProviderKind) (Provider, error) {
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured: %w", kind, model.ErrNotFound)
	}
	return p, nil
}

// Kinds lists the configured kinds.
func (r *Registry) Kinds() []model.ProviderKind {
	return slices.Sorted(maps.Keys(r.providers))
}

// Close closes every provider and returns the first error.
func (r *Registry) Close() error {
	var firstErr error
	for _, kind := range r.Kinds() {
		if err := r.providers[kind].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

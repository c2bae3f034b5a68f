package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/atbroker/internal/model"
)

type stubProvider struct {
	kind   model.ProviderKind
	closed bool
}

func (s *stubProvider) Kind() model.ProviderKind { return s.kind }
func (s *stubProvider) Start(context.Context, *model.Runner) (StartResult, error) {
	return StartResult{}, nil
}
func (s *stubProvider) Cleanup(context.Context, *model.Runner, bool) error { return nil }
func (s *stubProvider) VerifyCredential(*model.Runner, string) bool      { return true }
func (s *stubProvider) Close() error                                     { s.closed = true; return nil }

func TestRegistry(t *testing.T) {
	dev := &stubProvider{kind: model.ProviderDev}
	aws := &stubProvider{kind: model.ProviderAWS}
	reg := NewRegistry(dev, aws)

	p, err := reg.Get(model.ProviderAWS)
	require.NoError(t, err)
	assert.Same(t, aws, p)

	_, err = reg.Get(model.ProviderTransip)
	assert.True(t, model.IsNotFound(err))

	assert.Equal(t, []model.ProviderKind{model.ProviderAWS, model.ProviderDev}, reg.Kinds())
	require.NoError(t, reg.Close())
	assert.True(t, dev.closed)
	assert.True(t, aws.closed)
}

func TestWrapClassifies(t *testing.T) {
	err := Wrap("start", model.ProviderAWS, "i-123", errors.New("quota exceeded"))
	assert.ErrorIs(t, err, ErrProvision)
	assert.Contains(t, err.Error(), "aws start i-123")

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "i-123", perr.Ref)

	err = Wrap("start", model.ProviderAWS, "", ErrProvisionTimeout)
	assert.ErrorIs(t, err, ErrProvisionTimeout)
	assert.NotErrorIs(t, err, ErrProvision)

	assert.NoError(t, Wrap("start", model.ProviderAWS, "", nil))
}

func TestSecretMatches(t *testing.T) {
	r := &model.Runner{Secret: "abc"}
	assert.True(t, SecretMatches(r, "abc"))
	assert.False(t, SecretMatches(r, "abd"))
	assert.False(t, SecretMatches(r, ""))
	assert.False(t, SecretMatches(&model.Runner{}, ""))
}

func TestBootstrap(t *testing.T) {
	env := Bootstrap("https://broker.example.com", &model.Runner{PublicID: "pub", Secret: "s"})
	assert.Equal(t, "pub", env["CG_BROKER_RUNNER_ID"])
	assert.Equal(t, []string{"CG_BROKER_RUNNER_ID", "CG_BROKER_RUNNER_PASS", "CG_BROKER_URL"}, BootstrapKeys(env))
}

func TestPoll(t *testing.T) {
	cfg := PollConfig{Attempts: 3, Interval: time.Millisecond}

	t.Run("ready on third attempt", func(t *testing.T) {
		calls := 0
		addr, err := Poll(context.Background(), cfg, func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", NotReady("booting")
			}
			return "10.0.0.1", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1", addr)
		assert.Equal(t, 3, calls)
	})

	t.Run("times out", func(t *testing.T) {
		calls := 0
		_, err := Poll(context.Background(), cfg, func(context.Context) (string, error) {
			calls++
			return "", NotReady("booting")
		})
		assert.ErrorIs(t, err, ErrProvisionTimeout)
		assert.Equal(t, 3, calls)
	})

	t.Run("hard failure stops polling", func(t *testing.T) {
		calls := 0
		boom := errors.New("instance terminated")
		_, err := Poll(context.Background(), cfg, func(context.Context) (string, error) {
			calls++
			return "", boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})
}

func TestRetryTransient(t *testing.T) {
	calls := 0
	err := RetryTransient(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 2 {
			return ErrTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = RetryTransient(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return ErrTransient
	})
	assert.ErrorIs(t, err, ErrProvisionTimeout)
	assert.Equal(t, 2, calls)
}

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/terrpan/atbroker/internal/model"
	"github.com/terrpan/atbroker/internal/settings"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// validGCPConfig returns a minimal Config that passes Validate() with
// the GCP provider selected.
func validGCPConfig() *Config {
	return &Config{
		Instances: []InstanceConfig{{Name: "a", Password: "pw", URL: "https://a.codegra.de"}},
		Provider: ProviderConfig{
			Type: "gcp",
			GCP: GCPProviderConfig{
				Project: "my-project",
				Zone:    "europe-west4-a",
				Image:   "projects/my-project/global/images/family/autotest-runner",
			},
		},
	}
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ConfigValidationSuite struct {
	suite.Suite
}

func TestConfigValidationSuite(t *testing.T) {
	suite.Run(t, new(ConfigValidationSuite))
}

// ---------------------------------------------------------------------------
// Valid configs
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_EmptyConfigRunsLocally() {
	cfg := &Config{}
	require.NoError(s.T(), cfg.Validate())
	assert.Equal(s.T(), model.ProviderDev, cfg.ProviderKind())
	assert.Equal(s.T(), MemoryDatabase, cfg.Database.URL)
}

func (s *ConfigValidationSuite) TestValidate_ValidGCPConfig() {
	require.NoError(s.T(), validGCPConfig().Validate())
}

// ---------------------------------------------------------------------------
// Server and instances
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_InvalidPublicURL() {
	cfg := validGCPConfig()
	cfg.Server.PublicURL = "not-a-url"
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "server.public_url")
}

func (s *ConfigValidationSuite) TestValidate_Instances() {
	tests := []struct {
		name     string
		instance InstanceConfig
		want     string
	}{
		{"missing name", InstanceConfig{Password: "pw", URL: "https://x"}, "name is required"},
		{"missing password", InstanceConfig{Name: "b", URL: "https://x"}, "password is required"},
		{"bad url", InstanceConfig{Name: "b", Password: "pw", URL: "nope"}, "instances[1].url"},
		{"duplicate", InstanceConfig{Name: "a", Password: "pw", URL: "https://x"}, "duplicate name"},
	}
	for _, tc := range tests {
		s.Run(tc.name, func() {
			cfg := validGCPConfig()
			cfg.Instances = append(cfg.Instances, tc.instance)
			err := cfg.Validate()
			require.Error(s.T(), err)
			assert.Contains(s.T(), err.Error(), tc.want)
		})
	}
}

func (s *ConfigValidationSuite) TestValidate_SignedIssuer() {
	cfg := validGCPConfig()
	cfg.SignedInstances.Issuers = []string{"codegra.de"}
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "signed_instances.issuers[0]")
}

// ---------------------------------------------------------------------------
// Scheduler validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_Scheduler() {
	cfg := validGCPConfig()
	cfg.Scheduler.MaxRunners = -1
	assert.ErrorContains(s.T(), cfg.Validate(), "max_runners")

	cfg = validGCPConfig()
	cfg.Scheduler.MinimumExtraRunners = -2
	assert.ErrorContains(s.T(), cfg.Validate(), "minimum_extra_runners")

	cfg = validGCPConfig()
	cfg.Scheduler.AssignedGracePeriod = -time.Second
	assert.ErrorContains(s.T(), cfg.Validate(), "durations")
}

// ---------------------------------------------------------------------------
// Provider validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_UnknownProvider() {
	cfg := validGCPConfig()
	cfg.Provider.Type = "azure"
	err := cfg.Validate()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "not supported")
}

func (s *ConfigValidationSuite) TestValidate_GCP_MissingProject() {
	cfg := validGCPConfig()
	cfg.Provider.GCP.Project = ""
	assert.ErrorContains(s.T(), cfg.Validate(), "project")
}

func (s *ConfigValidationSuite) TestValidate_GCP_MissingZone() {
	cfg := validGCPConfig()
	cfg.Provider.GCP.Zone = ""
	assert.ErrorContains(s.T(), cfg.Validate(), "zone")
}

func (s *ConfigValidationSuite) TestValidate_GCP_MissingImage() {
	cfg := validGCPConfig()
	cfg.Provider.GCP.Image = ""
	assert.ErrorContains(s.T(), cfg.Validate(), "image")
}

func (s *ConfigValidationSuite) TestValidate_AWS_MissingAMI() {
	cfg := &Config{Provider: ProviderConfig{Type: "aws"}}
	assert.ErrorContains(s.T(), cfg.Validate(), "provider.aws.ami")
}

func (s *ConfigValidationSuite) TestValidate_TransIP() {
	cfg := &Config{Provider: ProviderConfig{Type: "transip"}}
	assert.ErrorContains(s.T(), cfg.Validate(), "account_name")

	cfg.Provider.TransIP = TransIPProviderConfig{AccountName: "cg", PrivateKeyPath: "/key"}
	assert.ErrorContains(s.T(), cfg.Validate(), "vps_names")

	cfg.Provider.TransIP.VPSNames = []string{"cg-vps1"}
	assert.ErrorContains(s.T(), cfg.Validate(), "snapshot_description")

	cfg.Provider.TransIP.SnapshotDescription = "clean"
	assert.NoError(s.T(), cfg.Validate())
}

func (s *ConfigValidationSuite) TestValidate_DrainedKindsAreChecked() {
	cfg := validGCPConfig()
	cfg.Provider.Drain = []string{"aws"}
	assert.ErrorContains(s.T(), cfg.Validate(), "provider.aws.ami")
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestApplyDefaults_SetsExpectedValues() {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(s.T(), ":8080", cfg.Server.Listen)
	assert.Equal(s.T(), 5, cfg.Scheduler.MaxRunners)
	assert.Equal(s.T(), 5, cfg.Scheduler.MaxRunnersPerJob)
	assert.Equal(s.T(), time.Hour, cfg.Scheduler.RunnerMaxTimeAlive)
	assert.Equal(s.T(), 5*time.Minute, cfg.Scheduler.AssignedGracePeriod)
	assert.Equal(s.T(), time.Minute, cfg.Scheduler.SweepInterval)
	assert.Equal(s.T(), 4, cfg.Scheduler.Workers)
	assert.Equal(s.T(), uint(120), cfg.Provider.StartPollAttempts)
	assert.Equal(s.T(), time.Second, cfg.Provider.StartPollInterval)
	assert.Equal(s.T(), "ghcr.io/codegrade/autotest-runner:latest", cfg.Provider.Docker.Image)
	assert.Equal(s.T(), "e2-medium", cfg.Provider.GCP.MachineType)
	assert.Equal(s.T(), int64(50), cfg.Provider.GCP.DiskSizeGB)
	require.NotNil(s.T(), cfg.Provider.GCP.PublicIP)
	assert.True(s.T(), *cfg.Provider.GCP.PublicIP)
	assert.Equal(s.T(), "info", cfg.Logging.Level)
	assert.Equal(s.T(), "text", cfg.Logging.Format)
}

func (s *ConfigValidationSuite) TestApplyDefaults_KeepsExplicitValues() {
	f := false
	cfg := &Config{
		Scheduler: SchedulerConfig{MaxRunners: 12, SweepInterval: 10 * time.Second},
		Provider:  ProviderConfig{GCP: GCPProviderConfig{PublicIP: &f}},
	}
	cfg.ApplyDefaults()
	assert.Equal(s.T(), 12, cfg.Scheduler.MaxRunners)
	assert.Equal(s.T(), 10*time.Second, cfg.Scheduler.SweepInterval)
	assert.False(s.T(), *cfg.Provider.GCP.PublicIP)
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

const sampleYAML = `
server:
  listen: ":9000"
  public_url: "https://broker.codegra.de"
database:
  url: "postgres://broker@db/broker"
scheduler:
  max_runners: 20
  runner_max_time_alive: 90m
  keep_failed_runners: true
instances:
  - name: a
    password: pw
    url: https://a.codegra.de/
provider:
  type: docker
  docker:
    network: autotest
`

func (s *ConfigValidationSuite) TestLoad_ParsesYAML() {
	path := filepath.Join(s.T().TempDir(), "config.yaml")
	require.NoError(s.T(), os.WriteFile(path, []byte(sampleYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), ":9000", cfg.Server.Listen)
	assert.Equal(s.T(), "postgres://broker@db/broker", cfg.Database.URL)
	assert.Equal(s.T(), 20, cfg.Scheduler.MaxRunners)
	assert.Equal(s.T(), 90*time.Minute, cfg.Scheduler.RunnerMaxTimeAlive)
	assert.True(s.T(), cfg.Scheduler.KeepFailedRunners)
	assert.Equal(s.T(), "autotest", cfg.Provider.Docker.Network)
	require.Len(s.T(), cfg.Instances, 1)
	require.NoError(s.T(), cfg.Validate())
}

func (s *ConfigValidationSuite) TestLoad_MissingFileIsEmpty() {
	cfg, err := Load(filepath.Join(s.T().TempDir(), "absent.yaml"))
	require.NoError(s.T(), err)
	assert.Empty(s.T(), cfg.Server.Listen)
}

func (s *ConfigValidationSuite) TestLoad_InvalidYAML() {
	path := filepath.Join(s.T().TempDir(), "config.yaml")
	require.NoError(s.T(), os.WriteFile(path, []byte("server: [nope"), 0o600))
	_, err := Load(path)
	assert.ErrorContains(s.T(), err, "parsing config")
}

func (s *ConfigValidationSuite) TestLoad_EnvOverridesFile() {
	path := filepath.Join(s.T().TempDir(), "config.yaml")
	require.NoError(s.T(), os.WriteFile(path, []byte(sampleYAML), 0o600))
	s.T().Setenv("BROKER_DATABASE_URL", "memory")
	s.T().Setenv("BROKER_ADMIN_TOKEN", "tok")
	s.T().Setenv("BROKER_PROVIDER_TYPE", "dev")

	cfg, err := Load(path)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "memory", cfg.Database.URL)
	assert.Equal(s.T(), "tok", cfg.Admin.Token)
	assert.Equal(s.T(), "dev", cfg.Provider.Type)
	assert.Equal(s.T(), ":9000", cfg.Server.Listen)
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestSlogLevel() {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for level, want := range tests {
		cfg := &Config{Logging: LoggingConfig{Level: level}}
		assert.Equal(s.T(), want, cfg.slogLevel(), level)
	}
}

func (s *ConfigValidationSuite) TestSettingsDefaults() {
	cfg := &Config{Scheduler: SchedulerConfig{MinimumExtraRunners: 2}}
	cfg.ApplyDefaults()
	assert.Equal(s.T(), settings.Defaults{
		MaxRunners:          5,
		AssignedGracePeriod: 5 * time.Minute,
		MinimumExtraRunners: 2,
		RunnerMaxTimeAlive:  time.Hour,
	}, cfg.SettingsDefaults())
}

func (s *ConfigValidationSuite) TestNewStore_Memory() {
	cfg := &Config{}
	cfg.ApplyDefaults()
	st, err := cfg.NewStore(context.Background(), clocktesting.NewFakePassiveClock(time.Now()))
	require.NoError(s.T(), err)
	defer st.Close()
	assert.Equal(s.T(), "memory", st.Kind())
}

func (s *ConfigValidationSuite) TestNewProviders_Dev() {
	cfg := &Config{Provider: ProviderConfig{Drain: []string{"dev"}}}
	require.NoError(s.T(), cfg.Validate())
	reg, err := cfg.NewProviders(context.Background(), slog.New(slog.DiscardHandler))
	require.NoError(s.T(), err)
	defer reg.Close()
	assert.Equal(s.T(), []model.ProviderKind{model.ProviderDev}, reg.Kinds())
}

func (s *ConfigValidationSuite) TestAPIConfig() {
	cfg := validGCPConfig()
	cfg.Instances[0].URL = "https://a.codegra.de/"
	cfg.Server.RunnerRate = -1
	cfg.Admin.Token = "tok"
	require.NoError(s.T(), cfg.Validate())

	got := cfg.APIConfig()
	assert.Equal(s.T(), ":8080", got.Addr)
	assert.Equal(s.T(), "https://a.codegra.de", got.Instances[0].URL)
	assert.Zero(s.T(), got.RunnerRate)
	assert.Equal(s.T(), "tok", got.AdminToken)
}

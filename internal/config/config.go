// Package config handles loading, validating, and applying
// configuration for the broker.  Configuration is read from a YAML file,
// overridden by BROKER_* environment variables and finally by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/clock"

	"github.com/terrpan/atbroker/internal/api"
	"github.com/terrpan/atbroker/internal/model"
	"github.com/terrpan/atbroker/internal/provider"
	"github.com/terrpan/atbroker/internal/provider/aws"
	"github.com/terrpan/atbroker/internal/provider/dev"
	"github.com/terrpan/atbroker/internal/provider/docker"
	"github.com/terrpan/atbroker/internal/provider/gcp"
	"github.com/terrpan/atbroker/internal/provider/transip"
	"github.com/terrpan/atbroker/internal/settings"
	"github.com/terrpan/atbroker/internal/store"
	"github.com/terrpan/atbroker/internal/store/memory"
	"github.com/terrpan/atbroker/internal/store/postgres"
)

// MemoryDatabase selects the in-process store.
const MemoryDatabase = "memory"

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Database        DatabaseConfig        `yaml:"database"`
	Scheduler       SchedulerConfig       `yaml:"scheduler"`
	Instances       []InstanceConfig      `yaml:"instances"`
	SignedInstances SignedInstancesConfig `yaml:"signed_instances"`
	Admin           AdminConfig           `yaml:"admin"`
	Provider        ProviderConfig        `yaml:"provider"`
	Logging         LoggingConfig         `yaml:"logging"`
	OTel            OTelConfig            `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	// Listen is the address to bind.  Default: ":8080".
	Listen string `yaml:"listen"`

	// PublicURL is the URL runners use to reach the broker.  Handed to
	// every runner at start.  Default: "http://localhost:8080".
	PublicURL string `yaml:"public_url"`

	// TrustProxy takes runner addresses from X-Forwarded-For.
	TrustProxy bool `yaml:"trust_proxy"`

	// RunnerRate limits runner requests per second per address.
	// Default: 5.  Negative disables limiting.
	RunnerRate  float64 `yaml:"runner_rate"`
	RunnerBurst int     `yaml:"runner_burst"`
}

// ---------------------------------------------------------------------------
// Database
// ---------------------------------------------------------------------------

// DatabaseConfig selects the store.
type DatabaseConfig struct {
	// URL is a postgres connection URL, or "memory".  Default: "memory".
	URL string `yaml:"url"`

	// AutoMigrate applies pending migrations on serve.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// SchedulerConfig holds the scheduler's static limits and the defaults
// for the runtime settings.
type SchedulerConfig struct {
	// MaxRunners is the default for the max_amount_of_runners setting.
	// Default: 5.
	MaxRunners int `yaml:"max_runners"`

	// MaxRunnersPerJob caps wanted_runners.  Default: 5.
	MaxRunnersPerJob int `yaml:"max_runners_per_job"`

	// RunnerMaxTimeAlive is the default for runner_max_time_alive.
	// Default: 60m.
	RunnerMaxTimeAlive time.Duration `yaml:"runner_max_time_alive"`

	// AssignedGracePeriod is the default for assigned_grace_period.
	// Default: 5m.
	AssignedGracePeriod time.Duration `yaml:"assigned_grace_period"`

	// MinimumExtraRunners is the default for
	// minimum_amount_extra_runners.
	MinimumExtraRunners int `yaml:"minimum_extra_runners"`

	// SweepInterval is how often the stale and start-more sweeps run.
	// Default: 1m.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Workers is the number of task workers.  Default: 4.
	Workers int `yaml:"workers"`

	// SlowStartWarnAge is how long a runner may be creating before it is
	// logged as slow.  Default: 5m.
	SlowStartWarnAge time.Duration `yaml:"slow_start_warn_age"`

	// KeepFailedRunners makes the stale sweep shut down, not delete,
	// runners that never came alive.
	KeepFailedRunners bool `yaml:"keep_failed_runners"`
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// InstanceConfig is a CodeGrade instance with a password.
type InstanceConfig struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
	URL      string `yaml:"url"`
}

// SignedInstancesConfig allows instances to authenticate with a token
// signed by the key published at their own URL.
type SignedInstancesConfig struct {
	// Issuers are allowed URL prefixes.  Empty disables signed auth.
	Issuers []string `yaml:"issuers"`

	// PublicKeyPath is appended to the issuer URL.
	// Default: "/api/v1/broker/public_key".
	PublicKeyPath string `yaml:"public_key_path"`

	// KeyTTL is how long a fetched key is trusted.  Default: 1h.
	KeyTTL time.Duration `yaml:"key_ttl"`
}

// AdminConfig guards the settings endpoints.
type AdminConfig struct {
	// Token enables the admin API when set.
	Token string `yaml:"token"`
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// ProviderConfig selects and configures the compute backend.
type ProviderConfig struct {
	// Type is the kind new runners are created with: dev, docker, gcp,
	// aws or transip.  Default: "dev".
	Type string `yaml:"type"`

	// Drain lists further kinds to load so runners created under an
	// earlier type can still be verified and cleaned up.
	Drain []string `yaml:"drain"`

	// StartPollAttempts and StartPollInterval bound readiness polling.
	// Defaults: 120, 1s.
	StartPollAttempts uint          `yaml:"start_poll_attempts"`
	StartPollInterval time.Duration `yaml:"start_poll_interval"`

	Dev     DevProviderConfig     `yaml:"dev"`
	Docker  DockerProviderConfig  `yaml:"docker"`
	GCP     GCPProviderConfig     `yaml:"gcp"`
	AWS     AWSProviderConfig     `yaml:"aws"`
	TransIP TransIPProviderConfig `yaml:"transip"`
}

// DevProviderConfig configures the trusted local provider.
type DevProviderConfig struct {
	// Address every dev runner reports from.  Default: 127.0.0.1.
	Address string `yaml:"address"`
}

// DockerProviderConfig configures runner containers.
type DockerProviderConfig struct {
	// Image defaults to ghcr.io/codegrade/autotest-runner:latest.
	Image   string   `yaml:"image"`
	Network string   `yaml:"network"`
	Cmd     []string `yaml:"cmd"`
	Dind    bool     `yaml:"dind"`
}

// GCPProviderConfig holds Compute Engine settings.
//
// Authentication uses Application Default Credentials.
type GCPProviderConfig struct {
	Project     string `yaml:"project"`
	Zone        string `yaml:"zone"`
	MachineType string `yaml:"machine_type"`
	Image       string `yaml:"image"`
	DiskSizeGB  int64  `yaml:"disk_size_gb"`
	Network     string `yaml:"network"`
	Subnet      string `yaml:"subnet"`

	// PublicIP defaults to true.  A *bool distinguishes "not set" from
	// "explicitly false".
	PublicIP *bool `yaml:"public_ip"`

	ServiceAccount string `yaml:"service_account"`
}

// AWSProviderConfig holds EC2 settings.
type AWSProviderConfig struct {
	Region           string   `yaml:"region"`
	Profile          string   `yaml:"profile"`
	AccessKeyID      string   `yaml:"access_key_id"`
	SecretAccessKey  string   `yaml:"secret_access_key"`
	AMI              string   `yaml:"ami"`
	InstanceType     string   `yaml:"instance_type"`
	SubnetID         string   `yaml:"subnet_id"`
	SecurityGroupIDs []string `yaml:"security_group_ids"`
	PublicIP         bool     `yaml:"public_ip"`
}

// TransIPProviderConfig holds the TransIP VPS pool settings.
type TransIPProviderConfig struct {
	AccountName         string        `yaml:"account_name"`
	PrivateKeyPath      string        `yaml:"private_key_path"`
	TestMode            bool          `yaml:"test_mode"`
	VPSNames            []string      `yaml:"vps_names"`
	SnapshotDescription string        `yaml:"snapshot_description"`
	RevertAttempts      uint          `yaml:"revert_attempts"`
	RevertBackoff       time.Duration `yaml:"revert_backoff"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OpenTelemetry is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`

	// Prometheus serves the metrics on /metrics of the API server.
	Prometheus bool `yaml:"prometheus"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// envKeys are the settings BROKER_* variables may override, as viper
// keys.  BROKER_DATABASE_URL maps to database.url.
var envKeys = []string{
	"server.listen",
	"server.public_url",
	"database.url",
	"admin.token",
	"logging.level",
	"logging.format",
	"provider.type",
	"otel.endpoint",
}

// Load reads a YAML config file from path and returns the parsed Config
// with environment overrides applied.  A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Config file is optional -- env and flags can supply everything.
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	v := viper.New()
	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	set := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	set("server.listen", &c.Server.Listen)
	set("server.public_url", &c.Server.PublicURL)
	set("database.url", &c.Database.URL)
	set("admin.token", &c.Admin.Token)
	set("logging.level", &c.Logging.Level)
	set("logging.format", &c.Logging.Format)
	set("provider.type", &c.Provider.Type)
	set("otel.endpoint", &c.OTel.Endpoint)
	return nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = "http://localhost:8080"
	}
	if c.Server.RunnerRate == 0 {
		c.Server.RunnerRate = 5
	}
	if c.Server.RunnerBurst == 0 {
		c.Server.RunnerBurst = 10
	}
	if c.Database.URL == "" {
		c.Database.URL = MemoryDatabase
	}

	s := &c.Scheduler
	if s.MaxRunners == 0 {
		s.MaxRunners = 5
	}
	if s.MaxRunnersPerJob == 0 {
		s.MaxRunnersPerJob = 5
	}
	if s.RunnerMaxTimeAlive == 0 {
		s.RunnerMaxTimeAlive = 60 * time.Minute
	}
	if s.AssignedGracePeriod == 0 {
		s.AssignedGracePeriod = 5 * time.Minute
	}
	if s.SweepInterval == 0 {
		s.SweepInterval = time.Minute
	}
	if s.Workers == 0 {
		s.Workers = 4
	}
	if s.SlowStartWarnAge == 0 {
		s.SlowStartWarnAge = 5 * time.Minute
	}

	p := &c.Provider
	if p.Type == "" {
		p.Type = string(model.ProviderDev)
	}
	if p.StartPollAttempts == 0 {
		p.StartPollAttempts = 120
	}
	if p.StartPollInterval == 0 {
		p.StartPollInterval = time.Second
	}
	if p.Docker.Image == "" {
		p.Docker.Image = "ghcr.io/codegrade/autotest-runner:latest"
	}
	if p.GCP.MachineType == "" {
		p.GCP.MachineType = "e2-medium"
	}
	if p.GCP.DiskSizeGB == 0 {
		p.GCP.DiskSizeGB = 50
	}
	if p.GCP.PublicIP == nil {
		t := true
		p.GCP.PublicIP = &t
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if _, err := url.ParseRequestURI(c.Server.PublicURL); err != nil {
		return fmt.Errorf("server.public_url: invalid URL %q: %w", c.Server.PublicURL, err)
	}

	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateInstances(); err != nil {
		return err
	}

	kinds := append([]string{c.Provider.Type}, c.Provider.Drain...)
	for _, kind := range kinds {
		if err := c.validateProvider(model.ProviderKind(kind)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateScheduler() error {
	s := c.Scheduler
	switch {
	case s.MaxRunners < 0:
		return fmt.Errorf("scheduler.max_runners must not be negative")
	case s.MaxRunnersPerJob < 1:
		return fmt.Errorf("scheduler.max_runners_per_job must be at least 1")
	case s.MinimumExtraRunners < 0:
		return fmt.Errorf("scheduler.minimum_extra_runners must not be negative")
	case s.RunnerMaxTimeAlive < 0 || s.AssignedGracePeriod < 0:
		return fmt.Errorf("scheduler durations must not be negative")
	case s.Workers < 1:
		return fmt.Errorf("scheduler.workers must be at least 1")
	}
	return nil
}

func (c *Config) validateInstances() error {
	seen := make(map[string]bool, len(c.Instances))
	for i, inst := range c.Instances {
		if inst.Name == "" {
			return fmt.Errorf("instances[%d].name is required", i)
		}
		if seen[inst.Name] {
			return fmt.Errorf("instances[%d]: duplicate name %q", i, inst.Name)
		}
		seen[inst.Name] = true
		if inst.Password == "" {
			return fmt.Errorf("instances[%d].password is required", i)
		}
		if _, err := url.ParseRequestURI(inst.URL); err != nil {
			return fmt.Errorf("instances[%d].url: invalid URL %q: %w", i, inst.URL, err)
		}
	}
	for i, issuer := range c.SignedInstances.Issuers {
		if _, err := url.ParseRequestURI(issuer); err != nil {
			return fmt.Errorf("signed_instances.issuers[%d]: invalid URL %q: %w", i, issuer, err)
		}
	}
	return nil
}

func (c *Config) validateProvider(kind model.ProviderKind) error {
	if !kind.Valid() {
		return fmt.Errorf("provider.type %q is not supported (supported: dev, docker, gcp, aws, transip)", kind)
	}
	p := c.Provider
	switch kind {
	case model.ProviderGCP:
		if p.GCP.Project == "" {
			return fmt.Errorf("provider.gcp.project is required when provider.type is \"gcp\"")
		}
		if p.GCP.Zone == "" {
			return fmt.Errorf("provider.gcp.zone is required when provider.type is \"gcp\"")
		}
		if p.GCP.Image == "" {
			return fmt.Errorf("provider.gcp.image is required when provider.type is \"gcp\"")
		}
	case model.ProviderAWS:
		if p.AWS.AMI == "" {
			return fmt.Errorf("provider.aws.ami is required when provider.type is \"aws\"")
		}
	case model.ProviderTransip:
		if p.TransIP.AccountName == "" || p.TransIP.PrivateKeyPath == "" {
			return fmt.Errorf("provider.transip.account_name and private_key_path are required when provider.type is \"transip\"")
		}
		if len(p.TransIP.VPSNames) == 0 {
			return fmt.Errorf("provider.transip.vps_names must list at least one VPS")
		}
		if p.TransIP.SnapshotDescription == "" {
			return fmt.Errorf("provider.transip.snapshot_description is required when provider.type is \"transip\"")
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewStore opens the configured store.
func (c *Config) NewStore(ctx context.Context, clk clock.PassiveClock) (store.Store, error) {
	if c.Database.URL == MemoryDatabase {
		st, err := memory.New(clk)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	st, err := postgres.Open(ctx, c.Database.URL, clk)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// SettingsDefaults are the values used for settings never set at
// runtime.
func (c *Config) SettingsDefaults() settings.Defaults {
	return settings.Defaults{
		MaxRunners:          c.Scheduler.MaxRunners,
		AssignedGracePeriod: c.Scheduler.AssignedGracePeriod,
		MinimumExtraRunners: c.Scheduler.MinimumExtraRunners,
		RunnerMaxTimeAlive:  c.Scheduler.RunnerMaxTimeAlive,
	}
}

// ProviderKind is the kind new runners are created with.
func (c *Config) ProviderKind() model.ProviderKind {
	return model.ProviderKind(c.Provider.Type)
}

// NewProviders creates the provider for provider.type and for every
// kind in provider.drain.
func (c *Config) NewProviders(ctx context.Context, logger *slog.Logger) (*provider.Registry, error) {
	var ps []provider.Provider
	seen := map[model.ProviderKind]bool{}
	for _, name := range append([]string{c.Provider.Type}, c.Provider.Drain...) {
		kind := model.ProviderKind(name)
		if seen[kind] {
			continue
		}
		seen[kind] = true
		p, err := c.newProvider(ctx, kind, logger.WithGroup("provider."+name))
		if err != nil {
			for _, created := range ps {
				_ = created.Close()
			}
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		ps = append(ps, p)
	}
	return provider.NewRegistry(ps...), nil
}

func (c *Config) newProvider(ctx context.Context, kind model.ProviderKind, logger *slog.Logger) (provider.Provider, error) {
	p := c.Provider
	poll := provider.PollConfig{Attempts: p.StartPollAttempts, Interval: p.StartPollInterval}

	switch kind {
	case model.ProviderDev:
		return dev.New(dev.Config{Address: p.Dev.Address}, logger), nil
	case model.ProviderDocker:
		return docker.New(ctx, docker.Config{
			Image:     p.Docker.Image,
			Network:   p.Docker.Network,
			Cmd:       p.Docker.Cmd,
			Dind:      p.Docker.Dind,
			BrokerURL: c.Server.PublicURL,
			Poll:      poll,
		}, logger)
	case model.ProviderGCP:
		return gcp.New(ctx, gcp.Config{
			Project:        p.GCP.Project,
			Zone:           p.GCP.Zone,
			MachineType:    p.GCP.MachineType,
			Image:          p.GCP.Image,
			DiskSizeGB:     p.GCP.DiskSizeGB,
			Network:        p.GCP.Network,
			Subnet:         p.GCP.Subnet,
			PublicIP:       *p.GCP.PublicIP,
			ServiceAccount: p.GCP.ServiceAccount,
			BrokerURL:      c.Server.PublicURL,
			Poll:           poll,
		}, logger)
	case model.ProviderAWS:
		return aws.New(ctx, aws.Config{
			Region:           p.AWS.Region,
			Profile:          p.AWS.Profile,
			AccessKeyID:      p.AWS.AccessKeyID,
			SecretAccessKey:  p.AWS.SecretAccessKey,
			AMI:              p.AWS.AMI,
			InstanceType:     p.AWS.InstanceType,
			SubnetID:         p.AWS.SubnetID,
			SecurityGroupIDs: p.AWS.SecurityGroupIDs,
			PublicIP:         p.AWS.PublicIP,
			BrokerURL:        c.Server.PublicURL,
			Poll:             poll,
		}, logger)
	case model.ProviderTransip:
		return transip.New(transip.Config{
			AccountName:         p.TransIP.AccountName,
			PrivateKeyPath:      p.TransIP.PrivateKeyPath,
			TestMode:            p.TransIP.TestMode,
			VPSNames:            p.TransIP.VPSNames,
			SnapshotDescription: p.TransIP.SnapshotDescription,
			RevertAttempts:      p.TransIP.RevertAttempts,
			RevertBackoff:       p.TransIP.RevertBackoff,
			Poll:                poll,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", kind)
	}
}

// APIConfig returns the HTTP server settings.  Health and Metrics
// handlers are left for the caller to fill in.
func (c *Config) APIConfig() api.Config {
	instances := make([]api.Instance, len(c.Instances))
	for i, inst := range c.Instances {
		instances[i] = api.Instance{
			Name:     inst.Name,
			Password: inst.Password,
			URL:      strings.TrimRight(inst.URL, "/"),
		}
	}
	rate := c.Server.RunnerRate
	if rate < 0 {
		rate = 0
	}
	return api.Config{
		Addr:          c.Server.Listen,
		Instances:     instances,
		SignedIssuers: c.SignedInstances.Issuers,
		PublicKeyPath: c.SignedInstances.PublicKeyPath,
		PublicKeyTTL:  c.SignedInstances.KeyTTL,
		AdminToken:    c.Admin.Token,
		RunnerRate:    rate,
		RunnerBurst:   c.Server.RunnerBurst,
		TrustProxy:    c.Server.TrustProxy,
	}
}

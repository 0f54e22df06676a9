package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/luckiday/dreamgaussian-api/internal/cgroups"
	"github.com/luckiday/dreamgaussian-api/pkg/artifacts"
	"github.com/luckiday/dreamgaussian-api/pkg/cleanup"
	"github.com/luckiday/dreamgaussian-api/pkg/executor"
	"github.com/luckiday/dreamgaussian-api/pkg/store"
	tlsutil "github.com/luckiday/dreamgaussian-api/pkg/tls"
	"github.com/luckiday/dreamgaussian-api/pkg/tracing"
	"github.com/luckiday/dreamgaussian-api/pkg/worker"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "DREAMGEN"

// Config is the full service configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Variants  VariantsConfig  `mapstructure:"variants"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	APIKey          string        `mapstructure:"api_key"`
	APIKeyHash      string        `mapstructure:"api_key_hash"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TLSCertFile     string        `mapstructure:"tls_cert_file"`
	TLSKeyFile      string        `mapstructure:"tls_key_file"`
	TLSClientCAFile string        `mapstructure:"tls_client_ca_file"`
}

type StoreConfig struct {
	Type            string        `mapstructure:"type"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

type ArtifactsConfig struct {
	Root      string   `mapstructure:"root"`
	ExtraDirs []string `mapstructure:"extra_dirs"`
}

type VariantsConfig struct {
	File string `mapstructure:"file"` // empty uses the built-in DG/MV/VIV registry
}

type WorkerConfig struct {
	Enabled           bool          `mapstructure:"enabled"` // run the pool inside serve
	ID                string        `mapstructure:"id"`
	Concurrency       int           `mapstructure:"concurrency"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	OrphanTimeout     time.Duration `mapstructure:"orphan_timeout"`
	RecoveryInterval  time.Duration `mapstructure:"recovery_interval"`
	StageTimeout      time.Duration `mapstructure:"stage_timeout"`
	WorkDir           string        `mapstructure:"work_dir"`
	Env               []string      `mapstructure:"env"`
	OutputLimit       int           `mapstructure:"output_limit"`
	StreamOutput      bool          `mapstructure:"stream_output"`
	Cgroup            CgroupConfig  `mapstructure:"cgroup"`
}

// CgroupConfig confines each stage process to its own cgroup v2 group
type CgroupConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Root        string `mapstructure:"root"`
	CPUMax      string `mapstructure:"cpu_max"`
	CPUWeight   int    `mapstructure:"cpu_weight"`
	MemoryMaxMB int64  `mapstructure:"memory_max_mb"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
	Dir   string `mapstructure:"dir"` // empty logs to stdout only
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Host    bool   `mapstructure:"host"`
	Runtime bool   `mapstructure:"runtime"`

	// SnapshotFile receives the final metrics in text format on shutdown
	SnapshotFile string `mapstructure:"snapshot_file"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
}

type CleanupConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Retention      time.Duration `mapstructure:"retention"`
	Interval       time.Duration `mapstructure:"interval"`
	VacuumInterval time.Duration `mapstructure:"vacuum_interval"`
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
}

type MirrorConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.api_key_hash", "")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")
	v.SetDefault("server.tls_client_ca_file", "")

	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.dsn", "dreamgen.db")
	v.SetDefault("store.max_open_conns", 25)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("store.conn_max_idle_time", time.Minute)

	v.SetDefault("artifacts.root", ".")
	v.SetDefault("artifacts.extra_dirs", []string{"logs"})

	v.SetDefault("variants.file", "")

	wd := worker.DefaultConfig()
	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.concurrency", wd.Concurrency)
	v.SetDefault("worker.poll_interval", wd.PollInterval)
	v.SetDefault("worker.heartbeat_interval", wd.HeartbeatInterval)
	v.SetDefault("worker.orphan_timeout", wd.OrphanTimeout)
	v.SetDefault("worker.recovery_interval", wd.RecoveryInterval)
	v.SetDefault("worker.stage_timeout", executor.DefaultStageTimeout)
	v.SetDefault("worker.work_dir", "")
	v.SetDefault("worker.env", []string{})
	v.SetDefault("worker.output_limit", 64<<10)
	v.SetDefault("worker.stream_output", false)
	v.SetDefault("worker.cgroup.enabled", false)
	v.SetDefault("worker.cgroup.root", cgroups.DefaultRoot)
	v.SetDefault("worker.cgroup.cpu_max", "")
	v.SetDefault("worker.cgroup.cpu_weight", 0)
	v.SetDefault("worker.cgroup.memory_max_mb", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", true)
	v.SetDefault("logging.dir", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.host", true)
	v.SetDefault("metrics.runtime", true)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "dreamgen")
	v.SetDefault("tracing.environment", "production")

	cd := cleanup.DefaultConfig()
	v.SetDefault("cleanup.enabled", cd.Enabled)
	v.SetDefault("cleanup.retention", cd.Retention)
	v.SetDefault("cleanup.interval", cd.CleanupInterval)
	v.SetDefault("cleanup.vacuum_interval", cd.VacuumInterval)
	v.SetDefault("cleanup.initial_delay", cd.InitialDelay)

	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.endpoint", "")
	v.SetDefault("mirror.access_key", "")
	v.SetDefault("mirror.secret_key", "")
	v.SetDefault("mirror.bucket", "")
	v.SetDefault("mirror.prefix", "")
	v.SetDefault("mirror.use_ssl", true)
}

// Load reads configuration from defaults, an optional YAML file and
// DREAMGEN_* environment variables, in increasing priority. .env and
// .env.local in the working directory are loaded into the environment
// first. An empty path searches ./dreamgen.yaml and ~/.dreamgen/dreamgen.yaml.
func Load(path string) (*Config, error) {
	loadDotEnv(".env", ".env.local")

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("dreamgen")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".dreamgen"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// godotenv.Load stops at the first missing file
func loadDotEnv(files ...string) {
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// Validate checks values that would otherwise fail late at startup
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "memory", "sqlite", "postgres", "postgresql", "pgx":
	default:
		return fmt.Errorf("unsupported store type %q", c.Store.Type)
	}
	if c.Store.Type != "memory" && c.Store.DSN == "" {
		return errors.New("store.dsn is required")
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return errors.New("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.StageTimeout <= 0 {
		return errors.New("worker.stage_timeout must be positive")
	}
	if w := c.Worker.Cgroup.CPUWeight; w < 0 || w > 10000 {
		return fmt.Errorf("worker.cgroup.cpu_weight must be between 1 and 10000, got %d", w)
	}
	if c.Cleanup.Enabled && c.Cleanup.Retention <= 0 {
		return errors.New("cleanup.retention must be positive")
	}
	if c.Mirror.Enabled && (c.Mirror.Endpoint == "" || c.Mirror.Bucket == "") {
		return errors.New("mirror.endpoint and mirror.bucket are required when the mirror is enabled")
	}
	return nil
}

// StoreConfig converts the store section for store.NewStore
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Type:            c.Store.Type,
		DSN:             c.Store.DSN,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime,
		ConnMaxIdleTime: c.Store.ConnMaxIdleTime,
	}
}

// TLSFiles converts the server TLS settings for tls.LoadServerConfig
func (c *Config) TLSFiles() tlsutil.ServerFiles {
	return tlsutil.ServerFiles{
		CertFile:     c.Server.TLSCertFile,
		KeyFile:      c.Server.TLSKeyFile,
		ClientCAFile: c.Server.TLSClientCAFile,
	}
}

// PoolConfig converts the worker section for worker.NewPool
func (c *Config) PoolConfig() worker.Config {
	return worker.Config{
		ID:                c.Worker.ID,
		Concurrency:       c.Worker.Concurrency,
		PollInterval:      c.Worker.PollInterval,
		HeartbeatInterval: c.Worker.HeartbeatInterval,
		OrphanTimeout:     c.Worker.OrphanTimeout,
		RecoveryInterval:  c.Worker.RecoveryInterval,
	}
}

// ExecutorConfig converts the worker section for executor.New
func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		StageTimeout: c.Worker.StageTimeout,
		WorkDir:      c.Worker.WorkDir,
		Env:          c.Worker.Env,
	}
}

// StageLimits converts the worker cgroup limits
func (c *Config) StageLimits() cgroups.Limits {
	return cgroups.Limits{
		CPUMax:    c.Worker.Cgroup.CPUMax,
		CPUWeight: c.Worker.Cgroup.CPUWeight,
		MemoryMax: c.Worker.Cgroup.MemoryMaxMB << 20,
	}
}

// TracingConfig converts the tracing section for tracing.InitTracer
func (c *Config) TracingConfig(version string) tracing.Config {
	return tracing.Config{
		ServiceName:    c.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    c.Tracing.Environment,
		OTLPEndpoint:   c.Tracing.Endpoint,
		Enabled:        c.Tracing.Enabled,
	}
}

// CleanupConfig converts the cleanup section for cleanup.NewManager
func (c *Config) CleanupConfig() cleanup.Config {
	return cleanup.Config{
		Enabled:         c.Cleanup.Enabled,
		Retention:       c.Cleanup.Retention,
		CleanupInterval: c.Cleanup.Interval,
		VacuumInterval:  c.Cleanup.VacuumInterval,
		InitialDelay:    c.Cleanup.InitialDelay,
	}
}

// MirrorConfig converts the mirror section for artifacts.NewMinIOMirror
func (c *Config) MirrorConfig() artifacts.MirrorConfig {
	return artifacts.MirrorConfig{
		Endpoint:  c.Mirror.Endpoint,
		AccessKey: c.Mirror.AccessKey,
		SecretKey: c.Mirror.SecretKey,
		Bucket:    c.Mirror.Bucket,
		Prefix:    c.Mirror.Prefix,
		UseSSL:    c.Mirror.UseSSL,
	}
}

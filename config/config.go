// Package config resolves the controller configuration once at startup.
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix          = "EVAL"
	ErrCodeInvalidConf = "CONFIG_INVALID"
)

// Config is the effective controller configuration.
type Config struct {
	ListenPort    int    `mapstructure:"listen_port" yaml:"listen_port"`
	RunnerDataDir string `mapstructure:"runner_data_dir" yaml:"runner_data_dir"`
	MaxRunnerNum  int    `mapstructure:"max_runner_num" yaml:"max_runner_num"`
	LocalHostIP   string `mapstructure:"local_host_ip" yaml:"local_host_ip"`

	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	Redis        RedisConfig        `mapstructure:"redis" yaml:"redis"`
	Provisioner  ProvisionerConfig  `mapstructure:"provisioner" yaml:"provisioner"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	Results      ResultsConfig      `mapstructure:"results" yaml:"results"`

	AgentTools    map[string]any `mapstructure:"agent_tools" yaml:"agent_tools,omitempty"`
	PlatformTools map[string]any `mapstructure:"platform_tools" yaml:"platform_tools,omitempty"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	Dir   string `mapstructure:"dir" yaml:"dir"`
	// Format is json or text.
	Format string `mapstructure:"format" yaml:"format"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"`
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout" yaml:"ping_timeout"`
}

type RedisConfig struct {
	Addr               string        `mapstructure:"addr" yaml:"addr"`
	Password           string        `mapstructure:"password" yaml:"password,omitempty"`
	DB                 int           `mapstructure:"db" yaml:"db"`
	PoolSize           int           `mapstructure:"pool_size" yaml:"pool_size"`
	StateTTL           time.Duration `mapstructure:"state_ttl" yaml:"state_ttl"`
	LockAcquireTimeout time.Duration `mapstructure:"lock_acquire_timeout" yaml:"lock_acquire_timeout"`
	LockLeaseTimeout   time.Duration `mapstructure:"lock_lease_timeout" yaml:"lock_lease_timeout"`
}

type ProvisionerConfig struct {
	Kind string `mapstructure:"kind" yaml:"kind"`
	// Executor is local or ssh.
	Executor         string         `mapstructure:"executor" yaml:"executor"`
	Namespace        string         `mapstructure:"namespace" yaml:"namespace"`
	Repo             string         `mapstructure:"repo" yaml:"repo"`
	Chart            string         `mapstructure:"chart" yaml:"chart"`
	Image            string         `mapstructure:"image" yaml:"image"`
	CreateRetries    int            `mapstructure:"create_retries" yaml:"create_retries"`
	CreateRetryDelay time.Duration  `mapstructure:"create_retry_delay" yaml:"create_retry_delay"`
	SSH              SSHConfig      `mapstructure:"ssh" yaml:"ssh"`
	Simulate         SimulateConfig `mapstructure:"simulate" yaml:"simulate"`
}

type SSHConfig struct {
	Port           int           `mapstructure:"port" yaml:"port"`
	User           string        `mapstructure:"user" yaml:"user"`
	Password       string        `mapstructure:"password" yaml:"password,omitempty"`
	PrivateKeyFile string        `mapstructure:"private_key_file" yaml:"private_key_file,omitempty"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	HostKey        string        `mapstructure:"host_key" yaml:"host_key,omitempty"`
}

// SimulateConfig drives the in-process executor attached to the noop flavor.
type SimulateConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	AckDelay time.Duration `mapstructure:"ack_delay" yaml:"ack_delay"`
	RunFor   time.Duration `mapstructure:"run_for" yaml:"run_for"`
}

type OrchestratorConfig struct {
	QueueSize           int           `mapstructure:"queue_size" yaml:"queue_size"`
	ReaperInterval      time.Duration `mapstructure:"reaper_interval" yaml:"reaper_interval"`
	MaxLifetime         time.Duration `mapstructure:"max_lifetime" yaml:"max_lifetime"`
	CancelGrace         time.Duration `mapstructure:"cancel_grace" yaml:"cancel_grace"`
	UnreachableInterval time.Duration `mapstructure:"unreachable_interval" yaml:"unreachable_interval"`
	PollInterval        time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ConvergenceInterval time.Duration `mapstructure:"convergence_interval" yaml:"convergence_interval"`
	MaxAbnormal         int           `mapstructure:"max_abnormal" yaml:"max_abnormal"`
	DispatchRetryDelay  time.Duration `mapstructure:"dispatch_retry_delay" yaml:"dispatch_retry_delay"`
	DispatchMaxRetries  int           `mapstructure:"dispatch_max_retries" yaml:"dispatch_max_retries"`
	TransitionTimeout   time.Duration `mapstructure:"transition_timeout" yaml:"transition_timeout"`
	TransitionPoll      time.Duration `mapstructure:"transition_poll" yaml:"transition_poll"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type ResultsConfig struct {
	Allure  AllureConfig `mapstructure:"allure" yaml:"allure"`
	Reports bool         `mapstructure:"reports" yaml:"reports"`
}

type AllureConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
	Region    string `mapstructure:"region" yaml:"region,omitempty"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
}

var defaults = map[string]any{
	"listen_port":     10083,
	"runner_data_dir": "/var/evaluation",
	"max_runner_num":  10,
	"local_host_ip":   "127.0.0.1",

	"log.level":  "info",
	"log.dir":    "/var/log/evaluation",
	"log.format": "json",

	"database.driver":            "sqlite",
	"database.dsn":               "/var/evaluation/evaluation.db",
	"database.max_open_conns":    10,
	"database.max_idle_conns":    5,
	"database.conn_max_lifetime": "30m",
	"database.ping_timeout":      "5s",

	"redis.addr":                 "127.0.0.1:6379",
	"redis.password":             "",
	"redis.db":                   0,
	"redis.pool_size":            10,
	"redis.state_ttl":            "1h",
	"redis.lock_acquire_timeout": "30s",
	"redis.lock_lease_timeout":   "20s",

	"provisioner.kind":                 "noop",
	"provisioner.executor":             "local",
	"provisioner.namespace":            "evaluation",
	"provisioner.repo":                 "evaluation",
	"provisioner.chart":                "evaluation-runner",
	"provisioner.image":                "evaluation-runner",
	"provisioner.create_retries":       2,
	"provisioner.create_retry_delay":   "5s",
	"provisioner.ssh.port":             22,
	"provisioner.ssh.user":             "root",
	"provisioner.ssh.password":         "",
	"provisioner.ssh.private_key_file": "",
	"provisioner.ssh.timeout":          "10s",
	"provisioner.ssh.host_key":         "",
	"provisioner.simulate.enabled":     false,
	"provisioner.simulate.interval":    "1s",
	"provisioner.simulate.ack_delay":   "2s",
	"provisioner.simulate.run_for":     "5m",

	"orchestrator.queue_size":           1024,
	"orchestrator.reaper_interval":      "3s",
	"orchestrator.max_lifetime":         "1h",
	"orchestrator.cancel_grace":         "30s",
	"orchestrator.unreachable_interval": "10s",
	"orchestrator.poll_interval":        "5s",
	"orchestrator.convergence_interval": "5s",
	"orchestrator.max_abnormal":         30,
	"orchestrator.dispatch_retry_delay": "5s",
	"orchestrator.dispatch_max_retries": 3,
	"orchestrator.transition_timeout":   "10s",
	"orchestrator.transition_poll":      "1s",
	"orchestrator.shutdown_timeout":     "30s",

	"results.allure.enabled":    false,
	"results.allure.endpoint":   "",
	"results.allure.access_key": "",
	"results.allure.secret_key": "",
	"results.allure.region":     "",
	"results.allure.use_ssl":    false,
	"results.allure.bucket":     "evaluation",
	"results.allure.prefix":     "allure",
	"results.reports":           true,

	"agent_tools":    map[string]any{},
	"platform_tools": map[string]any{},
}

// Load reads defaults, then the optional YAML file at path, then EVAL_*
// environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Default returns the configuration with no file and no environment.
func Default() Config {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var fields []goerrors.FieldError
	add := func(field, msg string, value any) {
		fields = append(fields, goerrors.FieldError{Field: field, Message: msg, Value: value})
	}

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		add("listen_port", "must be a valid port", c.ListenPort)
	}
	if strings.TrimSpace(c.RunnerDataDir) == "" {
		add("runner_data_dir", "is required", nil)
	}
	if c.MaxRunnerNum <= 0 {
		add("max_runner_num", "must be positive", c.MaxRunnerNum)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		add("database.driver", "must be sqlite or postgres", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		add("database.dsn", "is required", nil)
	}
	switch c.Provisioner.Kind {
	case "helm", "docker", "noop":
	default:
		add("provisioner.kind", "must be helm, docker or noop", c.Provisioner.Kind)
	}
	switch c.Provisioner.Executor {
	case "local", "ssh":
	default:
		add("provisioner.executor", "must be local or ssh", c.Provisioner.Executor)
	}
	if c.Provisioner.Kind != "noop" && c.Redis.Addr == "" {
		add("redis.addr", "is required by remote executors", nil)
	}
	if c.Provisioner.Executor == "ssh" && c.Provisioner.SSH.Password == "" && c.Provisioner.SSH.PrivateKeyFile == "" {
		add("provisioner.ssh", "password or private_key_file is required", nil)
	}
	if c.Results.Allure.Enabled && c.Results.Allure.Endpoint == "" {
		add("results.allure.endpoint", "is required when allure upload is enabled", nil)
	}

	o := c.Orchestrator
	for field, d := range map[string]time.Duration{
		"orchestrator.reaper_interval":      o.ReaperInterval,
		"orchestrator.max_lifetime":         o.MaxLifetime,
		"orchestrator.unreachable_interval": o.UnreachableInterval,
		"orchestrator.poll_interval":        o.PollInterval,
		"orchestrator.convergence_interval": o.ConvergenceInterval,
		"orchestrator.transition_timeout":   o.TransitionTimeout,
		"orchestrator.transition_poll":      o.TransitionPoll,
	} {
		if d <= 0 {
			add(field, "must be positive", d.String())
		}
	}
	if o.MaxAbnormal <= 0 {
		add("orchestrator.max_abnormal", "must be positive", o.MaxAbnormal)
	}

	if len(fields) == 0 {
		return nil
	}
	return goerrors.NewValidation("invalid configuration", fields...).WithTextCode(ErrCodeInvalidConf)
}

// Dump writes the configuration as YAML.
func (c Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.ListenPort)
}

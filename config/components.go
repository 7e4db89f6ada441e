package config

import (
	"net"
	"strconv"

	"github.com/taloric/df-evaluation/caserecord"
	"github.com/taloric/df-evaluation/provisioner"
	"github.com/taloric/df-evaluation/results"
	"github.com/taloric/df-evaluation/runtimestate"
	"github.com/taloric/df-evaluation/transition"
	"github.com/taloric/df-evaluation/worker"
)

func (c Config) DBConfig() caserecord.DBConfig {
	return caserecord.DBConfig{
		Driver:          caserecord.Dialect(c.Database.Driver),
		DSN:             c.Database.DSN,
		PingTimeout:     c.Database.PingTimeout,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
	}
}

func (c Config) RedisConfig() runtimestate.RedisConfig {
	return runtimestate.RedisConfig{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		PoolSize: c.Redis.PoolSize,
	}
}

// StateOptions carries the TTL and lock timeouts into a runtime state store.
func (c Config) StateOptions() []runtimestate.Option {
	return []runtimestate.Option{
		runtimestate.WithTTL(c.Redis.StateTTL),
		runtimestate.WithLockTimeouts(c.Redis.LockAcquireTimeout, c.Redis.LockLeaseTimeout),
	}
}

// ProvisionerConfig resolves the flavor settings, including the executor
// side configuration forwarded into every environment.
func (c Config) ProvisionerConfig() (provisioner.Config, error) {
	kind, err := provisioner.ParseKind(c.Provisioner.Kind)
	if err != nil {
		return provisioner.Config{}, err
	}
	return provisioner.Config{
		Kind:             kind,
		Namespace:        c.Provisioner.Namespace,
		Repo:             c.Provisioner.Repo,
		Chart:            c.Provisioner.Chart,
		Image:            c.Provisioner.Image,
		DataDir:          c.RunnerDataDir,
		CreateRetries:    c.Provisioner.CreateRetries,
		CreateRetryDelay: c.Provisioner.CreateRetryDelay,
		RunnerConfig: provisioner.RunnerConfig{
			Redis:         c.runnerRedis(),
			Database:      map[string]any{"driver": c.Database.Driver, "dsn": c.Database.DSN},
			ListenPort:    c.ListenPort,
			AgentTools:    c.AgentTools,
			PlatformTools: c.PlatformTools,
			DataDir:       c.RunnerDataDir,
		},
	}, nil
}

func (c Config) runnerRedis() map[string]any {
	out := map[string]any{"db": c.Redis.DB}
	host, port, err := net.SplitHostPort(c.Redis.Addr)
	if err != nil {
		out["host"] = c.Redis.Addr
	} else {
		out["host"] = host
		if p, err := strconv.Atoi(port); err == nil {
			out["port"] = p
		}
	}
	if c.Redis.Password != "" {
		out["password"] = c.Redis.Password
	}
	return out
}

// SSHConfig targets the host the helm and docker commands run on.
func (c Config) SSHConfig() provisioner.SSHConfig {
	s := c.Provisioner.SSH
	return provisioner.SSHConfig{
		Host:           c.LocalHostIP,
		Port:           s.Port,
		User:           s.User,
		Password:       s.Password,
		PrivateKeyFile: s.PrivateKeyFile,
		Timeout:        s.Timeout,
		KnownHostsKey:  s.HostKey,
	}
}

// UseSSH reports whether provisioner commands go through SSH.
func (c Config) UseSSH() bool { return c.Provisioner.Executor == "ssh" }

func (c Config) AgentConfig() runtimestate.AgentConfig {
	return runtimestate.AgentConfig{
		Interval: c.Provisioner.Simulate.Interval,
		AckDelay: c.Provisioner.Simulate.AckDelay,
		RunFor:   c.Provisioner.Simulate.RunFor,
	}
}

func (c Config) WorkerConfig() worker.Config {
	o := c.Orchestrator
	return worker.Config{
		DataDir:             c.RunnerDataDir,
		UnreachableInterval: o.UnreachableInterval,
		PollInterval:        o.PollInterval,
		ConvergenceInterval: o.ConvergenceInterval,
		MaxAbnormal:         o.MaxAbnormal,
		MaxLifetime:         o.MaxLifetime,
	}
}

func (c Config) TransitionConfig() transition.Config {
	return transition.Config{
		MaxRunners:   c.MaxRunnerNum,
		Timeout:      c.Orchestrator.TransitionTimeout,
		PollInterval: c.Orchestrator.TransitionPoll,
	}
}

func (c Config) MinioConfig() results.MinioConfig {
	a := c.Results.Allure
	return results.MinioConfig{
		Endpoint:  a.Endpoint,
		AccessKey: a.AccessKey,
		SecretKey: a.SecretKey,
		Region:    a.Region,
		UseSSL:    a.UseSSL,
		Bucket:    a.Bucket,
		Prefix:    a.Prefix,
	}
}

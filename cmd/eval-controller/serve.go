package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	evaluation "github.com/taloric/df-evaluation"
	"github.com/taloric/df-evaluation/api"
	"github.com/taloric/df-evaluation/caserecord"
	"github.com/taloric/df-evaluation/config"
	"github.com/taloric/df-evaluation/dispatcher"
	"github.com/taloric/df-evaluation/provisioner"
	"github.com/taloric/df-evaluation/results"
	"github.com/taloric/df-evaluation/runtimestate"
	"github.com/taloric/df-evaluation/transition"
	"github.com/taloric/df-evaluation/worker"
)

// ServeCmd runs the controller until SIGINT or SIGTERM.
type ServeCmd struct {
	Addr string `help:"Listen address, overrides listen_port." placeholder:"HOST:PORT"`
}

func (s *ServeCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newController(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	addr := s.Addr
	if addr == "" {
		addr = cfg.Addr()
	}
	return c.serve(ctx, addr)
}

// controller owns every long lived component of a serve run.
type controller struct {
	cfg    config.Config
	logger evaluation.Logger

	db      *sql.DB
	redis   *redis.Client
	records caserecord.Store
	state   runtimestate.Store

	queue    *dispatcher.Queue
	registry *dispatcher.Registry
	disp     *dispatcher.Dispatcher
	reaper   *dispatcher.Reaper
	cases    *transition.Service
	handler  http.Handler
}

func newController(ctx context.Context, cfg config.Config, logger evaluation.Logger) (*controller, error) {
	c := &controller{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			c.close()
		}
	}()

	db, err := caserecord.Open(ctx, cfg.DBConfig())
	if err != nil {
		return nil, fmt.Errorf("case records: %w", err)
	}
	c.db = db
	c.records = caserecord.NewSQLStore(db, caserecord.Dialect(cfg.Database.Driver))

	// nothing survives a restart: workers are gone, so their cases are not resumed
	if _, err := caserecord.Recover(ctx, c.records, logger); err != nil {
		return nil, err
	}

	if err := c.openState(ctx); err != nil {
		return nil, err
	}
	prov, err := c.provisioner()
	if err != nil {
		return nil, err
	}
	collectors, err := c.collectors()
	if err != nil {
		return nil, err
	}

	workerCfg := cfg.WorkerConfig()
	c.queue = dispatcher.NewQueue(cfg.Orchestrator.QueueSize)
	c.registry = dispatcher.NewRegistry()
	c.disp = dispatcher.New(c.queue, c.registry, func(p evaluation.CaseParams) *worker.Worker {
		return worker.New(p, c.records, c.state, prov,
			worker.WithConfig(workerCfg),
			worker.WithLogger(logger),
			worker.WithCollectors(collectors...),
		)
	},
		dispatcher.WithLogger(logger),
		dispatcher.WithRetry(cfg.Orchestrator.DispatchRetryDelay, cfg.Orchestrator.DispatchMaxRetries),
		dispatcher.WithReplaceWait(cfg.Orchestrator.CancelGrace),
	)
	c.reaper = dispatcher.NewReaper(c.registry,
		dispatcher.WithSweepInterval(cfg.Orchestrator.ReaperInterval),
		dispatcher.WithCancelGrace(cfg.Orchestrator.CancelGrace),
		dispatcher.WithReaperLogger(logger),
	)
	c.cases = transition.New(c.records, c.queue,
		transition.WithConfig(cfg.TransitionConfig()),
		transition.WithLogger(logger),
	)

	c.handler, err = api.New(api.Config{
		Cases:   c.cases,
		Logs:    results.NewLogStore(cfg.RunnerDataDir),
		DataDir: cfg.RunnerDataDir,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return c, nil
}

// openState uses redis for real executors. The noop flavor keeps state in
// process since its simulated executor lives here too.
func (c *controller) openState(ctx context.Context) error {
	opts := append(c.cfg.StateOptions(), runtimestate.WithLogger(c.logger))
	if c.cfg.Provisioner.Kind == string(provisioner.KindNoop) {
		c.state = runtimestate.NewMemoryStore(opts...)
		return nil
	}
	client, err := runtimestate.DialRedis(ctx, c.cfg.RedisConfig())
	if err != nil {
		return fmt.Errorf("runtime state: %w", err)
	}
	c.redis = client
	c.state = runtimestate.NewRedisStore(client, opts...)
	return nil
}

func (c *controller) provisioner() (provisioner.Provisioner, error) {
	pcfg, err := c.cfg.ProvisionerConfig()
	if err != nil {
		return nil, err
	}

	var exec provisioner.Executor
	switch {
	case pcfg.Kind == provisioner.KindNoop:
	case c.cfg.UseSSH():
		if exec, err = provisioner.NewSSHExecutor(c.cfg.SSHConfig(), c.logger); err != nil {
			return nil, err
		}
	default:
		exec = provisioner.LocalExecutor{}
	}

	prov, err := provisioner.New(pcfg, exec, c.logger)
	if err != nil {
		return nil, err
	}
	if noop, ok := prov.(*provisioner.Noop); ok && c.cfg.Provisioner.Simulate.Enabled {
		noop.WithSimulatedExecutor(c.state, c.cfg.AgentConfig(), c.logger)
	}
	c.logger.Info("provisioner ready", "kind", pcfg.Kind, "ssh", c.cfg.UseSSH())
	return prov, nil
}

func (c *controller) collectors() ([]results.Collector, error) {
	var (
		out   []results.Collector
		store results.ObjectStore
	)
	allure := c.cfg.Results.Allure
	if allure.Enabled {
		ms, err := results.NewMinioStore(c.cfg.MinioConfig())
		if err != nil {
			return nil, err
		}
		store = ms
		out = append(out, results.NewAllureUploader(ms, allure.Bucket, allure.Prefix))
	}
	if c.cfg.Results.Reports {
		out = append(out, results.NewReportIndexer(store, allure.Bucket, "reports"))
	}
	return out, nil
}

// serve runs the dispatcher, the reaper and the HTTP server until ctx ends,
// then drains them within the shutdown timeout.
func (c *controller) serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           c.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	dispDone := make(chan error, 1)
	go func() { dispDone <- c.disp.Run(ctx) }()

	if err := c.reaper.Start(ctx); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}

	srvErr := make(chan error, 1)
	go func() {
		c.logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		c.logger.Info("shutdown requested")
	case err := <-srvErr:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Orchestrator.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.logger.Warn("http shutdown", "error", err)
	}
	if err := c.reaper.Stop(shutdownCtx); err != nil {
		c.logger.Warn("reaper stop", "error", err)
	}
	// a final sweep tears down whatever already finished
	res := c.reaper.Sweep(shutdownCtx)
	c.logger.Info("controller stopped", "evicted", res.Evicted, "live_workers", c.registry.Len())

	if runErr == nil {
		select {
		case err := <-dispDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				runErr = err
			}
		case <-shutdownCtx.Done():
		}
	}
	return runErr
}

func (c *controller) close() {
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.logger.Warn("close redis", "error", err)
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.Warn("close database", "error", err)
		}
	}
}

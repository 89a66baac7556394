/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package daemon wires the store, executors, collectors, scheduler, health
// evaluator and alert engine into one long running service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/carverauto/fleetwatch/pkg/alert"
	"github.com/carverauto/fleetwatch/pkg/collector"
	"github.com/carverauto/fleetwatch/pkg/config"
	"github.com/carverauto/fleetwatch/pkg/executor"
	"github.com/carverauto/fleetwatch/pkg/health"
	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/metrics"
	"github.com/carverauto/fleetwatch/pkg/models"
	"github.com/carverauto/fleetwatch/pkg/natsutil"
	"github.com/carverauto/fleetwatch/pkg/query"
	"github.com/carverauto/fleetwatch/pkg/scheduler"
	"github.com/carverauto/fleetwatch/pkg/store"
)

const (
	storeOpTimeout = 10 * time.Second
	redisTimeout   = 5 * time.Second
)

var _ alert.Publisher = (*natsutil.EventPublisher)(nil)

type Option func(*options)

type options struct {
	registerer    prometheus.Registerer
	exec          executor.Executor
	clock         scheduler.Clock
	healthOptions []health.Option
	alertOptions  []alert.Option
}

// WithRegisterer registers daemon metrics somewhere other than the default
// prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithExecutor replaces the local/SSH router.
func WithExecutor(exec executor.Executor) Option {
	return func(o *options) { o.exec = exec }
}

func WithClock(clock scheduler.Clock) Option {
	return func(o *options) { o.clock = clock }
}

func WithHealthOptions(opts ...health.Option) Option {
	return func(o *options) { o.healthOptions = append(o.healthOptions, opts...) }
}

func WithAlertOptions(opts ...alert.Option) Option {
	return func(o *options) { o.alertOptions = append(o.alertOptions, opts...) }
}

// Daemon implements lifecycle.Service.
type Daemon struct {
	snapshot  *config.Snapshot[Config]
	store     *store.SQLStore
	scheduler *scheduler.Scheduler
	evaluator *health.Evaluator
	engine    *alert.Engine
	query     *query.Service
	metrics   *metrics.Metrics
	nc        *nats.Conn
	redis     redis.UniversalClient
	logger    logger.Logger

	collectors atomic.Pointer[collector.Registry]

	reloadMu  sync.Mutex
	closeOnce sync.Once
}

// New opens the store and builds every component from the active snapshot.
// On error everything opened so far is closed again.
func New(ctx context.Context, snap *config.Snapshot[Config], log logger.Logger, opts ...Option) (d *Daemon, err error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	cfg := snap.Load()

	d = &Daemon{
		snapshot: snap,
		metrics:  metrics.New(o.registerer),
		logger:   log,
	}

	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if d.store, err = store.Open(ctx, cfg.Store, log); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	exec := o.exec
	if exec == nil {
		if exec, err = newRouter(cfg, log); err != nil {
			return nil, err
		}
	}

	schedOpts := []scheduler.Option{scheduler.WithMetrics(d.metrics)}

	if cfg.Redis != nil && cfg.Redis.Addr != "" {
		d.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		schedOpts = append(schedOpts, scheduler.WithLease(scheduler.NewRedisLease(d.redis, leaseOwner(), cfg.Redis.Prefix)))
	}

	if d.scheduler, err = scheduler.New(&cfg.Scheduler, d.store, exec, o.clock, log, schedOpts...); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	healthOpts := append([]health.Option{
		health.WithAnomalySink(d.scheduler),
		health.WithMetrics(d.metrics),
	}, o.healthOptions...)

	if d.evaluator, err = health.NewEvaluator(&cfg.Health, d.store, log, healthOpts...); err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}

	alertOpts := []alert.Option{alert.WithMetrics(d.metrics)}

	if cfg.Alerting.NATS != nil && cfg.Alerting.NATS.URL != "" {
		publisher, nc, err := natsutil.Connect(ctx, cfg.Alerting.NATS, log)
		if err != nil {
			return nil, fmt.Errorf("alert stream: %w", err)
		}

		d.nc = nc
		alertOpts = append(alertOpts, alert.WithPublisher(publisher))
	}

	if d.engine, err = alert.NewEngine(d.store, cfg.Alerting.Rules, log, append(alertOpts, o.alertOptions...)...); err != nil {
		return nil, fmt.Errorf("alerting: %w", err)
	}

	d.query = query.NewService(d.store, cfg.Health.StaleAfter.Std(), log)

	if err = d.registerCollectors(ctx, cfg); err != nil {
		return nil, err
	}

	if err = d.applyInventory(ctx, cfg); err != nil {
		return nil, err
	}

	d.metrics.SetStoreDegraded(d.store.Status().Degraded)

	return d, nil
}

func newRouter(cfg *Config, log logger.Logger) (executor.Executor, error) {
	local := executor.NewLocalExecutor(cfg.Shell, log)

	if !cfg.hasRemote() {
		return executor.NewRouter(local, nil), nil
	}

	remote, err := executor.NewSSHExecutor(cfg.SSH, log)
	if err != nil {
		return nil, fmt.Errorf("ssh executor: %w", err)
	}

	return executor.NewRouter(local, remote), nil
}

func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "fleetwatch"
	}

	return host + ":" + strconv.Itoa(os.Getpid())
}

// registerCollectors records the version of every configured collector and
// logs parser or schema changes since the previous run.
func (d *Daemon) registerCollectors(ctx context.Context, cfg *Config) error {
	reg := collector.NewRegistry()

	for i := range cfg.Collectors {
		c, err := collector.Build(cfg.Collectors[i].spec(0))
		if err != nil {
			return fmt.Errorf("collector %q: %w", cfg.Collectors[i].Name, err)
		}

		if err := reg.Register(c); err != nil {
			return err
		}
	}

	now := time.Now().UTC()

	for _, desc := range reg.Descriptors() {
		change, err := d.store.RegisterCollector(ctx, desc, now)
		if err != nil {
			return fmt.Errorf("register collector %q: %w", desc.Name, err)
		}

		if change != nil {
			d.logger.Info().Str("collector", change.Name).
				Int("old_parser_version", change.OldParserVersion).
				Int("new_parser_version", change.NewParserVersion).
				Int("old_schema_version", change.OldSchemaVersion).
				Int("new_schema_version", change.NewSchemaVersion).
				Msg("Collector version changed")
		}
	}

	d.collectors.Store(reg)

	return nil
}

// applyInventory persists the machine list and hands the assignments to the
// scheduler.
func (d *Daemon) applyInventory(ctx context.Context, cfg *Config) error {
	assignments, err := buildAssignments(cfg)
	if err != nil {
		return err
	}

	for i := range assignments {
		if err := d.store.SyncMachine(ctx, &assignments[i].Machine); err != nil {
			return fmt.Errorf("sync machine %q: %w", assignments[i].Machine.ID, err)
		}
	}

	if err := d.scheduler.Sync(assignments); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}

	d.logger.Info().Int("machines", len(assignments)).Int("collectors", len(cfg.Collectors)).Msg("Inventory applied")

	return nil
}

func buildAssignments(cfg *Config) ([]scheduler.Assignment, error) {
	out := make([]scheduler.Assignment, 0, len(cfg.Machines))

	for i := range cfg.Machines {
		m := &cfg.Machines[i]

		a := scheduler.Assignment{
			Machine: models.Machine{
				ID:      m.ID,
				Target:  m.Target,
				Tags:    m.Tags,
				Enabled: m.IsEnabled(),
			},
		}

		for _, cc := range cfg.collectorsFor(m) {
			c, err := collector.Build(cc.spec(m.Intervals[cc.Name]))
			if err != nil {
				return nil, fmt.Errorf("collector %q on %q: %w", cc.Name, m.ID, err)
			}

			a.Collectors = append(a.Collectors, c)
		}

		out = append(out, a)
	}

	return out, nil
}

// Start runs the scheduler, the health loop and the retention janitor until
// ctx is canceled or one of them fails.
func (d *Daemon) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.scheduler.Start(gctx)
	})

	g.Go(func() error {
		return d.runEvery(gctx, d.evaluator.Interval(), d.RunHealthCycle)
	})

	if retention := d.snapshot.Load().Retention; retention.enabled() {
		g.Go(func() error {
			return d.runEvery(gctx, retention.Interval.Std(), func(ctx context.Context) error {
				_, err := d.RunRetention(ctx)
				return err
			})
		})
	}

	g.Go(func() error {
		d.watchReload(gctx)
		return nil
	})

	d.logger.Info().Msg("Daemon started")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// runEvery calls fn on every tick. Errors are logged and the loop goes on.
func (d *Daemon) runEvery(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	if interval <= 0 {
		return errInvalidInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn().Err(err).Msg("Periodic task failed")
			}
		}
	}
}

// RunHealthCycle evaluates every enabled machine and feeds the snapshots to
// the alert engine.
func (d *Daemon) RunHealthCycle(ctx context.Context) error {
	cfg := d.snapshot.Load()

	ids := make([]string, 0, len(cfg.Machines))

	for i := range cfg.Machines {
		if cfg.Machines[i].IsEnabled() {
			ids = append(ids, cfg.Machines[i].ID)
		}
	}

	d.metrics.SetStoreDegraded(d.store.Status().Degraded)

	var errs []error

	for _, snap := range d.evaluator.EvaluateAll(ctx, ids) {
		if _, err := d.engine.Process(ctx, snap); err != nil {
			errs = append(errs, fmt.Errorf("alerts for %s: %w", snap.MachineID, err))
		}
	}

	return errors.Join(errs...)
}

// RunRetention applies the configured retention policy once.
func (d *Daemon) RunRetention(ctx context.Context) (*store.RetentionResult, error) {
	cfg := d.snapshot.Load()

	rctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	res, err := d.store.ApplyRetention(rctx, cfg.Retention.policy(), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("retention: %w", err)
	}

	d.metrics.RetentionPurged(res.Deleted)

	d.logger.Debug().Interface("deleted", res.Deleted).Msg("Retention applied")

	return res, nil
}

func (d *Daemon) watchReload(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := d.Reload(ctx); err != nil {
				d.logger.Error().Err(err).Msg("Reload failed, keeping previous configuration")
			}
		}
	}
}

// Reload reads the configuration again and applies the machine and
// collector inventory. Store, listener and alerting settings need a restart.
func (d *Daemon) Reload(ctx context.Context) error {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	prev := d.snapshot.Load()

	next, err := d.snapshot.Reload(ctx)
	if err != nil {
		return err
	}

	if next.Store.Backend != prev.Store.Backend || next.ListenAddr != prev.ListenAddr {
		d.logger.Warn().Msg("Store and listener changes take effect after a restart")
	}

	if err := d.registerCollectors(ctx, next); err != nil {
		return err
	}

	return d.applyInventory(ctx, next)
}

// Acknowledge acknowledges an open alert on behalf of actor.
func (d *Daemon) Acknowledge(ctx context.Context, alertID, actor string) (*models.Alert, error) {
	if actor == "" {
		return nil, errAckActorRequired
	}

	return d.engine.Acknowledge(ctx, alertID, actor)
}

// Subscribe delivers alert transitions in process.
func (d *Daemon) Subscribe() (<-chan alert.Transition, func()) {
	return d.engine.Subscribe(d.snapshot.Load().Alerting.SubscriberBuffer)
}

// Collectors lists the descriptors of the configured collectors.
func (d *Daemon) Collectors() []models.CollectorDescriptor {
	if reg := d.collectors.Load(); reg != nil {
		return reg.Descriptors()
	}

	return nil
}

func (d *Daemon) Query() *query.Service {
	return d.query
}

func (d *Daemon) Scheduler() *scheduler.Scheduler {
	return d.scheduler
}

// Healthy reports the store condition for /healthz.
func (d *Daemon) Healthy() error {
	st := d.store.Status()
	if st.Degraded {
		return fmt.Errorf("store degraded: %s", st.LastError)
	}

	return nil
}

// Routes are the HTTP endpoints mounted next to /metrics and /healthz.
func (d *Daemon) Routes() map[string]http.Handler {
	routes := d.query.Routes()
	routes["POST /api/v1/alerts/{id}/ack"] = http.HandlerFunc(d.handleAcknowledge)
	routes["GET /api/v1/collectors"] = http.HandlerFunc(d.handleCollectors)

	return routes
}

// Stop implements lifecycle.Service.
func (d *Daemon) Stop(ctx context.Context) error {
	err := d.scheduler.Stop(ctx)

	d.close()

	return err
}

func (d *Daemon) close() {
	d.closeOnce.Do(func() {
		if d.nc != nil {
			if err := d.nc.Drain(); err != nil {
				d.logger.Warn().Err(err).Msg("Failed to drain NATS connection")
			}
		}

		if d.redis != nil {
			if err := d.redis.Close(); err != nil {
				d.logger.Warn().Err(err).Msg("Failed to close redis client")
			}
		}

		if d.store != nil {
			if err := d.store.Close(); err != nil {
				d.logger.Warn().Err(err).Msg("Failed to close store")
			}
		}
	})
}

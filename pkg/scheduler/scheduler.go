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

// Package scheduler runs collectors against machines on adaptive intervals
// with bounded concurrency and commits their results to the store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/carverauto/fleetwatch/pkg/collector"
	"github.com/carverauto/fleetwatch/pkg/executor"
	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/metrics"
	"github.com/carverauto/fleetwatch/pkg/models"
)

// Assignment is a machine and the collectors that run against it.
type Assignment struct {
	Machine    models.Machine
	Collectors []collector.Collector
}

type pairKey struct {
	machineID string
	source    string
}

func (k pairKey) String() string {
	return k.machineID + "/" + k.source
}

type pairState struct {
	key         pairKey
	collector   collector.Collector
	desc        models.CollectorDescriptor
	effective   time.Duration
	attempted   bool
	lastAttempt time.Time
	failures    int
	toolChecked bool
}

type machineState struct {
	machine        models.Machine
	sem            *semaphore.Weighted
	liveness       models.Liveness
	unreachable    int
	lastProbe      time.Time
	anomalousUntil time.Time
	pairs          []*pairState
}

// PairStatus is a read-only view of one pair's scheduling state.
type PairStatus struct {
	MachineID   string
	Source      string
	Interval    time.Duration
	Effective   time.Duration
	Failures    int
	Attempted   bool
	LastAttempt time.Time
}

// Scheduler owns all mutable scheduling state.
type Scheduler struct {
	cfg     settings
	store   Store
	exec    executor.Executor
	clock   Clock
	logger  logger.Logger
	metrics *metrics.Metrics
	lease   Lease
	guard   *flightGuard
	slots   *semaphore.Weighted

	mu            sync.Mutex
	machines      map[string]*machineState
	storeFailures int

	wg        sync.WaitGroup
	fatal     chan error
	running   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

type Option func(*Scheduler)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLease makes the single-flight guard hold a lease per pair.
func WithLease(l Lease) Option {
	return func(s *Scheduler) { s.lease = l }
}

// New creates a scheduler. Machines and collectors are installed with Sync.
func New(cfg *Config, st Store, exec executor.Executor, clock Clock, log logger.Logger, opts ...Option) (*Scheduler, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if clock == nil {
		clock = realClock{}
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	s := &Scheduler{
		cfg:      cfg.resolve(),
		store:    st,
		exec:     exec,
		clock:    clock,
		logger:   log,
		machines: make(map[string]*machineState),
		fatal:    make(chan error, 1),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.slots = semaphore.NewWeighted(int64(s.cfg.machineSlots))
	s.guard = newFlightGuard(s.lease, s.cfg.leaseTTL, log)

	return s, nil
}

// Sync installs the machine and collector set, keeping the state of pairs
// that survive. Disabled machines are dropped.
func (s *Scheduler) Sync(assignments []Assignment) error {
	for _, a := range assignments {
		if a.Machine.ID == "" {
			return errMachineIDRequired
		}

		seen := make(map[string]struct{}, len(a.Collectors))

		for _, c := range a.Collectors {
			desc := c.Descriptor()

			switch {
			case desc.Name == "":
				return fmt.Errorf("%w: machine %s", errCollectorUnnamed, a.Machine.ID)
			case desc.Interval <= 0:
				return fmt.Errorf("%w: %s/%s", errInvalidInterval, a.Machine.ID, desc.Name)
			}

			if _, dup := seen[desc.Name]; dup {
				return fmt.Errorf("%w: %s/%s", errDuplicatePair, a.Machine.ID, desc.Name)
			}

			seen[desc.Name] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*machineState, len(assignments))

	for _, a := range assignments {
		if !a.Machine.Enabled {
			continue
		}

		ms, ok := s.machines[a.Machine.ID]
		if !ok {
			ms = &machineState{
				sem:      semaphore.NewWeighted(int64(s.cfg.perMachineSlots)),
				liveness: models.LivenessUnknown,
			}
		}

		ms.machine = a.Machine

		old := make(map[string]*pairState, len(ms.pairs))
		for _, ps := range ms.pairs {
			old[ps.key.source] = ps
		}

		ms.pairs = ms.pairs[:0:0]

		for _, c := range a.Collectors {
			desc := c.Descriptor()

			ps, kept := old[desc.Name]
			if !kept {
				ps = &pairState{key: pairKey{machineID: a.Machine.ID, source: desc.Name}}
			}

			baseChanged := ps.desc.Interval != desc.Interval
			ps.collector = c
			ps.desc = desc

			if !kept || (baseChanged && ps.failures == 0) {
				ps.effective = desc.Interval
				s.metrics.SetInterval(a.Machine.ID, desc.Name, desc.Interval)
			}

			ms.pairs = append(ms.pairs, ps)
		}

		next[a.Machine.ID] = ms
	}

	s.machines = next

	return nil
}

// FlagAnomalous speeds up high-value collectors on the machine until the
// given time.
func (s *Scheduler) FlagAnomalous(machineID string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ms, ok := s.machines[machineID]; ok && until.After(ms.anomalousUntil) {
		ms.anomalousUntil = until
	}
}

// Pairs reports the scheduling state of every pair, ordered by machine and
// source.
func (s *Scheduler) Pairs() []PairStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []PairStatus

	for _, ms := range s.machines {
		for _, ps := range ms.pairs {
			out = append(out, PairStatus{
				MachineID:   ps.key.machineID,
				Source:      ps.key.source,
				Interval:    ps.desc.Interval,
				Effective:   ps.effective,
				Failures:    ps.failures,
				Attempted:   ps.attempted,
				LastAttempt: ps.lastAttempt,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].MachineID != out[j].MachineID {
			return out[i].MachineID < out[j].MachineID
		}

		return out[i].Source < out[j].Source
	})

	return out
}

// Liveness returns the scheduler's view of a machine.
func (s *Scheduler) Liveness(machineID string) models.Liveness {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ms, ok := s.machines[machineID]; ok {
		return ms.liveness
	}

	return models.LivenessUnknown
}

// Start implements the lifecycle.Service interface.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}

	ticker := s.clock.Ticker(s.cfg.tick)
	defer ticker.Stop()

	s.logger.Info().Dur("tick", s.cfg.tick).
		Int("machine_slots", s.cfg.machineSlots).
		Int("per_machine_slots", s.cfg.perMachineSlots).
		Msg("Starting scheduler")

	defer s.wg.Wait()

	s.dispatch(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case err := <-s.fatal:
			s.logger.Error().Err(err).Msg("Scheduler stopping")

			return err
		case <-ticker.Chan():
			s.dispatch(ctx)
		}
	}
}

// Stop implements the lifecycle.Service interface.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	waited := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs a single cycle and waits for every attempt it started.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := s.clock.Now()

	s.dispatch(ctx)
	s.wg.Wait()

	s.metrics.ObserveCycle(s.clock.Now().Sub(start))

	select {
	case err := <-s.fatal:
		return err
	default:
		return ctx.Err()
	}
}

type machineWork struct {
	ms    *machineState
	pairs []*pairState
}

// plan selects due pairs in order: never run first, then oldest attempt,
// then machine id, then source.
func (s *Scheduler) plan(now time.Time) ([]machineWork, []*machineState, []*models.IntervalDecision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		due       []*pairState
		probes    []*machineState
		decisions []*models.IntervalDecision
	)

	owner := make(map[pairKey]*machineState)

	for _, ms := range s.machines {
		if ms.liveness == models.LivenessOffline {
			if now.Sub(ms.lastProbe) >= s.cfg.livenessInterval {
				probes = append(probes, ms)
			}

			continue
		}

		for _, ps := range ms.pairs {
			if d := s.refreshInterval(ms, ps, now); d != nil {
				decisions = append(decisions, d)
			}

			if ps.due(now) {
				due = append(due, ps)
				owner[ps.key] = ms
			}
		}
	}

	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]

		if a.attempted != b.attempted {
			return !a.attempted
		}

		if !a.lastAttempt.Equal(b.lastAttempt) {
			return a.lastAttempt.Before(b.lastAttempt)
		}

		if a.key.machineID != b.key.machineID {
			return a.key.machineID < b.key.machineID
		}

		return a.key.source < b.key.source
	})

	var work []machineWork

	index := make(map[string]int)

	for _, ps := range due {
		i, ok := index[ps.key.machineID]
		if !ok {
			i = len(work)
			index[ps.key.machineID] = i
			work = append(work, machineWork{ms: owner[ps.key]})
		}

		work[i].pairs = append(work[i].pairs, ps)
	}

	sort.Slice(probes, func(i, j int) bool { return probes[i].machine.ID < probes[j].machine.ID })

	return work, probes, decisions
}

func (s *Scheduler) dispatch(ctx context.Context) {
	now := s.clock.Now()
	work, probes, decisions := s.plan(now)

	s.recordDecisions(ctx, decisions)

	for _, ms := range probes {
		s.mu.Lock()
		key := "probe/" + ms.machine.ID
		s.mu.Unlock()

		if !s.guard.tryAcquire(ctx, key) {
			continue
		}

		s.wg.Add(1)

		go func(ms *machineState) {
			defer s.wg.Done()
			defer s.guard.release(key)

			s.probe(ctx, ms)
		}(ms)
	}

	for _, w := range work {
		claimed := w.pairs[:0:0]

		for _, ps := range w.pairs {
			if !s.guard.tryAcquire(ctx, ps.key.String()) {
				s.metrics.SkippedBusy()
				s.logger.Debug().Str("pair", ps.key.String()).Msg("Previous attempt still running, skipping")

				continue
			}

			claimed = append(claimed, ps)
		}

		if len(claimed) == 0 {
			continue
		}

		s.wg.Add(1)

		go s.runMachine(ctx, w.ms, claimed)
	}
}

// runMachine holds one machine slot while the machine's due pairs run, at
// most perMachineSlots at a time.
func (s *Scheduler) runMachine(ctx context.Context, ms *machineState, pairs []*pairState) {
	defer s.wg.Done()

	if err := s.slots.Acquire(ctx, 1); err != nil {
		for _, ps := range pairs {
			s.guard.release(ps.key.String())
		}

		return
	}
	defer s.slots.Release(1)

	var mwg sync.WaitGroup

	for _, ps := range pairs {
		if err := ms.sem.Acquire(ctx, 1); err != nil {
			s.guard.release(ps.key.String())
			continue
		}

		mwg.Add(1)

		go func(ps *pairState) {
			defer mwg.Done()
			defer ms.sem.Release(1)
			defer s.guard.release(ps.key.String())

			s.attempt(ctx, ms, ps)
		}(ps)
	}

	mwg.Wait()
}

func (s *Scheduler) recordDecisions(ctx context.Context, decisions []*models.IntervalDecision) {
	for _, d := range decisions {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.commitTimeout)
		err := s.store.RecordIntervalDecision(wctx, d)
		cancel()

		if err != nil {
			s.logger.Warn().Err(err).Str("machine_id", d.MachineID).Str("source", d.Source).
				Msg("Failed to record interval decision")

			continue
		}

		s.logger.Debug().Str("machine_id", d.MachineID).Str("source", d.Source).
			Dur("old", d.OldInterval).Dur("new", d.NewInterval).Str("reason", d.Reason).
			Msg("Interval changed")
	}
}

func (s *Scheduler) noteStoreResult(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		s.storeFailures = 0
		return
	}

	s.storeFailures++

	if s.storeFailures >= s.cfg.storeFailureLimit {
		select {
		case s.fatal <- fmt.Errorf("%w: %d in a row, last: %w", ErrStoreUnavailable, s.storeFailures, err):
		default:
		}
	}
}

func (s *Scheduler) offlineCount() int {
	n := 0

	for _, ms := range s.machines {
		if ms.liveness == models.LivenessOffline {
			n++
		}
	}

	return n
}

func (s *Scheduler) updateLiveness(ctx context.Context, machineID string, liveness models.Liveness, failures int, seen *time.Time) {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.commitTimeout)
	defer cancel()

	if err := s.store.UpdateLiveness(wctx, machineID, liveness, failures, seen); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn().Err(err).Str("machine_id", machineID).Msg("Failed to persist liveness")
	}
}

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

package alert

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/metrics"
	"github.com/carverauto/fleetwatch/pkg/models"
	"github.com/carverauto/fleetwatch/pkg/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLStore {
	t.Helper()

	st, err := store.OpenSQLite(context.Background(),
		store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "fleet.db"), PoolSize: 2}, false, logger.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return st
}

func snapshot(at time.Time, factorID string, sev models.Severity, score float64) *models.HealthSnapshot {
	return &models.HealthSnapshot{
		MachineID:   "m1",
		EvaluatedAt: at,
		Severity:    sev,
		Score:       score,
		WorstFactor: factorID,
		Factors: []models.HealthFactor{{
			MachineID:   "m1",
			FactorID:    factorID,
			EvaluatedAt: at,
			Severity:    sev,
			Score:       score,
			Summary:     "/ " + string(sev),
			Evidence:    []models.EvidenceRef{{Table: store.TableDiskSamples, Source: "disk_df", CollectedAt: at, Discriminator: "/"}},
		}},
	}
}

// racingStore runs a hook right after a read returns, so another writer can
// change the alert between the engine's read and its write.
type racingStore struct {
	*store.SQLStore
	afterGet    func()
	afterActive func()
}

func (s *racingStore) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	a, err := s.SQLStore.GetAlert(ctx, alertID)

	if hook := s.afterGet; hook != nil {
		s.afterGet = nil
		hook()
	}

	return a, err
}

func (s *racingStore) ActiveAlert(ctx context.Context, machineID, alertType string) (*models.Alert, error) {
	a, err := s.SQLStore.ActiveAlert(ctx, machineID, alertType)

	if hook := s.afterActive; hook != nil {
		s.afterActive = nil
		hook()
	}

	return a, err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.AlertEvent
	err    error
}

func (p *recordingPublisher) PublishAlert(_ context.Context, _ *models.Alert, ev *models.AlertEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, *ev)

	return p.err
}

func TestOpCheck(t *testing.T) {
	tests := []struct {
		op     Op
		actual float64
		want   bool
	}{
		{OpGt, 10, true},
		{OpGt, 5, false},
		{OpGte, 5, true},
		{OpLt, 4, true},
		{OpLt, 5, false},
		{OpLte, 5, true},
		{OpEq, 5, true},
		{OpEq, 5.1, false},
		{Op("ne"), 1, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.op.Check(tt.actual, 5), "%s %v", tt.op, tt.actual)
	}
}

func TestRuleValidation(t *testing.T) {
	require.NoError(t, ValidateRules(DefaultRules()))

	tests := []struct {
		name string
		rule Rule
		err  error
	}{
		{"no type", Rule{Factor: "storage", Metric: MetricScore, Op: OpLt}, errRuleTypeRequired},
		{"no factor", Rule{Type: "x", Metric: MetricScore, Op: OpLt}, errRuleFactor},
		{"bad op", Rule{Type: "x", Factor: "storage", Metric: MetricScore, Op: "between"}, errUnknownOp},
		{"bad metric", Rule{Type: "x", Factor: "storage", Metric: "p99", Op: OpLt}, errUnknownMetric},
		{"bad severity", Rule{Type: "x", Factor: "storage", Metric: MetricSeverity, Op: OpGte, Severity: "red"}, models.ErrUnknownSeverity},
		{"negative cooldown", Rule{Type: "x", Factor: "storage", Metric: MetricScore, Op: OpLt, Cooldown: -1}, errNegativeCooldown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.rule.Validate(), tt.err)
		})
	}

	rules := DefaultRules()
	rules = append(rules, rules[0])
	require.ErrorIs(t, ValidateRules(rules), errDuplicateRule)
}

func TestDedupAcrossCycles(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	e, err := NewEngine(st, nil, logger.NewTestLogger())
	require.NoError(t, err)

	var transitions []Transition

	for i := 0; i < 3; i++ {
		trs, err := e.Process(ctx, snapshot(t0.Add(time.Duration(i)*time.Minute), "disk_usage", models.SeverityWarning, 0.1))
		require.NoError(t, err)

		transitions = append(transitions, trs...)
	}

	require.Len(t, transitions, 1)
	assert.Equal(t, models.AlertOpen, transitions[0].Event.To)
	assert.Empty(t, transitions[0].Event.From)

	alerts, err := st.ListAlerts(ctx, store.AlertFilter{MachineID: "m1", Type: TypeDiskLow})
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.Equal(t, models.AlertOpen, a.State)
	assert.Equal(t, t0, a.FirstSeenAt)
	assert.Equal(t, t0.Add(2*time.Minute), a.LastSeenAt)
	assert.Equal(t, models.SeverityWarning, a.Severity)
	assert.NotEmpty(t, a.SuggestedActions)

	events, err := st.ListAlertEvents(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestCloseWhenConditionClears(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	e, err := NewEngine(st, nil, logger.NewTestLogger())
	require.NoError(t, err)

	trs, err := e.Process(ctx, snapshot(t0, "memory_pressure", models.SeverityCritical, 0.02))
	require.NoError(t, err)
	require.Len(t, trs, 1)

	first := trs[0].Alert.ID
	assert.Equal(t, models.SeverityCritical, trs[0].Alert.Severity)

	trs, err = e.Process(ctx, snapshot(t0.Add(time.Minute), "memory_pressure", models.SeverityHealthy, 0.6))
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, models.AlertClosed, trs[0].Alert.State)
	require.NotNil(t, trs[0].Alert.ClosedAt)
	assert.Equal(t, t0.Add(time.Minute), *trs[0].Alert.ClosedAt)

	closed, err := st.GetAlert(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, models.AlertClosed, closed.State)

	// a recurrence after the cooldown is a new alert; the closed one is kept
	trs, err = e.Process(ctx, snapshot(t0.Add(10*time.Minute), "memory_pressure", models.SeverityWarning, 0.1))
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.NotEqual(t, first, trs[0].Alert.ID)

	all, err := st.ListAlerts(ctx, store.AlertFilter{MachineID: "m1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestAcknowledgeOnlyFromOpen(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	e, err := NewEngine(st, nil, logger.NewTestLogger(), WithClock(func() time.Time { return t0.Add(30 * time.Second) }))
	require.NoError(t, err)

	trs, err := e.Process(ctx, snapshot(t0, "cpu_pressure", models.SeverityWarning, 0.15))
	require.NoError(t, err)
	require.Len(t, trs, 1)

	id := trs[0].Alert.ID

	acked, err := e.Acknowledge(ctx, id, "oncall")
	require.NoError(t, err)
	assert.Equal(t, models.AlertAcknowledged, acked.State)
	assert.Equal(t, t0.Add(30*time.Second), *acked.AcknowledgedAt)

	_, err = e.Acknowledge(ctx, id, "oncall")
	require.ErrorIs(t, err, ErrInvalidTransition)

	// still firing while acknowledged: refreshed, not reopened
	trs, err = e.Process(ctx, snapshot(t0.Add(time.Minute), "cpu_pressure", models.SeverityCritical, 0.01))
	require.NoError(t, err)
	assert.Empty(t, trs)

	trs, err = e.Process(ctx, snapshot(t0.Add(2*time.Minute), "cpu_pressure", models.SeverityHealthy, 0.5))
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, models.AlertAcknowledged, trs[0].Event.From)

	_, err = e.Acknowledge(ctx, id, "oncall")
	require.ErrorIs(t, err, ErrInvalidTransition)

	events, err := st.ListAlertEvents(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "oncall", events[1].Actor)
	assert.Equal(t, models.AlertClosed, events[2].To)
	assert.Equal(t, models.SeverityCritical, events[2].Severity)

	_, err = e.Acknowledge(ctx, "missing", "oncall")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUnknownFactorHoldsState(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	e, err := NewEngine(st, nil, logger.NewTestLogger())
	require.NoError(t, err)

	_, err = e.Process(ctx, snapshot(t0, "disk_usage", models.SeverityWarning, 0.1))
	require.NoError(t, err)

	trs, err := e.Process(ctx, snapshot(t0.Add(time.Minute), "disk_usage", models.SeverityUnknown, 0))
	require.NoError(t, err)
	assert.Empty(t, trs)

	active, err := st.ActiveAlert(ctx, "m1", TypeDiskLow)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, t0, active.LastSeenAt)
}

func TestScoreRule(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rules := []Rule{{
		Type: TypeDiskLow, Factor: "disk_usage", Metric: MetricScore, Op: OpLt, Value: 0.2,
		AlertSeverity: models.SeverityCritical,
	}}

	e, err := NewEngine(st, rules, logger.NewTestLogger())
	require.NoError(t, err)

	trs, err := e.Process(ctx, snapshot(t0, "disk_usage", models.SeverityHealthy, 0.3))
	require.NoError(t, err)
	assert.Empty(t, trs)

	trs, err = e.Process(ctx, snapshot(t0, "disk_usage", models.SeverityWarning, 0.12))
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, models.SeverityCritical, trs[0].Alert.Severity)
}

func TestTransitionsFanOut(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	pub := &recordingPublisher{err: errors.New("nats: no responders")}
	m := metrics.New(prometheus.NewRegistry())

	e, err := NewEngine(st, nil, logger.NewTestLogger(), WithPublisher(pub), WithMetrics(m))
	require.NoError(t, err)

	ch, unsubscribe := e.Subscribe(4)

	_, err = e.Process(ctx, snapshot(t0, "storage", models.SeverityCritical, 0))
	require.NoError(t, err)
	_, err = e.Process(ctx, snapshot(t0.Add(time.Minute), "storage", models.SeverityHealthy, 1))
	require.NoError(t, err)

	opened := <-ch
	closed := <-ch
	assert.Equal(t, TypeStorageDegraded, opened.Alert.Type)
	assert.Equal(t, models.AlertOpen, opened.Event.To)
	assert.Equal(t, models.AlertClosed, closed.Event.To)

	// publish failures do not undo the transition
	require.Len(t, pub.events, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertTransitions.WithLabelValues(TypeStorageDegraded, "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertTransitions.WithLabelValues(TypeStorageDegraded, "closed")))

	unsubscribe()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestBrokerDropsForSlowSubscribers(t *testing.T) {
	b := NewBroker()
	slow, _ := b.Subscribe(1)
	fast, _ := b.Subscribe(8)

	for i := 0; i < 3; i++ {
		b.publish(Transition{Event: models.AlertEvent{AlertID: "a1"}})
	}

	assert.Len(t, slow, 1)
	assert.Len(t, fast, 3)
	assert.Equal(t, uint64(2), b.Dropped())
}

func TestCooldownSuppressesReopen(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rules := []Rule{severityRule(TypeDiskLow, "disk_usage", "Disk space low")}
	rules[0].Cooldown = models.Duration(10 * time.Minute)

	e, err := NewEngine(st, rules, logger.NewTestLogger())
	require.NoError(t, err)

	cycle := func(at time.Time, sev models.Severity) []Transition {
		trs, err := e.Process(ctx, snapshot(at, "disk_usage", sev, 0.1))
		require.NoError(t, err)

		return trs
	}

	require.Len(t, cycle(t0, models.SeverityWarning), 1)
	require.Len(t, cycle(t0.Add(time.Minute), models.SeverityHealthy), 1)

	// flapping inside the cooldown neither reopens nor mints a new alert
	for i := 2; i < 6; i++ {
		sev := models.SeverityWarning
		if i%2 == 1 {
			sev = models.SeverityHealthy
		}

		assert.Empty(t, cycle(t0.Add(time.Duration(i)*time.Minute), sev))
	}

	trs := cycle(t0.Add(11*time.Minute), models.SeverityWarning)
	require.Len(t, trs, 1)
	assert.Equal(t, models.AlertOpen, trs[0].Event.To)

	all, err := st.ListAlerts(ctx, store.AlertFilter{MachineID: "m1", Type: TypeDiskLow})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestAcknowledgeLosesToConcurrentClose(t *testing.T) {
	st := &racingStore{SQLStore: newTestStore(t)}
	ctx := context.Background()

	e, err := NewEngine(st, nil, logger.NewTestLogger(), WithClock(func() time.Time { return t0.Add(90 * time.Second) }))
	require.NoError(t, err)

	trs, err := e.Process(ctx, snapshot(t0, "disk_usage", models.SeverityWarning, 0.1))
	require.NoError(t, err)
	require.Len(t, trs, 1)

	id := trs[0].Alert.ID

	st.afterGet = func() {
		closing, err := e.Process(ctx, snapshot(t0.Add(time.Minute), "disk_usage", models.SeverityHealthy, 0.6))
		require.NoError(t, err)
		require.Len(t, closing, 1)
	}

	_, err = e.Acknowledge(ctx, id, "oncall")
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.ErrorIs(t, err, store.ErrAlertStateChanged)

	a, err := st.GetAlert(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.AlertClosed, a.State)
	require.NotNil(t, a.ClosedAt)
	assert.Nil(t, a.AcknowledgedAt)

	events, err := st.ListAlertEvents(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.AlertOpen, events[1].From)
	assert.Equal(t, models.AlertClosed, events[1].To)
}

func TestCloseAfterConcurrentAcknowledge(t *testing.T) {
	st := &racingStore{SQLStore: newTestStore(t)}
	ctx := context.Background()

	e, err := NewEngine(st, nil, logger.NewTestLogger(), WithClock(func() time.Time { return t0.Add(30 * time.Second) }))
	require.NoError(t, err)

	trs, err := e.Process(ctx, snapshot(t0, "cpu_pressure", models.SeverityWarning, 0.15))
	require.NoError(t, err)
	require.Len(t, trs, 1)

	id := trs[0].Alert.ID

	st.afterActive = func() {
		_, err := e.Acknowledge(ctx, id, "oncall")
		require.NoError(t, err)
	}

	trs, err = e.Process(ctx, snapshot(t0.Add(time.Minute), "cpu_pressure", models.SeverityHealthy, 0.5))
	require.NoError(t, err)
	require.Len(t, trs, 1)
	assert.Equal(t, models.AlertAcknowledged, trs[0].Event.From)
	assert.Equal(t, models.AlertClosed, trs[0].Event.To)

	events, err := st.ListAlertEvents(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, models.AlertAcknowledged, events[1].To)
	assert.Equal(t, models.AlertAcknowledged, events[2].From)

	a, err := st.GetAlert(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.AlertClosed, a.State)
	require.NotNil(t, a.AcknowledgedAt)
	assert.Equal(t, t0.Add(30*time.Second), *a.AcknowledgedAt)
}

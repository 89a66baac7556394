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

package natsutil

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
)

func runJetStreamServer(t *testing.T) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	srv, err := server.NewServer(opts)
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}

	require.Eventually(t, func() bool {
		return srv.JetStreamEnabled()
	}, 5*time.Second, 50*time.Millisecond, "embedded NATS server not ready for JetStream")

	t.Cleanup(srv.Shutdown)

	return srv
}

type receivedEvent struct {
	models.CloudEvent
	Data AlertEventData `json:"data"`
}

func TestAlertSubject(t *testing.T) {
	assert.Equal(t, "fleetwatch.alerts.disk_low", AlertSubject("disk_low"))
	assert.Equal(t, "fleetwatch.alerts.odd_type_x", AlertSubject("odd.type x"))
	assert.Equal(t, "fleetwatch.alerts.__", AlertSubject("*>"))
}

func TestPublishAlertCloudEvent(t *testing.T) {
	srv := runJetStreamServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pub, nc, err := Connect(ctx, &Config{URL: srv.ClientURL(), Stream: "ALERTS_TEST"}, logger.NewTestLogger())
	require.NoError(t, err)

	defer nc.Close()

	assert.Equal(t, "ALERTS_TEST", pub.Stream())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &models.Alert{
		ID:          "a1",
		MachineID:   "web-1",
		Type:        "disk_low",
		Severity:    models.SeverityCritical,
		State:       models.AlertOpen,
		Title:       "Disk almost full",
		FirstSeenAt: at,
		LastSeenAt:  at,
	}
	ev := &models.AlertEvent{
		AlertID:   "a1",
		MachineID: "web-1",
		AlertType: "disk_low",
		To:        models.AlertOpen,
		Severity:  models.SeverityCritical,
		At:        at,
		Actor:     "fleetwatch",
	}

	require.NoError(t, pub.PublishAlert(ctx, a, ev))
	// Same transition again is deduplicated by message id.
	require.NoError(t, pub.PublishAlert(ctx, a, ev))

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	stream, err := js.Stream(ctx, "ALERTS_TEST")
	require.NoError(t, err)

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)

	msg, err := stream.GetLastMsgForSubject(ctx, "fleetwatch.alerts.disk_low")
	require.NoError(t, err)

	var got receivedEvent
	require.NoError(t, json.Unmarshal(msg.Data, &got))

	assert.Equal(t, models.CloudEventsSpecVersion, got.SpecVersion)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "fleetwatch/alert", got.Source)
	assert.Equal(t, "io.fleetwatch.alert.open", got.Type)
	assert.Equal(t, "fleetwatch.alerts.disk_low", got.Subject)
	require.NotNil(t, got.Time)
	assert.True(t, at.Equal(*got.Time))
	assert.Equal(t, "a1", got.Data.Alert.ID)
	assert.Equal(t, models.AlertOpen, got.Data.Event.To)
	assert.Equal(t, "fleetwatch", got.Data.Event.Actor)
}

func TestCreateEventPublisherReusesStream(t *testing.T) {
	srv := runJetStreamServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, nc, err := Connect(ctx, &Config{URL: srv.ClientURL()}, nil)
	require.NoError(t, err)

	defer nc.Close()

	pub, err := CreateEventPublisher(ctx, nc, "", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultAlertStream, pub.Stream())
}

func TestPublishAlertRejectsNil(t *testing.T) {
	pub := NewEventPublisher(nil, "x")
	require.ErrorIs(t, pub.PublishAlert(context.Background(), nil, nil), errNilAlertOrEvent)
	require.ErrorIs(t, pub.PublishAlert(context.Background(), &models.Alert{}, &models.AlertEvent{}), errPublisherClosed)
}

func TestConnectRequiresURL(t *testing.T) {
	_, _, err := Connect(context.Background(), &Config{}, nil)
	require.ErrorIs(t, err, errURLRequired)
}

func TestTLSConfigBuild(t *testing.T) {
	_, err := (&TLSConfig{CertFile: "c.pem"}).Build()
	require.ErrorIs(t, err, ErrIncompleteKeyPair)

	dir := t.TempDir()
	bad := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o600))

	_, err = (&TLSConfig{CAFile: bad}).Build()
	require.ErrorIs(t, err, ErrCAParsingFailed)

	_, err = (&TLSConfig{CAFile: filepath.Join(dir, "missing.pem")}).Build()
	require.Error(t, err)

	conf, err := (&TLSConfig{ServerName: "nats.internal"}).Build()
	require.NoError(t, err)
	assert.Equal(t, "nats.internal", conf.ServerName)
}

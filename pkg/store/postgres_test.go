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

package store

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
)

// postgresTestEnv names a postgres:// URL of a scratch database.
const postgresTestEnv = "FLEETWATCH_TEST_POSTGRES_URL"

func TestPostgresConnString(t *testing.T) {
	cfg := PostgresConfig{Host: "db.internal", Database: "fleet", Username: "fw", Password: "p@ss", ApplicationName: "fleetwatch"}

	u, err := url.Parse(cfg.ConnString())
	require.NoError(t, err)

	assert.Equal(t, "db.internal:5432", u.Host)
	assert.Equal(t, "/fleet", u.Path)
	assert.Equal(t, "fw", u.User.Username())

	pass, _ := u.User.Password()
	assert.Equal(t, "p@ss", pass)
	assert.Equal(t, "disable", u.Query().Get("sslmode"))
	assert.Equal(t, "fleetwatch", u.Query().Get("application_name"))

	cfg.Port = 6432
	cfg.SSLMode = "verify-full"
	cfg.Password = ""

	u, err = url.Parse(cfg.ConnString())
	require.NoError(t, err)
	assert.Equal(t, "db.internal:6432", u.Host)
	assert.Equal(t, "verify-full", u.Query().Get("sslmode"))

	_, hasPass := u.User.Password()
	assert.False(t, hasPass)
}

func writeTestKeyPair(t *testing.T, dir string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fleetwatch-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "client.pem"), certPEM, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "root.pem"), certPEM, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "client-key.pem"),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
}

func TestPostgresTLSConfig(t *testing.T) {
	cfg := &PostgresConfig{Host: "db.internal", Database: "fleet"}

	tlsConfig, err := postgresTLSConfig(cfg)
	require.NoError(t, err)
	assert.Nil(t, tlsConfig)

	cfg.TLS = &PostgresTLS{CertFile: "client.pem"}
	_, err = postgresTLSConfig(cfg)
	require.ErrorIs(t, err, errPGTLSIncomplete)

	dir := t.TempDir()
	writeTestKeyPair(t, dir)

	cfg.CertDir = dir
	cfg.TLS = &PostgresTLS{CertFile: "client.pem", KeyFile: "client-key.pem", CAFile: "root.pem"}

	tlsConfig, err = postgresTLSConfig(cfg)
	require.NoError(t, err)
	require.Len(t, tlsConfig.Certificates, 1)
	assert.NotNil(t, tlsConfig.RootCAs)
	assert.Equal(t, "db.internal", tlsConfig.ServerName)

	cfg.TLS.CAFile = "client-key.pem"
	_, err = postgresTLSConfig(cfg)
	require.Error(t, err)
}

func TestOpenPostgresRequiresHostAndDatabase(t *testing.T) {
	_, err := OpenPostgres(context.Background(), PostgresConfig{Host: "db.internal"}, false, logger.NewTestLogger())
	require.ErrorIs(t, err, ErrDSNRequired)

	_, err = Open(context.Background(), Config{Backend: BackendPostgres}, logger.NewTestLogger())
	require.ErrorIs(t, err, ErrDSNRequired)
}

func openPostgresFromEnv(t *testing.T) *SQLStore {
	t.Helper()

	raw := os.Getenv(postgresTestEnv)
	if raw == "" {
		t.Skipf("Skipping integration test: %s not set", postgresTestEnv)
	}

	u, err := url.Parse(raw)
	require.NoError(t, err)

	cfg := PostgresConfig{
		Host:            u.Hostname(),
		Database:        strings.TrimPrefix(u.Path, "/"),
		Username:        u.User.Username(),
		SSLMode:         u.Query().Get("sslmode"),
		ApplicationName: "fleetwatch-test",
		MaxConnections:  4,
	}

	cfg.Password, _ = u.User.Password()

	if p := u.Port(); p != "" {
		cfg.Port, err = strconv.Atoi(p)
		require.NoError(t, err)
	}

	s, err := OpenPostgres(context.Background(), cfg, false, logger.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestPostgresStoreIntegration(t *testing.T) {
	s := openPostgresFromEnv(t)
	ctx := context.Background()

	// the database outlives the test; keep this run's identities apart
	machine := fmt.Sprintf("pg-%d", time.Now().UnixNano())

	batch := &Batch{
		Rows:    logRows(machine, 0, 3),
		Cursor:  &models.Cursor{MachineID: machine, Source: "journal", Key: "cursor", Value: "c3"},
		Outcome: outcomeFor(machine, 3),
	}

	res, err := s.Commit(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)

	res, err = s.Commit(ctx, &Batch{Rows: logRows(machine, 0, 4), Outcome: outcomeFor(machine, 4)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 3, res.Duplicates)

	value, ok, err := s.GetCursor(ctx, machine, "journal", "cursor")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "c3", value)

	rows, err := s.QueryRows(ctx, RowQuery{Table: TableLogEvents, MachineID: machine})
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, t0, rows[0].CollectedAt)
	assert.Equal(t, "line 3", rows[3].String("message"))

	open := &models.Alert{
		ID: machine + "-a1", MachineID: machine, Type: "disk_low", Severity: models.SeverityWarning,
		State: models.AlertOpen, Title: "Disk space low", FirstSeenAt: t0, LastSeenAt: t0,
	}
	require.NoError(t, s.ApplyAlertTransition(ctx, open, &models.AlertEvent{AlertID: open.ID, To: models.AlertOpen, At: t0}))

	closedAt := t0.Add(time.Minute)
	closed := *open
	closed.State = models.AlertClosed
	closed.ClosedAt = &closedAt
	require.NoError(t, s.ApplyAlertTransition(ctx, &closed, &models.AlertEvent{
		AlertID: open.ID, From: models.AlertOpen, To: models.AlertClosed, At: closedAt,
	}))

	ackAt := t0.Add(2 * time.Minute)
	acked := *open
	acked.State = models.AlertAcknowledged
	acked.AcknowledgedAt = &ackAt
	err = s.ApplyAlertTransition(ctx, &acked, &models.AlertEvent{
		AlertID: open.ID, From: models.AlertOpen, To: models.AlertAcknowledged, At: ackAt,
	})
	require.ErrorIs(t, err, ErrAlertStateChanged)

	a, err := s.GetAlert(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertClosed, a.State)

	assert.False(t, s.Status().Degraded)
	assert.Equal(t, BackendPostgres, s.Status().Backend)
}

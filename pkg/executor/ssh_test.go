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

package executor

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
)

type execHandler func(command string, ch ssh.Channel) uint32

// startSSHServer serves exec requests with handler until the test ends.
func startSSHServer(t *testing.T, handler execHandler) models.Target {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			go serveConn(conn, cfg, handler)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)

	return models.Target{Kind: models.TargetRemote, Host: "127.0.0.1", Port: addr.Port, User: "fleet"}
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig, handler execHandler) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}

	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "session only")
			continue
		}

		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}

		go func() {
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}

				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)

				go func() {
					status := handler(payload.Command, ch)
					_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
					_ = ch.Close()
				}()
			}
		}()
	}
}

func insecureExecutor(t *testing.T) *SSHExecutor {
	t.Helper()

	e, err := NewSSHExecutor(SSHConfig{InsecureHostKeys: true}, logger.NewTestLogger())
	require.NoError(t, err)

	return e
}

func TestSSHExecuteOutputAndExitCode(t *testing.T) {
	target := startSSHServer(t, func(command string, ch ssh.Channel) uint32 {
		if !strings.Contains(command, "sh -c 'cat /proc/loadavg'") {
			_, _ = ch.Stderr().Write([]byte("bad command"))
			return 127
		}

		_, _ = ch.Write([]byte("0.10 0.20 0.30 1/100 42\n"))

		return 0
	})

	e := insecureExecutor(t)

	out, err := e.Execute(context.Background(), target, "cat /proc/loadavg", Limits{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "0.10 0.20 0.30 1/100 42\n", string(out.Stdout))

	out, err = e.Execute(context.Background(), target, "nope", Limits{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 127, out.ExitCode)
	assert.Equal(t, "bad command", string(out.Stderr))
}

func TestSSHExecuteTimeout(t *testing.T) {
	target := startSSHServer(t, func(_ string, ch ssh.Channel) uint32 {
		_, _ = io.Copy(io.Discard, ch)
		return 0
	})

	_, err := insecureExecutor(t).Execute(context.Background(), target, "sleep 60", Limits{Timeout: 300 * time.Millisecond})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestSSHExecuteOutputTooLarge(t *testing.T) {
	target := startSSHServer(t, func(_ string, ch ssh.Channel) uint32 {
		_, _ = ch.Write(make([]byte, 64<<10))
		return 0
	})

	_, err := insecureExecutor(t).Execute(context.Background(), target, "cat big", Limits{
		Timeout:        5 * time.Second,
		MaxOutputBytes: 1024,
	})
	require.ErrorIs(t, err, ErrOutputTooLarge)
}

func TestSSHExecuteUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	target := models.Target{Kind: models.TargetRemote, Host: "127.0.0.1", Port: port}

	_, err = insecureExecutor(t).Execute(context.Background(), target, "true", Limits{Timeout: 2 * time.Second})
	require.ErrorIs(t, err, ErrUnreachable)
}

func TestSSHHostKeyPolicy(t *testing.T) {
	_, err := NewSSHExecutor(SSHConfig{}, logger.NewTestLogger())
	require.ErrorIs(t, err, errNoHostKeyPolicy)
}

func TestSSHAcceptNewHostKey(t *testing.T) {
	target := startSSHServer(t, func(_ string, ch ssh.Channel) uint32 {
		_, _ = ch.Write([]byte("ok"))
		return 0
	})

	knownHosts := filepath.Join(t.TempDir(), "ssh", "known_hosts")

	e, err := NewSSHExecutor(SSHConfig{KnownHostsFile: knownHosts, AcceptNewHostKeys: true}, logger.NewTestLogger())
	require.NoError(t, err)

	out, err := e.Execute(context.Background(), target, "true", Limits{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(out.Stdout))

	recorded, err := os.ReadFile(knownHosts)
	require.NoError(t, err)
	assert.Contains(t, string(recorded), "[127.0.0.1]:")
	assert.Contains(t, string(recorded), "ssh-ed25519")

	strict, err := NewSSHExecutor(SSHConfig{KnownHostsFile: knownHosts}, logger.NewTestLogger())
	require.NoError(t, err)

	_, err = strict.Execute(context.Background(), target, "true", Limits{Timeout: 5 * time.Second})
	require.NoError(t, err)
}

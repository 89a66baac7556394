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
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
)

const (
	defaultConnectTimeout = 10 * time.Second
	knownHostsPerm        = 0o600
)

var errNoHostKeyPolicy = errors.New("no known_hosts file configured and host key checking not disabled")

// SSHConfig configures the remote executor.
type SSHConfig struct {
	User              string          `json:"user"`
	IdentityFiles     []string        `json:"identity_files"`
	UseAgent          bool            `json:"use_agent"`
	KnownHostsFile    string          `json:"known_hosts_file"`
	AcceptNewHostKeys bool            `json:"accept_new_host_keys"`
	InsecureHostKeys  bool            `json:"insecure_ignore_host_keys"`
	ConnectTimeout    models.Duration `json:"connect_timeout"`
	DialsPerSecond    float64         `json:"dials_per_second"`
	DialBurst         int             `json:"dial_burst"`
}

// SSHExecutor runs commands over a fresh SSH connection per call. Connections
// are never reused across calls, so a killed command never leaks a session.
type SSHExecutor struct {
	cfg      SSHConfig
	logger   logger.Logger
	limiter  *hostLimiter
	hostKeys ssh.HostKeyCallback
	mu       sync.Mutex
}

// NewSSHExecutor validates the host key policy up front.
func NewSSHExecutor(cfg SSHConfig, log logger.Logger) (*SSHExecutor, error) {
	e := &SSHExecutor{
		cfg:     cfg,
		logger:  log,
		limiter: newHostLimiter(cfg.DialsPerSecond, cfg.DialBurst),
	}

	cb, err := e.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	e.hostKeys = cb

	return e, nil
}

func (e *SSHExecutor) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if e.cfg.InsecureHostKeys {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicit opt-in for lab fleets
	}

	path := e.cfg.KnownHostsFile
	if path == "" {
		return nil, errNoHostKeyPolicy
	}

	if e.cfg.AcceptNewHostKeys {
		if err := ensureFile(path); err != nil {
			return nil, err
		}
	}

	strict, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}

	if !e.cfg.AcceptNewHostKeys {
		return strict, nil
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := strict(hostname, remote, key)

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
			return err
		}

		// Unknown host: trust on first use, reject changed keys above.
		return e.appendKnownHost(path, hostname, key)
	}, nil
}

func (e *SSHExecutor) appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, knownHostsPerm)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return err
	}

	e.logger.Info().Str("host", hostname).Msg("Recorded new SSH host key")

	return nil
}

func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, knownHostsPerm)
	if err != nil {
		return err
	}

	return f.Close()
}

func (e *SSHExecutor) authMethods(target models.Target) ([]ssh.AuthMethod, func()) {
	var (
		methods []ssh.AuthMethod
		signers []ssh.Signer
		cleanup = func() {}
	)

	files := e.cfg.IdentityFiles
	if target.IdentityFile != "" {
		files = append([]string{target.IdentityFile}, files...)
	}

	for _, path := range files {
		pem, err := os.ReadFile(path)
		if err != nil {
			e.logger.Debug().Err(err).Str("identity", path).Msg("Skipping unreadable identity file")
			continue
		}

		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			e.logger.Warn().Err(err).Str("identity", path).Msg("Skipping unparseable identity file")
			continue
		}

		signers = append(signers, signer)
	}

	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if e.cfg.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
				cleanup = func() { _ = conn.Close() }
			}
		}
	}

	return methods, cleanup
}

func (e *SSHExecutor) dial(ctx context.Context, target models.Target) (*ssh.Client, error) {
	if err := e.limiter.Wait(ctx, target.Host); err != nil {
		return nil, err
	}

	user := target.User
	if user == "" {
		user = e.cfg.User
	}

	connectTimeout := e.cfg.ConnectTimeout.Std()
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}

	auth, cleanup := e.authMethods(target)
	defer cleanup()

	clientCfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: e.hostKeys,
		Timeout:         connectTimeout,
	}

	addr := target.Address()
	dialer := net.Dialer{Timeout: connectTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	// The handshake deadline must not cap the command itself.
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

// Execute runs command on the remote target. The remote side is wrapped in
// timeout(1) when available so the process dies even if the session signal
// is not honored by the server.
func (e *SSHExecutor) Execute(ctx context.Context, target models.Target, command string, limits Limits) (*Output, error) {
	if command == "" {
		return nil, errEmptyCommand
	}

	limits = limits.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	start := time.Now()

	client, err := e.dial(ctx, target)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: connecting to %s", ErrTimeout, target)
		}

		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, target, err)
	}
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: open session on %s: %w", ErrUnreachable, target, err)
	}
	defer func() { _ = session.Close() }()

	overflow := make(chan struct{})
	out := newBoundedOutput(limits.MaxOutputBytes, func() { close(overflow) })
	session.Stdout = out.Stdout()
	session.Stderr = out.Stderr()

	if err := session.Start(remoteCommand(command, limits.Timeout)); err != nil {
		return nil, fmt.Errorf("%w: start on %s: %w", ErrUnreachable, target, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var waitErr error

	select {
	case waitErr = <-done:
	case <-ctx.Done():
		e.abort(session, client, done)

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s on %s", ErrTimeout, limits.Timeout, target)
		}

		return nil, ctx.Err()
	case <-overflow:
		e.abort(session, client, done)

		return nil, fmt.Errorf("%w: limit %d bytes", ErrOutputTooLarge, limits.MaxOutputBytes)
	}

	if out.Exceeded() {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrOutputTooLarge, limits.MaxOutputBytes)
	}

	stdout, stderr := out.result()
	result := &Output{Stdout: stdout, Stderr: stderr, Duration: time.Since(start)}

	if waitErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, target, waitErr)
		}

		result.ExitCode = exitErr.ExitStatus()
	}

	return result, nil
}

func (*SSHExecutor) abort(session *ssh.Session, client *ssh.Client, done <-chan error) {
	_ = session.Signal(ssh.SIGKILL)
	_ = session.Close()
	_ = client.Close()
	<-done
}

func remoteCommand(command string, timeout time.Duration) string {
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}

	inner := "sh -c " + ShellQuote(command)

	return "if command -v timeout >/dev/null 2>&1; then exec timeout -s KILL " +
		strconv.Itoa(secs) + " " + inner + "; else exec " + inner + "; fi"
}

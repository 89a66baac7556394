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
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/carverauto/fleetwatch/pkg/logger"
	"github.com/carverauto/fleetwatch/pkg/models"
)

const (
	defaultShell = "/bin/sh"
	// pipeDrainDelay bounds how long Wait keeps reading pipes held open by
	// orphaned descendants after the shell itself exits.
	pipeDrainDelay = 500 * time.Millisecond
)

// LocalExecutor runs commands through sh in a dedicated process group so the
// whole tree can be killed.
type LocalExecutor struct {
	shell  string
	logger logger.Logger
}

// NewLocalExecutor returns a LocalExecutor. An empty shell means /bin/sh.
func NewLocalExecutor(shell string, log logger.Logger) *LocalExecutor {
	if shell == "" {
		shell = defaultShell
	}

	return &LocalExecutor{shell: shell, logger: log}
}

func (l *LocalExecutor) Execute(ctx context.Context, _ models.Target, command string, limits Limits) (*Output, error) {
	if command == "" {
		return nil, errEmptyCommand
	}

	limits = limits.withDefaults()

	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, limits.Timeout)
	defer cancelTimeout()

	runCtx, cancelRun := context.WithCancelCause(timeoutCtx)
	defer cancelRun(nil)

	out := newBoundedOutput(limits.MaxOutputBytes, func() { cancelRun(ErrOutputTooLarge) })

	cmd := exec.CommandContext(runCtx, l.shell, "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = out.Stdout()
	cmd.Stderr = out.Stderr()
	cmd.WaitDelay = pipeDrainDelay
	cmd.Cancel = func() error {
		return killGroup(cmd.Process.Pid)
	}

	start := time.Now()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.shell, err)
	}

	pid := cmd.Process.Pid
	waitErr := cmd.Wait()

	// Descendants that outlived the shell share its group.
	_ = killGroup(pid)

	elapsed := time.Since(start)

	switch cause := context.Cause(runCtx); {
	case errors.Is(cause, ErrOutputTooLarge) || out.Exceeded():
		return nil, fmt.Errorf("%w: limit %d bytes", ErrOutputTooLarge, limits.MaxOutputBytes)
	case errors.Is(timeoutCtx.Err(), context.DeadlineExceeded):
		l.logger.Debug().Str("command", command).Dur("timeout", limits.Timeout).Msg("Local command killed on timeout")
		return nil, fmt.Errorf("%w after %s", ErrTimeout, limits.Timeout)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	}

	stdout, stderr := out.result()
	result := &Output{Stdout: stdout, Stderr: stderr, Duration: elapsed}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("wait %s: %w", l.shell, waitErr)
		}

		result.ExitCode = exitErr.ExitCode()
	}

	return result, nil
}

func killGroup(pid int) error {
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}

	return err
}

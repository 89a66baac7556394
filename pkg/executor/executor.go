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

// Package executor runs commands on local or remote machines with a hard
// deadline and output limit.
package executor

//go:generate mockgen -destination=mock_executor.go -package=executor github.com/carverauto/fleetwatch/pkg/executor Executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carverauto/fleetwatch/pkg/models"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxOutputBytes = 8 << 20
)

// Limits bound a single execution.
type Limits struct {
	Timeout        time.Duration
	MaxOutputBytes int64
}

func (l Limits) withDefaults() Limits {
	if l.Timeout <= 0 {
		l.Timeout = DefaultTimeout
	}

	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = DefaultMaxOutputBytes
	}

	return l
}

// Output is the result of a command that ran to completion. A non-zero exit
// status is reported here, not as an error.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Bytes is the combined size of stdout and stderr.
func (o *Output) Bytes() int64 {
	return int64(len(o.Stdout) + len(o.Stderr))
}

// Executor runs one command against a target.
type Executor interface {
	Execute(ctx context.Context, target models.Target, command string, limits Limits) (*Output, error)
}

// Router dispatches to the local or remote executor based on the target.
type Router struct {
	local  Executor
	remote Executor
}

// NewRouter builds a Router. remote may be nil when no machine is remote.
func NewRouter(local, remote Executor) *Router {
	return &Router{local: local, remote: remote}
}

func (r *Router) Execute(ctx context.Context, target models.Target, command string, limits Limits) (*Output, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errEmptyCommand
	}

	if target.IsLocal() {
		return r.local.Execute(ctx, target, command, limits)
	}

	if r.remote == nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, errNoRemoteBackend)
	}

	return r.remote.Execute(ctx, target, command, limits)
}

// CheckTool reports whether tool resolves on the target's PATH.
func CheckTool(ctx context.Context, exec Executor, target models.Target, tool string, limits Limits) (bool, error) {
	out, err := exec.Execute(ctx, target, "command -v "+ShellQuote(tool), limits)
	if err != nil {
		return false, err
	}

	return out.ExitCode == 0, nil
}

// ShellQuote quotes s for POSIX sh.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}

	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// IsTransient reports whether err is worth retrying on the next tick.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnreachable)
}

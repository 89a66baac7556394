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

package collector

import (
	"context"
	"errors"
	"fmt"

	"github.com/carverauto/fleetwatch/pkg/executor"
	"github.com/carverauto/fleetwatch/pkg/models"
)

var (
	ErrToolMissing      = errors.New("required tool not found")
	ErrExitStatus       = errors.New("command exited with status")
	ErrPanic            = errors.New("collector panicked")
	ErrUnknownCollector = errors.New("unknown collector")
	ErrDuplicate        = errors.New("collector already registered")
	ErrBadOption        = errors.New("invalid collector option")
	ErrBadCursor        = errors.New("unreadable cursor")
)

// Error is a classified collection failure.
type Error struct {
	Kind      models.ErrorKind
	Collector string
	Err       error
}

func (e *Error) Error() string {
	if e.Collector == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}

	return fmt.Sprintf("%s: %s: %v", e.Collector, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies any error returned from a collection run.
func KindOf(err error) models.ErrorKind {
	if err == nil {
		return models.ErrorKindNone
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}

	switch {
	case errors.Is(err, executor.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return models.ErrorKindTimeout
	case errors.Is(err, executor.ErrOutputTooLarge):
		return models.ErrorKindOutputTooLarge
	case errors.Is(err, executor.ErrUnreachable):
		return models.ErrorKindUnreachable
	case errors.Is(err, context.Canceled):
		return models.ErrorKindCanceled
	case errors.Is(err, ErrToolMissing):
		return models.ErrorKindToolMissing
	default:
		return models.ErrorKindCollector
	}
}

func wrap(name string, err error) error {
	var ce *Error
	if errors.As(err, &ce) {
		if ce.Collector == "" {
			ce.Collector = name
		}

		return ce
	}

	return &Error{Kind: KindOf(err), Collector: name, Err: err}
}

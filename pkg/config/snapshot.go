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

package config

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Snapshot holds the active configuration. Readers get an immutable value;
// Reload validates a fresh copy and swaps it in whole.
type Snapshot[T any] struct {
	current atomic.Pointer[T]
	loader  *Config
	path    string
}

// NewSnapshot loads and validates the initial configuration.
func NewSnapshot[T any](ctx context.Context, loader *Config, path string) (*Snapshot[T], error) {
	s := &Snapshot[T]{loader: loader, path: path}
	if _, err := s.Reload(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// NewStaticSnapshot wraps an already validated value.
func NewStaticSnapshot[T any](cfg *T) *Snapshot[T] {
	s := &Snapshot[T]{}
	s.current.Store(cfg)

	return s
}

// Load returns the active configuration. Callers must not mutate it.
func (s *Snapshot[T]) Load() *T {
	return s.current.Load()
}

// Reload reads the source again. On failure the previous snapshot stays active.
func (s *Snapshot[T]) Reload(ctx context.Context) (*T, error) {
	if s.loader == nil {
		return s.current.Load(), nil
	}

	next := new(T)
	if err := s.loader.LoadAndValidate(ctx, s.path, next); err != nil {
		return nil, fmt.Errorf("reload %s: %w", s.path, err)
	}

	s.current.Store(next)

	return next, nil
}

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
	"fmt"
	"sync"

	"github.com/carverauto/fleetwatch/pkg/models"
)

// Registry holds the collector instances known to the daemon, keyed by
// source name.
type Registry struct {
	mu         sync.RWMutex
	collectors map[string]Collector
	order      []string
}

func NewRegistry() *Registry {
	return &Registry{collectors: make(map[string]Collector)}
}

func (r *Registry) Register(c Collector) error {
	name := c.Descriptor().Name
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrBadOption)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.collectors[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}

	r.collectors[name] = c
	r.order = append(r.order, name)

	return nil
}

func (r *Registry) Get(name string) (Collector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.collectors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollector, name)
	}

	return c, nil
}

// Names returns source names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

func (r *Registry) Descriptors() []models.CollectorDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.CollectorDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.collectors[name].Descriptor())
	}

	return out
}

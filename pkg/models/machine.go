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

package models

import (
	"net"
	"strconv"
	"time"
)

// TargetKind selects the execution backend used for a machine.
type TargetKind string

const (
	TargetLocal  TargetKind = "local"
	TargetRemote TargetKind = "remote"

	defaultSSHPort = 22
)

// Target describes where commands for a machine run.
type Target struct {
	Kind         TargetKind `json:"kind" yaml:"kind"`
	Host         string     `json:"host,omitempty" yaml:"host,omitempty"`
	Port         int        `json:"port,omitempty" yaml:"port,omitempty"`
	User         string     `json:"user,omitempty" yaml:"user,omitempty"`
	IdentityFile string     `json:"identity_file,omitempty" yaml:"identity_file,omitempty"`
}

func (t Target) IsLocal() bool {
	return t.Kind == "" || t.Kind == TargetLocal
}

// Address returns host:port for remote targets.
func (t Target) Address() string {
	port := t.Port
	if port == 0 {
		port = defaultSSHPort
	}

	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

func (t Target) String() string {
	if t.IsLocal() {
		return "local"
	}

	if t.User != "" {
		return t.User + "@" + t.Address()
	}

	return t.Address()
}

// Liveness is the last observed reachability of a machine.
type Liveness string

const (
	LivenessUnknown Liveness = "unknown"
	LivenessOnline  Liveness = "online"
	LivenessOffline Liveness = "offline"
)

// Machine is one host in the inventory.
type Machine struct {
	ID                  string     `json:"machine_id"`
	Target              Target     `json:"target"`
	Tags                []string   `json:"tags,omitempty"`
	Enabled             bool       `json:"enabled"`
	Liveness            Liveness   `json:"liveness"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSeenAt          *time.Time `json:"last_seen_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

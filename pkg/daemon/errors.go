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

package daemon

import "errors"

var (
	errMachineIDRequired  = errors.New("machine_id is required")
	errDuplicateMachine   = errors.New("duplicate machine_id")
	errDuplicateCollector = errors.New("duplicate collector name")
	errUnknownCollector   = errors.New("unknown collector")
	errUnknownBackend     = errors.New("unknown store backend")
	errInvalidInterval    = errors.New("interval must be positive")
	errInvalidConcurrency = errors.New("concurrency bounds must be at least 1")
	errInvalidRetention   = errors.New("retention durations must not be negative")
	errRemoteHostRequired = errors.New("remote target requires a host")
	errAckActorRequired   = errors.New("actor is required")
)

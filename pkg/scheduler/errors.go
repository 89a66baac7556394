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


package scheduler

import "errors"

// ErrStoreUnavailable ends the daemon: consecutive commits exhausted their
// retries.
var ErrStoreUnavailable = errors.New("store unavailable: consecutive commits failed")

var (
	errDuplicatePair       = errors.New("duplicate collector for machine")
	errInvalidConcurrency  = errors.New("concurrency bounds must be at least 1")
	errInvalidInterval     = errors.New("interval must be positive")
	errInvalidFailureLimit = errors.New("store_failure_limit must be at least 1")
	errInvalidOfflineAfter = errors.New("offline_after must be at least 1")
	errMachineIDRequired   = errors.New("machine id is required")
	errCollectorUnnamed    = errors.New("collector has no name")
	errAlreadyRunning      = errors.New("scheduler already running")
	errToolMissingOnTarget = errors.New("required tool not found on target")
)

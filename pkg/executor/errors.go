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

import "errors"

var (
	// ErrTimeout means the command outlived its deadline and was killed.
	ErrTimeout = errors.New("command timed out")
	// ErrOutputTooLarge means the command wrote more than the byte limit and was killed.
	ErrOutputTooLarge = errors.New("command output exceeded limit")
	// ErrUnreachable covers dial, handshake, auth and lost-connection failures.
	ErrUnreachable = errors.New("target unreachable")

	errEmptyCommand    = errors.New("empty command")
	errNoRemoteBackend = errors.New("no remote backend configured")
)

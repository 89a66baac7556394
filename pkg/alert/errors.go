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

package alert

import "errors"

var (
	// ErrInvalidTransition is returned for a state change the alert
	// lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid alert transition")

	errUnknownOp        = errors.New("unknown threshold operator")
	errUnknownMetric    = errors.New("unknown rule metric")
	errRuleTypeRequired = errors.New("rule type is required")
	errRuleFactor       = errors.New("rule factor is required")
	errDuplicateRule    = errors.New("duplicate rule type")
	errNegativeCooldown = errors.New("rule cooldown must not be negative")
)

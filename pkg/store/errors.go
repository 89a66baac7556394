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

package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrUnknownTable       = errors.New("unknown fact table")
	ErrUnknownColumn      = errors.New("unknown column")
	ErrInvalidRow         = errors.New("invalid row")
	ErrInvalidAlert       = errors.New("invalid alert")
	ErrChecksumMismatch   = errors.New("applied migration checksum mismatch")
	ErrUnknownMigration   = errors.New("applied migration has no definition")
	ErrStorePathRequired  = errors.New("sqlite path is required")
	ErrDSNRequired        = errors.New("postgres host and database are required")
	ErrUnsupportedBackend = errors.New("unsupported store backend")
	ErrFaultInjected      = errors.New("injected fault")
)

// IsInvalidInput reports whether err was caused by the caller's data rather
// than by the storage layer. Such errors never mark the store degraded.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrUnknownTable) ||
		errors.Is(err, ErrUnknownColumn) ||
		errors.Is(err, ErrInvalidRow) ||
		errors.Is(err, ErrInvalidAlert) ||
		errors.Is(err, ErrNotFound)
}

func isCallerCancel(err error) bool {
	return errors.Is(err, context.Canceled)
}

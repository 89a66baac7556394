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
	"strconv"
	"time"
)

// Cursor is the resumption state of one (machine, source, key).
type Cursor struct {
	MachineID string    `json:"machine_id"`
	Source    string    `json:"source"`
	Key       string    `json:"cursor_key"`
	Value     string    `json:"cursor_value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NormalizedRow is one fact destined for a catalog table.
type NormalizedRow struct {
	Table         string                 `json:"table"`
	MachineID     string                 `json:"machine_id"`
	Source        string                 `json:"source"`
	SourceVersion int                    `json:"source_version"`
	SchemaVersion int                    `json:"schema_version"`
	CollectedAt   time.Time              `json:"collected_at"`
	Discriminator string                 `json:"discriminator"`
	Columns       map[string]interface{} `json:"columns"`
	Raw           []byte                 `json:"raw,omitempty"`
}

// Float reads a numeric column regardless of its stored representation.
func (r *NormalizedRow) Float(column string) (float64, bool) {
	switch v := r.Columns[column].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// String reads a text column.
func (r *NormalizedRow) String(column string) string {
	if s, ok := r.Columns[column].(string); ok {
		return s
	}

	return ""
}

// OutcomeStatus summarizes one collection attempt.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomePartial OutcomeStatus = "partial"
	OutcomeFailure OutcomeStatus = "failure"
)

// ErrorKind classifies failed attempts.
type ErrorKind string

const (
	ErrorKindNone           ErrorKind = ""
	ErrorKindTimeout        ErrorKind = "timeout"
	ErrorKindUnreachable    ErrorKind = "unreachable"
	ErrorKindOutputTooLarge ErrorKind = "output_too_large"
	ErrorKindToolMissing    ErrorKind = "tool_missing"
	ErrorKindExitStatus     ErrorKind = "exit_status"
	ErrorKindCollector      ErrorKind = "collector"
	ErrorKindCanceled       ErrorKind = "canceled"
	// ErrorKindStore marks attempts that collected but could not be persisted.
	ErrorKindStore ErrorKind = "store"
)

// Persistent reports whether the kind indicates a source problem that will
// not clear on its own.
func (k ErrorKind) Persistent() bool {
	return k == ErrorKindToolMissing || k == ErrorKindExitStatus
}

// IngestionOutcome is the audit record of one attempt.
type IngestionOutcome struct {
	ID         int64         `json:"id,omitempty"`
	MachineID  string        `json:"machine_id"`
	Source     string        `json:"source"`
	Status     OutcomeStatus `json:"status"`
	RowCount   int           `json:"row_count"`
	Inserted   int           `json:"inserted"`
	Warnings   []string      `json:"warnings,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty"`
	Duration   time.Duration `json:"duration"`
	Bytes      int64         `json:"bytes"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// IntervalDecision is the audit record of an adaptive interval change.
type IntervalDecision struct {
	MachineID   string        `json:"machine_id"`
	Source      string        `json:"source"`
	OldInterval time.Duration `json:"old_interval"`
	NewInterval time.Duration `json:"new_interval"`
	Reason      string        `json:"reason"`
	DecidedAt   time.Time     `json:"decided_at"`
}

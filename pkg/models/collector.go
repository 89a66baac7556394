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

import "time"

// CollectorKind is the resumption strategy of a collector.
type CollectorKind string

const (
	KindSnapshot          CollectorKind = "snapshot"
	KindIncrementalWindow CollectorKind = "incremental_window"
	KindFileTail          CollectorKind = "file_tail"
	KindDBIncremental     CollectorKind = "db_incremental"
)

// CollectorDescriptor is fixed at registration.
type CollectorDescriptor struct {
	Name          string        `json:"name"`
	Kind          CollectorKind `json:"kind"`
	Interval      time.Duration `json:"interval"`
	ParserVersion int           `json:"parser_version"`
	SchemaVersion int           `json:"schema_version"`
	// HighValue collectors are polled faster while their machine is anomalous.
	HighValue bool `json:"high_value"`
	// Tool is the upstream binary that must exist on the target, if any.
	Tool string `json:"tool,omitempty"`
}

// CollectorVersionChange records a parser or schema version bump seen at startup.
type CollectorVersionChange struct {
	Name             string    `json:"name"`
	OldParserVersion int       `json:"old_parser_version"`
	NewParserVersion int       `json:"new_parser_version"`
	OldSchemaVersion int       `json:"old_schema_version"`
	NewSchemaVersion int       `json:"new_schema_version"`
	ChangedAt        time.Time `json:"changed_at"`
}

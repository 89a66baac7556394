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
	"encoding/json"
	"fmt"
	"time"
)

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int16:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case bool:
		if n {
			return 1
		}
	}

	return 0
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	default:
		return float64(asInt64(v))
	}
}

func asBool(v interface{}) bool {
	if b, ok := v.(bool); ok {
		return b
	}

	return asInt64(v) != 0
}

// asTime accepts unix microseconds (sqlite) or a time.Time (postgres).
func asTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case nil:
		return time.Time{}
	default:
		return time.UnixMicro(asInt64(t)).UTC()
	}
}

func asTimePtr(v interface{}) *time.Time {
	if v == nil {
		return nil
	}

	t := asTime(v)

	return &t
}

func asBytes(v interface{}) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	default:
		return nil
	}
}

// columnValue keeps nullable fact columns nil and narrows numbers to the
// catalog type.
func columnValue(col Column, v interface{}) interface{} {
	if v == nil {
		return nil
	}

	switch col.Type {
	case ColumnReal:
		return asFloat(v)
	case ColumnInteger:
		return asInt64(v)
	default:
		return asString(v)
	}
}

func encodeJSON(v interface{}, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	if string(b) == "null" {
		return empty, nil
	}

	return string(b), nil
}

func decodeJSON(v interface{}, dst interface{}) error {
	raw := asBytes(v)
	if len(raw) == 0 {
		return nil
	}

	return json.Unmarshal(raw, dst)
}

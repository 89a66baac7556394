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
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Raw artifacts are stored zstd-compressed behind a one-byte marker so
// uncompressed legacy blobs still decode.
const (
	rawPlain byte = 0x00
	rawZstd  byte = 0x01

	rawCompressThreshold = 256
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	errZstdInit error
)

func initZstd() {
	zstdOnce.Do(func() {
		zstdEncoder, errZstdInit = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if errZstdInit != nil {
			return
		}

		zstdDecoder, errZstdInit = zstd.NewReader(nil)
	})
}

func encodeRaw(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	if len(raw) < rawCompressThreshold {
		return append([]byte{rawPlain}, raw...), nil
	}

	initZstd()

	if errZstdInit != nil {
		return nil, fmt.Errorf("zstd init: %w", errZstdInit)
	}

	return zstdEncoder.EncodeAll(raw, []byte{rawZstd}), nil
}

func decodeRaw(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}

	switch blob[0] {
	case rawPlain:
		return bytes.Clone(blob[1:]), nil
	case rawZstd:
		initZstd()

		if errZstdInit != nil {
			return nil, fmt.Errorf("zstd init: %w", errZstdInit)
		}

		out, err := zstdDecoder.DecodeAll(blob[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decode raw artifact: %w", err)
		}

		return out, nil
	default:
		return bytes.Clone(blob), nil
	}
}

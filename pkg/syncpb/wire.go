// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package syncpb

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrTruncated is returned when a message's bytes end mid-field.
var ErrTruncated = errors.New("syncpb: truncated message")

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendUint64(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(uint32(v)))
}

func appendUint32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendFloat32(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	if msg == nil {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// forEachField walks b, invoking fn once per top-level field with its
// number, wire type, and raw remaining buffer positioned just after the
// tag. fn must consume the field's value and return the number of bytes
// consumed (or a negative protowire error code).
func forEachField(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(ErrTruncated, "consume tag")
		}
		b = b[n:]

		consumed := fn(num, typ, b)
		if consumed < 0 {
			// Unknown or unhandled field: skip it generically.
			skip := protowire.ConsumeFieldValue(num, typ, b)
			if skip < 0 {
				return errors.Wrap(ErrTruncated, "skip unknown field")
			}
			consumed = skip
		}
		b = b[consumed:]
	}
	return nil
}

func consumeString(b []byte) (string, int) {
	return protowire.ConsumeString(b)
}

func consumeBytesField(b []byte) ([]byte, int) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, n
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, n
}

func consumeVarint(b []byte) (uint64, int) {
	return protowire.ConsumeVarint(b)
}

func consumeFloat32(b []byte) (float32, int) {
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, n
	}
	return math.Float32frombits(v), n
}

// Marshal encodes a Timestamp as an embedded message.
func (t *Timestamp) Marshal() []byte {
	if t == nil {
		return nil
	}
	var b []byte
	b = appendInt64(b, 1, t.Seconds)
	b = appendInt32(b, 2, t.Nanos)
	return b
}

// UnmarshalTimestamp decodes a Timestamp from an embedded message's bytes.
func UnmarshalTimestamp(data []byte) (*Timestamp, error) {
	t := &Timestamp{}
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			v, n := consumeVarint(b)
			t.Seconds = int64(v)
			return n
		case 2:
			v, n := consumeVarint(b)
			t.Nanos = int32(v)
			return n
		default:
			return -1
		}
	})
	return t, err
}

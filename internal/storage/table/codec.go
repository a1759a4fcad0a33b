package table

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/ugorji/go/codec"

	"github.com/fanvault/tokend/internal/storage/table/compression"
)

// Rows are stored as canonical CBOR, optionally behind an lz4 frame. The
// first byte of every stored value is a frame marker so a store can be
// reopened with a different compressor setting without rewriting data.
const (
	frameRaw byte = 0x00
	frameLZ4 byte = 0x01
)

var cborHandle = func() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.MapType = reflect.TypeOf(map[string]any(nil))
	// Decode integers as int64 so round-tripped rows compare equal.
	h.SignedInteger = true
	h.Canonical = true
	return h
}()

func encodeRow(row Row, comp compression.Compressor) ([]byte, error) {
	var payload []byte
	enc := codec.NewEncoderBytes(&payload, cborHandle)
	if err := enc.Encode(row); err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}

	if comp != nil && comp.Name() != "none" {
		compressed, err := comp.Compress(payload)
		// An empty block means the input was incompressible; fall through
		// to the raw frame.
		if err == nil && len(compressed) > 0 && len(compressed)+binary.MaxVarintLen64 < len(payload) {
			out := make([]byte, 0, len(compressed)+binary.MaxVarintLen64+1)
			out = append(out, frameLZ4)
			out = binary.AppendUvarint(out, uint64(len(payload)))
			out = append(out, compressed...)
			return out, nil
		}
	}

	out := make([]byte, 0, len(payload)+1)
	out = append(out, frameRaw)
	out = append(out, payload...)
	return out, nil
}

func decodeRow(data []byte, comp compression.Compressor) (Row, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decode row: empty value")
	}

	var payload []byte
	switch data[0] {
	case frameRaw:
		payload = data[1:]
	case frameLZ4:
		size, n := binary.Uvarint(data[1:])
		if n <= 0 {
			return nil, fmt.Errorf("decode row: corrupt lz4 frame header")
		}
		lz4 := comp
		if lz4 == nil || lz4.Name() != "lz4" {
			var err error
			lz4, err = compression.Get("lz4")
			if err != nil {
				return nil, err
			}
		}
		var err error
		payload, err = lz4.Decompress(data[1+n:], int(size))
		if err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
	default:
		return nil, fmt.Errorf("decode row: unknown frame marker 0x%02x", data[0])
	}

	var row Row
	dec := codec.NewDecoderBytes(payload, cborHandle)
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return row, nil
}

// indexState is the persisted form of an index definition.
type indexState struct {
	HashKey  string `codec:"hashKey"`
	RangeKey string `codec:"rangeKey"`
	Ready    bool   `codec:"ready"`
}

func encodeIndexState(s indexState) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, cborHandle)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("encode index meta: %w", err)
	}
	return out, nil
}

func decodeIndexState(data []byte) (indexState, error) {
	var s indexState
	dec := codec.NewDecoderBytes(data, cborHandle)
	if err := dec.Decode(&s); err != nil {
		return indexState{}, fmt.Errorf("decode index meta: %w", err)
	}
	return s, nil
}

// copyRow deep-copies a row so cached rows cannot be mutated by callers.
func copyRow(row Row) Row {
	if row == nil {
		return nil
	}
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = copyValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = copyValue(vv)
		}
		return out
	default:
		return v
	}
}

// attrEqual compares two attribute values for conditional updates. Numeric
// values compare across Go integer widths since encoded rows always decode
// to int64 while in-process rows may carry int.
func attrEqual(a, b any) bool {
	if ai, aok := asInt64(a); aok {
		if bi, bok := asInt64(b); bok {
			return ai == bi
		}
		return false
	}
	switch at := a.(type) {
	case string:
		bt, ok := b.(string)
		return ok && at == bt
	case bool:
		bt, ok := b.(bool)
		return ok && at == bt
	case float64:
		bt, ok := b.(float64)
		return ok && at == bt
	case nil:
		return b == nil
	default:
		return reflect.DeepEqual(a, b)
	}
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint64:
		return int64(t), true
	case uint32:
		return int64(t), true
	default:
		return 0, false
	}
}

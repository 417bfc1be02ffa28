package rowset

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeRows serializes rows to MessagePack with sorted map keys, so equal
// rowsets always encode to equal bytes.
func EncodeRows(rows []Row) ([]byte, error) {
	if rows == nil {
		rows = []Row{}
	}
	normalized := make([]any, len(rows))
	for i, r := range rows {
		normalized[i] = Normalize(r)
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	enc.UseCompactInts(true)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("encode rows: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRows reverses EncodeRows. The result is in normal form.
func DecodeRows(data []byte) ([]Row, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}

	rows := make([]Row, 0, len(raw))
	for i, r := range raw {
		obj, ok := Normalize(r).(map[string]any)
		if !ok {
			return nil, fmt.Errorf("decode rows: element %d is %T, not a record", i, r)
		}
		rows = append(rows, obj)
	}
	return rows, nil
}

// Encode serializes an arbitrary value (erasure counts, consent results).
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes data produced by Encode into v.
func Decode(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

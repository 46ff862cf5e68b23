package remote

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"chillspace/pkg/timeutil"
)

// Record is one row as the backend returns it: JSON-decoded column values
// keyed by column name.
type Record map[string]any

// ID returns the id column as a string.
func (r Record) ID() string { return r.String("id") }

// String returns the column as a string, or "" when absent or null.
func (r Record) String(col string) string {
	v, ok := r[col]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// Clone copies the top level of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of r with patch applied on top.
func (r Record) Merge(patch Record) Record {
	out := r.Clone()
	if out == nil {
		out = Record{}
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Decode converts r into T through its JSON tags.
func Decode[T any](r Record) (T, error) {
	var out T
	b, err := json.Marshal(r)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode record: %w", err)
	}
	return out, nil
}

// DecodeAll decodes every record, failing on the first bad row.
func DecodeAll[T any](rs []Record) ([]T, error) {
	out := make([]T, 0, len(rs))
	for _, r := range rs {
		v, err := Decode[T](r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Encode converts v into a record through its JSON tags.
func Encode(v any) (Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return r, nil
}

// Timestamp formats t for a timestamp column.
func Timestamp(t time.Time) string { return timeutil.Format(t) }

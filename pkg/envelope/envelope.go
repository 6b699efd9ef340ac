package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Header is the first line of a response envelope.
type Header struct {
	// Count is the number of records the service intends to send. A header
	// without a count is the "service busy, retry" signal.
	Count *int `json:"count,omitempty"`

	// Update selects incremental merge semantics. False (the default) means
	// the records are a full replacement of the collection.
	Update bool `json:"update,omitempty"`

	// Timestamps carries the per-dependency freshness watermarks the
	// response was computed from.
	Timestamps map[string]int64 `json:"timestamps,omitempty"`

	// Cutoff is the server-side horizon value echoed back on the next
	// request.
	Cutoff int64 `json:"cutoff,omitempty"`
}

// Busy reports whether the header is the "retry later" signal.
func (h Header) Busy() bool {
	return h.Count == nil
}

// WithCount returns a copy of h carrying the given record count. Used when
// framing synthetic snapshots.
func (h Header) WithCount(n int) Header {
	h.Count = &n
	return h
}

// Record is one (key, value) update. A nil Value denotes deletion of Key.
type Record struct {
	Key   string
	Value json.RawMessage
}

// Deleted reports whether the record deletes its key.
func (r Record) Deleted() bool {
	return r.Value == nil
}

var nullJSON = []byte("null")

// MarshalJSON encodes the record as a two-element array [key, value].
func (r Record) MarshalJSON() ([]byte, error) {
	value := r.Value
	if value == nil {
		value = nullJSON
	}
	key, err := json.Marshal(r.Key)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(key)+len(value)+3)
	buf = append(buf, '[')
	buf = append(buf, key...)
	buf = append(buf, ',')
	buf = append(buf, value...)
	buf = append(buf, ']')
	return buf, nil
}

// UnmarshalJSON decodes a two-element array [key, value]. A JSON null value
// yields a nil Value.
func (r *Record) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("record is not an array: %w", err)
	}
	if len(parts) != 2 {
		return fmt.Errorf("record has %d elements, want 2", len(parts))
	}
	if err := json.Unmarshal(parts[0], &r.Key); err != nil {
		return fmt.Errorf("record key: %w", err)
	}
	if bytes.Equal(bytes.TrimSpace(parts[1]), nullJSON) {
		r.Value = nil
		return nil
	}
	r.Value = parts[1]
	return nil
}

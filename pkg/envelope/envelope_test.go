package envelope

import (
	"io"
	"strings"
	"testing"
)

func TestHeaderBusy(t *testing.T) {
	count := 3
	tests := []struct {
		name     string
		header   Header
		expected bool
	}{
		{
			name:     "no count is the busy signal",
			header:   Header{},
			expected: true,
		},
		{
			name:     "count present",
			header:   Header{Count: &count},
			expected: false,
		},
		{
			name:     "zero count is a real empty response",
			header:   Header{}.WithCount(0),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.header.Busy(); got != tt.expected {
				t.Errorf("Busy() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDecoderHeader(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantBusy   bool
		wantCount  int
		wantUpdate bool
		wantErr    bool
	}{
		{
			name:      "full header",
			body:      `{"count":2,"update":true,"timestamps":{"orders":17},"cutoff":99}`,
			wantCount: 2, wantUpdate: true,
		},
		{
			name:     "busy header",
			body:     `{}`,
			wantBusy: true,
		},
		{
			name:    "empty response",
			body:    "",
			wantErr: true,
		},
		{
			name:    "malformed header",
			body:    `[1,2]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.body))
			hdr, err := dec.Header()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Header() error: %v", err)
			}
			if hdr.Busy() != tt.wantBusy {
				t.Errorf("Busy() = %v, want %v", hdr.Busy(), tt.wantBusy)
			}
			if !tt.wantBusy && *hdr.Count != tt.wantCount {
				t.Errorf("Count = %d, want %d", *hdr.Count, tt.wantCount)
			}
			if hdr.Update != tt.wantUpdate {
				t.Errorf("Update = %v, want %v", hdr.Update, tt.wantUpdate)
			}
		})
	}
}

func TestDecoderRecords(t *testing.T) {
	body := `{"count":3}
["orders.a",{"price":1}]

["orders.b",null]
["orders.c",42]`

	dec := NewDecoder(strings.NewReader(body))
	if _, err := dec.Header(); err != nil {
		t.Fatalf("Header() error: %v", err)
	}

	want := []struct {
		key     string
		deleted bool
	}{
		{"orders.a", false},
		{"orders.b", true},
		{"orders.c", false},
	}

	for i, w := range want {
		rec, err := dec.Next()
		if err != nil {
			t.Fatalf("Next() #%d error: %v", i, err)
		}
		if rec.Key != w.key {
			t.Errorf("record %d key = %q, want %q", i, rec.Key, w.key)
		}
		if rec.Deleted() != w.deleted {
			t.Errorf("record %d deleted = %v, want %v", i, rec.Deleted(), w.deleted)
		}
	}

	if _, err := dec.Next(); err != io.EOF {
		t.Errorf("Next() after last record = %v, want io.EOF", err)
	}
}

func TestDecoderNextBeforeHeader(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"count":0}`))
	if _, err := dec.Next(); err != ErrHeaderNotRead {
		t.Errorf("Next() before Header() = %v, want ErrHeaderNotRead", err)
	}
}

func TestDecoderMalformedRecord(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not an array", `{"key":"x"}`},
		{"wrong arity", `["only-key"]`},
		{"non-string key", `[7,1]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader("{\"count\":1}\n" + tt.line))
			if _, err := dec.Header(); err != nil {
				t.Fatalf("Header() error: %v", err)
			}
			if _, err := dec.Next(); err == nil {
				t.Error("expected error for malformed record, got nil")
			}
		})
	}
}

func TestRecordRoundTrip(t *testing.T) {
	rec := Record{Key: "orders.a", Value: []byte(`{"price":1}`)}
	data, err := rec.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON error: %v", err)
	}
	if string(data) != `["orders.a",{"price":1}]` {
		t.Errorf("MarshalJSON = %s", data)
	}

	deletion := Record{Key: "orders.b"}
	data, err = deletion.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON error: %v", err)
	}
	if string(data) != `["orders.b",null]` {
		t.Errorf("MarshalJSON = %s", data)
	}
}

func TestSliceStream(t *testing.T) {
	records := []Record{
		{Key: "a", Value: []byte(`1`)},
		{Key: "b", Value: []byte(`2`)},
	}

	s := NewSliceStream(records)
	for i := range records {
		rec, err := s.Next()
		if err != nil {
			t.Fatalf("Next() #%d error: %v", i, err)
		}
		if rec.Key != records[i].Key {
			t.Errorf("record %d key = %q, want %q", i, rec.Key, records[i].Key)
		}
	}
	if _, err := s.Next(); err != io.EOF {
		t.Errorf("exhausted stream = %v, want io.EOF", err)
	}
}

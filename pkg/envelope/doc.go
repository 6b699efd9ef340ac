// Package envelope implements the wire format of one data service response:
// a header line followed by zero or more record lines, each line a single
// JSON value.
//
// Line 0 is the header object. A header without a "count" field is the
// service's "busy, retry later" signal and carries no records. Lines 1..N
// are two-element arrays [key, value]; a null value denotes deletion of the
// key.
//
// Records are consumed through the Stream interface, a pull-based,
// non-restartable sequence. Decoder reads a stream off the wire;
// SliceStream replays an in-memory snapshot in the same shape.
package envelope

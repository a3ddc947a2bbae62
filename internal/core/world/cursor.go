package world

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is an opaque log position. Cursors of one store compare
// lexically in log order. The empty cursor means "no position".
type Cursor string

// FirstCursor precedes every log entry.
var FirstCursor = FormatCursor(0, 0)

// FormatCursor builds a cursor from a millisecond timestamp and a sequence.
func FormatCursor(ms, seq uint64) Cursor {
	return Cursor(fmt.Sprintf("%016x-%016x", ms, seq))
}

// Parts splits a cursor built by FormatCursor.
func (c Cursor) Parts() (ms, seq uint64, err error) {
	hi, lo, ok := strings.Cut(string(c), "-")
	if !ok || len(hi) != 16 || len(lo) != 16 {
		return 0, 0, fmt.Errorf("malformed cursor %q", string(c))
	}
	if ms, err = strconv.ParseUint(hi, 16, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed cursor %q: %w", string(c), err)
	}
	if seq, err = strconv.ParseUint(lo, 16, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed cursor %q: %w", string(c), err)
	}
	return ms, seq, nil
}

func (c Cursor) IsZero() bool { return c == "" }

// Before reports whether c precedes other.
func (c Cursor) Before(other Cursor) bool { return c < other }

// AtOrAfter reports whether c is at or past other.
func (c Cursor) AtOrAfter(other Cursor) bool { return c >= other }

// Time is the wall clock time encoded in the cursor, zero when the store does
// not stamp entries.
func (c Cursor) Time() time.Time {
	ms, _, err := c.Parts()
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

// StreamID renders the cursor as a "<ms>-<seq>" stream id.
func (c Cursor) StreamID() string {
	ms, seq, err := c.Parts()
	if err != nil {
		return "0-0"
	}
	return strconv.FormatUint(ms, 10) + "-" + strconv.FormatUint(seq, 10)
}

// ParseStreamID converts a "<ms>-<seq>" stream id into a cursor.
func ParseStreamID(id string) (Cursor, error) {
	hi, lo, ok := strings.Cut(id, "-")
	if !ok {
		return "", fmt.Errorf("malformed stream id %q", id)
	}
	ms, err := strconv.ParseUint(hi, 10, 64)
	if err != nil {
		return "", fmt.Errorf("malformed stream id %q: %w", id, err)
	}
	seq, err := strconv.ParseUint(lo, 10, 64)
	if err != nil {
		return "", fmt.Errorf("malformed stream id %q: %w", id, err)
	}
	return FormatCursor(ms, seq), nil
}

func (c Cursor) String() string { return string(c) }

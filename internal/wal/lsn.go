// Package wal handles PostgreSQL write-ahead log positions.
package wal

import (
	"fmt"
	"strconv"
	"strings"
)

// LSN is a byte offset into the write-ahead log stream.
type LSN uint64

// Invalid is the zero position PostgreSQL reports as 0/0.
const Invalid LSN = 0

// Parse converts the textual form "XXXXXXXX/YYYYYYYY" into an LSN.
func Parse(s string) (LSN, error) {
	hi, lo, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Invalid, fmt.Errorf("wal: malformed position %q", s)
	}
	h, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return Invalid, fmt.Errorf("wal: malformed position %q: %w", s, err)
	}
	l, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return Invalid, fmt.Errorf("wal: malformed position %q: %w", s, err)
	}
	return LSN(h<<32 | l), nil
}

// String renders the position the way PostgreSQL prints it.
func (l LSN) String() string {
	return fmt.Sprintf("%X/%X", uint64(l)>>32, uint64(l)&0xFFFFFFFF)
}

// IsValid reports whether the position was actually reported by the server.
func (l LSN) IsValid() bool {
	return l != Invalid
}

// Diff returns l - other in bytes. The result is negative when other is ahead.
func (l LSN) Diff(other LSN) int64 {
	return int64(l) - int64(other)
}

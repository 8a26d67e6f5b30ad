package ids

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewULID(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	a, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(a) != 26 {
		t.Fatalf("length: %d", len(a))
	}
	parsed, err := ulid.Parse(a)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Time() != ulid.Timestamp(now) {
		t.Fatalf("timestamp: got %d want %d", parsed.Time(), ulid.Timestamp(now))
	}

	// Later timestamps sort lexicographically after earlier ones.
	b, err := NewULID(now.Add(time.Second))
	if err != nil {
		t.Fatalf("NewULID later: %v", err)
	}
	if !(a < b) {
		t.Fatalf("ordering: %s !< %s", a, b)
	}

	// A zero time falls back to the clock instead of ULID epoch zero.
	c, err := NewULID(time.Time{})
	if err != nil {
		t.Fatalf("NewULID zero: %v", err)
	}
	if pc, err := ulid.Parse(c); err != nil || pc.Time() == 0 {
		t.Fatalf("zero-time fallback: %s (%v)", c, err)
	}
}

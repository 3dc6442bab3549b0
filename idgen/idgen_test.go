package idgen

import (
	"strings"
	"testing"
)

func TestNanoID(t *testing.T) {
	for _, length := range []int{8, 10, 16} {
		id := NanoID(length)()
		if len(id) != length {
			t.Fatalf("NanoID(%d): got length %d", length, len(id))
		}
		for _, c := range id {
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')) {
				t.Fatalf("NanoID: unexpected character %q in %q", c, id)
			}
		}
	}
}

func TestNanoID_Uniqueness(t *testing.T) {
	gen := NanoID(10)
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := gen()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate session-length ID at iteration %d: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestUUIDv7(t *testing.T) {
	gen := UUIDv7()
	id := gen()
	if len(id) != 36 || strings.Count(id, "-") != 4 {
		t.Fatalf("UUIDv7: malformed %q", id)
	}

	// v7 IDs embed the timestamp, so sequential generation sorts.
	prev := gen()
	for i := 0; i < 50; i++ {
		next := gen()
		if next <= prev {
			t.Fatalf("UUIDv7: %q not greater than %q", next, prev)
		}
		prev = next
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("aud", NanoID(8))()
	if !strings.HasPrefix(id, "aud_") {
		t.Fatalf("Prefixed: expected aud_ tag, got %q", id)
	}
	if len(id) != len("aud_")+8 {
		t.Fatalf("Prefixed: got length %d from %q", len(id), id)
	}
}

func TestStamped(t *testing.T) {
	id := Stamped(NanoID(6))()
	parts := strings.SplitN(id, "_", 2)
	if len(parts) != 2 || len(parts[0]) != len("20060102T150405Z") {
		t.Fatalf("Stamped: bad format %q", id)
	}
	if len(parts[1]) != 6 {
		t.Fatalf("Stamped: suffix length %d in %q", len(parts[1]), id)
	}
}

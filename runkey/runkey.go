// Package runkey derives the deterministic identity of one logical sync run.
//
// The key gates every write-class side effect: a run invoked twice for the
// same (project, selector, date) triple produces the same token, so the
// second invocation can observe the first one's record and skip its writes.
package runkey

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Key is a stable run-identity token, e.g. "run_f3a91c0e24b7d8a1".
type Key string

// String returns the token.
func (k Key) String() string { return string(k) }

// tokenBytes is the truncation length of the hex digest. 16 bytes of
// SHA-256 keeps tokens short enough for document-workspace properties while
// leaving collisions out of practical reach.
const tokenBytes = 16

// Derive computes the run key for a project synced over a selector (a time
// range expression or a free-text query) on a given calendar date.
//
// Pure: identical inputs always yield the identical token, and changing any
// input field changes the token. Fields are joined with a unit separator so
// ("a", "bc") and ("ab", "c") cannot collide.
func Derive(project, selector string, asOf time.Time) Key {
	h := sha256.New()
	h.Write([]byte(project))
	h.Write([]byte{0x1f})
	h.Write([]byte(selector))
	h.Write([]byte{0x1f})
	h.Write([]byte(asOf.UTC().Format("2006-01-02")))
	sum := h.Sum(nil)
	return Key("run_" + hex.EncodeToString(sum[:tokenBytes]))
}

// Selector builds the canonical selector string from a time-range expression
// and an optional query. The query wins when both are set, matching the
// engine's extraction dispatch (search runs ignore the time range).
func Selector(since, query string) string {
	if query != "" {
		return "q:" + query
	}
	if since != "" {
		return "t:" + since
	}
	return "t:all"
}

// Package idgen generates the identifiers the mirror hands out: audit
// entry IDs, browser session IDs, and anything else that needs to be
// unique across restarts. Callers take a Generator so tests can pin IDs
// to fixed values.
package idgen

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator producing RFC 9562 UUID v7 strings. IDs
// sort by creation time, which keeps the audit trail readable when
// entries share a millisecond timestamp.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// NanoID returns a Generator producing base-36 IDs of the given length.
// Used for session IDs, where a full UUID would bloat every log line.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		out := make([]byte, length)
		for i, c := range buf {
			out[i] = alphabet[int(c)%len(alphabet)]
		}
		return string(out)
	}
}

// Prefixed prepends a type tag to every ID from gen, separated so the
// source of an identifier is visible in logs ("aud_", "ses_").
func Prefixed(tag string, gen Generator) Generator {
	return func() string {
		return tag + "_" + gen()
	}
}

// Stamped prefixes each ID with a UTC second timestamp. Used for
// artifact filenames that should sort chronologically on disk.
func Stamped(gen Generator) Generator {
	return func() string {
		return time.Now().UTC().Format("20060102T150405Z") + "_" + gen()
	}
}

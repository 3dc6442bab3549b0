// Package extract defines the shared vocabulary of the extraction pipeline:
// requests, results, capability tags, and the error taxonomy that the
// resilience layer classifies against.
//
// It is a leaf package. Session management, browser control, and the
// concrete workspace clients all import it; it imports nothing of them.
package extract

import (
	"fmt"
	"time"
)

// Target identifies one of the two workspace services requests are issued
// against. Rate-limit counters and retry policies are scoped per target.
type Target string

const (
	TargetChat Target = "chat"
	TargetDocs Target = "docs"
)

// Capability tags one operation a concrete client supports.
type Capability uint8

const (
	CapFetchHistory Capability = 1 << iota
	CapSearch
	CapUpdateMetadata
	CapAppendNote
	CapUpdateProperty
	CapQueryByKey
)

// CapabilitySet is a bitmask of Capability values.
type CapabilitySet uint8

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool { return uint8(s)&uint8(c) != 0 }

// With returns the set extended with the given capabilities.
func (s CapabilitySet) With(caps ...Capability) CapabilitySet {
	for _, c := range caps {
		s = CapabilitySet(uint8(s) | uint8(c))
	}
	return s
}

// Request describes one paginated read against a target service.
// Immutable once issued; Next derives the follow-up request for a page.
type Request struct {
	Target   Target
	Resource string // channel ID, page ID, or thread ts depending on operation
	Cursor   string // opaque pagination token; empty = first page
	Oldest   string // normalized ts lower bound, empty = unbounded
	Latest   string // normalized ts upper bound, empty = unbounded
	Query    string // free-text query for search operations
	Limit    int    // items per page hint
	MaxPages int    // caller-supplied cap on pagination depth
}

// Next returns a copy of the request positioned at the given cursor.
func (r Request) Next(cursor string) Request {
	r.Cursor = cursor
	return r
}

// Item is one normalized extracted message, agnostic of whether it was read
// from an intercepted structured payload or parsed out of the rendered DOM.
type Item struct {
	TS        string `json:"ts"`
	ThreadTS  string `json:"thread_ts,omitempty"`
	User      string `json:"user"`
	UserName  string `json:"user_name,omitempty"`
	Text      string `json:"text"`
	Permalink string `json:"permalink,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

// Completeness marks whether a Result covers everything the request asked
// for or was cut short (deadline, cancellation, smart-wait timeout).
type Completeness string

const (
	Complete Completeness = "complete"
	Partial  Completeness = "partial"
)

// Result is one page (or an accumulated run) of extracted items.
//
// Invariant: a Complete result never carries a resumable cursor. Use the
// constructors below; they maintain it.
type Result struct {
	Items        []Item
	Cursor       string // resume point; empty means exhausted
	Completeness Completeness
	FetchedAt    time.Time
	Pages        int // pages consumed to produce this result
}

// Exhausted reports whether pagination has nothing left to fetch.
func (r *Result) Exhausted() bool { return r.Cursor == "" }

// Page builds the result for one fetched page. A page with a follow-up
// cursor is Partial by definition: the request is not fully served yet.
// Only an exhausted page (empty cursor) is Complete.
func Page(items []Item, cursor string) *Result {
	c := Complete
	if cursor != "" {
		c = Partial
	}
	return &Result{Items: items, Cursor: cursor, Completeness: c, FetchedAt: time.Now().UTC(), Pages: 1}
}

// Truncated builds a Partial accumulation cut short mid-pagination,
// carrying the cursor needed to resume and the pages fetched so far.
func Truncated(items []Item, cursor string, pages int) *Result {
	return &Result{Items: items, Cursor: cursor, Completeness: Partial, FetchedAt: time.Now().UTC(), Pages: pages}
}

// Drained builds the Complete accumulation for a fully-served request.
func Drained(items []Item, pages int) *Result {
	return &Result{Items: items, Completeness: Complete, FetchedAt: time.Now().UTC(), Pages: pages}
}

// Validate checks the Complete-implies-exhausted invariant.
func (r *Result) Validate() error {
	if r.Completeness == Complete && r.Cursor != "" {
		return fmt.Errorf("extract: complete result carries resumable cursor %q", r.Cursor)
	}
	return nil
}

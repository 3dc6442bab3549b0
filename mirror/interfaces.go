// Package mirror orchestrates one sync run: borrow an authenticated
// session, extract chat history or search results page by page under the
// retry controller and rate limits, and mirror the outcome into the
// document workspace behind the run-key idempotency gate.
package mirror

import (
	"context"

	"github.com/hazyhaar/chatmirror/extract"
	"github.com/hazyhaar/chatmirror/session"
)

// Capability interfaces are defined here, on the consumer side. Concrete
// clients (chatws, docws) satisfy them; tests swap in fakes.

// HistoryFetcher reads one page of channel history.
type HistoryFetcher interface {
	FetchHistoryPage(ctx context.Context, ses *session.Session, req extract.Request) (*extract.Result, error)
}

// Searcher reads one page of search results.
type Searcher interface {
	Search(ctx context.Context, ses *session.Session, req extract.Request) (*extract.Result, error)
}

// TopicUpdater sets a channel topic. Write-class.
type TopicUpdater interface {
	UpdateTopic(ctx context.Context, ses *session.Session, channelID, topic string) error
}

// NoteAppender appends a note block to a document page. Write-class.
type NoteAppender interface {
	AppendNote(ctx context.Context, ses *session.Session, pageID, text string) error
}

// PropertyUpdater sets a named document property. Write-class.
type PropertyUpdater interface {
	UpdateProperty(ctx context.Context, ses *session.Session, pageID, name, value string) error
}

// KeyQuerier checks whether a page already carries a run key: the remote
// half of the idempotency gate.
type KeyQuerier interface {
	QueryExistingByKey(ctx context.Context, ses *session.Session, pageID, runKey string) (bool, error)
}

// ChatReader is the read surface of the chat workspace.
type ChatReader interface {
	HistoryFetcher
	Searcher
	Capabilities() extract.CapabilitySet
}

// DocWriter is the write surface of the document workspace.
type DocWriter interface {
	NoteAppender
	PropertyUpdater
	KeyQuerier
	Capabilities() extract.CapabilitySet
}

// Sessions abstracts the session manager so engine tests can run without
// a browser.
type Sessions interface {
	Acquire(ctx context.Context) (*session.Session, error)
	Release(s *session.Session)
	Refresh(ctx context.Context, s *session.Session) error
	Persist(ctx context.Context, s *session.Session) error
}

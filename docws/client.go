// Package docws is the document-workspace client. All writes are
// DOM-driven through the authenticated page, and every write is followed
// by a verification read: a write that cannot be seen back is a failure,
// not a success.
package docws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"

	"github.com/hazyhaar/chatmirror/extract"
	"github.com/hazyhaar/chatmirror/resilience"
	"github.com/hazyhaar/chatmirror/session"
)

// Config carries the document client settings.
type Config struct {
	// BaseURL is the workspace root, e.g. https://www.notion.so.
	BaseURL string

	// Wait paces DOM interaction after navigation.
	Wait resilience.SmartWait

	// VerifyAttempts bounds the verification polls after a write.
	VerifyAttempts int

	Logger *slog.Logger
}

// Client writes to the document workspace through an authenticated
// session.
type Client struct {
	baseURL        string
	wait           resilience.SmartWait
	verifyAttempts int
	log            *slog.Logger
}

const verifyPollInterval = 350 * time.Millisecond

// New builds a document client.
func New(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	wait := cfg.Wait
	if wait.Timeout <= 0 {
		wait = resilience.DefaultSmartWait()
	}
	attempts := cfg.VerifyAttempts
	if attempts <= 0 {
		attempts = 4
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		wait:           wait,
		verifyAttempts: attempts,
		log:            log.With("pkg", "docws"),
	}
}

// Capabilities reports what this client supports.
func (c *Client) Capabilities() extract.CapabilitySet {
	return extract.CapabilitySet(0).With(
		extract.CapAppendNote,
		extract.CapUpdateProperty,
		extract.CapQueryByKey,
	)
}

// AppendNote types text into the page editor and verifies it rendered.
func (c *Client) AppendNote(ctx context.Context, ses *session.Session, pageID, text string) error {
	page, err := c.open(ctx, ses, pageID)
	if err != nil {
		return err
	}

	focused, err := evalBool(ctx, page, focusEditorJS, PageCanvas.All(), Editor.All())
	if err != nil {
		return err
	}
	if !focused {
		return fmt.Errorf("docws: %s: %w", Editor.Name, extract.ErrStructuralMismatch)
	}

	if err := page.Context(ctx).InsertText(text); err != nil {
		return fmt.Errorf("docws: type note: %v: %w", err, extract.ErrTransientNetwork)
	}
	if err := page.Context(ctx).Keyboard.Press(input.Enter); err != nil {
		return fmt.Errorf("docws: commit note: %v: %w", err, extract.ErrTransientNetwork)
	}

	ok, err := c.verifyTextPresent(ctx, page, text)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("docws: note not visible after append: %w", extract.ErrTransientNetwork)
	}
	return nil
}

// UpdateProperty sets a named property on the page and verifies the value
// rendered. ISO datetime values are trimmed to their date part first.
func (c *Client) UpdateProperty(ctx context.Context, ses *session.Session, pageID, name, value string) error {
	value = NormalizeProperty(value)

	page, err := c.open(ctx, ses, pageID)
	if err != nil {
		return err
	}

	status, err := evalStr(ctx, page, focusPropertyCellJS, name)
	if err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("docws: property %q: %s: %w", name, status, extract.ErrStructuralMismatch)
	}

	if value != "" {
		if err := page.Context(ctx).InsertText(value); err != nil {
			return fmt.Errorf("docws: type property: %v: %w", err, extract.ErrTransientNetwork)
		}
	}
	if err := page.Context(ctx).Keyboard.Press(input.Enter); err != nil {
		return fmt.Errorf("docws: commit property: %v: %w", err, extract.ErrTransientNetwork)
	}

	if value == "" {
		return nil
	}
	ok, err := c.verifyTextPresent(ctx, page, value)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("docws: property %q not visible after update: %w", name, extract.ErrTransientNetwork)
	}
	return nil
}

// QueryExistingByKey reports whether the page already carries the given
// run key. The engine uses this as the remote side of the idempotency
// gate before any write.
func (c *Client) QueryExistingByKey(ctx context.Context, ses *session.Session, pageID, runKey string) (bool, error) {
	if runKey == "" {
		return false, nil
	}
	page, err := c.open(ctx, ses, pageID)
	if err != nil {
		return false, err
	}
	return evalBool(ctx, page, textPresentJS, runKey)
}

// open navigates to the page, waits for it to settle and confirms the
// authenticated view rendered.
func (c *Client) open(ctx context.Context, ses *session.Session, pageID string) (*rod.Page, error) {
	page := ses.Page()
	if page == nil {
		return nil, fmt.Errorf("docws: session closed: %w", extract.ErrAuthRequired)
	}

	target := c.pageURL(pageID)
	if err := page.Context(ctx).Navigate(target); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("docws: navigate %s: %w", target, extract.ErrNavigationTimeout)
		}
		return nil, fmt.Errorf("docws: navigate %s: %v: %w", target, err, extract.ErrTransientNetwork)
	}
	if !c.wait.Apply(ctx, page) {
		c.log.WarnContext(ctx, "page did not settle inside wait budget", "url", target)
	}

	info, err := page.Context(ctx).Info()
	if err == nil && onLoginView(info.URL) {
		return nil, fmt.Errorf("docws: redirected to login: %w", extract.ErrAuthRequired)
	}

	ready, err := evalBool(ctx, page, anyPresentJS, ReadyIndicator.All())
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, fmt.Errorf("docws: %s: %w", ReadyIndicator.Name, extract.ErrStructuralMismatch)
	}
	return page, nil
}

// verifyTextPresent polls the rendered page for a snippet of the written
// text. The snippet is whitespace-collapsed and capped so rich rendering
// of long notes still matches.
func (c *Client) verifyTextPresent(ctx context.Context, page *rod.Page, text string) (bool, error) {
	needle := Snippet(text)
	if needle == "" {
		return true, nil
	}
	for i := 0; i < c.verifyAttempts; i++ {
		ok, err := evalBool(ctx, page, textPresentJS, needle)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, fmt.Errorf("docws: verify: %w", extract.ErrDeadlineExceeded)
		case <-time.After(verifyPollInterval):
		}
	}
	return false, nil
}

func (c *Client) pageURL(pageID string) string {
	if strings.HasPrefix(pageID, "http://") || strings.HasPrefix(pageID, "https://") {
		return pageID
	}
	return c.baseURL + "/" + pageID
}

func onLoginView(url string) bool {
	return strings.Contains(url, "login") || strings.Contains(url, "signup")
}

var isoDatetimeRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T`)

// NormalizeProperty trims a property value and reduces ISO datetimes to
// their date part, which is what date cells accept.
func NormalizeProperty(value string) string {
	text := strings.TrimSpace(value)
	if text == "" {
		return ""
	}
	if isoDatetimeRe.MatchString(text) {
		return strings.SplitN(text, "T", 2)[0]
	}
	return text
}

// Snippet collapses whitespace and caps the verification needle at 80
// runes. The cap lands on a rune boundary: a byte slice could split a
// multi-byte rune and the mangled needle would never match the page's
// innerText.
func Snippet(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(collapsed) > 80 {
		collapsed = string([]rune(collapsed)[:80])
	}
	return collapsed
}

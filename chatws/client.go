package chatws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/chatmirror/extract"
	"github.com/hazyhaar/chatmirror/resilience"
	"github.com/hazyhaar/chatmirror/session"
)

// Config carries the chat client settings.
type Config struct {
	// WorkspaceURL is the authenticated client URL, e.g.
	// https://app.slack.com/client/T0123ABCD.
	WorkspaceURL string

	// Wait paces DOM reads after navigation.
	Wait resilience.SmartWait

	Logger *slog.Logger
}

// Client reads the chat workspace through an authenticated session.
type Client struct {
	workspaceURL string
	workspaceID  string
	wait         resilience.SmartWait
	log          *slog.Logger
}

// New builds a chat client. The workspace ID is derived from the
// workspace URL when present and scopes token mining to that team.
func New(cfg Config) *Client {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	wait := cfg.Wait
	if wait.Timeout <= 0 {
		wait = resilience.DefaultSmartWait()
	}
	return &Client{
		workspaceURL: strings.TrimRight(cfg.WorkspaceURL, "/"),
		workspaceID:  WorkspaceIDFrom(cfg.WorkspaceURL),
		wait:         wait,
		log:          log.With("pkg", "chatws"),
	}
}

// Capabilities reports what this client supports.
func (c *Client) Capabilities() extract.CapabilitySet {
	return extract.CapabilitySet(0).With(
		extract.CapFetchHistory,
		extract.CapSearch,
		extract.CapUpdateMetadata,
	)
}

// FetchHistoryPage fetches exactly one page of channel history. The
// structured in-page API is preferred; when no token can be mined the
// first page degrades to a one-shot DOM read.
func (c *Client) FetchHistoryPage(ctx context.Context, ses *session.Session, req extract.Request) (*extract.Result, error) {
	page := ses.Page()
	if page == nil {
		return nil, fmt.Errorf("chatws: session closed: %w", extract.ErrAuthRequired)
	}

	token, err := mineToken(ctx, page, c.workspaceID)
	if err != nil {
		return nil, err
	}
	if token == "" {
		if req.Cursor != "" {
			return nil, fmt.Errorf("chatws: pagination needs the structured path: %w", extract.ErrAuthRequired)
		}
		c.log.InfoContext(ctx, "no api token, reading history from dom", "channel", req.Resource)
		return c.domHistory(ctx, page, req)
	}

	form := map[string]interface{}{
		"channel": req.Resource,
		"limit":   pageLimit(req),
		"oldest":  req.Oldest,
		"latest":  req.Latest,
		"cursor":  req.Cursor,
	}
	body, err := apiCall(ctx, page, "conversations.history", token, form)
	if err != nil {
		return nil, err
	}

	msgs := body.Get("messages").Arr()
	items := make([]extract.Item, 0, len(msgs))
	for _, m := range msgs {
		item := itemFromMessage(m, req.Resource)
		if !WithinWindow(item.TS, req.Oldest, req.Latest) {
			continue
		}
		items = append(items, item)
	}
	SortByTS(items)

	return extract.Page(items, body.Get("response_metadata.next_cursor").Str()), nil
}

// Search fetches exactly one page of search results. Search paginates by
// page number, carried through the request cursor as a decimal string.
func (c *Client) Search(ctx context.Context, ses *session.Session, req extract.Request) (*extract.Result, error) {
	page := ses.Page()
	if page == nil {
		return nil, fmt.Errorf("chatws: session closed: %w", extract.ErrAuthRequired)
	}

	token, err := mineToken(ctx, page, c.workspaceID)
	if err != nil {
		return nil, err
	}
	if token == "" {
		if req.Cursor != "" {
			return nil, fmt.Errorf("chatws: pagination needs the structured path: %w", extract.ErrAuthRequired)
		}
		c.log.InfoContext(ctx, "no api token, searching via dom", "query", req.Query)
		return c.domSearch(ctx, page, req)
	}

	pageNum := 1
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("chatws: bad search cursor %q", req.Cursor)
		}
		pageNum = n
	}

	form := map[string]interface{}{
		"query": req.Query,
		"count": pageLimit(req),
		"page":  pageNum,
	}
	body, err := apiCall(ctx, page, "search.messages", token, form)
	if err != nil {
		return nil, err
	}

	matches := body.Get("messages.matches").Arr()
	items := make([]extract.Item, 0, len(matches))
	for _, m := range matches {
		item := itemFromMessage(m, "")
		if !WithinWindow(item.TS, req.Oldest, req.Latest) {
			continue
		}
		items = append(items, item)
	}
	SortByTS(items)

	cursor := ""
	if total := body.Get("messages.paging.pages").Int(); pageNum < total {
		cursor = strconv.Itoa(pageNum + 1)
	}
	return extract.Page(items, cursor), nil
}

// UpdateTopic sets a channel topic. Writes have no DOM fallback: without
// the structured path they fail rather than guess at the rendered UI.
func (c *Client) UpdateTopic(ctx context.Context, ses *session.Session, channelID, topic string) error {
	page := ses.Page()
	if page == nil {
		return fmt.Errorf("chatws: session closed: %w", extract.ErrAuthRequired)
	}

	token, err := mineToken(ctx, page, c.workspaceID)
	if err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("chatws: topic update needs the structured path: %w", extract.ErrAuthRequired)
	}

	_, err = apiCall(ctx, page, "conversations.setTopic", token, map[string]interface{}{
		"channel": channelID,
		"topic":   topic,
	})
	return err
}

func (c *Client) domHistory(ctx context.Context, page *rod.Page, req extract.Request) (*extract.Result, error) {
	target := c.workspaceURL + "/archives/" + req.Resource
	settled, err := c.openAndSettle(ctx, page, target)
	if err != nil {
		return nil, err
	}

	raw, err := page.Context(ctx).HTML()
	if err != nil {
		return nil, fmt.Errorf("chatws: read channel html: %v: %w", err, extract.ErrTransientNetwork)
	}
	items, err := parseHistoryHTML([]byte(raw), target, req)
	if err != nil {
		return nil, err
	}

	res := extract.Page(items, "")
	if !settled {
		res.Completeness = extract.Partial
	}
	return res, nil
}

func (c *Client) domSearch(ctx context.Context, page *rod.Page, req extract.Request) (*extract.Result, error) {
	target := c.workspaceURL + "/search?q=" + url.QueryEscape(req.Query)
	settled, err := c.openAndSettle(ctx, page, target)
	if err != nil {
		return nil, err
	}

	raw, err := page.Context(ctx).HTML()
	if err != nil {
		return nil, fmt.Errorf("chatws: read search html: %v: %w", err, extract.ErrTransientNetwork)
	}
	items, err := parseSearchHTML([]byte(raw), target, req)
	if err != nil {
		return nil, err
	}

	res := extract.Page(items, "")
	if !settled {
		res.Completeness = extract.Partial
	}
	return res, nil
}

// openAndSettle navigates and waits for the frontend to quiet down.
// Returns whether the page settled inside the smart-wait budget.
func (c *Client) openAndSettle(ctx context.Context, page *rod.Page, target string) (bool, error) {
	if err := page.Context(ctx).Navigate(target); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, fmt.Errorf("chatws: navigate %s: %w", target, extract.ErrNavigationTimeout)
		}
		return false, fmt.Errorf("chatws: navigate %s: %v: %w", target, err, extract.ErrTransientNetwork)
	}
	settled := c.wait.Apply(ctx, page)
	if !settled {
		c.log.WarnContext(ctx, "page did not settle inside wait budget", "url", target)
	}
	return settled, nil
}

func pageLimit(req extract.Request) int {
	if req.Limit > 0 {
		return req.Limit
	}
	return 100
}

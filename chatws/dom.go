package chatws

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/chatmirror/domql"
	"github.com/hazyhaar/chatmirror/extract"
)

// DOM fallback: parse messages out of the rendered page when the
// structured path is unavailable. One shot, no pagination; the item
// budget is limit times the page cap of the request it replaces.

// parseHistoryHTML extracts messages from a rendered channel view.
// A missing list container after the whole fallback chain means the
// frontend shipped markup we do not recognise.
func parseHistoryHTML(raw []byte, pageURL string, req extract.Request) ([]extract.Item, error) {
	root, err := domql.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("chatws: parse channel html: %w", err)
	}

	containers, _ := MessageListContainer.FindAll(root)
	if len(containers) == 0 {
		return nil, fmt.Errorf("chatws: %s: %w", MessageListContainer.Name, extract.ErrStructuralMismatch)
	}

	nodes, _ := MessageContainer.FindAll(containers[0])
	return itemsFromNodes(nodes, pageURL, req)
}

// parseSearchHTML extracts messages from a rendered search results view.
func parseSearchHTML(raw []byte, pageURL string, req extract.Request) ([]extract.Item, error) {
	root, err := domql.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("chatws: parse search html: %w", err)
	}

	nodes, _ := SearchResult.FindAll(root)
	if len(nodes) == 0 {
		return nil, fmt.Errorf("chatws: %s: %w", SearchResult.Name, extract.ErrStructuralMismatch)
	}
	return itemsFromNodes(nodes, pageURL, req)
}

func itemsFromNodes(nodes []*html.Node, pageURL string, req extract.Request) ([]extract.Item, error) {
	budget := domBudget(req)
	channelID := req.Resource
	if channelID == "" {
		channelID = ChannelIDFrom(pageURL)
	}

	items := make([]extract.Item, 0, len(nodes))
	for _, n := range nodes {
		item, ok := itemFromNode(n, pageURL, channelID)
		if !ok {
			continue
		}
		if !WithinWindow(item.TS, req.Oldest, req.Latest) {
			continue
		}
		items = append(items, item)
		if len(items) >= budget {
			break
		}
	}
	SortByTS(items)
	return items, nil
}

// itemFromNode builds one item from a message node. Nodes with no
// recognisable content are skipped rather than failing the page.
func itemFromNode(n *html.Node, pageURL, channelID string) (extract.Item, bool) {
	var text string
	if content := MessageContent.Find(n); content != nil {
		text = MarkdownFromHTML(domql.Render(content), pageURL)
	} else {
		text = domql.Text(n)
	}
	if strings.TrimSpace(text) == "" {
		return extract.Item{}, false
	}

	var ts, permalink string
	if tn := MessageTimestamp.Find(n); tn != nil {
		ts = NormalizeTS(domql.Attr(tn, "data-ts"))
		if ts == "" {
			ts = NormalizeTS(domql.Text(tn))
		}
		permalink = domql.Attr(tn, "href")
	}
	if ts == "" && permalink != "" {
		ts = TSFromPermalink(permalink)
	}

	user := "unknown"
	if sn := MessageSender.Find(n); sn != nil {
		if name := domql.Text(sn); name != "" {
			user = name
		}
	}

	if channelID == "" {
		channelID = ChannelIDFrom(permalink)
	}

	thread := ts
	return extract.Item{
		TS:        ts,
		ThreadTS:  thread,
		User:      user,
		UserName:  user,
		Text:      text,
		Permalink: permalink,
		ChannelID: channelID,
	}, true
}

// domBudget is the item cap for a single DOM read, standing in for the
// limit-per-page times page-cap budget of a paginated structured read.
func domBudget(req extract.Request) int {
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	pages := req.MaxPages
	if pages <= 0 {
		pages = 1
	}
	return limit * pages
}

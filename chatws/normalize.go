// Package chatws is the chat-workspace client. It reads message history
// and search results through an authenticated browser session, preferring
// the workspace's structured in-page API and falling back to parsing the
// rendered DOM when that path is unavailable.
package chatws

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	mdtable "github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/chatmirror/domql"
	"github.com/hazyhaar/chatmirror/extract"
)

var (
	permalinkTSRe  = regexp.MustCompile(`/p(\d{10,})`)
	clientChanRe   = regexp.MustCompile(`/client/[^/]+/([CGD][A-Z0-9]{8,})`)
	archivesChanRe = regexp.MustCompile(`/archives/([CGD][A-Z0-9]{8,})`)
	workspaceIDRe  = regexp.MustCompile(`/client/(T[A-Z0-9]{8,})`)
	digitsRe       = regexp.MustCompile(`^\d+$`)
)

// tsLayouts are the datetime shapes seen in rendered timestamps when the
// raw epoch attribute is absent.
var tsLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// NormalizeTS canonicalises a timestamp into the "seconds.micros" form the
// run-key derivation and ordering depend on: epoch seconds, a dot, and
// exactly six fractional digits. Numeric inputs are normalized as strings
// so sixteen-digit timestamps survive without float rounding; datetime
// inputs are converted to epoch. Anything unparseable is returned trimmed.
func NormalizeTS(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	sec, frac, hasDot := strings.Cut(raw, ".")
	if digitsRe.MatchString(sec) && (!hasDot || frac == "" || digitsRe.MatchString(frac)) {
		if len(frac) > 6 {
			frac = frac[:6]
		}
		for len(frac) < 6 {
			frac += "0"
		}
		if trimmed := strings.TrimLeft(sec, "0"); trimmed != "" {
			sec = trimmed
		} else {
			sec = "0"
		}
		return sec + "." + frac
	}

	for _, layout := range tsLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return strconv.FormatInt(t.Unix(), 10) + "." + pad6(t.Nanosecond()/1000)
		}
	}
	return raw
}

func pad6(micros int) string {
	s := strconv.Itoa(micros)
	for len(s) < 6 {
		s = "0" + s
	}
	return s
}

// TSFromPermalink recovers the message timestamp from a permalink path
// like /archives/C0123ABCD/p1700000000123456: the last six digits are the
// microsecond fraction.
func TSFromPermalink(permalink string) string {
	m := permalinkTSRe.FindStringSubmatch(permalink)
	if m == nil {
		return ""
	}
	digits := m[1]
	return digits[:len(digits)-6] + "." + digits[len(digits)-6:]
}

// ChannelIDFrom extracts the channel ID from a client or archives URL.
func ChannelIDFrom(url string) string {
	if m := clientChanRe.FindStringSubmatch(url); m != nil {
		return m[1]
	}
	if m := archivesChanRe.FindStringSubmatch(url); m != nil {
		return m[1]
	}
	return ""
}

// WorkspaceIDFrom extracts the workspace ID from a client URL.
func WorkspaceIDFrom(url string) string {
	if m := workspaceIDRe.FindStringSubmatch(url); m != nil {
		return m[1]
	}
	return ""
}

// WithinWindow reports whether ts falls inside [oldest, latest], both
// bounds inclusive and optional. An unparseable ts passes the filter so a
// malformed timestamp never silently drops a message.
func WithinWindow(ts, oldest, latest string) bool {
	v, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return true
	}
	if oldest != "" {
		if lo, err := strconv.ParseFloat(oldest, 64); err == nil && v < lo {
			return false
		}
	}
	if latest != "" {
		if hi, err := strconv.ParseFloat(latest, 64); err == nil && v > hi {
			return false
		}
	}
	return true
}

// SortByTS orders items ascending by timestamp. Items with unparseable
// timestamps sort first, in their incoming order.
func SortByTS(items []extract.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, _ := strconv.ParseFloat(items[i].TS, 64)
		b, _ := strconv.ParseFloat(items[j].TS, 64)
		return a < b
	})
}

var sanitizer = bluemonday.UGCPolicy()

var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		mdtable.NewTablePlugin(),
	),
)

// MarkdownFromHTML sanitises a rendered message fragment and converts it
// to markdown. Falls back to plain extracted text when conversion fails
// or produces nothing.
func MarkdownFromHTML(fragment, sourceURL string) string {
	clean := sanitizer.Sanitize(fragment)
	md, err := mdConverter.ConvertString(clean, converter.WithDomain(sourceURL))
	if err != nil || strings.TrimSpace(md) == "" {
		return plainText(clean)
	}
	return strings.TrimSpace(md)
}

func plainText(fragment string) string {
	node, err := domql.Parse([]byte(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return domql.Text(node)
}

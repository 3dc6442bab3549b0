package domql

import (
	"strings"
	"testing"

	"golang.org/x/net/html"
)

func parse(t *testing.T, raw string) *html.Node {
	t.Helper()
	doc, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return doc
}

const page = `<html><body>
<div id="main" class="channel-view">
  <div class="message" data-qa="message_container" data-ts="1700000000.000100">
    <span class="sender">alice</span>
    <div class="message_text">hello <b>world</b></div>
  </div>
  <div class="message" data-qa="message_container" data-ts="1700000001.000200">
    <span class="sender">bob</span>
    <div class="message_text">second</div>
  </div>
  <nav class="sidebar"><a href="#">skip me</a></nav>
</div>
</body></html>`

func TestQueryAll_ByClass(t *testing.T) {
	doc := parse(t, page)
	nodes := QueryAll(doc, ".message")
	if len(nodes) != 2 {
		t.Fatalf("got %d matches, want 2", len(nodes))
	}
}

func TestQueryAll_TagWithAttrValue(t *testing.T) {
	doc := parse(t, page)
	nodes := QueryAll(doc, `div[data-qa=message_container]`)
	if len(nodes) != 2 {
		t.Fatalf("got %d matches, want 2", len(nodes))
	}
	if got := Attr(nodes[0], "data-ts"); got != "1700000000.000100" {
		t.Errorf("data-ts = %q", got)
	}
}

func TestQueryAll_DescendantCombinator(t *testing.T) {
	doc := parse(t, page)
	nodes := QueryAll(doc, "#main .message_text")
	if len(nodes) != 2 {
		t.Fatalf("got %d matches, want 2", len(nodes))
	}
	if got := Text(nodes[0]); got != "hello world" {
		t.Errorf("text = %q, want %q", got, "hello world")
	}
}

func TestQuery_FirstMatchOnly(t *testing.T) {
	doc := parse(t, page)
	n := Query(doc, "span.sender")
	if n == nil {
		t.Fatal("no match")
	}
	if got := Text(n); got != "alice" {
		t.Errorf("text = %q, want alice", got)
	}
}

func TestQuery_NoMatchReturnsNil(t *testing.T) {
	doc := parse(t, page)
	if n := Query(doc, ".does-not-exist"); n != nil {
		t.Errorf("expected nil, got %v", n)
	}
}

func TestText_SkipsScriptAndStyle(t *testing.T) {
	doc := parse(t, `<div>visible<script>var x=1;</script><style>.a{}</style></div>`)
	if got := Text(doc); got != "visible" {
		t.Errorf("text = %q, want visible", got)
	}
}

func TestRender_RoundTripsSubtree(t *testing.T) {
	doc := parse(t, page)
	n := Query(doc, ".message_text")
	out := Render(n)
	if !strings.Contains(out, "<b>world</b>") {
		t.Errorf("render missing markup: %q", out)
	}
}

func TestSelectorSet_PrimaryWins(t *testing.T) {
	doc := parse(t, page)
	set := SelectorSet{
		Name:     "message",
		Primary:  `div[data-qa=message_container]`,
		Fallback: []string{".message"},
	}
	nodes, sel := set.FindAll(doc)
	if len(nodes) != 2 {
		t.Fatalf("got %d matches, want 2", len(nodes))
	}
	if sel != set.Primary {
		t.Errorf("matched %q, want primary", sel)
	}
}

func TestSelectorSet_FallbackOnDrift(t *testing.T) {
	doc := parse(t, page)
	set := SelectorSet{
		Name:     "message",
		Primary:  `div[data-qa=renamed_container]`,
		Fallback: []string{".no-such-class", ".message"},
	}
	nodes, sel := set.FindAll(doc)
	if len(nodes) != 2 {
		t.Fatalf("got %d matches, want 2", len(nodes))
	}
	if sel != ".message" {
		t.Errorf("matched %q, want .message", sel)
	}
}

func TestSelectorSet_NothingMatches(t *testing.T) {
	doc := parse(t, page)
	set := SelectorSet{Name: "gone", Primary: ".x", Fallback: []string{".y"}}
	nodes, sel := set.FindAll(doc)
	if nodes != nil || sel != "" {
		t.Errorf("expected no match, got %d nodes sel=%q", len(nodes), sel)
	}
	if set.Find(doc) != nil {
		t.Error("Find should return nil")
	}
}

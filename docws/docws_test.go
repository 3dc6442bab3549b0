package docws

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/hazyhaar/chatmirror/extract"
)

func TestNormalizeProperty(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"2026-08-31T14:05:00Z", "2026-08-31"},
		{"2026-08-31", "2026-08-31"},
		{"  done  ", "done"},
		{"", ""},
		{"   ", ""},
	}
	for _, c := range cases {
		if got := NormalizeProperty(c.in); got != c.want {
			t.Errorf("NormalizeProperty(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSnippet(t *testing.T) {
	if got := Snippet("  a\n  b\t c "); got != "a b c" {
		t.Fatalf("snippet = %q", got)
	}
	long := strings.Repeat("x", 200)
	if got := Snippet(long); len(got) != 80 {
		t.Fatalf("snippet length = %d, want 80", len(got))
	}
	if Snippet("   ") != "" {
		t.Fatal("blank input should produce empty snippet")
	}
}

func TestSnippet_CapKeepsRunesIntact(t *testing.T) {
	// A multi-byte rune straddling the cap must survive whole or not at
	// all; a dangling lead byte would never match the page's innerText.
	got := Snippet(strings.Repeat("a", 79) + "é suffix")
	if !utf8.ValidString(got) {
		t.Fatalf("snippet is not valid UTF-8: %q", got)
	}
	if utf8.RuneCountInString(got) != 80 || !strings.HasSuffix(got, "é") {
		t.Fatalf("snippet = %q, want 80 runes ending in the accented rune", got)
	}

	wide := strings.Repeat("日", 100)
	got = Snippet(wide)
	if utf8.RuneCountInString(got) != 80 || !utf8.ValidString(got) {
		t.Fatalf("wide snippet = %q (%d runes)", got, utf8.RuneCountInString(got))
	}
}

func TestPageURL(t *testing.T) {
	c := New(Config{BaseURL: "https://docs.example.com/"})
	if got := c.pageURL("abc123"); got != "https://docs.example.com/abc123" {
		t.Fatalf("pageURL = %q", got)
	}
	if got := c.pageURL("https://docs.example.com/Full-Page-abc123"); got != "https://docs.example.com/Full-Page-abc123" {
		t.Fatalf("absolute url should pass through, got %q", got)
	}
}

func TestOnLoginView(t *testing.T) {
	if !onLoginView("https://docs.example.com/login?next=/abc") {
		t.Fatal("login url not detected")
	}
	if onLoginView("https://docs.example.com/Full-Page-abc123") {
		t.Fatal("page url misdetected as login")
	}
}

func TestCapabilities(t *testing.T) {
	caps := New(Config{}).Capabilities()
	for _, c := range []extract.Capability{
		extract.CapAppendNote, extract.CapUpdateProperty, extract.CapQueryByKey,
	} {
		if !caps.Has(c) {
			t.Fatalf("missing capability %b", c)
		}
	}
	if caps.Has(extract.CapFetchHistory) {
		t.Fatal("document client should not claim history fetch")
	}
}

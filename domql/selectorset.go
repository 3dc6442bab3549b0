package domql

import "golang.org/x/net/html"

// SelectorSet is an ordered list of selectors for one logical DOM
// element: a primary selector plus fallbacks tried in order when the
// frontend has drifted. The name identifies the element in logs.
type SelectorSet struct {
	Name     string
	Primary  string
	Fallback []string
}

// All returns the primary selector followed by the fallbacks.
func (s SelectorSet) All() []string {
	out := make([]string, 0, 1+len(s.Fallback))
	if s.Primary != "" {
		out = append(out, s.Primary)
	}
	return append(out, s.Fallback...)
}

// FindAll queries each selector in order and returns the matches of the
// first selector that hits, together with that selector. A drifted
// primary is tolerated as long as one fallback still matches.
func (s SelectorSet) FindAll(root *html.Node) ([]*html.Node, string) {
	for _, sel := range s.All() {
		if nodes := QueryAll(root, sel); len(nodes) > 0 {
			return nodes, sel
		}
	}
	return nil, ""
}

// Find returns the first match of the first selector that hits, or nil.
func (s SelectorSet) Find(root *html.Node) *html.Node {
	nodes, _ := s.FindAll(root)
	if len(nodes) == 0 {
		return nil
	}
	return nodes[0]
}

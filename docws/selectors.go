package docws

import "github.com/hazyhaar/chatmirror/domql"

// Selector chains for the document workspace DOM. The frontend renders
// everything inside a single app frame; the editor is the last visible
// contenteditable block on the page canvas.
var (
	PageCanvas = domql.SelectorSet{
		Name:    "page_canvas",
		Primary: `.notion-page-content`,
		Fallback: []string{
			`[data-content-editable-root=true]`,
			`.whenContentEditable`,
		},
	}

	Editor = domql.SelectorSet{
		Name:    "editor",
		Primary: `div[data-content-editable-leaf=true]`,
		Fallback: []string{
			`div[contenteditable=true]`,
			`div[role=textbox]`,
			`div[data-slate-editor=true]`,
		},
	}

	// ReadyIndicator marks a fully loaded authenticated view.
	ReadyIndicator = domql.SelectorSet{
		Name:    "ready_indicator",
		Primary: `.notion-topbar`,
		Fallback: []string{
			`.notion-sidebar-container`,
			`.notion-frame`,
		},
	}
)

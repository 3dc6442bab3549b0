package chatws

import "github.com/hazyhaar/chatmirror/domql"

// Selector chains for the chat workspace DOM. Primary selectors target
// stable data-qa hooks; fallbacks cover class-based markup that survives
// frontend redesigns longer than test hooks do. Order matters: the DOM
// reader walks each chain and uses the first selector that matches.
var (
	MessageListContainer = domql.SelectorSet{
		Name:    "message_list_container",
		Primary: `[data-qa=virtual_list]`,
		Fallback: []string{
			`[data-qa=message_list]`,
			`.c-virtual_list__scroll_container`,
			`.p-message_pane__virtual_list`,
			`.c-message_list`,
		},
	}

	MessageContainer = domql.SelectorSet{
		Name:    "message_container",
		Primary: `[data-qa=message_container]`,
		Fallback: []string{
			`.c-message`,
			`.c-message--light`,
		},
	}

	MessageContent = domql.SelectorSet{
		Name:    "message_content",
		Primary: `[data-qa=message_content]`,
		Fallback: []string{
			`.c-message__body`,
			`.p-rich_text_section`,
			`.c-message__message_content`,
		},
	}

	MessageSender = domql.SelectorSet{
		Name:    "message_sender",
		Primary: `[data-qa=message_sender]`,
		Fallback: []string{
			`.c-message__sender`,
			`.c-message__sender_button`,
			`[data-qa=message_sender_name]`,
		},
	}

	MessageTimestamp = domql.SelectorSet{
		Name:    "message_timestamp",
		Primary: `a[data-ts]`,
		Fallback: []string{
			`time[data-ts]`,
			`[data-ts]`,
			`time`,
			`.c-timestamp__label`,
		},
	}

	SearchResult = domql.SelectorSet{
		Name:    "search_result",
		Primary: `[data-qa=search_result]`,
		Fallback: []string{
			`[data-qa=search_message_result]`,
			`.p-search_result`,
			`.c-search_result`,
		},
	}

	// TeamMenu only renders for an authenticated user; its chain is the
	// default logged-in marker for the session config.
	TeamMenu = domql.SelectorSet{
		Name:    "team_menu",
		Primary: `[data-qa=team-menu]`,
		Fallback: []string{
			`.p-team_menu`,
			`[data-qa=user-button]`,
			`.p-workspace__top_nav`,
		},
	}
)

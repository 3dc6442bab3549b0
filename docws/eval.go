package docws

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/chatmirror/extract"
)

// In-page scripts. Element discovery happens inside the page so one
// round trip covers a whole fallback chain.

const anyPresentJS = `(sels) => sels.some(s => document.querySelector(s) !== null)`

const textPresentJS = `(needle) => {
	const body = document.body;
	return !!body && (body.innerText || "").includes(needle);
}`

// focusEditorJS finds the last editable block, scoped to the page canvas
// when one exists, and focuses it with the caret at the end.
const focusEditorJS = `(canvasSels, editorSels) => {
	const roots = [];
	for (const cs of canvasSels) {
		const r = document.querySelector(cs);
		if (r) roots.push(r);
	}
	roots.push(document);
	for (const root of roots) {
		for (const es of editorSels) {
			const found = root.querySelectorAll(es);
			if (!found.length) continue;
			const el = found[found.length - 1];
			el.click && el.click();
			el.focus && el.focus();
			const sel = window.getSelection();
			if (sel) {
				const range = document.createRange();
				range.selectNodeContents(el);
				range.collapse(false);
				sel.removeAllRanges();
				sel.addRange(range);
			}
			return true;
		}
	}
	return false;
}`

// focusPropertyCellJS finds the property row by its label text, then
// focuses the row's value cell with its current content selected so the
// next typed text replaces it. Returns "ok", "no_label" or "no_cell".
const focusPropertyCellJS = `(name) => {
	const wanted = name.trim();
	let label = null;
	for (const el of document.querySelectorAll("div, span, [role=button]")) {
		if ((el.textContent || "").trim() === wanted && el.children.length === 0) {
			label = el;
			break;
		}
	}
	if (!label) return "no_label";

	let row = label.closest("[role=row], [role=listitem], [data-property-id]");
	if (!row) row = label.parentElement;
	if (!row) return "no_cell";

	const cell =
		row.querySelector("input[type=date]") ||
		row.querySelector("input") ||
		row.querySelector("div[contenteditable=true]") ||
		row.querySelector("div[role=textbox]") ||
		row.querySelector("div[role=button]");
	if (!cell) return "no_cell";

	cell.click && cell.click();
	cell.focus && cell.focus();
	if (cell.select) {
		cell.select();
	} else if (cell.isContentEditable) {
		const sel = window.getSelection();
		if (sel) {
			const range = document.createRange();
			range.selectNodeContents(cell);
			sel.removeAllRanges();
			sel.addRange(range);
		}
	}
	return "ok";
}`

func evalBool(ctx context.Context, page *rod.Page, js string, args ...interface{}) (bool, error) {
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{JS: js, JSArgs: args, ByValue: true})
	if err != nil {
		return false, fmt.Errorf("docws: evaluate: %v: %w", err, extract.ErrTransientNetwork)
	}
	return res.Value.Bool(), nil
}

func evalStr(ctx context.Context, page *rod.Page, js string, args ...interface{}) (string, error) {
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{JS: js, JSArgs: args, ByValue: true})
	if err != nil {
		return "", fmt.Errorf("docws: evaluate: %v: %w", err, extract.ErrTransientNetwork)
	}
	return res.Value.Str(), nil
}

package chatws

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-rod/rod"
	"github.com/ysmood/gson"

	"github.com/hazyhaar/chatmirror/extract"
)

// The structured read path calls the workspace's own web API from inside
// the authenticated page. The bearer token never leaves the browser
// profile: it is mined from the frontend's local storage on demand and
// passed straight back into an in-page fetch.

// authErrors are the API error codes that mean the session is gone.
var authErrors = map[string]bool{
	"not_authed":       true,
	"invalid_auth":     true,
	"token_revoked":    true,
	"account_inactive": true,
	"token_expired":    true,
}

const mineTokenJS = `(workspaceId) => {
	for (const key of ["localConfig_v2", "localConfig"]) {
		const raw = localStorage.getItem(key);
		if (!raw) continue;
		let cfg;
		try { cfg = JSON.parse(raw); } catch (e) { continue; }
		const teams = cfg.teams || {};
		if (workspaceId && teams[workspaceId] && teams[workspaceId].token) {
			return teams[workspaceId].token;
		}
		for (const id of Object.keys(teams)) {
			const tok = teams[id] && teams[id].token;
			if (tok && tok.startsWith("xox")) return tok;
		}
	}
	return "";
}`

const apiFetchJS = `async (method, token, form) => {
	const params = new URLSearchParams();
	for (const [k, v] of Object.entries(form || {})) {
		if (v === null || v === undefined || v === "") continue;
		params.append(k, String(v));
	}
	params.append("token", token);
	let resp;
	try {
		resp = await fetch("/api/" + method, {
			method: "POST",
			headers: {"Content-Type": "application/x-www-form-urlencoded"},
			body: params.toString(),
		});
	} catch (e) {
		return {status: 0, retryAfter: "", body: {ok: false, error: String(e)}};
	}
	const retryAfter = resp.headers.get("retry-after") || "";
	let body;
	try { body = await resp.json(); } catch (e) {
		body = {ok: false, error: "invalid_json"};
	}
	return {status: resp.status, retryAfter: retryAfter, body: body};
}`

// mineToken reads the web API bearer token out of the frontend's local
// storage. An empty return means the structured path is unavailable and
// the caller should fall back to the DOM.
func mineToken(ctx context.Context, page *rod.Page, workspaceID string) (string, error) {
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      mineTokenJS,
		JSArgs:  []interface{}{workspaceID},
		ByValue: true,
	})
	if err != nil {
		return "", fmt.Errorf("chatws: mine token: %v: %w", err, extract.ErrTransientNetwork)
	}
	return res.Value.Str(), nil
}

// apiCall performs one in-page web API request and returns the decoded
// response body. Throttle and auth responses come back as classified
// errors so the resilience controller can act on them.
func apiCall(ctx context.Context, page *rod.Page, method, token string, form map[string]interface{}) (gson.JSON, error) {
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           apiFetchJS,
		JSArgs:       []interface{}{method, token, form},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return gson.JSON{}, fmt.Errorf("chatws: %s: %v: %w", method, err, extract.ErrTransientNetwork)
	}

	v := res.Value
	status := v.Get("status").Int()
	body := v.Get("body")

	switch {
	case status == 429:
		return gson.JSON{}, &extract.RetryAfter{After: retryAfterDuration(v.Get("retryAfter").Str())}
	case status == 0:
		return gson.JSON{}, fmt.Errorf("chatws: %s: %s: %w", method, body.Get("error").Str(), extract.ErrTransientNetwork)
	case status == 401 || status == 403 || authErrors[body.Get("error").Str()]:
		return gson.JSON{}, fmt.Errorf("chatws: %s: %s: %w", method, body.Get("error").Str(), extract.ErrAuthRequired)
	case !body.Get("ok").Bool():
		return gson.JSON{}, fmt.Errorf("chatws: %s failed: %s", method, body.Get("error").Str())
	}
	return body, nil
}

// retryAfterDuration parses a retry-after header value in seconds,
// defaulting to one second when absent or malformed.
func retryAfterDuration(header string) time.Duration {
	if f, err := strconv.ParseFloat(header, 64); err == nil && f > 0 {
		return time.Duration(f * float64(time.Second))
	}
	return time.Second
}

// itemFromMessage normalizes one API message object.
func itemFromMessage(m gson.JSON, channelID string) extract.Item {
	ts := NormalizeTS(m.Get("ts").Str())
	permalink := m.Get("permalink").Str()
	if ts == "" {
		ts = TSFromPermalink(permalink)
	}

	user := m.Get("user").Str()
	userName := m.Get("username").Str()
	if user == "" {
		user = userName
	}
	if user == "" {
		user = "unknown"
	}

	thread := NormalizeTS(m.Get("thread_ts").Str())
	if thread == "" {
		thread = ts
	}

	ch := channelID
	if ch == "" {
		ch = m.Get("channel.id").Str()
	}
	if ch == "" {
		if s, ok := m.Get("channel").Val().(string); ok {
			ch = s
		}
	}

	return extract.Item{
		TS:        ts,
		ThreadTS:  thread,
		User:      user,
		UserName:  userName,
		Text:      m.Get("text").Str(),
		Permalink: permalink,
		ChannelID: ch,
	}
}

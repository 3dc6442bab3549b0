package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/chatmirror/audit"
	"github.com/hazyhaar/chatmirror/chatws"
	"github.com/hazyhaar/chatmirror/extract"
	"github.com/hazyhaar/chatmirror/kit"
	"github.com/hazyhaar/chatmirror/resilience"
	"github.com/hazyhaar/chatmirror/runkey"
	"github.com/hazyhaar/chatmirror/session"
)

// RunRequest describes one sync invocation.
type RunRequest struct {
	Project string `json:"project"`
	Since   string `json:"since,omitempty"` // ts or ISO datetime lower bound
	Query   string `json:"query,omitempty"` // search mode when set
	DryRun  bool   `json:"dry_run,omitempty"`
}

// ResourceFailure is one isolated failure inside an otherwise surviving
// run.
type ResourceFailure struct {
	Resource string `json:"resource"`
	Err      string `json:"error"`
	Attempts int    `json:"attempts,omitempty"`
}

// RunReport summarises one run.
type RunReport struct {
	RunKey       string               `json:"run_key"`
	Project      string               `json:"project"`
	StartedAt    time.Time            `json:"started_at"`
	DurationMs   int64                `json:"duration_ms"`
	Items        int                  `json:"items"`
	Pages        int                  `json:"pages"`
	Completeness extract.Completeness `json:"completeness"`
	Skipped      bool                 `json:"skipped,omitempty"`
	DryRun       bool                 `json:"dry_run,omitempty"`
	Written      bool                 `json:"written,omitempty"`
	Failed       []ResourceFailure    `json:"failed,omitempty"`
}

// Deps are the engine collaborators. Controller, Limits, Logger and Now
// default when nil.
type Deps struct {
	Sessions   Sessions
	Chat       ChatReader
	Docs       DocWriter
	Auditor    *audit.Logger
	Controller *resilience.Controller
	Limits     *resilience.Limits
	Logger     *slog.Logger
	Now        func() time.Time
}

const reportHistory = 32

// Engine drives sync runs.
type Engine struct {
	cfg      *Config
	sessions Sessions
	chat     ChatReader
	docs     DocWriter
	auditor  *audit.Logger
	ctrl     *resilience.Controller
	limits   *resilience.Limits
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	reports []RunReport // most recent first
}

// NewEngine wires an engine from config and collaborators.
func NewEngine(cfg *Config, deps Deps) *Engine {
	cfg.defaults()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("pkg", "mirror")

	ctrl := deps.Controller
	if ctrl == nil {
		ctrl = resilience.NewController(resilience.WithLogger(log))
	}
	limits := deps.Limits
	if limits == nil {
		limits = resilience.NewLimits()
		for target, rc := range cfg.Rates {
			limits.Set(extract.Target(target), rc.Requests, rc.Window)
		}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg:      cfg,
		sessions: deps.Sessions,
		chat:     deps.Chat,
		docs:     deps.Docs,
		auditor:  deps.Auditor,
		ctrl:     ctrl,
		limits:   limits,
		log:      log,
		now:      now,
	}
}

// Run executes one sync: derive the run key, check the idempotency gate,
// extract page by page under the read policy and rate limits, then mirror
// the outcome into the document workspace under the write policy.
//
// A failed channel is isolated in the report; auth and login failures
// abort the run. A deadline mid-pagination returns what was fetched so
// far as a Partial report with writes skipped.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*RunReport, error) {
	proj, err := e.cfg.Project(req.Project)
	if err != nil {
		return nil, err
	}

	started := e.now()
	key := runkey.Derive(proj.Name, runkey.Selector(req.Since, req.Query), started).String()
	ctx = kit.WithProject(ctx, proj.Name)
	ctx = kit.WithRunKey(ctx, key)

	report := &RunReport{
		RunKey:       key,
		Project:      proj.Name,
		StartedAt:    started,
		Completeness: extract.Complete,
		DryRun:       req.DryRun,
	}
	e.record(ctx, &audit.Entry{
		Operation: "run_sync",
		RunKey:    key,
		Resource:  strings.Join(proj.ChannelIDs, ","),
		Status:    audit.StatusStarted,
		Details:   details(req),
	})

	ses, err := e.sessions.Acquire(ctx)
	if err != nil {
		e.recordOutcome(ctx, key, audit.StatusFailed, err)
		e.finish(report)
		return report, err
	}
	defer e.sessions.Release(ses)
	ctx = kit.WithSessionID(ctx, ses.ID)

	dup, err := e.alreadyRan(ctx, ses, proj, key)
	if err != nil {
		e.recordOutcome(ctx, key, audit.StatusFailed, err)
		e.finish(report)
		return report, err
	}
	if dup && !req.DryRun {
		report.Skipped = true
		e.recordOutcome(ctx, key, audit.StatusSkipped, nil)
		e.finish(report)
		return report, nil
	}

	batches, runErr := e.extract(ctx, ses, proj, req, report)
	if runErr != nil {
		if errors.Is(runErr, extract.ErrDeadlineExceeded) {
			report.Completeness = extract.Partial
			e.recordOutcome(ctx, key, audit.StatusCompleted, runErr)
			e.finish(report)
			return report, nil
		}
		e.recordOutcome(ctx, key, audit.StatusFailed, runErr)
		e.finish(report)
		return report, runErr
	}

	if req.DryRun {
		e.recordOutcome(ctx, key, audit.StatusCompleted, nil)
		e.finish(report)
		return report, nil
	}

	if err := e.write(ctx, ses, proj, key, started, batches); err != nil {
		report.Failed = append(report.Failed, ResourceFailure{Resource: proj.DocPageID, Err: err.Error()})
		e.recordOutcome(ctx, key, audit.StatusFailed, err)
		e.finish(report)
		return report, err
	}
	report.Written = e.docs != nil && proj.DocPageID != ""

	if e.auditor != nil {
		if err := e.auditor.RecordRun(ctx, key, proj.Name, strings.Join(proj.ChannelIDs, ",")); err != nil {
			e.log.WarnContext(ctx, "run ledger write failed", "run_key", key, "error", err)
		}
	}
	if err := e.sessions.Persist(ctx, ses); err != nil {
		e.log.WarnContext(ctx, "session persist failed", "error", err)
	}

	e.recordOutcome(ctx, key, audit.StatusCompleted, nil)
	e.finish(report)
	return report, nil
}

// SetTopic updates a chat channel topic under the write policy. Channel
// metadata is never touched by sync runs; this is its own operation.
func (e *Engine) SetTopic(ctx context.Context, channelID, topic string) error {
	tu, ok := e.chat.(TopicUpdater)
	if !ok || !e.chat.Capabilities().Has(extract.CapUpdateMetadata) {
		return fmt.Errorf("mirror: chat client cannot update channel metadata")
	}
	if channelID == "" {
		return fmt.Errorf("mirror: set topic: channel required")
	}

	ses, err := e.sessions.Acquire(ctx)
	if err != nil {
		return err
	}
	defer e.sessions.Release(ses)
	ctx = kit.WithSessionID(ctx, ses.ID)

	if err := e.limits.Wait(ctx, extract.TargetChat); err != nil {
		return err
	}
	attempts, err := e.ctrl.Execute(ctx, resilience.Operation{
		Name: "set_topic",
		Do: func(ctx context.Context) error {
			return tu.UpdateTopic(ctx, ses, channelID, topic)
		},
		Recover: e.recoverSession(ses),
	}, e.cfg.WritePolicy)
	e.auditAttempts(ctx, "set_topic", extract.TargetChat, channelID, attempts)
	return err
}

// alreadyRan checks the local ledger, then the remote page, for the key.
func (e *Engine) alreadyRan(ctx context.Context, ses *session.Session, proj *ProjectConfig, key string) (bool, error) {
	if e.auditor != nil {
		has, err := e.auditor.HasRun(ctx, key)
		if err != nil {
			e.log.WarnContext(ctx, "local ledger check failed", "error", err)
		} else if has {
			return true, nil
		}
	}

	if e.docs == nil || proj.DocPageID == "" || !e.docs.Capabilities().Has(extract.CapQueryByKey) {
		return false, nil
	}
	if err := e.limits.Wait(ctx, extract.TargetDocs); err != nil {
		return false, err
	}
	var found bool
	attempts, err := e.ctrl.Execute(ctx, resilience.Operation{
		Name: "query_existing",
		Do: func(ctx context.Context) error {
			ok, qerr := e.docs.QueryExistingByKey(ctx, ses, proj.DocPageID, key)
			if qerr != nil {
				return qerr
			}
			found = ok
			return nil
		},
	}, e.cfg.ReadPolicy)
	e.auditAttempts(ctx, "query_existing", extract.TargetDocs, proj.DocPageID, attempts)
	if err != nil {
		if extract.Fatal(err) {
			return false, err
		}
		// A failed remote check does not block the run; the local ledger
		// still guards the re-run case.
		e.log.WarnContext(ctx, "remote duplicate check failed", "error", err)
		return false, nil
	}
	return found, nil
}

// extract drains every channel of the project, isolating per-channel
// failures and aborting only on auth, login and deadline errors.
func (e *Engine) extract(ctx context.Context, ses *session.Session, proj *ProjectConfig, req RunRequest, report *RunReport) ([]ChannelBatch, error) {
	var batches []ChannelBatch
	refreshed := false
	for _, channel := range proj.ChannelIDs {
		res, failure, err := e.extractChannel(ctx, ses, proj, channel, req, &refreshed)
		if res != nil {
			report.Items += len(res.Items)
			report.Pages += res.Pages
			if res.Completeness == extract.Partial {
				report.Completeness = extract.Partial
			}
			batches = append(batches, ChannelBatch{Channel: channel, Items: res.Items})
		}
		if failure != nil {
			report.Failed = append(report.Failed, *failure)
		}
		if err != nil {
			return batches, err
		}
	}
	return batches, nil
}

// extractChannel pages through one channel. Each page fetch runs under
// the read policy; one session refresh is allowed per run when the
// session expires mid-extraction.
func (e *Engine) extractChannel(ctx context.Context, ses *session.Session, proj *ProjectConfig, channel string, req RunRequest, refreshed *bool) (*extract.Result, *ResourceFailure, error) {
	opName := "fetch_history"
	if req.Query != "" {
		opName = "search_messages"
	}

	base := extract.Request{
		Target:   extract.TargetChat,
		Resource: channel,
		Oldest:   normalizeSince(req.Since),
		Query:    req.Query,
		Limit:    proj.Limit,
		MaxPages: proj.MaxPages,
	}

	var items []extract.Item
	pages := 0
	cursor := ""
	for pages < proj.MaxPages {
		if err := e.limits.Wait(ctx, extract.TargetChat); err != nil {
			return extract.Truncated(items, cursor, pages), nil, err
		}

		pageReq := base.Next(cursor)
		var page *extract.Result
		attempts, err := e.ctrl.Execute(ctx, resilience.Operation{
			Name: opName,
			Do: func(ctx context.Context) error {
				res, ferr := e.fetchPage(ctx, ses, pageReq)
				if ferr != nil {
					return ferr
				}
				page = res
				return nil
			},
			Recover: e.recoverSession(ses),
		}, e.cfg.ReadPolicy)
		e.auditAttempts(ctx, opName, extract.TargetChat, channel, attempts)

		if err != nil {
			switch {
			case errors.Is(err, extract.ErrAuthRequired) && !*refreshed:
				*refreshed = true
				if rerr := e.sessions.Refresh(ctx, ses); rerr != nil {
					return extract.Truncated(items, cursor, pages), nil, rerr
				}
				e.log.InfoContext(ctx, "session refreshed mid-run", "channel", channel)
				continue
			case errors.Is(err, extract.ErrAuthRequired),
				errors.Is(err, extract.ErrLoginTimeout),
				errors.Is(err, extract.ErrDeadlineExceeded):
				return extract.Truncated(items, cursor, pages), nil, err
			default:
				f := &ResourceFailure{Resource: channel, Err: err.Error(), Attempts: len(attempts)}
				return extract.Truncated(items, cursor, pages), f, nil
			}
		}

		items = append(items, page.Items...)
		pages++
		cursor = page.Cursor
		if cursor == "" {
			if page.Completeness == extract.Partial {
				return extract.Truncated(items, "", pages), nil, nil
			}
			return extract.Drained(items, pages), nil, nil
		}
	}
	return extract.Truncated(items, cursor, pages), nil, nil
}

func (e *Engine) fetchPage(ctx context.Context, ses *session.Session, req extract.Request) (*extract.Result, error) {
	if req.Query != "" && e.chat.Capabilities().Has(extract.CapSearch) {
		return e.chat.Search(ctx, ses, req)
	}
	return e.chat.FetchHistoryPage(ctx, ses, req)
}

// recoverSession is the structural-mismatch recovery hook: force a
// refresh so the next attempt lands on freshly rendered markup.
func (e *Engine) recoverSession(ses *session.Session) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return e.sessions.Refresh(ctx, ses)
	}
}

// write mirrors the extracted batches into the document workspace: the
// note append, then the last-synced property stamp, both write-class.
func (e *Engine) write(ctx context.Context, ses *session.Session, proj *ProjectConfig, key string, at time.Time, batches []ChannelBatch) error {
	if e.docs == nil || proj.DocPageID == "" {
		return nil
	}

	note := BuildNote(key, proj.Name, at, batches)
	if err := e.writeOp(ctx, ses, "append_note", proj.DocPageID, func(ctx context.Context) error {
		return e.docs.AppendNote(ctx, ses, proj.DocPageID, note)
	}); err != nil {
		return err
	}

	return e.writeOp(ctx, ses, "update_property", proj.DocPageID, func(ctx context.Context) error {
		return e.docs.UpdateProperty(ctx, ses, proj.DocPageID, proj.LastSyncedProperty, at.UTC().Format(time.RFC3339))
	})
}

func (e *Engine) writeOp(ctx context.Context, ses *session.Session, name, resource string, do func(ctx context.Context) error) error {
	if err := e.limits.Wait(ctx, extract.TargetDocs); err != nil {
		return err
	}
	attempts, err := e.ctrl.Execute(ctx, resilience.Operation{
		Name:    name,
		Do:      do,
		Recover: e.recoverSession(ses),
	}, e.cfg.WritePolicy)
	e.auditAttempts(ctx, name, extract.TargetDocs, resource, attempts)
	return err
}

// auditAttempts records one entry per controller attempt: non-final
// passes as "retried", the final one as "success" or "failed".
func (e *Engine) auditAttempts(ctx context.Context, op string, target extract.Target, resource string, attempts []resilience.Attempt) {
	for _, a := range attempts {
		status := audit.StatusSuccess
		switch a.State {
		case resilience.StateRetryScheduled, resilience.StateRecoveryAttempted:
			status = audit.StatusRetried
		case resilience.StateFailed:
			status = audit.StatusFailed
		}
		entry := &audit.Entry{
			Operation: op,
			Target:    string(target),
			Resource:  resource,
			RunKey:    kit.GetRunKey(ctx),
			Status:    status,
			Attempts:  a.Number,
			Transport: kit.GetTransport(ctx),
		}
		if a.Err != nil {
			entry.Error = a.Err.Error()
		}
		e.record(ctx, entry)
	}
}

func (e *Engine) record(ctx context.Context, entry *audit.Entry) {
	if e.auditor == nil {
		return
	}
	if entry.Transport == "" {
		entry.Transport = kit.GetTransport(ctx)
	}
	e.auditor.Record(ctx, entry)
}

func (e *Engine) recordOutcome(ctx context.Context, key, status string, err error) {
	entry := &audit.Entry{Operation: "run_sync", RunKey: key, Status: status}
	if err != nil {
		entry.Error = err.Error()
	}
	e.record(ctx, entry)
}

// finish stamps the duration and archives the report for the status
// surface.
func (e *Engine) finish(report *RunReport) {
	report.DurationMs = e.now().Sub(report.StartedAt).Milliseconds()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.reports = append([]RunReport{*report}, e.reports...)
	if len(e.reports) > reportHistory {
		e.reports = e.reports[:reportHistory]
	}
}

// Reports returns the recent run reports, most recent first.
func (e *Engine) Reports() []RunReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RunReport, len(e.reports))
	copy(out, e.reports)
	return out
}

func normalizeSince(since string) string {
	if strings.TrimSpace(since) == "" {
		return ""
	}
	return chatws.NormalizeTS(since)
}

func details(req RunRequest) string {
	b, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	return string(b)
}

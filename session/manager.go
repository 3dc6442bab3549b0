package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/chatmirror/extract"
)

// Config configures the session manager.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string `yaml:"remote_url"`

	// Headless runs Chrome without a window. Interactive login needs a
	// headed browser.
	Headless bool `yaml:"headless"`

	// WorkspaceURL is the authenticated landing page of the target
	// workspace. The logged-in marker is checked there.
	WorkspaceURL string `yaml:"workspace_url"`

	// LoginURL is where interactive login starts. Defaults to WorkspaceURL.
	LoginURL string `yaml:"login_url"`

	// LoggedInMarker is a CSS selector present only when authenticated.
	LoggedInMarker string `yaml:"logged_in_marker"`

	// StatePath is where the auth-state blob lives.
	StatePath string `yaml:"state_path"`

	// InteractiveLogin allows falling back to a human-driven login when
	// no usable blob exists. Requires a headed browser.
	InteractiveLogin bool `yaml:"interactive_login"`

	// LoginTimeout bounds the interactive login wait. Default: 3m.
	LoginTimeout time.Duration `yaml:"login_timeout"`

	// NavTimeout bounds each navigation. Default: 30s.
	NavTimeout time.Duration `yaml:"nav_timeout"`

	Sealer *Sealer      `yaml:"-"`
	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.LoginURL == "" {
		c.LoginURL = c.WorkspaceURL
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = 3 * time.Minute
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the Chrome process and hands out authenticated sessions.
type Manager struct {
	cfg   Config
	store *Store

	mu      sync.RWMutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewManager creates a manager. Call Start before Acquire.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:   cfg,
		store: NewStore(cfg.StatePath, cfg.Sealer),
	}
}

// Start launches Chrome (or connects to a remote instance).
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("session: manager is closed")
	}
	if m.browser != nil {
		return nil
	}

	log := m.cfg.Logger
	var wsURL string

	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		log.Info("session: connecting to remote browser", "url", wsURL)
	} else {
		l := launcher.New().Headless(m.cfg.Headless)
		// Anti-detection flag.
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("session: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("session: launched local chrome", "headless", m.cfg.Headless)
	}

	b := rod.New().ControlURL(wsURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	m.browser = b
	return nil
}

// Close shuts the browser down. Sessions still out become unusable.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.browser != nil {
		_ = m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	return nil
}

// Acquire opens a stealth page, restores persisted auth state, and
// returns an Active session. With no usable state it falls back to
// interactive login when allowed, otherwise extract.ErrAuthRequired.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b == nil {
		return nil, fmt.Errorf("session: manager not started")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("session: create page: %w", err)
	}

	s := newSession(page)
	if err := m.authenticate(ctx, s); err != nil {
		s.close()
		return nil, err
	}
	if err := s.transition(StateAuthenticated); err != nil {
		s.close()
		return nil, err
	}
	if err := s.transition(StateActive); err != nil {
		s.close()
		return nil, err
	}
	m.cfg.Logger.Info("session: acquired", "session_id", s.ID)
	return s, nil
}

// authenticate restores the blob or runs interactive login.
func (m *Manager) authenticate(ctx context.Context, s *Session) error {
	log := m.cfg.Logger

	state, err := m.store.Load()
	switch {
	case err == nil:
		if err := m.restore(ctx, s.page, state); err != nil {
			return err
		}
		if m.loggedIn(ctx, s.page) {
			log.Info("session: restored from persisted state", "saved_at", state.SavedAt)
			return nil
		}
		log.Warn("session: persisted state no longer valid")
	case errors.Is(err, ErrNoState):
		log.Info("session: no persisted state")
	default:
		return err
	}

	if !m.cfg.InteractiveLogin || m.cfg.Headless {
		return fmt.Errorf("session: %w", extract.ErrAuthRequired)
	}
	return m.interactiveLogin(ctx, s)
}

// restore pushes cookies and localStorage into the page and lands on
// the workspace URL.
func (m *Manager) restore(ctx context.Context, page *rod.Page, state *AuthState) error {
	if len(state.Cookies) > 0 {
		if err := page.SetCookies(state.Cookies); err != nil {
			return fmt.Errorf("session: set cookies: %w", err)
		}
	}

	if err := m.navigate(ctx, page, m.cfg.WorkspaceURL); err != nil {
		return err
	}

	// localStorage is origin-scoped, so it can only be written once the
	// page sits on the workspace origin; a reload then lets the frontend
	// pick it up.
	if local := state.LocalFor(originOf(m.cfg.WorkspaceURL)); len(local) > 0 {
		restoreLocalStorage(ctx, page, local)
		if err := page.Context(ctx).Reload(); err != nil {
			return fmt.Errorf("session: reload after restore: %w", err)
		}
		waitCtx, cancel := context.WithTimeout(ctx, m.cfg.NavTimeout)
		defer cancel()
		_ = page.Context(waitCtx).WaitLoad()
	}
	return nil
}

// interactiveLogin parks the headed browser on the login page and polls
// for the logged-in marker until the human finishes or the window ends.
func (m *Manager) interactiveLogin(ctx context.Context, s *Session) error {
	log := m.cfg.Logger
	if err := m.navigate(ctx, s.page, m.cfg.LoginURL); err != nil {
		return err
	}
	log.Info("session: waiting for interactive login", "timeout", m.cfg.LoginTimeout)

	deadline := time.Now().Add(m.cfg.LoginTimeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		if m.loggedIn(ctx, s.page) {
			log.Info("session: interactive login succeeded")
			return m.Persist(ctx, s)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("session: %w", extract.ErrLoginTimeout)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("session: %w", extract.ErrLoginTimeout)
		case <-ticker.C:
		}
	}
}

// Persist snapshots cookies and localStorage into the blob store.
func (m *Manager) Persist(ctx context.Context, s *Session) error {
	page := s.Page()
	if page == nil {
		return fmt.Errorf("session: persist on closed session")
	}

	cookies, err := proto.NetworkGetCookies{}.Call(page)
	if err != nil {
		return fmt.Errorf("session: get cookies: %w", err)
	}

	params := make([]*proto.NetworkCookieParam, 0, len(cookies.Cookies))
	for _, c := range cookies.Cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite,
			Priority: c.Priority,
		})
	}

	state := &AuthState{
		SavedAt: time.Now().UTC(),
		Cookies: params,
	}
	origin := originOf(m.cfg.WorkspaceURL)
	if local := snapshotLocalStorage(ctx, page); len(local) > 0 {
		state.Origins = append(state.Origins, OriginStorage{Origin: origin, Local: local})
	}

	if err := m.store.Save(state); err != nil {
		return err
	}
	m.cfg.Logger.Info("session: state persisted", "cookies", len(params))
	return nil
}

// Release tears a session down. Safe to call on every exit path,
// including from deferred handlers after a panic.
func (m *Manager) Release(s *Session) {
	if s == nil {
		return
	}
	s.close()
	m.cfg.Logger.Debug("session: released", "session_id", s.ID)
}

// Refresh reloads the page and re-checks authentication. On success the
// session returns to Active; otherwise it stays Expired and the caller
// gets extract.ErrAuthRequired.
func (m *Manager) Refresh(ctx context.Context, s *Session) error {
	page := s.Page()
	if page == nil {
		return fmt.Errorf("session: refresh on closed session")
	}

	if s.State() == StateActive {
		if err := s.markExpired(); err != nil {
			return err
		}
	}

	if err := page.Context(ctx).Reload(); err != nil {
		return fmt.Errorf("session: reload: %w", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.NavTimeout)
	defer cancel()
	_ = page.Context(waitCtx).WaitLoad()

	if !m.loggedIn(ctx, page) {
		return fmt.Errorf("session: refresh: %w", extract.ErrAuthRequired)
	}
	return s.markActive()
}

func (m *Manager) navigate(ctx context.Context, page *rod.Page, target string) error {
	navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(target); err != nil {
		if navCtx.Err() != nil {
			return fmt.Errorf("session: navigate %s: %w", target, extract.ErrNavigationTimeout)
		}
		return fmt.Errorf("session: navigate %s: %w", target, extract.ErrTransientNetwork)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		m.cfg.Logger.Warn("session: wait load timeout", "url", target, "error", err)
	}
	return nil
}

// loggedIn checks the marker selector without throwing on its absence.
func (m *Manager) loggedIn(ctx context.Context, page *rod.Page) bool {
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      `sel => document.querySelector(sel) !== null`,
		JSArgs:  []interface{}{m.cfg.LoggedInMarker},
		ByValue: true,
	})
	return err == nil && res != nil && res.Value.Bool()
}

func snapshotLocalStorage(ctx context.Context, page *rod.Page) map[string]string {
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `() => {
			try {
				const out = {};
				for (const key of Object.keys(localStorage)) {
					out[key] = localStorage.getItem(key);
				}
				return out;
			} catch (e) {
				return {};
			}
		}`,
		ByValue: true,
	})
	if err != nil || res == nil || res.Value.Nil() {
		return nil
	}
	out := make(map[string]string)
	for k, v := range res.Value.Map() {
		out[k] = v.Str()
	}
	return out
}

func restoreLocalStorage(ctx context.Context, page *rod.Page, local map[string]string) {
	_, _ = page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `entries => {
			try {
				Object.entries(entries).forEach(([k, v]) => localStorage.setItem(k, v));
			} catch (e) {}
		}`,
		JSArgs:  []interface{}{local},
		ByValue: true,
	})
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Scheme + "://" + u.Host
}

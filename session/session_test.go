package session

import (
	"bytes"
	"crypto/rand"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/gofrs/flock"
)

func TestSession_LifecycleHappyPath(t *testing.T) {
	s := newSession(nil)
	if s.State() != StateCreated {
		t.Fatalf("initial state: %s", s.State())
	}
	for _, to := range []State{StateAuthenticated, StateActive, StateExpired, StateActive} {
		if err := s.transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	s.close()
	if s.State() != StateClosed {
		t.Fatalf("state after close: %s", s.State())
	}
}

func TestSession_IllegalTransitionsRejected(t *testing.T) {
	cases := []struct {
		from, to State
	}{
		{StateCreated, StateActive},
		{StateCreated, StateExpired},
		{StateAuthenticated, StateExpired},
		{StateActive, StateAuthenticated},
		{StateExpired, StateAuthenticated},
		{StateClosed, StateActive},
	}
	for _, c := range cases {
		s := newSession(nil)
		s.state = c.from
		if err := s.transition(c.to); err == nil {
			t.Errorf("transition %s -> %s should be rejected", c.from, c.to)
		}
	}
}

func TestSession_CloseIsTerminalAndIdempotent(t *testing.T) {
	s := newSession(nil)
	s.close()
	s.close()
	if err := s.transition(StateAuthenticated); err == nil {
		t.Fatal("closed session accepted a transition")
	}
}

func TestSession_IDsUnique(t *testing.T) {
	a, b := newSession(nil), newSession(nil)
	if a.ID == b.ID {
		t.Fatalf("duplicate session IDs: %s", a.ID)
	}
}

func testState() *AuthState {
	return &AuthState{
		SavedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Cookies: []*proto.NetworkCookieParam{
			{Name: "d", Value: "xoxd-secret", Domain: ".chat.example.com", Path: "/", Secure: true, HTTPOnly: true},
		},
		Origins: []OriginStorage{
			{Origin: "https://chat.example.com", Local: map[string]string{"localConfig_v2": `{"teams":{}}`}},
		},
	}
}

func assertStateEqual(t *testing.T, got, want *AuthState) {
	t.Helper()
	if !got.SavedAt.Equal(want.SavedAt) {
		t.Errorf("SavedAt: got %v, want %v", got.SavedAt, want.SavedAt)
	}
	if len(got.Cookies) != len(want.Cookies) || got.Cookies[0].Value != want.Cookies[0].Value {
		t.Errorf("cookies: got %+v", got.Cookies)
	}
	if got.LocalFor("https://chat.example.com")["localConfig_v2"] != want.Origins[0].Local["localConfig_v2"] {
		t.Errorf("origins: got %+v", got.Origins)
	}
}

func TestStore_RoundTripPlain(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "auth.json"), nil)

	if _, err := st.Load(); !errors.Is(err, ErrNoState) {
		t.Fatalf("load before save: got %v, want ErrNoState", err)
	}

	want := testState()
	if err := st.Save(want); err != nil {
		t.Fatal(err)
	}
	got, err := st.Load()
	if err != nil {
		t.Fatal(err)
	}
	assertStateEqual(t, got, want)
}

func TestStore_RoundTripSealed(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	sealer, err := NewSealer(key)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "auth.bin")
	st := NewStore(path, sealer)

	want := testState()
	if err := st.Save(want); err != nil {
		t.Fatal(err)
	}

	got, err := st.Load()
	if err != nil {
		t.Fatal(err)
	}
	assertStateEqual(t, got, want)

	// The on-disk blob must not leak the cookie value.
	plain := NewStore(path, nil)
	if _, err := plain.Load(); err == nil {
		t.Fatal("sealed blob decoded without the key")
	}
}

func TestStore_SealedWrongKeyRejected(t *testing.T) {
	key1 := make([]byte, 32)
	key2 := make([]byte, 32)
	rand.Read(key1)
	rand.Read(key2)
	s1, _ := NewSealer(key1)
	s2, _ := NewSealer(key2)

	path := filepath.Join(t.TempDir(), "auth.bin")
	if err := NewStore(path, s1).Save(testState()); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(path, s2).Load(); err == nil {
		t.Fatal("blob opened with the wrong key")
	}
}

func TestSealer_TamperDetected(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	s, err := NewSealer(key)
	if err != nil {
		t.Fatal(err)
	}

	blob, err := s.Seal([]byte("auth state"))
	if err != nil {
		t.Fatal(err)
	}
	blob[len(blob)-1] ^= 0xff
	if _, err := s.Open(blob); err == nil {
		t.Fatal("tampered blob accepted")
	}
}

func TestSealer_KeySizeEnforced(t *testing.T) {
	if _, err := NewSealer(bytes.Repeat([]byte{1}, 16)); err == nil {
		t.Fatal("16-byte key accepted")
	}
}

func TestStore_LockExcludesConcurrentWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	st := NewStore(path, nil)

	// Hold the lock the store uses.
	l := flock.New(st.lockPath())
	locked, err := l.TryLock()
	if err != nil || !locked {
		t.Fatalf("taking test lock: locked=%v err=%v", locked, err)
	}
	defer l.Unlock()

	done := make(chan error, 1)
	go func() { done <- st.Save(testState()) }()

	select {
	case err := <-done:
		t.Fatalf("save completed while lock held: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	l.Unlock()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestOriginOf(t *testing.T) {
	cases := map[string]string{
		"https://app.example.com/client/T123": "https://app.example.com",
		"https://docs.example.so/page?x=1":    "https://docs.example.so",
	}
	for in, want := range cases {
		if got := originOf(in); got != want {
			t.Errorf("originOf(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestConfig_Defaults(t *testing.T) {
	c := Config{WorkspaceURL: "https://app.example.com"}
	c.defaults()
	if c.LoginURL != c.WorkspaceURL {
		t.Errorf("LoginURL default: got %q", c.LoginURL)
	}
	if c.LoginTimeout <= 0 || c.NavTimeout <= 0 {
		t.Errorf("timeout defaults not applied: %+v", c)
	}
	if c.Logger == nil {
		t.Error("logger default not applied")
	}
}

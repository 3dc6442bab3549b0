package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/gofrs/flock"
)

// ErrNoState means no persisted auth state exists yet.
var ErrNoState = errors.New("session: no persisted auth state")

// OriginStorage is one origin's localStorage snapshot.
type OriginStorage struct {
	Origin string            `json:"origin"`
	Local  map[string]string `json:"local_storage"`
}

// AuthState is the persisted authentication blob: cookies plus
// per-origin localStorage, enough to revive a logged-in session without
// interactive login.
type AuthState struct {
	SavedAt time.Time                   `json:"saved_at"`
	Cookies []*proto.NetworkCookieParam `json:"cookies"`
	Origins []OriginStorage             `json:"origins"`
}

// LocalFor returns the localStorage snapshot for origin, or nil.
func (a *AuthState) LocalFor(origin string) map[string]string {
	for _, o := range a.Origins {
		if o.Origin == origin {
			return o.Local
		}
	}
	return nil
}

// Store persists the auth-state blob. Writes go through a sibling flock
// so concurrent processes sharing a state path cannot interleave, and
// through a temp-file rename so readers never observe a torn blob.
type Store struct {
	path string
	seal *Sealer
}

// NewStore creates a store at path. A nil sealer keeps the blob plain.
func NewStore(path string, seal *Sealer) *Store {
	return &Store{path: path, seal: seal}
}

// Load reads and decodes the blob. ErrNoState when absent.
func (st *Store) Load() (*AuthState, error) {
	lock := flock.New(st.lockPath())
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("session: lock state: %w", err)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("session: read state: %w", err)
	}

	if st.seal != nil {
		if data, err = st.seal.Open(data); err != nil {
			return nil, err
		}
	}

	var state AuthState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("session: decode state: %w", err)
	}
	return &state, nil
}

// Save encodes and writes the blob atomically.
func (st *Store) Save(state *AuthState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("session: encode state: %w", err)
	}
	if st.seal != nil {
		if data, err = st.seal.Seal(data); err != nil {
			return err
		}
	}

	lock := flock.New(st.lockPath())
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("session: lock state: %w", err)
	}
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(st.path), 0o700); err != nil {
		return fmt.Errorf("session: state dir: %w", err)
	}
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("session: write state: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		return fmt.Errorf("session: commit state: %w", err)
	}
	return nil
}

func (st *Store) lockPath() string {
	return st.path + ".lock"
}

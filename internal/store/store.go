// Package store persists and loads the opaque state objects the node core
// and orchestration engine need across restarts: identity, planet, per
// network config, and per-peer cache. Writes are coalesced (a Put whose
// bytes are unchanged from what's on disk performs no write) and are
// atomic (temp file + rename), following the pattern used for
// doublezerod's own on-disk state file.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Kind identifies the shape/location of a persisted state object.
type Kind int

const (
	KindIdentityPublic Kind = iota
	KindIdentitySecret
	KindPlanet
	KindNetworkConfig
	KindPeerCache
	KindAuthToken
)

// secure kinds are locked down to owner-only permissions on write.
func (k Kind) secure() bool {
	switch k {
	case KindIdentitySecret, KindNetworkConfig, KindAuthToken:
		return true
	}
	return false
}

// Store is the on-disk state store rooted at a home directory.
type Store struct {
	home string

	allowNetworkCaching bool
	allowPeerCaching    bool

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithNetworkCaching enables persistence of per-network config (kind
// network-config).
func WithNetworkCaching(enabled bool) Option {
	return func(s *Store) { s.allowNetworkCaching = enabled }
}

// WithPeerCaching enables persistence of per-peer path-count cache (kind
// peer-cache).
func WithPeerCaching(enabled bool) Option {
	return func(s *Store) { s.allowPeerCaching = enabled }
}

// New returns a Store rooted at home. home is created if it doesn't exist.
func New(home string, opts ...Option) (*Store, error) {
	if home == "" {
		return nil, errors.New("store: empty home directory")
	}
	if err := os.MkdirAll(home, 0755); err != nil {
		return nil, fmt.Errorf("store: create home dir: %w", err)
	}
	s := &Store{home: home}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Home returns the store's root directory.
func (s *Store) Home() string { return s.home }

// path returns the on-disk path for a kind+id pair. id is ignored for
// singleton kinds (identity, planet, auth token).
func (s *Store) path(kind Kind, id string) (string, error) {
	switch kind {
	case KindIdentityPublic:
		return filepath.Join(s.home, "identity.public"), nil
	case KindIdentitySecret:
		return filepath.Join(s.home, "identity.secret"), nil
	case KindPlanet:
		return filepath.Join(s.home, "planet"), nil
	case KindAuthToken:
		return filepath.Join(s.home, "authtoken.secret"), nil
	case KindNetworkConfig:
		if id == "" {
			return "", errors.New("store: network config requires a 16-hex nwid")
		}
		return filepath.Join(s.home, "networks.d", id+".conf"), nil
	case KindPeerCache:
		if id == "" {
			return "", errors.New("store: peer cache requires a 10-hex peer address")
		}
		return filepath.Join(s.home, "peers.d", id+".peer"), nil
	default:
		return "", fmt.Errorf("store: unknown kind %d", kind)
	}
}

// Put writes data under the path for kind/id. For network-config and
// peer-cache kinds, the corresponding caching flag must be enabled, or the
// write is silently dropped (per spec: "otherwise silently drop"). A
// negative length deletes the file. A write whose bytes are byte-for-byte
// identical to what's already on disk is skipped.
func (s *Store) Put(kind Kind, id string, data []byte, length int) error {
	if kind == KindNetworkConfig && !s.allowNetworkCaching {
		return nil
	}
	if kind == KindPeerCache && !s.allowPeerCaching {
		return nil
	}

	p, err := s.path(kind, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if length < 0 {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("store: delete %s: %w", p, err)
		}
		return nil
	}

	if existing, err := os.ReadFile(p); err == nil && bytes.Equal(existing, data) {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("store: create parent dir for %s: %w", p, err)
	}

	perm := os.FileMode(0644)
	if kind.secure() {
		perm = 0600
	}
	return writeFileAtomic(p, data, perm)
}

// Get reads the file for kind/id, truncated to max bytes. It returns
// (nil, false) if the file is missing or unreadable, matching the -1
// sentinel described in spec for a C-style API.
func (s *Store) Get(kind Kind, id string, max int) ([]byte, bool) {
	p, err := s.path(kind, id)
	if err != nil {
		return nil, false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}
	if max >= 0 && len(data) > max {
		data = data[:max]
	}
	return data, true
}

// writeFileAtomic writes data to a temp file in the same directory as
// filename, syncs it, chmods it (skipped on windows, matching doublezerod's
// own atomic-write helper), and renames it into place.
func writeFileAtomic(filename string, data []byte, perm os.FileMode) (err error) {
	if fi, statErr := os.Stat(filename); statErr == nil && !fi.Mode().IsRegular() {
		return fmt.Errorf("store: %s already exists and is not a regular file", filename)
	}
	f, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".tmp")
	if err != nil {
		return err
	}
	tmpName := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpName)
		}
	}()
	if _, err = f.Write(data); err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		if err = f.Chmod(perm); err != nil {
			return err
		}
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return renameWithRetry(tmpName, filename)
}

// renameWithRetry retries the final rename a few times before giving up.
// Home directories backed by network or overlay filesystems occasionally
// return transient EBUSY/EAGAIN on rename; a state write failing outright
// for that reason would otherwise look identical to a real disk fault.
func renameWithRetry(oldpath, newpath string) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(10*time.Millisecond),
		backoff.WithMaxInterval(100*time.Millisecond),
		backoff.WithMaxElapsedTime(250*time.Millisecond),
		backoff.WithRandomizationFactor(0),
	)
	return backoff.Retry(func() error {
		return os.Rename(oldpath, newpath)
	}, b)
}

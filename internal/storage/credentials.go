package storage

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bhandras/huddle/internal/crypto"
	"github.com/bhandras/huddle/pkg/logger"
	"github.com/bhandras/huddle/pkg/types"
)

const (
	accessKeyFile  = "access.key"
	refreshKeyFile = "refresh.key"
	storeKeyFile   = "store.key"
)

var (
	// ErrNoSession is returned when an operation needs an existing session.
	ErrNoSession = errors.New("no session")
	// ErrIncompleteCredentials is returned when saving a pair with a missing half.
	ErrIncompleteCredentials = errors.New("incomplete credentials")
)

// Credentials is the access/refresh pair plus the identity it authenticates.
//
// Identity is nil for credentials read back from disk until the session layer
// verifies them against the server.
type Credentials struct {
	Access   string
	Refresh  string
	Identity *types.Identity
}

// CredentialStore holds the current credential pair in memory and mirrors it
// to durable storage under a home directory.
//
// Each credential is sealed with a machine-local key before it is written.
// Every Save, SetAccess, Rotate and Clear is durable when it returns.
type CredentialStore struct {
	dir string
	key *[crypto.KeySize]byte

	mu      sync.RWMutex
	current Credentials
	present bool
}

// NewCredentialStore opens (creating if needed) the store rooted at dir.
func NewCredentialStore(dir string) (*CredentialStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("missing home directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}
	raw, err := GetOrCreateSecretKey(filepath.Join(dir, storeKeyFile))
	if err != nil {
		return nil, err
	}
	key, err := crypto.KeyFromBytes(raw)
	if err != nil {
		return nil, err
	}
	return &CredentialStore{dir: dir, key: key}, nil
}

// Load reads the persisted credential pair into memory.
//
// ok is false when nothing usable is stored. A half-written or undecryptable
// pair is erased and reported as absent.
func (s *CredentialStore) Load() (creds Credentials, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	access, accessOK, err := s.readEntry(accessKeyFile)
	if err != nil {
		return Credentials{}, false, err
	}
	refresh, refreshOK, err := s.readEntry(refreshKeyFile)
	if err != nil {
		return Credentials{}, false, err
	}

	if !accessOK || !refreshOK {
		if accessOK != refreshOK {
			logger.Warnf("credential store: discarding incomplete credential pair")
			if err := s.eraseLocked(); err != nil {
				return Credentials{}, false, err
			}
		}
		s.current = Credentials{}
		s.present = false
		return Credentials{}, false, nil
	}

	s.current = Credentials{Access: access, Refresh: refresh}
	s.present = true
	return s.current, true, nil
}

// Save persists a full credential pair and replaces the in-memory session.
func (s *CredentialStore) Save(creds Credentials) error {
	if creds.Access == "" || creds.Refresh == "" {
		return ErrIncompleteCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeEntry(refreshKeyFile, creds.Refresh); err != nil {
		_ = s.eraseLocked()
		return err
	}
	if err := s.writeEntry(accessKeyFile, creds.Access); err != nil {
		_ = s.eraseLocked()
		return err
	}

	creds.Identity = cloneIdentity(creds.Identity)
	s.current = creds
	s.present = true
	return nil
}

// SetAccess replaces only the access credential.
//
// It fails with ErrNoSession if the session was cleared in the meantime, so a
// renewal that lands after logout can never resurrect the session.
func (s *CredentialStore) SetAccess(access string) error {
	if access == "" {
		return ErrIncompleteCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.present {
		return ErrNoSession
	}
	if err := s.writeEntry(accessKeyFile, access); err != nil {
		return err
	}
	s.current.Access = access
	return nil
}

// Rotate stores the outcome of a renewal that was started with prevRefresh.
// An empty refresh keeps the current refresh credential.
//
// It fails with ErrNoSession when the session holding prevRefresh is gone,
// either cleared or replaced by a new login, so a late renewal can never
// resurrect or overwrite a session.
func (s *CredentialStore) Rotate(prevRefresh, access, refresh string) error {
	if access == "" {
		return ErrIncompleteCredentials
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.present || s.current.Refresh != prevRefresh {
		return ErrNoSession
	}
	if refresh != "" && refresh != prevRefresh {
		if err := s.writeEntry(refreshKeyFile, refresh); err != nil {
			return err
		}
		s.current.Refresh = refresh
	}
	if err := s.writeEntry(accessKeyFile, access); err != nil {
		return err
	}
	s.current.Access = access
	return nil
}

// SetIdentity attaches a freshly fetched identity to the current session.
func (s *CredentialStore) SetIdentity(identity types.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.present {
		return ErrNoSession
	}
	s.current.Identity = &identity
	return nil
}

// Clear erases durable storage and in-memory state. Clearing an empty store
// is a no-op.
func (s *CredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = Credentials{}
	s.present = false
	return s.eraseLocked()
}

// Invalidate clears the session only if it still holds refresh. It reports
// whether anything was cleared.
func (s *CredentialStore) Invalidate(refresh string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.present || s.current.Refresh != refresh {
		return false, nil
	}
	s.current = Credentials{}
	s.present = false
	return true, s.eraseLocked()
}

// Current returns a copy of the in-memory session.
func (s *CredentialStore) Current() (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.present {
		return Credentials{}, false
	}
	out := s.current
	out.Identity = cloneIdentity(out.Identity)
	return out, true
}

// AccessToken returns the current access credential or "".
func (s *CredentialStore) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Access
}

// RefreshToken returns the current refresh credential or "".
func (s *CredentialStore) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Refresh
}

// Tokens returns the access and refresh credentials of the same session.
func (s *CredentialStore) Tokens() (access, refresh string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Access, s.current.Refresh
}

// Dir returns the directory backing the store.
func (s *CredentialStore) Dir() string { return s.dir }

func (s *CredentialStore) readEntry(name string) (string, bool, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read %s: %w", name, err)
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		logger.Warnf("credential store: %s is not valid base64, ignoring", name)
		return "", false, nil
	}
	plain, err := crypto.Open(sealed, s.key)
	if err != nil {
		logger.Warnf("credential store: %s could not be opened, ignoring", name)
		return "", false, nil
	}
	value := string(plain)
	if value == "" {
		return "", false, nil
	}
	return value, true, nil
}

func (s *CredentialStore) writeEntry(name, value string) error {
	sealed, err := crypto.Seal([]byte(value), s.key)
	if err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(sealed)
	if err := writeFileAtomic(filepath.Join(s.dir, name), []byte(encoded)); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (s *CredentialStore) eraseLocked() error {
	var errs []error
	for _, name := range []string{accessKeyFile, refreshKeyFile} {
		if err := removeIfExists(filepath.Join(s.dir, name)); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func cloneIdentity(identity *types.Identity) *types.Identity {
	if identity == nil {
		return nil
	}
	cp := *identity
	if identity.DateJoined != nil {
		joined := *identity.DateJoined
		cp.DateJoined = &joined
	}
	return &cp
}

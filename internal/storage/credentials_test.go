package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bhandras/huddle/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestCredentialStoreSaveLoadAcrossInstances(t *testing.T) {
	home := t.TempDir()

	store, err := NewCredentialStore(home)
	require.NoError(t, err)

	_, ok, err := store.Load()
	require.NoError(t, err)
	require.False(t, ok)

	identity := types.Identity{ID: "1", Username: "alice"}
	require.NoError(t, store.Save(Credentials{Access: "a1", Refresh: "r1", Identity: &identity}))

	cur, ok := store.Current()
	require.True(t, ok)
	require.Equal(t, "a1", cur.Access)
	require.Equal(t, "alice", cur.Identity.Username)

	// A new process sees the same pair but must re-verify the identity.
	reopened, err := NewCredentialStore(home)
	require.NoError(t, err)
	creds, ok, err := reopened.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a1", creds.Access)
	require.Equal(t, "r1", creds.Refresh)
	require.Nil(t, creds.Identity)
}

func TestCredentialStoreSealsAtRest(t *testing.T) {
	home := t.TempDir()
	store, err := NewCredentialStore(home)
	require.NoError(t, err)
	require.NoError(t, store.Save(Credentials{Access: "plain-access", Refresh: "plain-refresh"}))

	for _, name := range []string{accessKeyFile, refreshKeyFile} {
		raw, err := os.ReadFile(filepath.Join(home, name))
		require.NoError(t, err)
		require.False(t, strings.Contains(string(raw), "plain-"), "file %s leaks plaintext", name)

		info, err := os.Stat(filepath.Join(home, name))
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestCredentialStoreSetAccess(t *testing.T) {
	home := t.TempDir()
	store, err := NewCredentialStore(home)
	require.NoError(t, err)

	require.ErrorIs(t, store.SetAccess("a2"), ErrNoSession)

	require.NoError(t, store.Save(Credentials{Access: "a1", Refresh: "r1"}))
	require.NoError(t, store.SetAccess("a2"))
	require.Equal(t, "a2", store.AccessToken())
	require.Equal(t, "r1", store.RefreshToken())

	reopened, err := NewCredentialStore(home)
	require.NoError(t, err)
	creds, ok, err := reopened.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a2", creds.Access)
}

func TestCredentialStoreRotate(t *testing.T) {
	home := t.TempDir()
	store, err := NewCredentialStore(home)
	require.NoError(t, err)
	require.NoError(t, store.Save(Credentials{Access: "a1", Refresh: "r1"}))

	require.NoError(t, store.Rotate("r1", "a2", ""))
	require.Equal(t, "a2", store.AccessToken())
	require.Equal(t, "r1", store.RefreshToken())

	require.NoError(t, store.Rotate("r1", "a3", "r2"))
	require.Equal(t, "r2", store.RefreshToken())

	// A renewal started from a superseded refresh credential is rejected.
	require.ErrorIs(t, store.Rotate("r1", "stale", ""), ErrNoSession)
	require.Equal(t, "a3", store.AccessToken())

	reopened, err := NewCredentialStore(home)
	require.NoError(t, err)
	creds, ok, err := reopened.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Credentials{Access: "a3", Refresh: "r2"}, creds)
}

func TestCredentialStoreInvalidateOnlyMatchingSession(t *testing.T) {
	store, err := NewCredentialStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Save(Credentials{Access: "a1", Refresh: "r-new"}))

	cleared, err := store.Invalidate("r-old")
	require.NoError(t, err)
	require.False(t, cleared)
	require.Equal(t, "a1", store.AccessToken())

	cleared, err = store.Invalidate("r-new")
	require.NoError(t, err)
	require.True(t, cleared)
	_, ok := store.Current()
	require.False(t, ok)

	cleared, err = store.Invalidate("r-new")
	require.NoError(t, err)
	require.False(t, cleared)
}

func TestCredentialStoreClearIsIdempotent(t *testing.T) {
	home := t.TempDir()
	store, err := NewCredentialStore(home)
	require.NoError(t, err)

	require.NoError(t, store.Clear())
	require.NoError(t, store.Save(Credentials{Access: "a1", Refresh: "r1"}))
	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear())

	_, ok := store.Current()
	require.False(t, ok)
	require.Empty(t, store.AccessToken())
	require.NoFileExists(t, filepath.Join(home, accessKeyFile))
	require.NoFileExists(t, filepath.Join(home, refreshKeyFile))

	// Renewal landing after logout must not resurrect the session.
	require.ErrorIs(t, store.SetAccess("late"), ErrNoSession)
	require.ErrorIs(t, store.Rotate("r1", "late", ""), ErrNoSession)
	require.ErrorIs(t, store.SetIdentity(types.Identity{Username: "x"}), ErrNoSession)
}

func TestCredentialStoreDiscardsIncompletePair(t *testing.T) {
	home := t.TempDir()
	store, err := NewCredentialStore(home)
	require.NoError(t, err)
	require.NoError(t, store.Save(Credentials{Access: "a1", Refresh: "r1"}))
	require.NoError(t, os.Remove(filepath.Join(home, refreshKeyFile)))

	reopened, err := NewCredentialStore(home)
	require.NoError(t, err)
	_, ok, err := reopened.Load()
	require.NoError(t, err)
	require.False(t, ok)
	require.NoFileExists(t, filepath.Join(home, accessKeyFile))
}

func TestCredentialStoreIgnoresCorruptEntries(t *testing.T) {
	home := t.TempDir()
	store, err := NewCredentialStore(home)
	require.NoError(t, err)
	require.NoError(t, store.Save(Credentials{Access: "a1", Refresh: "r1"}))
	require.NoError(t, os.WriteFile(filepath.Join(home, accessKeyFile), []byte("!!not-base64!!"), 0o600))

	_, ok, err := store.Load()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCredentialStoreRejectsIncompleteSave(t *testing.T) {
	store, err := NewCredentialStore(t.TempDir())
	require.NoError(t, err)
	require.ErrorIs(t, store.Save(Credentials{Access: "a1"}), ErrIncompleteCredentials)
	require.ErrorIs(t, store.Save(Credentials{Refresh: "r1"}), ErrIncompleteCredentials)
}

func TestCurrentReturnsCopy(t *testing.T) {
	store, err := NewCredentialStore(t.TempDir())
	require.NoError(t, err)
	identity := types.Identity{Username: "alice"}
	require.NoError(t, store.Save(Credentials{Access: "a", Refresh: "r", Identity: &identity}))

	cur, _ := store.Current()
	cur.Identity.Username = "mallory"

	again, _ := store.Current()
	require.Equal(t, "alice", again.Identity.Username)
}

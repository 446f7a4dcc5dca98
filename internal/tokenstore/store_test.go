package tokenstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()

	token, err := s.Get()
	assert.NoError(t, err)
	assert.Equal(t, "", token)

	assert.NoError(t, s.Set("tok-1"))
	token, err = s.Get()
	assert.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	// Set replaces the slot wholesale
	assert.NoError(t, s.Set("tok-2"))
	token, _ = s.Get()
	assert.Equal(t, "tok-2", token)

	assert.NoError(t, s.Clear())
	token, _ = s.Get()
	assert.Equal(t, "", token)
}

func TestNullStore(t *testing.T) {
	s := NewNullStore()

	assert.NoError(t, s.Set("anything"))

	token, err := s.Get()
	assert.NoError(t, err)
	assert.Equal(t, "", token)

	assert.NoError(t, s.Clear())
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := DeriveKey("test-passphrase")

	encrypted, err := Encrypt([]byte("secret-token"), key)
	require.NoError(t, err)
	assert.NotContains(t, encrypted, "secret-token")

	plaintext, err := Decrypt(encrypted, key)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", string(plaintext))
}

func TestDecryptWithWrongKey(t *testing.T) {
	encrypted, err := Encrypt([]byte("secret-token"), DeriveKey("right"))
	require.NoError(t, err)

	_, err = Decrypt(encrypted, DeriveKey("wrong"))
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tokens.db")
	key := DeriveKey("test-passphrase")

	s, err := NewSQLiteStore(dbPath, key)
	require.NoError(t, err)
	defer s.Close()

	token, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, "", token)

	require.NoError(t, s.Set("bearer-abc"))
	token, err = s.Get()
	require.NoError(t, err)
	assert.Equal(t, "bearer-abc", token)

	// Overwrite keeps a single current token
	require.NoError(t, s.Set("bearer-def"))
	token, _ = s.Get()
	assert.Equal(t, "bearer-def", token)

	require.NoError(t, s.Clear())
	token, err = s.Get()
	require.NoError(t, err)
	assert.Equal(t, "", token)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tokens.db")
	key := DeriveKey("test-passphrase")

	s, err := NewSQLiteStore(dbPath, key)
	require.NoError(t, err)
	require.NoError(t, s.Set("bearer-abc"))
	require.NoError(t, s.Close())

	s2, err := NewSQLiteStore(dbPath, key)
	require.NoError(t, err)
	defer s2.Close()

	token, err := s2.Get()
	require.NoError(t, err)
	assert.Equal(t, "bearer-abc", token)
}

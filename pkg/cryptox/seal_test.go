package cryptox_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aussiebroadwan/sessionkit/pkg/cryptox"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	s, err := cryptox.NewSealer([]byte("test-master-key"), "tokens")
	require.NoError(t, err)

	secret := []byte("refresh-credential-123")

	sealed1, err := s.Seal(secret, "refresh_token")
	require.NoError(t, err)
	sealed2, err := s.Seal(secret, "refresh_token")
	require.NoError(t, err)
	require.NotEqual(t, sealed1, sealed2, "nonces must differ")
	require.NotContains(t, string(sealed1), string(secret))

	opened, err := s.Open(sealed1, "refresh_token")
	require.NoError(t, err)
	require.Equal(t, secret, opened)
}

func TestOpenRejects(t *testing.T) {
	s, err := cryptox.NewSealer([]byte("test-master-key"), "tokens")
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("value"), "access_token")
	require.NoError(t, err)

	t.Run("wrong label", func(t *testing.T) {
		_, err := s.Open(sealed, "refresh_token")
		require.ErrorIs(t, err, cryptox.ErrOpen)
	})

	t.Run("tampered", func(t *testing.T) {
		bad := append([]byte(nil), sealed...)
		bad[len(bad)-1] ^= 0xff
		_, err := s.Open(bad, "access_token")
		require.ErrorIs(t, err, cryptox.ErrOpen)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := s.Open(sealed[:10], "access_token")
		require.ErrorIs(t, err, cryptox.ErrOpen)
	})

	t.Run("other purpose", func(t *testing.T) {
		other, err := cryptox.NewSealer([]byte("test-master-key"), "other")
		require.NoError(t, err)
		_, err = other.Open(sealed, "access_token")
		require.ErrorIs(t, err, cryptox.ErrOpen)
	})
}

func TestLoadMasterKey(t *testing.T) {
	t.Run("from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "master.key")
		require.NoError(t, os.WriteFile(path, []byte("file-key\n"), 0o600))

		key, ephemeral, err := cryptox.LoadMasterKey(path)
		require.NoError(t, err)
		require.False(t, ephemeral)
		require.Equal(t, []byte("file-key"), key)
	})

	t.Run("from env", func(t *testing.T) {
		t.Setenv(cryptox.MasterKeyEnv, "env-key")

		key, ephemeral, err := cryptox.LoadMasterKey("")
		require.NoError(t, err)
		require.False(t, ephemeral)
		require.Equal(t, []byte("env-key"), key)
	})

	t.Run("ephemeral fallback", func(t *testing.T) {
		t.Setenv(cryptox.MasterKeyEnv, "")

		key, ephemeral, err := cryptox.LoadMasterKey("")
		require.NoError(t, err)
		require.True(t, ephemeral)
		require.Len(t, key, 32)
	})

	t.Run("missing file", func(t *testing.T) {
		_, _, err := cryptox.LoadMasterKey(filepath.Join(t.TempDir(), "nope"))
		require.Error(t, err)
	})
}

func TestGenerateToken(t *testing.T) {
	a, err := cryptox.GenerateToken(cryptox.TokenSize256)
	require.NoError(t, err)
	require.Len(t, a, 43)

	b, err := cryptox.GenerateToken(cryptox.TokenSize256)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	_, err = cryptox.GenerateToken(0)
	require.Error(t, err)
}

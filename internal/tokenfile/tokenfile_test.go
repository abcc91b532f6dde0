package tokenfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestLoad_FileNotFound(t *testing.T) {
	tf, err := Load("/nonexistent/path/token.json")
	require.NoError(t, err)
	assert.Nil(t, tf.Token)
	assert.Nil(t, tf.Meta)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token_abc.json")

	expiry := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	original := &File{
		Token: &oauth2.Token{
			AccessToken:  "access-123",
			RefreshToken: "refresh-456",
			TokenType:    "Bearer",
			Expiry:       expiry,
		},
		Meta: map[string]string{MetaLastPath: "/Photos"},
	}

	require.NoError(t, Save(path, original))

	tf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "access-123", tf.Token.AccessToken)
	assert.Equal(t, "refresh-456", tf.Token.RefreshToken)
	assert.Equal(t, "Bearer", tf.Token.TokenType)
	assert.True(t, tf.Token.Expiry.Equal(expiry))
	assert.Equal(t, "/Photos", tf.Meta[MetaLastPath])
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding")
}

func TestSave_CreatesDirectoryWithOwnerOnlyPerms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "token.json")

	require.NoError(t, Save(path, &File{Token: &oauth2.Token{AccessToken: "x"}}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(DirPerms), dirInfo.Mode().Perm())

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".token-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestSaveToken_KeepsMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")

	require.NoError(t, SetMeta(path, MetaLastPath, "/Docs"))
	require.NoError(t, SaveToken(path, &oauth2.Token{AccessToken: "a", RefreshToken: "r"}))

	tf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "a", tf.Token.AccessToken)
	assert.Equal(t, "/Docs", tf.Meta[MetaLastPath])
}

func TestSetMeta_KeepsToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")

	require.NoError(t, SaveToken(path, &oauth2.Token{AccessToken: "a"}))
	require.NoError(t, SetMeta(path, MetaLastPath, ""))

	tf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "a", tf.Token.AccessToken)

	v, ok := tf.Meta[MetaLastPath]
	assert.True(t, ok)
	assert.Empty(t, v)
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, SaveToken(path, &oauth2.Token{AccessToken: "a"}))

	require.NoError(t, Remove(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, Remove(path), "removing a missing file is fine")
}

package wallet

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试中使用较小的迭代次数
const testIterations = 1024

func TestKeystore_SaveLoadWallet(t *testing.T) {
	km, err := NewKeystoreManagerWithIterations(t.TempDir(), testIterations)
	require.NoError(t, err)

	w, err := NewWallet()
	require.NoError(t, err)

	address, path, err := km.SaveWallet(w, "correct horse")
	require.NoError(t, err)
	assert.FileExists(t, path)

	restored, err := km.LoadWallet(address, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, w.PublicKey(), restored.PublicKey())
	assert.Equal(t, w.Address(), restored.Address())
}

func TestKeystore_WrongPassword(t *testing.T) {
	km, err := NewKeystoreManagerWithIterations(t.TempDir(), testIterations)
	require.NoError(t, err)

	w, err := NewWallet()
	require.NoError(t, err)
	address, _, err := km.SaveWallet(w, "secret")
	require.NoError(t, err)

	_, err = km.LoadWallet(address, "not-the-secret")
	assert.ErrorIs(t, err, ErrInvalidPassword)
}

func TestKeystore_FileFormat(t *testing.T) {
	dir := t.TempDir()
	km, err := NewKeystoreManagerWithIterations(dir, testIterations)
	require.NoError(t, err)

	w, err := NewWallet()
	require.NoError(t, err)
	address, path, err := km.SaveWallet(w, "secret")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, address+".json"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var ks Keystore
	require.NoError(t, json.Unmarshal(data, &ks))

	assert.Equal(t, address, ks.Address)
	assert.Equal(t, "pbkdf2", ks.Crypto.KDF)
	assert.Equal(t, testIterations, ks.Crypto.KDFParams.C)
	assert.NotEmpty(t, ks.ID)
	assert.NotContains(t, string(data), "secret")
}

func TestKeystore_MissingFile(t *testing.T) {
	km, err := NewKeystoreManagerWithIterations(t.TempDir(), testIterations)
	require.NoError(t, err)

	_, err = km.Load("nope", "secret")
	assert.Error(t, err)
}

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestEnsureHostKeyGeneratesThenReuses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "host_key")

	signer1, err := ensureHostKey(path)
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", signer1.PublicKey().Type())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	signer2, err := ensureHostKey(path)
	require.NoError(t, err)
	assert.Equal(t, ssh.FingerprintSHA256(signer1.PublicKey()), ssh.FingerprintSHA256(signer2.PublicKey()))
}

func TestAddAuthorizedKeyRejectsInvalidKey(t *testing.T) {
	dir := t.TempDir()
	err := addAuthorizedKey(dir, "not a valid key")
	require.Error(t, err)
	_, ok := err.(configError)
	assert.True(t, ok)
}

func TestAddAuthorizedKeyDeduplicates(t *testing.T) {
	dir := t.TempDir()
	_, pub := testKeyPair(t)

	require.NoError(t, addAuthorizedKey(dir, pub))
	require.NoError(t, addAuthorizedKey(dir, pub))

	keys, err := readAuthorizedKeys(authorizedKeysPath(dir))
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestImportAuthorizedKeysCountsValidLines(t *testing.T) {
	dir := t.TempDir()
	_, pub1 := testKeyPair(t)
	_, pub2 := testKeyPair(t)
	src := filepath.Join(dir, "keys.txt")
	require.NoError(t, os.WriteFile(src, []byte(pub1+"\n"+pub2+"\n"), 0o644))

	count, err := importAuthorizedKeys(dir, src)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	keys, err := readAuthorizedKeys(authorizedKeysPath(dir))
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func testKeyPair(t *testing.T) (ssh.Signer, string) {
	t.Helper()
	dir := t.TempDir()
	signer, err := ensureHostKey(filepath.Join(dir, "host_key"))
	require.NoError(t, err)
	line := string(ssh.MarshalAuthorizedKey(signer.PublicKey()))
	return signer, line
}

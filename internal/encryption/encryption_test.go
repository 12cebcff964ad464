package encryption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyManagerEncryptDecryptRoundTrip(t *testing.T) {
	dir := t.TempDir()
	km, err := NewKeyManager(dir, "super-secret-master-key")
	require.NoError(t, err)

	rec, err := km.CreateKey("users")
	require.NoError(t, err)
	assert.True(t, rec.Active)

	ct, err := km.Encrypt("users", []byte("hello world"))
	require.NoError(t, err)
	pt, err := km.Decrypt("users", ct)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(pt))
}

func TestKeyManagerReopenWrongMasterKeyFails(t *testing.T) {
	dir := t.TempDir()
	km, err := NewKeyManager(dir, "correct-master-key-123")
	require.NoError(t, err)
	_, err = km.CreateKey("orders")
	require.NoError(t, err)

	_, err = NewKeyManager(dir, "wrong-master-key-9999")
	require.Error(t, err)
}

func TestKeyExportImportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	km, err := NewKeyManager(dir, "super-secret-master-key")
	require.NoError(t, err)
	_, err = km.CreateKey("a")
	require.NoError(t, err)

	blob, err := km.ExportKey("a")
	require.NoError(t, err)

	dir2 := t.TempDir()
	km2, err := NewKeyManager(dir2, "different-master-key-here")
	require.NoError(t, err)
	rec, err := km2.ImportKey(blob)
	require.NoError(t, err)
	assert.Equal(t, "a", rec.ID)

	_, err = km2.ImportKey(blob)
	assert.Error(t, err, "duplicate import must be refused")
}

func TestRotationStartupGate(t *testing.T) {
	dir := t.TempDir()
	km, err := NewKeyManager(dir, "super-secret-master-key")
	require.NoError(t, err)
	require.NoError(t, km.CheckStartupGate())

	require.NoError(t, km.StartRotation("users", 10))
	km2, err := NewKeyManager(dir, "super-secret-master-key")
	require.NoError(t, err)
	assert.Error(t, km2.CheckStartupGate(), "ReEncrypting must refuse startup")

	require.NoError(t, km.Progress(10))
	require.NoError(t, km.Finish())
	km3, err := NewKeyManager(dir, "super-secret-master-key")
	require.NoError(t, err)
	assert.NoError(t, km3.CheckStartupGate(), "Completed must allow startup")
}

func TestRotationFailedGateAndReset(t *testing.T) {
	dir := t.TempDir()
	km, err := NewKeyManager(dir, "super-secret-master-key")
	require.NoError(t, err)
	require.NoError(t, km.StartRotation("users", 5))
	require.NoError(t, km.Fail("disk full"))

	km2, err := NewKeyManager(dir, "super-secret-master-key")
	require.NoError(t, err)
	err = km2.CheckStartupGate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	assert.Error(t, km2.ResetRotation(), "reset only valid from Completed")
}

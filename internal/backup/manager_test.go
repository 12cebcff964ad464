package backup

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/veddb/internal/document"
	"github.com/evalgo/veddb/internal/persistent"
	"github.com/evalgo/veddb/internal/schema"
)

func openPopulatedStore(t *testing.T) *persistent.Store {
	store, err := persistent.Open(filepath.Join(t.TempDir(), "store.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateCollection("widgets", schema.New()))
	doc := document.New()
	doc.Fields.Set("name", document.String("bolt"))
	require.NoError(t, store.Insert("widgets", doc))
	return store
}

func TestCreateBackupProducesCompletePair(t *testing.T) {
	store := openPopulatedStore(t)
	mgr, err := New(t.TempDir(), store)
	require.NoError(t, err)

	info, err := mgr.CreateBackup(5, false)
	require.NoError(t, err)
	assert.FileExists(t, info.FilePath)
	assert.FileExists(t, info.FilePath+metaExt)

	list, err := mgr.ListBackups()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, info.BackupID, list[0].BackupID)
}

func TestListBackupsIgnoresTmpFiles(t *testing.T) {
	dir := t.TempDir()
	store := openPopulatedStore(t)
	mgr, err := New(dir, store)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "backup_orphan.veddb.tmp"), []byte("x"), 0o644))

	list, err := mgr.ListBackups()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListBackupsSynthesizesInfoForMissingMetadata(t *testing.T) {
	dir := t.TempDir()
	store := openPopulatedStore(t)
	mgr, err := New(dir, store)
	require.NoError(t, err)

	info, err := mgr.CreateBackup(1, false)
	require.NoError(t, err)
	require.NoError(t, os.Remove(info.FilePath+metaExt))

	list, err := mgr.ListBackups()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, info.FilePath, list[0].FilePath)
}

func TestRetentionKeepsOnlyMaxBackups(t *testing.T) {
	dir := t.TempDir()
	store := openPopulatedStore(t)
	mgr, err := New(dir, store)
	require.NoError(t, err)

	for i := 0; i < MaxBackups+3; i++ {
		_, err := mgr.CreateBackup(uint64(i), false)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	list, err := mgr.ListBackups()
	require.NoError(t, err)
	assert.Len(t, list, MaxBackups)
}

func TestVerifyBackupDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	store := openPopulatedStore(t)
	mgr, err := New(dir, store)
	require.NoError(t, err)

	info, err := mgr.CreateBackup(1, false)
	require.NoError(t, err)
	require.NoError(t, VerifyBackup(info.FilePath))

	data, err := os.ReadFile(info.FilePath)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(info.FilePath, data, 0o644))

	assert.Error(t, VerifyBackup(info.FilePath))
}

func TestRestoreBackupReturnsEmbeddedSequence(t *testing.T) {
	dir := t.TempDir()
	store := openPopulatedStore(t)
	mgr, err := New(dir, store)
	require.NoError(t, err)

	info, err := mgr.CreateBackup(99, false)
	require.NoError(t, err)

	restored, err := persistent.Open(filepath.Join(t.TempDir(), "restored.db"), nil)
	require.NoError(t, err)
	defer restored.Close()
	restoreMgr := &Manager{dir: mgr.dir, store: restored}

	seq, err := restoreMgr.RestoreBackup(info.FilePath)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), seq)

	count := 0
	require.NoError(t, restored.Scan("widgets", func(doc *document.Document) bool {
		count++
		return true
	}))
	assert.Equal(t, 1, count)
}

func TestExportImportCollectionJSONRoundTrip(t *testing.T) {
	store := openPopulatedStore(t)
	mgr, err := New(t.TempDir(), store)
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := mgr.ExportCollection("widgets", &buf, ExportFormatJSON)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, buf.String(), "\"id\"")

	restored, err := persistent.Open(filepath.Join(t.TempDir(), "restored.db"), nil)
	require.NoError(t, err)
	defer restored.Close()
	require.NoError(t, restored.CreateCollection("widgets", schema.New()))
	restoreMgr := &Manager{dir: mgr.dir, store: restored}

	imported, err := restoreMgr.ImportCollection("widgets", &buf, false)
	require.NoError(t, err)
	assert.Equal(t, 1, imported)

	count := 0
	require.NoError(t, restored.Scan("widgets", func(doc *document.Document) bool {
		count++
		return true
	}))
	assert.Equal(t, 1, count)
}

func TestExportImportCollectionBinaryRoundTrip(t *testing.T) {
	store := openPopulatedStore(t)
	mgr, err := New(t.TempDir(), store)
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := mgr.ExportCollection("widgets", &buf, ExportFormatBinary)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	restored, err := persistent.Open(filepath.Join(t.TempDir(), "restored.db"), nil)
	require.NoError(t, err)
	defer restored.Close()
	require.NoError(t, restored.CreateCollection("widgets", schema.New()))
	restoreMgr := &Manager{dir: mgr.dir, store: restored}

	imported, err := restoreMgr.ImportCollection("widgets", &buf, false)
	require.NoError(t, err)
	assert.Equal(t, 1, imported)
}

func TestImportCollectionSkipsExistingUnlessReplace(t *testing.T) {
	store := openPopulatedStore(t)
	mgr, err := New(t.TempDir(), store)
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = mgr.ExportCollection("widgets", &buf, ExportFormatJSON)
	require.NoError(t, err)
	exported := buf.Bytes()

	skipped, err := mgr.ImportCollection("widgets", bytes.NewReader(exported), false)
	require.NoError(t, err)
	assert.Equal(t, 0, skipped, "document id already exists, so a non-replace import skips it")

	replaced, err := mgr.ImportCollection("widgets", bytes.NewReader(exported), true)
	require.NoError(t, err)
	assert.Equal(t, 1, replaced, "replace=true overwrites the existing document")
}

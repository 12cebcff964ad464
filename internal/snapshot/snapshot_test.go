package snapshot

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/veddb/internal/document"
	"github.com/evalgo/veddb/internal/persistent"
	"github.com/evalgo/veddb/internal/schema"
)

func openStoreWithData(t *testing.T) *persistent.Store {
	store, err := persistent.Open(filepath.Join(t.TempDir(), "store.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateCollection("widgets", schema.New()))
	for _, name := range []string{"bolt", "nut", "washer"} {
		doc := document.New()
		doc.Fields.Set("name", document.String(name))
		require.NoError(t, store.Insert("widgets", doc))
	}
	return store
}

func TestWriteReadApplyRoundTripUncompressed(t *testing.T) {
	store := openStoreWithData(t)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, store, 42, false))

	hdr, body, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), hdr.WALSequence)
	assert.Equal(t, uint16(0), hdr.Flags&FlagCompressed)

	restored, err := persistent.Open(filepath.Join(t.TempDir(), "restored.db"), nil)
	require.NoError(t, err)
	defer restored.Close()

	require.NoError(t, Apply(body, restored))

	var names []string
	require.NoError(t, restored.Scan("widgets", func(doc *document.Document) bool {
		v, _ := doc.Fields.Get("name")
		names = append(names, v.Str)
		return true
	}))
	assert.ElementsMatch(t, []string{"bolt", "nut", "washer"}, names)
}

func TestWriteReadApplyRoundTripCompressed(t *testing.T) {
	store := openStoreWithData(t)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, store, 7, true))

	hdr, body, err := Read(&buf)
	require.NoError(t, err)
	assert.NotEqual(t, uint16(0), hdr.Flags&FlagCompressed)

	restored, err := persistent.Open(filepath.Join(t.TempDir(), "restored.db"), nil)
	require.NoError(t, err)
	defer restored.Close()
	require.NoError(t, Apply(body, restored))

	count := 0
	require.NoError(t, restored.Scan("widgets", func(doc *document.Document) bool {
		count++
		return true
	}))
	assert.Equal(t, 3, count)
}

func TestReadRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBuffer(make([]byte, headerFixedLen))
	_, _, err := Read(buf)
	assert.Error(t, err)
}

func TestReadDetectsChecksumMismatch(t *testing.T) {
	store := openStoreWithData(t)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, store, 1, false))

	raw := buf.Bytes()
	// Flip a byte inside the body to corrupt it without touching the header.
	raw[headerFixedLen] ^= 0xFF

	_, _, err := Read(bytes.NewReader(raw))
	assert.Error(t, err)
}

func TestReadDetectsTruncatedBody(t *testing.T) {
	store := openStoreWithData(t)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, store, 1, false))

	truncated := buf.Bytes()[:buf.Len()-10]
	_, _, err := Read(bytes.NewReader(truncated))
	assert.Error(t, err)
}

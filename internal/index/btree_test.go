package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/veddb/internal/document"
	"github.com/evalgo/veddb/internal/veddberr"
)

func idFor(b byte) document.ID {
	var id document.ID
	id[15] = b
	return id
}

func TestInsertAndGetExact(t *testing.T) {
	ix := New("by_age", false, false)
	require.NoError(t, ix.Insert([]document.Value{document.Int64(30)}, idFor(1)))
	require.NoError(t, ix.Insert([]document.Value{document.Int64(30)}, idFor(2)))
	require.NoError(t, ix.Insert([]document.Value{document.Int64(40)}, idFor(3)))

	got := ix.Get([]document.Value{document.Int64(30)})
	assert.ElementsMatch(t, []document.ID{idFor(1), idFor(2)}, got)
}

func TestUniqueIndexRejectsDuplicateKey(t *testing.T) {
	ix := New("by_email", true, false)
	require.NoError(t, ix.Insert([]document.Value{document.String("a@example.com")}, idFor(1)))
	err := ix.Insert([]document.Value{document.String("a@example.com")}, idFor(2))
	assert.ErrorIs(t, err, veddberr.ErrUniqueViolation)
}

func TestSparseIndexSkipsNullFields(t *testing.T) {
	ix := New("by_nickname", false, true)
	require.NoError(t, ix.Insert([]document.Value{document.Null()}, idFor(1)))
	assert.Equal(t, 0, ix.Len())
}

func TestRangeScanAscendingNumeric(t *testing.T) {
	ix := New("by_score", false, false)
	for i := int64(0); i < 10; i++ {
		require.NoError(t, ix.Insert([]document.Value{document.Int64(i)}, idFor(byte(i))))
	}
	var seen []document.ID
	ix.Range(
		[]document.Value{document.Int64(3)},
		[]document.Value{document.Int64(6)},
		false,
		func(k Key, id document.ID) bool {
			seen = append(seen, id)
			return true
		},
	)
	assert.Equal(t, []document.ID{idFor(3), idFor(4), idFor(5), idFor(6)}, seen)
}

func TestRangeScanDescending(t *testing.T) {
	ix := New("by_score", false, false)
	for i := int64(0); i < 5; i++ {
		require.NoError(t, ix.Insert([]document.Value{document.Int64(i)}, idFor(byte(i))))
	}
	var seen []document.ID
	ix.Range(nil, nil, true, func(k Key, id document.ID) bool {
		seen = append(seen, id)
		return true
	})
	assert.Equal(t, []document.ID{idFor(4), idFor(3), idFor(2), idFor(1), idFor(0)}, seen)
}

func TestCompoundKeyOrdering(t *testing.T) {
	ix := New("by_last_first", false, false)
	require.NoError(t, ix.Insert([]document.Value{document.String("Doe"), document.String("Alice")}, idFor(1)))
	require.NoError(t, ix.Insert([]document.Value{document.String("Doe"), document.String("Bob")}, idFor(2)))
	require.NoError(t, ix.Insert([]document.Value{document.String("Smith"), document.String("Amy")}, idFor(3)))

	var order []document.ID
	ix.Range(nil, nil, false, func(k Key, id document.ID) bool {
		order = append(order, id)
		return true
	})
	assert.Equal(t, []document.ID{idFor(1), idFor(2), idFor(3)}, order)
}

func TestDeleteRemovesEntry(t *testing.T) {
	ix := New("by_tag", false, false)
	require.NoError(t, ix.Insert([]document.Value{document.String("x")}, idFor(1)))
	ix.Delete([]document.Value{document.String("x")}, idFor(1))
	assert.Empty(t, ix.Get([]document.Value{document.String("x")}))
}

func TestNegativeAndPositiveNumbersOrderCorrectly(t *testing.T) {
	ix := New("by_delta", false, false)
	require.NoError(t, ix.Insert([]document.Value{document.Float64(-5.5)}, idFor(1)))
	require.NoError(t, ix.Insert([]document.Value{document.Float64(0)}, idFor(2)))
	require.NoError(t, ix.Insert([]document.Value{document.Float64(5.5)}, idFor(3)))

	var order []document.ID
	ix.Range(nil, nil, false, func(k Key, id document.ID) bool {
		order = append(order, id)
		return true
	})
	assert.Equal(t, []document.ID{idFor(1), idFor(2), idFor(3)}, order)
}

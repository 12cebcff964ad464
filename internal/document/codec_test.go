package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := New()
	d.Meta.Version = 7
	d.Meta.CreatedAt = time.Unix(1000, 0).UTC()
	d.Meta.UpdatedAt = time.Unix(2000, 0).UTC()
	d.Fields.Set("name", String("ada"))
	d.Fields.Set("age", Int64(36))
	d.Fields.Set("active", Bool(true))
	d.Fields.Set("score", Float64(-3.5))
	d.Fields.Set("tags", Array(String("a"), String("b")))
	nested := NewObject()
	nested.Set("city", String("london"))
	d.Fields.Set("address", Obj(nested))
	d.Fields.Set("blob", Binary([]byte{1, 2, 3}))
	d.Fields.Set("nothing", Null())

	encoded := d.Encode()
	decoded, err := Decode(encoded)
	require.NoError(t, err)

	assert.Equal(t, d.ID, decoded.ID)
	assert.Equal(t, d.Meta.Version, decoded.Meta.Version)
	assert.True(t, d.Meta.CreatedAt.Equal(decoded.Meta.CreatedAt))

	name, ok := decoded.Fields.Get("name")
	require.True(t, ok)
	assert.Equal(t, "ada", name.Str)

	score, ok := decoded.Fields.Get("score")
	require.True(t, ok)
	assert.Equal(t, -3.5, score.Float64)

	addr, ok := decoded.Fields.Get("address")
	require.True(t, ok)
	city, ok := addr.Object.Get("city")
	require.True(t, ok)
	assert.Equal(t, "london", city.Str)
}

func TestDecodeTruncatedFails(t *testing.T) {
	d := New()
	d.Fields.Set("x", String("hello world"))
	encoded := d.Encode()
	_, err := Decode(encoded[:len(encoded)-2])
	assert.Error(t, err)
}

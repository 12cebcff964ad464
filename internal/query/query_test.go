package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/veddb/internal/document"
)

func docWith(name string, age int64) *document.Document {
	d := document.New()
	d.Fields.Set("name", document.String(name))
	d.Fields.Set("age", document.Int64(age))
	return d
}

func TestParseAndEvalSimpleCompare(t *testing.T) {
	expr, err := Parse(`age >= 18`)
	require.NoError(t, err)
	assert.True(t, Eval(expr, docWith("ada", 30)))
	assert.False(t, Eval(expr, docWith("bob", 10)))
}

func TestParseAndEvalBooleanCombinators(t *testing.T) {
	expr, err := Parse(`name = "ada" AND age > 18`)
	require.NoError(t, err)
	assert.True(t, Eval(expr, docWith("ada", 30)))
	assert.False(t, Eval(expr, docWith("ada", 10)))
	assert.False(t, Eval(expr, docWith("bob", 30)))

	expr2, err := Parse(`name = "ada" OR name = "bob"`)
	require.NoError(t, err)
	assert.True(t, Eval(expr2, docWith("bob", 1)))
}

func TestParseIn(t *testing.T) {
	expr, err := Parse(`name IN ("ada", "bob")`)
	require.NoError(t, err)
	assert.True(t, Eval(expr, docWith("bob", 1)))
	assert.False(t, Eval(expr, docWith("carol", 1)))
}

func TestParseNotAndParens(t *testing.T) {
	expr, err := Parse(`NOT (age < 18)`)
	require.NoError(t, err)
	assert.True(t, Eval(expr, docWith("ada", 30)))
	assert.False(t, Eval(expr, docWith("ada", 10)))
}

func TestParseInvalidOperator(t *testing.T) {
	_, err := Parse(`age ~~ 18`)
	assert.Error(t, err)
}

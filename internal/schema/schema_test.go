package schema

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo/veddb/internal/document"
)

func TestValidateRequiredField(t *testing.T) {
	s := New()
	s.Fields = append(s.Fields, FieldDef{Name: "name", Type: document.KindString, Required: true})

	d := document.New()
	err := s.Validate(d)
	require.Error(t, err)

	require.NoError(t, d.SetPath("name", document.String("Ada")))
	require.NoError(t, s.Validate(d))
}

func TestValidatorChain(t *testing.T) {
	s := New()
	s.Fields = append(s.Fields, FieldDef{
		Name: "age", Type: document.KindInt32,
		Validators: []Validator{{Kind: ValidatorMin, Min: 0}, {Kind: ValidatorMax, Max: 120}},
	})
	d := document.New()
	require.NoError(t, d.SetPath("age", document.Int32(200)))
	assert.Error(t, s.Validate(d))

	require.NoError(t, d.SetPath("age", document.Int32(30)))
	assert.NoError(t, s.Validate(d))
}

func TestRegexAndEnumValidators(t *testing.T) {
	s := New()
	s.Fields = append(s.Fields,
		FieldDef{Name: "email", Type: document.KindString, Validators: []Validator{
			{Kind: ValidatorRegex, Pattern: regexp.MustCompile(`^[^@]+@[^@]+$`)},
		}},
		FieldDef{Name: "status", Type: document.KindString, Validators: []Validator{
			{Kind: ValidatorEnum, Enum: []document.Value{document.String("active"), document.String("inactive")}},
		}},
	)
	d := document.New()
	require.NoError(t, d.SetPath("email", document.String("not-an-email")))
	require.NoError(t, d.SetPath("status", document.String("active")))
	assert.Error(t, s.Validate(d))

	require.NoError(t, d.SetPath("email", document.String("a@b.com")))
	assert.NoError(t, s.Validate(d))

	require.NoError(t, d.SetPath("status", document.String("bogus")))
	assert.Error(t, s.Validate(d))
}

func TestApplyDefaults(t *testing.T) {
	def := document.String("guest")
	s := New()
	s.Fields = append(s.Fields, FieldDef{Name: "role", Type: document.KindString, Default: &def})
	d := document.New()
	s.ApplyDefaults(d)
	v, ok := d.Fields.Get("role")
	require.True(t, ok)
	assert.Equal(t, "guest", v.Str)
}

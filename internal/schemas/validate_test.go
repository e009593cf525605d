package schemas

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const runSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["run"],
	"properties": {
		"run": {
			"type": "object",
			"required": ["id"],
			"properties": {
				"id": {"type": "integer"},
				"conclusion": {"enum": ["success", "failure"]}
			}
		}
	}
}`

func TestSchema_Validate(t *testing.T) {
	s, err := Compile("run", runSchema)
	require.NoError(t, err)
	assert.Equal(t, "run", s.Name())

	assert.NoError(t, s.Validate([]byte(`{"run": {"id": 1, "conclusion": "failure"}}`)))
}

func TestSchema_Validate_ReportsFieldPaths(t *testing.T) {
	s := MustCompile("run", runSchema)

	err := s.Validate([]byte(`{"run": {"id": "x", "conclusion": "skipped"}}`))
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "run", ve.Schema)
	assert.ElementsMatch(t, []string{"run.id", "run.conclusion"}, ve.Fields())
	assert.Contains(t, err.Error(), "document does not match run")

	err = s.Validate([]byte(`{}`))
	require.True(t, errors.As(err, &ve))
	require.Len(t, ve.Errors, 1)
	assert.Equal(t, "(root)", ve.Errors[0].Field)
	assert.Equal(t, "required", ve.Errors[0].Rule)
}

func TestSchema_Validate_MalformedDocument(t *testing.T) {
	s := MustCompile("run", runSchema)

	err := s.Validate([]byte(`{"run":`))
	require.Error(t, err)
	var ve *ValidationError
	assert.False(t, errors.As(err, &ve), "malformed JSON is not a schema violation")
}

func TestCompile_BrokenSchema(t *testing.T) {
	_, err := Compile("broken", `{"type": 12}`)
	var loadErr *SchemaLoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, "broken", loadErr.Name)

	assert.Panics(t, func() { MustCompile("broken", `{"type": 12}`) })
}

func TestValidationError_Fields_Deduplicates(t *testing.T) {
	ve := &ValidationError{Errors: []FieldError{
		{Field: "a", Message: "x"},
		{Field: "b", Message: "y"},
		{Field: "a", Message: "z"},
	}}
	assert.Equal(t, []string{"a", "b"}, ve.Fields())
}

func TestSchema_ConcurrentValidate(t *testing.T) {
	s := MustCompile("run", runSchema)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Validate([]byte(`{"run": {"id": 2}}`)))
		}()
	}
	wg.Wait()
}

package dbadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatCypherValue(t *testing.T) {
	assert.Equal(t, "null", formatCypherValue(nil))
	assert.Equal(t, "true", formatCypherValue(true))
	assert.Equal(t, "false", formatCypherValue(false))
	assert.Equal(t, "42", formatCypherValue(int64(42)))
	assert.Equal(t, "7", formatCypherValue(7))
	assert.Equal(t, "3.5", formatCypherValue(3.5))
	assert.Equal(t, `"plain"`, formatCypherValue("plain"))

	// Backslashes escape before quotes so the output stays unambiguous.
	assert.Equal(t, `"a\\b"`, formatCypherValue(`a\b`))
	assert.Equal(t, `"say \"hi\""`, formatCypherValue(`say "hi"`))
	assert.Equal(t, `"line1\nline2\ttab\rcr"`, formatCypherValue("line1\nline2\ttab\rcr"))

	assert.Equal(t, `["a", 1, null]`, formatCypherValue([]any{"a", int64(1), nil}))
}

func TestFormatCypherProps(t *testing.T) {
	assert.Equal(t, "{}", formatCypherProps(nil))
	assert.Equal(t, "{}", formatCypherProps(map[string]any{}))

	// Keys render sorted so the same graph always exports the same script.
	got := formatCypherProps(map[string]any{
		"name":   "ada",
		"age":    int64(36),
		"active": true,
	})
	assert.Equal(t, `{active: true, age: 36, name: "ada"}`, got)
}

package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	out := Render(Table{
		Headers: []string{"Tag", "Score"},
		Rows:    [][]string{{"robin", "91.0%"}, {"sparrow"}},
		Aligns:  []Align{AlignLeft, AlignRight},
	})

	lines := strings.Split(out, "\n")
	require.GreaterOrEqual(t, len(lines), 5)
	assert.True(t, strings.HasPrefix(lines[0], "╭"))
	assert.Contains(t, out, "robin")
	assert.Contains(t, out, "91.0%")
	assert.Contains(t, out, "sparrow")
}

func TestRender_NoHeaders(t *testing.T) {
	assert.Empty(t, Render(Table{}))
}

func TestPrint_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, "json", map[string]int{"images": 3}, Table{}))
	assert.JSONEq(t, `{"images": 3}`, buf.String())
}

func TestFormatters(t *testing.T) {
	assert.Equal(t, "50.0%", Percent(0.5))
	assert.Equal(t, "12.5%", Percent(0.125))
	assert.Equal(t, "-", OrDash(""))
	assert.Equal(t, "x", OrDash("x"))
	assert.Equal(t, "42", ID(42))
}

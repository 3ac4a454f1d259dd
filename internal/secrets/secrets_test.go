package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/questvision/internal/errors"
)

func TestExpandString(t *testing.T) {
	t.Setenv("QV_TEST_KEY", "k3y")
	t.Setenv("QV_TEST_EMPTY", "")

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "empty", input: "", want: ""},
		{name: "literal", input: "literal-value", want: "literal-value"},
		{name: "variable", input: "${QV_TEST_KEY}", want: "k3y"},
		{name: "embedded", input: "prefix-${QV_TEST_KEY}-suffix", want: "prefix-k3y-suffix"},
		{name: "default used", input: "${QV_TEST_UNSET:-fallback}", want: "fallback"},
		{name: "empty default", input: "${QV_TEST_UNSET:-}", want: ""},
		{name: "empty variable uses default", input: "${QV_TEST_EMPTY:-x}", want: "x"},
		{name: "missing", input: "${QV_TEST_UNSET}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandString(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "QV_TEST_UNSET")
				assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "training_key")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))
	res, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", res.Value)
	assert.Empty(t, res.Warnings)

	loose := filepath.Join(dir, "loose")
	require.NoError(t, os.WriteFile(loose, []byte("s3cret"), 0o600))
	require.NoError(t, os.Chmod(loose, 0o644))
	res, err = ReadFile(loose)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.NotContains(t, res.Warnings[0], "s3cret")

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0o600))
	_, err = ReadFile(empty)
	require.Error(t, err)

	_, err = ReadFile(filepath.Join(dir, "missing"))
	require.Error(t, err)

	_, err = ReadFile(dir)
	require.Error(t, err)

	big := filepath.Join(dir, "big")
	require.NoError(t, os.WriteFile(big, make([]byte, maxFileSize+1), 0o600))
	_, err = ReadFile(big)
	require.Error(t, err)
}

func TestResolve_FileWins(t *testing.T) {
	t.Setenv("QV_TEST_KEY", "from-env")
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("from-file"), 0o600))

	res, err := Resolve(path, "${QV_TEST_KEY}")
	require.NoError(t, err)
	assert.Equal(t, "from-file", res.Value)

	res, err = Resolve("", "${QV_TEST_KEY}")
	require.NoError(t, err)
	assert.Equal(t, "from-env", res.Value)

	res, err = Resolve("", "")
	require.NoError(t, err)
	assert.Empty(t, res.Value)
}

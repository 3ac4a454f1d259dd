package uploads

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/questvision/internal/conf"
	"github.com/tphakala/questvision/internal/errors"
)

func testSettings(dir string) *conf.StorageSettings {
	return &conf.StorageSettings{
		UploadRoot:        dir,
		MaxDiskUsage:      95,
		AllowedExtensions: []string{".jpg", ".PNG"},
		MaxFileSize:       16,
	}
}

func newStore(t *testing.T, usage float64) *Store {
	t.Helper()
	s, err := New(testSettings(t.TempDir()), nil, WithUsageFunc(func(string) (float64, error) {
		return usage, nil
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveWritesUnderQuestionDir(t *testing.T) {
	t.Parallel()
	s := newStore(t, 10)

	f, err := s.Save(7, PurposeTraining, "cat.JPG", strings.NewReader("meow"))
	require.NoError(t, err)

	assert.Equal(t, "cat.JPG", f.Name)
	assert.Equal(t, int64(4), f.Size)
	assert.Equal(t, filepath.Join(s.Root(), "questions", "7", "training"), filepath.Dir(f.Path))
	assert.Equal(t, ".jpg", filepath.Ext(f.Path))

	data, err := s.ReadFile(f.Path)
	require.NoError(t, err)
	assert.Equal(t, "meow", string(data))

	other, err := s.Save(7, PurposeTraining, "cat.jpg", strings.NewReader("purr"))
	require.NoError(t, err)
	assert.NotEqual(t, f.Path, other.Path, "same original name must not collide")
}

func TestSaveRejectsUnsupportedExtension(t *testing.T) {
	t.Parallel()
	s := newStore(t, 10)

	_, err := s.Save(1, PurposeTest, "notes.txt", strings.NewReader("x"))
	require.ErrorIs(t, err, ErrUnsupportedType)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = s.Save(1, PurposeTest, "shot.png", strings.NewReader("x"))
	require.NoError(t, err, "configured extensions are matched case-insensitively")
}

func TestSaveRejectsOversizedFile(t *testing.T) {
	t.Parallel()
	s := newStore(t, 10)

	_, err := s.Save(1, PurposeTraining, "big.jpg", bytes.NewReader(make([]byte, 17)))
	require.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(filepath.Join(s.Root(), "questions", "1", "training"))
	require.NoError(t, err)
	assert.Empty(t, entries, "partial file must be removed")

	_, err = s.Save(1, PurposeTraining, "fits.jpg", bytes.NewReader(make([]byte, 16)))
	require.NoError(t, err)
}

func TestSaveRefusesWhenDiskFull(t *testing.T) {
	t.Parallel()
	s := newStore(t, 97.5)

	_, err := s.Save(1, PurposeTraining, "cat.jpg", strings.NewReader("x"))
	require.ErrorIs(t, err, ErrDiskFull)
	assert.True(t, errors.IsCategory(err, errors.CategoryDiskUsage))
}

func TestSaveIgnoresFailingUsageProbe(t *testing.T) {
	t.Parallel()
	s, err := New(testSettings(t.TempDir()), nil, WithUsageFunc(func(string) (float64, error) {
		return 0, errors.NewStd("statfs failed")
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Save(1, PurposeTraining, "cat.jpg", strings.NewReader("x"))
	require.NoError(t, err)
}

func TestRemove(t *testing.T) {
	t.Parallel()
	s := newStore(t, 10)

	f, err := s.Save(3, PurposeTraining, "cat.jpg", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, s.Remove(f.Path))
	assert.NoFileExists(t, f.Path)
	require.NoError(t, s.Remove(f.Path), "removing a missing file is not an error")

	rel, err := filepath.Rel(s.Root(), f.Path)
	require.NoError(t, err)
	require.NoError(t, s.Remove(rel), "root-relative paths are accepted")
}

func TestPathsOutsideRootAreRejected(t *testing.T) {
	t.Parallel()
	s := newStore(t, 10)

	outside := filepath.Join(t.TempDir(), "victim.jpg")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o600))

	for _, path := range []string{outside, "../victim.jpg", filepath.Join(s.Root(), "..", "victim.jpg")} {
		err := s.Remove(path)
		require.ErrorIs(t, err, ErrOutsideRoot, path)
		_, err = s.ReadFile(path)
		require.ErrorIs(t, err, ErrOutsideRoot, path)
	}
	assert.FileExists(t, outside)
}

func TestRemoveQuestion(t *testing.T) {
	t.Parallel()
	s := newStore(t, 10)

	keep, err := s.Save(1, PurposeTraining, "a.jpg", strings.NewReader("x"))
	require.NoError(t, err)
	gone, err := s.Save(2, PurposeTest, "b.jpg", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, s.RemoveQuestion(2))
	assert.NoFileExists(t, gone.Path)
	assert.FileExists(t, keep.Path)
	require.NoError(t, s.RemoveQuestion(2))
}

// Package datastoretest opens throwaway SQLite stores for tests.
package datastoretest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tphakala/questvision/internal/conf"
	"github.com/tphakala/questvision/internal/datastore"
	"github.com/tphakala/questvision/internal/logger"
)

// New opens a migrated SQLite store in a temporary directory and closes it on cleanup.
func New(t testing.TB) *datastore.SQLiteStore {
	t.Helper()

	settings := conf.Defaults()
	settings.Database.SQLite.Path = filepath.Join(t.TempDir(), "questvision-test.db")

	store := &datastore.SQLiteStore{
		DataStore: datastore.DataStore{Logger: logger.NewNop()},
		Settings:  settings,
	}
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// SeedQuestion creates a question with the given tags, each holding the given number of images.
// A tag name of "" adds untagged (legacy) images instead.
func SeedQuestion(t testing.TB, store datastore.Interface, name string, tags []string, counts []int) *datastore.Question {
	t.Helper()
	require.Len(t, counts, len(tags))

	ctx := t.Context()
	q := &datastore.Question{Name: name}
	require.NoError(t, store.CreateQuestion(ctx, q))

	for i, tagName := range tags {
		var ref datastore.TagRef = datastore.Untagged{}
		if tagName != "" {
			tag := &datastore.QuestionTag{QuestionID: q.ID, TagName: tagName}
			require.NoError(t, store.CreateTag(ctx, tag))
			ref = datastore.Tagged{TagID: tag.ID}
		}
		for n := range counts[i] {
			img := &datastore.TrainingImage{
				QuestionID: q.ID,
				FileName:   filepath.Base(tagName) + "-" + string(rune('a'+n%26)) + ".jpg",
				FilePath:   filepath.Join("uploads", tagName, string(rune('a'+n%26))+".jpg"),
			}
			img.SetTag(ref)
			require.NoError(t, store.CreateTrainingImage(ctx, img))
		}
	}

	loaded, err := store.GetQuestion(ctx, q.ID)
	require.NoError(t, err)
	return loaded
}

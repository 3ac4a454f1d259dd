package vision

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortPredictions(t *testing.T) {
	p := []Prediction{
		{TagName: "b", Probability: 0.2},
		{TagName: "a", Probability: 0.7},
		{TagName: "c", Probability: 0.2},
	}
	SortPredictions(p)
	assert.Equal(t, []string{"a", "b", "c"}, []string{p[0].TagName, p[1].TagName, p[2].TagName})
}

func TestBatches(t *testing.T) {
	ids := make([]string, 130)
	for i := range ids {
		ids[i] = "id"
	}
	batches := Batches(ids, MaxDeleteBatch)
	assert.Len(t, batches, 3)
	assert.Len(t, batches[0], 64)
	assert.Len(t, batches[2], 2)

	assert.Empty(t, Batches(nil, MaxDeleteBatch))
	assert.Len(t, Batches(ids[:10], 0), 1, "non-positive size falls back to the delete limit")
}

func TestIterationHelpers(t *testing.T) {
	assert.True(t, StatusTraining.InProgress())
	assert.True(t, StatusQueued.InProgress())
	assert.False(t, StatusCompleted.InProgress())
	assert.False(t, StatusFailed.InProgress())

	its := []Iteration{{ID: "1", PublishName: "model_a"}, {ID: "2"}}
	assert.Equal(t, []Iteration{its[0]}, PublishedOnly(its))
}

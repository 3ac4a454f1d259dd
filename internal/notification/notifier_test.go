package notification

import (
	"context"
	"sync"
	"testing"
	"time"

	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/questvision/internal/conf"
	"github.com/tphakala/questvision/internal/datastore"
	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/training"
)

type captureSender struct {
	mu       sync.Mutex
	messages []string
	titles   []string
	errs     []error
}

func (c *captureSender) Send(message string, params *stypes.Params) []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message)
	if title, ok := params.Title(); ok {
		c.titles = append(c.titles, title)
	}
	return c.errs
}

func completed() training.Result {
	return training.Result{
		QuestionID:   4,
		QuestionName: "Birds",
		RunID:        9,
		State:        datastore.StateCompleted,
		IterationID:  "it-1",
		PublishName:  "model_20260102030405",
		Duration:     95 * time.Second,
	}
}

func TestNotifyTrainingFinished(t *testing.T) {
	t.Parallel()
	sender := &captureSender{}
	n := NewWithSender(sender, "lab", nil)

	require.NoError(t, n.NotifyTrainingFinished(t.Context(), completed()))

	require.Len(t, sender.messages, 1)
	assert.Equal(t, []string{"[lab] Birds: training completed"}, sender.titles)
	assert.Contains(t, sender.messages[0], "Model: model_20260102030405")
	assert.Contains(t, sender.messages[0], "Duration: 1m35s")
}

func TestNotifyReportsDeliveryFailures(t *testing.T) {
	t.Parallel()
	sender := &captureSender{errs: []error{nil, errors.NewStd("post https://hooks.example.com/abc: 500")}}
	n := NewWithSender(sender, "", nil)

	err := n.NotifyTrainingFinished(t.Context(), completed())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryNotification))
	assert.NotContains(t, err.Error(), "hooks.example.com")
}

func TestNotifySkipsCancelledContext(t *testing.T) {
	t.Parallel()
	sender := &captureSender{}
	n := NewWithSender(sender, "", nil)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.ErrorIs(t, n.NotifyTrainingFinished(ctx, completed()), context.Canceled)
	assert.Empty(t, sender.messages)
}

func TestTitleAndMessage(t *testing.T) {
	t.Parallel()

	r := completed()
	r.State = datastore.StateCompletedUnpublished
	r.PublishName = ""
	assert.Equal(t, "Birds: training completed, model not published", Title("", r))

	r.State = datastore.StateFailed
	r.FailureReason = "Timeout"
	r.Attached = true
	msg := Message(r)
	assert.Equal(t, "Birds: training failed", Title("", r))
	assert.Contains(t, msg, "Iteration: it-1 (attached)")
	assert.Contains(t, msg, "Reason: Timeout")
	assert.NotContains(t, msg, "Model:")
}

func TestNewValidatesURLs(t *testing.T) {
	t.Parallel()

	settings := conf.Defaults()
	settings.Notification.URLs = []string{" "}
	_, err := New(settings, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	settings.Notification.URLs = []string{"nosuchservice://token@host"}
	_, err = New(settings, nil)
	require.Error(t, err)
}

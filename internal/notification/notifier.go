// Package notification announces finished training runs through shoutrrr service URLs
// (e-mail, chat webhooks, push services).
package notification

import (
	"context"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/tphakala/questvision/internal/conf"
	"github.com/tphakala/questvision/internal/datastore"
	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/logger"
	"github.com/tphakala/questvision/internal/privacy"
	"github.com/tphakala/questvision/internal/training"
)

// Sender delivers a message to every configured service. *router.ServiceRouter implements it.
type Sender interface {
	Send(message string, params *stypes.Params) []error
}

// Notifier implements training.Notifier.
type Notifier struct {
	sender   Sender
	instance string
	log      logger.Logger
}

var _ training.Notifier = (*Notifier)(nil)

// New builds a notifier for the configured URLs.
func New(settings *conf.Settings, l logger.Logger) (*Notifier, error) {
	urls := slices.DeleteFunc(slices.Clone(settings.Notification.URLs), func(u string) bool {
		return strings.TrimSpace(u) == ""
	})
	if len(urls) == 0 {
		return nil, errors.Newf("at least one notification URL is required").
			Component("notification").
			Category(errors.CategoryConfiguration).
			Build()
	}

	router, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, errors.New(privacy.WrapError(err)).
			Component("notification").
			Category(errors.CategoryConfiguration).
			Context("url_count", len(urls)).
			Build()
	}
	if settings.Notification.Timeout > 0 {
		router.Timeout = settings.Notification.Timeout
	}
	router.SetLogger(log.New(io.Discard, "", 0))

	return NewWithSender(router, settings.Main.Name, l), nil
}

// NewWithSender wraps an existing sender.
func NewWithSender(sender Sender, instance string, l logger.Logger) *Notifier {
	if l == nil {
		l = logger.NewNop()
	}
	return &Notifier{sender: sender, instance: instance, log: l.Module("notification")}
}

// NotifyTrainingFinished sends a summary of r. Delivery failures are returned after every
// service has been tried.
func (n *Notifier) NotifyTrainingFinished(ctx context.Context, r training.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := stypes.Params{}
	params.SetTitle(Title(n.instance, r))
	start := time.Now()

	var failed []error
	for _, err := range n.sender.Send(Message(r), &params) {
		if err != nil {
			failed = append(failed, privacy.WrapError(err))
		}
	}
	if len(failed) > 0 {
		err := errors.New(errors.Join(failed...)).
			Component("notification").
			Category(errors.CategoryNotification).
			Context("question_id", r.QuestionID).
			Context("failed_services", len(failed)).
			Build()
		n.log.Warn("training notification not delivered",
			logger.Uint("question_id", r.QuestionID),
			logger.Int("failed_services", len(failed)),
			logger.Error(err))
		return err
	}
	n.log.Debug("training notification sent",
		logger.Uint("question_id", r.QuestionID),
		logger.Duration("elapsed", time.Since(start)))
	return nil
}

// Title is the notification subject for r.
func Title(instance string, r training.Result) string {
	var status string
	switch r.State {
	case datastore.StateCompleted:
		status = "training completed"
	case datastore.StateCompletedUnpublished:
		status = "training completed, model not published"
	default:
		status = "training failed"
	}
	if instance == "" {
		return fmt.Sprintf("%s: %s", r.QuestionName, status)
	}
	return fmt.Sprintf("[%s] %s: %s", instance, r.QuestionName, status)
}

// Message is the notification body for r.
func Message(r training.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question %d (%s), run %d: %s", r.QuestionID, r.QuestionName, r.RunID, r.State)
	if r.IterationID != "" {
		fmt.Fprintf(&b, "\nIteration: %s", r.IterationID)
		if r.Attached {
			b.WriteString(" (attached)")
		}
	}
	if r.PublishName != "" {
		fmt.Fprintf(&b, "\nModel: %s", r.PublishName)
	}
	if r.FailureReason != "" {
		fmt.Fprintf(&b, "\nReason: %s", privacy.ScrubMessage(r.FailureReason))
	}
	fmt.Fprintf(&b, "\nDuration: %s", r.Duration.Round(time.Second))
	return b.String()
}

// Package notify delivers fire-and-forget notifications about task state
// changes. Failures are logged by the caller and never affect the transfer.
package notify

import (
	"context"
	"strings"

	"github.com/monoblaine/background-downloader/internal/domain"
)

// Event is one notification-worthy state change together with the task's
// notification config.
type Event struct {
	Task   domain.Task
	Status domain.Status
	Error  *domain.TaskError
	Config domain.NotificationConfig
}

// Wants reports whether the task's config selects this event's status.
func (e Event) Wants() bool {
	switch e.Status {
	case domain.StatusRunning:
		return e.Config.Running
	case domain.StatusComplete:
		return e.Config.Complete
	case domain.StatusFailed, domain.StatusNotFound:
		return e.Config.Error
	case domain.StatusPaused:
		return e.Config.Paused
	}
	return false
}

// Title expands the config's title template, or falls back to the task ID.
func (e Event) Title() string {
	if e.Config.Title == "" {
		return e.Task.ID
	}
	return e.expand(e.Config.Title)
}

// Body expands the config's body template, or falls back to the status.
func (e Event) Body() string {
	if e.Config.Body == "" {
		return string(e.Status)
	}
	return e.expand(e.Config.Body)
}

func (e Event) expand(tmpl string) string {
	r := strings.NewReplacer(
		"{task_id}", e.Task.ID,
		"{filename}", e.Task.Filename,
		"{status}", string(e.Status),
		"{url}", e.Task.URL,
	)
	return r.Replace(tmpl)
}

// Notifier delivers one notification event.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop returns a Notifier that does nothing.
func Nop() Notifier { return nopNotifier{} }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) error { return nil }

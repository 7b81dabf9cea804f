package notify

import (
	"fmt"
	"time"

	"github.com/yalab-neuro/neuroproc/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string // Optional run reference
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// ForRun builds the notification describing a finished run
func ForRun(run *domain.Run) Notification {
	n := Notification{RunID: run.ID}
	switch run.Status {
	case domain.RunSucceeded:
		n.Type = NotifySuccess
		n.Title = fmt.Sprintf("%s finished", run.Label())
		n.Message = fmt.Sprintf("Outputs in %s (took %s)", run.OutputDir, run.Duration().Round(time.Second))
	case domain.RunFailed:
		n.Type = NotifyError
		n.Title = fmt.Sprintf("%s failed", run.Label())
		n.Message = run.Error
	default:
		n.Type = NotifyInfo
		n.Title = fmt.Sprintf("%s %s", run.Label(), run.Status)
		n.Message = fmt.Sprintf("Outputs in %s", run.OutputDir)
	}
	return n
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

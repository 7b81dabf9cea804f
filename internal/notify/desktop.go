package notify

import (
	"fmt"
	"os/exec"
	"runtime"
)

// DesktopNotifier shows notifications on the local desktop session.
// Unsupported platforms are a no-op.
type DesktopNotifier struct {
	enabled bool
}

// NewDesktopNotifier creates a desktop notifier.
func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled}
}

// Send shows the notification using the platform's notification tool.
func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}

	switch runtime.GOOS {
	case "linux":
		return exec.Command("notify-send", "-i", iconFor(n.Type), n.Title, n.Message).Run()
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", n.Message, n.Title)
		return exec.Command("osascript", "-e", script).Run()
	default:
		return nil
	}
}

func iconFor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	}
	return "dialog-information"
}

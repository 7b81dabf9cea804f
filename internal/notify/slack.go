package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SlackNotifier posts notifications to a Slack incoming webhook. An
// empty webhook URL disables it.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewSlackNotifier creates a Slack notifier for the given webhook URL.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// slackPayload is the incoming-webhook body. The top-level text stays
// short so channel previews read well; detail goes into the attachment
// fields under the severity color bar.
type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Fields    []slackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short,omitempty"`
}

// severityColor maps a notification type onto the webhook color bar.
func severityColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

// payload renders the notification into the webhook message body.
func (s *SlackNotifier) payload(n Notification, now time.Time) slackPayload {
	att := slackAttachment{
		Color:     severityColor(n.Type),
		Footer:    "neuroproc",
		Timestamp: now.Unix(),
	}
	if n.Message != "" {
		att.Fields = append(att.Fields, slackField{Title: "Details", Value: n.Message})
	}
	if n.RunID != "" {
		att.Fields = append(att.Fields, slackField{Title: "Run", Value: n.RunID, Short: true})
	}
	return slackPayload{Text: n.Title, Attachments: []slackAttachment{att}}
}

// Send posts the notification to the webhook.
func (s *SlackNotifier) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(s.payload(n, time.Now()))
	if err != nil {
		return err
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	return nil
}

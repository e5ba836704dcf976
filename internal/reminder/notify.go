package reminder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"submission-ledger/internal/datekey"
)

type Kind string

const (
	KindPendingReminder    Kind = "pending-reminder"
	KindRegistrationPrompt Kind = "registration-prompt"
)

// Notice is a structured message for one participant. Sinks decide how it
// reads.
type Notice struct {
	Kind          Kind        `json:"kind"`
	ParticipantID string      `json:"participant_id"`
	DisplayName   string      `json:"display_name,omitempty"`
	Day           datekey.Key `json:"day,omitempty"`
}

// Sink delivers notices. Delivery is best effort: callers log failures and
// move on.
type Sink interface {
	Notify(ctx context.Context, n Notice) error
}

// render is the plain-text form shared by the text-based sinks.
func render(n Notice) (subject, body string) {
	name := n.DisplayName
	if name == "" {
		name = n.ParticipantID
	}
	switch n.Kind {
	case KindRegistrationPrompt:
		return "Finish your registration",
			fmt.Sprintf("Hi %s, reply with your real name to complete registration.", name)
	default:
		return "Submission pending",
			fmt.Sprintf("Reminder: %s, no submission recorded for %s yet.", name, n.Day)
	}
}

// LogSink writes notices to the log. It never fails.
type LogSink struct {
	Log logrus.FieldLogger
}

func (s LogSink) Notify(ctx context.Context, n Notice) error {
	log := s.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	_, body := render(n)
	log.WithFields(logrus.Fields{
		"participant": n.ParticipantID,
		"kind":        n.Kind,
		"day":         n.Day,
	}).Info(body)
	return nil
}

// WebhookSink posts each notice to a chat webhook as {"content": "..."}.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *WebhookSink) Notify(ctx context.Context, n Notice) error {
	_, body := render(n)
	payload, err := json.Marshal(map[string]any{
		"content": body,
		"notice":  n,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook notify %s: %w", n.ParticipantID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook notify %s: status %d", n.ParticipantID, resp.StatusCode)
	}
	return nil
}

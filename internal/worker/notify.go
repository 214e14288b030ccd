// Package worker holds the background jobs run by the river client: mail
// notifications and the periodic expiry sweep.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/riverqueue/river"
)

// Notification templates.
const (
	TemplateLicenseActivated   = "license_activated"
	TemplateSubLicenseAssigned = "sublicense_assigned"
	TemplateRedeemCodeClaimed  = "redeem_code_claimed"
)

type NotifyArgs struct {
	Recipient string            `json:"recipient"`
	Template  string            `json:"template"`
	Data      map[string]string `json:"data,omitempty"`
}

func (NotifyArgs) Kind() string { return "notify" }

func (NotifyArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 5}
}

// EnqueueFunc inserts a notify job. Provided by main as a closure over river.Client.Insert.
type EnqueueFunc func(ctx context.Context, args NotifyArgs) error

// Notifier enqueues notifications after the primary operation has committed.
// Failures are logged and never returned to the caller.
type Notifier struct {
	enqueue EnqueueFunc
	log     *slog.Logger
}

func NewNotifier(enqueue EnqueueFunc, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{enqueue: enqueue, log: log}
}

func (n *Notifier) Notify(ctx context.Context, args NotifyArgs) {
	if args.Recipient == "" {
		n.log.Warn("notification skipped, no recipient", "template", args.Template)
		return
	}
	if err := n.enqueue(ctx, args); err != nil {
		n.log.Error("enqueue notification failed", "template", args.Template, "error", err)
	}
}

// Mailer delivers a rendered notification to one recipient.
type Mailer interface {
	Send(ctx context.Context, recipient, template string, data map[string]string) error
}

// HTTPMailer posts notifications as JSON to a mail webhook.
type HTTPMailer struct {
	url        string
	httpClient *http.Client
}

func NewHTTPMailer(url string) *HTTPMailer {
	return &HTTPMailer{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type mailPayload struct {
	To       string            `json:"to"`
	Template string            `json:"template"`
	Data     map[string]string `json:"data,omitempty"`
}

func (m *HTTPMailer) Send(ctx context.Context, recipient, template string, data map[string]string) error {
	body, err := json.Marshal(mailPayload{To: recipient, Template: template, Data: data})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mail webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("mail webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogMailer writes notifications to the log. Used when no webhook is configured.
type LogMailer struct {
	log *slog.Logger
}

func NewLogMailer(log *slog.Logger) *LogMailer {
	if log == nil {
		log = slog.Default()
	}
	return &LogMailer{log: log}
}

func (m *LogMailer) Send(_ context.Context, recipient, template string, data map[string]string) error {
	m.log.Info("notification", "recipient", recipient, "template", template, "data", data)
	return nil
}

type NotifyWorker struct {
	river.WorkerDefaults[NotifyArgs]
	mailer Mailer
}

func NewNotifyWorker(mailer Mailer) *NotifyWorker {
	return &NotifyWorker{mailer: mailer}
}

// Work returns the mailer's error so river retries the delivery.
func (w *NotifyWorker) Work(ctx context.Context, job *river.Job[NotifyArgs]) error {
	args := job.Args
	if err := w.mailer.Send(ctx, args.Recipient, args.Template, args.Data); err != nil {
		return fmt.Errorf("send %s to %s: %w", args.Template, args.Recipient, err)
	}
	return nil
}

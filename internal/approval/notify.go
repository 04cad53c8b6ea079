package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/slack-go/slack"

	"autopack/internal/config"
	"autopack/internal/logging"
	"autopack/internal/run"
)

// Notifier is one approval notification channel. Notify announces a new
// pending request and may return channel metadata (message ids) to persist
// on the record; NotifyResolved announces the outcome. Errors from either
// are recorded and logged by the broker, never fatal.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, req *run.ApprovalRequest) (map[string]string, error)
	NotifyResolved(ctx context.Context, req *run.ApprovalRequest) error
}

// FromConfig builds every enabled notifier. Channels that fail to come up
// are skipped with a warning so a dead broker or bad token never blocks the
// run from starting.
func FromConfig(cfg *config.Config) []Notifier {
	var out []Notifier
	n := cfg.Approvals.Notifiers
	if n.Log.Enabled {
		out = append(out, &logNotifier{})
	}
	if n.Webhook.Enabled {
		out = append(out, NewWebhookNotifier(n.Webhook.URL, cfg.GetWebhookTimeout()))
	}
	if n.Slack.Enabled {
		out = append(out, NewSlackNotifier(n.Slack.Token, n.Slack.Channel))
	}
	if n.NATS.Enabled {
		nn, err := NewNATSNotifier(n.NATS.URL, n.NATS.Subject)
		if err != nil {
			logging.ApprovalWarn("nats notifier disabled: %v", err)
		} else {
			out = append(out, nn)
		}
	}
	return out
}

// logNotifier writes requests to the approval log category. Always safe;
// the channel an operator tails when nothing else is configured.
type logNotifier struct{}

func (l *logNotifier) Name() string { return "log" }

func (l *logNotifier) Notify(_ context.Context, req *run.ApprovalRequest) (map[string]string, error) {
	logging.Approval("APPROVAL NEEDED %s [%s/%s] %s: %s (deadline %s, default %s)",
		req.ID, req.Payload.Severity, req.Kind, req.Payload.Reason, req.Payload.Summary,
		req.TimeoutAt.Format(time.RFC3339), req.DefaultOnTimeout)
	for _, ev := range req.Payload.Evidence {
		logging.Approval("  evidence: %s", ev)
	}
	return nil, nil
}

func (l *logNotifier) NotifyResolved(_ context.Context, req *run.ApprovalRequest) error {
	logging.Approval("APPROVAL %s resolved %s by %s", req.ID, req.Status, req.Actor)
	return nil
}

// WebhookNotifier POSTs the request record as JSON to a configured
// endpoint. Any 2xx acknowledges delivery.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Notify(ctx context.Context, req *run.ApprovalRequest) (map[string]string, error) {
	return nil, w.post(ctx, map[string]interface{}{"event": "approval-requested", "request": req})
}

func (w *WebhookNotifier) NotifyResolved(ctx context.Context, req *run.ApprovalRequest) error {
	return w.post(ctx, map[string]interface{}{"event": "approval-resolved", "request": req})
}

func (w *WebhookNotifier) post(ctx context.Context, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// SlackNotifier posts requests to a channel and threads the resolution
// under the original message.
type SlackNotifier struct {
	api     *slack.Client
	channel string
}

func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{api: slack.New(token), channel: channel}
}

func (s *SlackNotifier) Name() string { return "slack" }

func (s *SlackNotifier) Notify(ctx context.Context, req *run.ApprovalRequest) (map[string]string, error) {
	text := fmt.Sprintf(":raised_hand: *Approval needed* `%s`\n*%s* (%s, severity %s)\n%s\nDeadline %s, default *%s*",
		req.ID, req.Kind, req.Payload.Reason, req.Payload.Severity, req.Payload.Summary,
		req.TimeoutAt.Format(time.RFC3339), req.DefaultOnTimeout)
	_, ts, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return nil, err
	}
	return map[string]string{"slack.ts": ts}, nil
}

func (s *SlackNotifier) NotifyResolved(ctx context.Context, req *run.ApprovalRequest) error {
	text := fmt.Sprintf("`%s` resolved *%s* by %s", req.ID, req.Status, req.Actor)
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if ts := req.ChannelMetadata["slack.ts"]; ts != "" {
		opts = append(opts, slack.MsgOptionTS(ts))
	}
	_, _, err := s.api.PostMessageContext(ctx, s.channel, opts...)
	return err
}

// NATSNotifier publishes request and resolution records as JSON messages.
// Resolutions go to the ".resolved" suffix of the configured subject.
type NATSNotifier struct {
	nc      *nats.Conn
	subject string
}

func NewNATSNotifier(url, subject string) (*NATSNotifier, error) {
	nc, err := nats.Connect(url,
		nats.Name("autopack-approvals"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSNotifier{nc: nc, subject: subject}, nil
}

func (n *NATSNotifier) Name() string { return "nats" }

func (n *NATSNotifier) Notify(ctx context.Context, req *run.ApprovalRequest) (map[string]string, error) {
	return nil, n.publish(ctx, n.subject, req)
}

func (n *NATSNotifier) NotifyResolved(ctx context.Context, req *run.ApprovalRequest) error {
	return n.publish(ctx, n.subject+".resolved", req)
}

// publish checks the context first; nats Publish itself is synchronous and
// does not take one.
func (n *NATSNotifier) publish(ctx context.Context, subject string, req *run.ApprovalRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal approval message: %w", err)
	}
	return n.nc.Publish(subject, data)
}

// Close drains the NATS connection. Call on shutdown.
func (n *NATSNotifier) Close() {
	if n.nc != nil && !n.nc.IsClosed() {
		n.nc.Close()
	}
}

package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/bytedance/sonic"
	"github.com/dustin/go-humanize"

	"github.com/pinmirror/pinmirror/internal/bus"
	"github.com/pinmirror/pinmirror/internal/config"
)

const queueSize = 32

// Notifier posts new-score batches to the configured webhooks. Delivery
// runs on its own goroutine (Run) so a slow webhook never stalls the bus.
//
// Notifier is safe for concurrent use.
type Notifier struct {
	webhooks []config.WebhookConfig
	client   *http.Client
	queue    chan bus.Message
}

// New creates a Notifier. A Notifier without webhooks ignores every message.
func New(cfg config.NotifyConfig) *Notifier {
	return &Notifier{
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: 10 * time.Second},
		queue:    make(chan bus.Message, queueSize),
	}
}

// Handle is the bus handler. It queues new_scores messages for delivery and
// never fails; a full queue drops the batch with a warning.
func (n *Notifier) Handle(msg bus.Message) error {
	if msg.Kind != bus.KindNewScores || len(msg.Scores) == 0 || len(n.webhooks) == 0 {
		return nil
	}
	select {
	case n.queue <- msg:
	default:
		slog.Warn("notify: delivery queue full, dropping batch", "scores", len(msg.Scores))
	}
	return nil
}

// Run delivers queued batches until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.queue:
			n.deliver(ctx, msg)
		}
	}
}

// deliver sends msg to all configured targets. Errors are logged but do not
// affect the caller.
func (n *Notifier) deliver(ctx context.Context, msg bus.Message) {
	for _, wh := range n.webhooks {
		url := wh.URL()
		if url == "" {
			continue
		}

		var err error
		switch wh.Type {
		case "slack":
			err = n.sendSlack(ctx, url, msg)
		case "teams":
			err = n.sendTeams(ctx, url, msg)
		case "discord":
			err = n.sendDiscord(url, msg)
		case "http":
			err = n.sendHTTP(ctx, url, msg)
		default:
			slog.Warn("notify: unknown webhook type, skipping", "type", wh.Type)
			continue
		}

		if err != nil {
			slog.Error("notify: webhook delivery failed", "type", wh.Type, "scores", len(msg.Scores), "err", err)
		} else {
			slog.Debug("notify: webhook delivered", "type", wh.Type, "scores", len(msg.Scores))
		}
	}
}

func (n *Notifier) sendSlack(ctx context.Context, url string, msg bus.Message) error {
	lines := make([]string, len(msg.Scores))
	for i, e := range msg.Scores {
		lines[i] = fmt.Sprintf("*%s*: %s scored %s", e.Machine, e.Player, FormatScore(e.Score))
	}
	body, _ := sonic.Marshal(map[string]string{"text": strings.Join(lines, "\n")})
	return n.post(ctx, url, body)
}

func (n *Notifier) sendTeams(ctx context.Context, url string, msg bus.Message) error {
	facts := make([]map[string]string, len(msg.Scores))
	for i, e := range msg.Scores {
		facts[i] = map[string]string{"name": e.Machine, "value": e.Player + " " + FormatScore(e.Score)}
	}
	payload := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": "00D4FF",
		"summary":    Summary(msg),
		"title":      Summary(msg),
		"sections":   []map[string]interface{}{{"facts": facts}},
	}
	body, _ := sonic.Marshal(payload)
	return n.post(ctx, url, body)
}

// sendDiscord executes a Discord webhook given its full URL
// (https://discord.com/api/webhooks/<id>/<token>).
func (n *Notifier) sendDiscord(rawURL string, msg bus.Message) error {
	id, token, err := discordWebhook(rawURL)
	if err != nil {
		return err
	}
	dg, err := discordgo.New("")
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	dg.Client = n.client

	fields := make([]*discordgo.MessageEmbedField, len(msg.Scores))
	for i, e := range msg.Scores {
		fields[i] = &discordgo.MessageEmbedField{Name: e.Machine, Value: e.Player + " " + FormatScore(e.Score)}
	}
	_, err = dg.WebhookExecute(id, token, false, &discordgo.WebhookParams{
		Username: "pinmirror",
		Embeds:   []*discordgo.MessageEmbed{{Title: Summary(msg), Color: 0x00D4FF, Fields: fields}},
	})
	return err
}

// discordWebhook extracts the webhook id and token from a webhook URL.
func discordWebhook(rawURL string) (id, token string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("discord webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("discord webhook url: no /webhooks/<id>/<token> in %q", u.Path)
}

func (n *Notifier) sendHTTP(ctx context.Context, url string, msg bus.Message) error {
	body, _ := sonic.Marshal(map[string]interface{}{
		"kind":   msg.Kind,
		"at":     msg.At,
		"events": msg.Events(),
		"scores": msg.Scores,
	})
	return n.post(ctx, url, body)
}

func (n *Notifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// FormatScore renders an integer score with thousands separators. Anything
// else (including "?") is returned unchanged.
func FormatScore(s string) string {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return s
	}
	return humanize.Comma(v)
}

// Summary is the one-line headline of a batch.
func Summary(msg bus.Message) string {
	if len(msg.Scores) == 1 {
		return "New high score on " + msg.Scores[0].Machine
	}
	return fmt.Sprintf("%d new high scores", len(msg.Scores))
}

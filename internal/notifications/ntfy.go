package notifications

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"stemdeck/internal/broadcast"
	"stemdeck/internal/config"
	"stemdeck/internal/jobs"
)

const userAgent = "Stemdeck/0.1.0"

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

// Ntfy publishes terminal job events to an ntfy topic URL.
type Ntfy struct {
	endpoint string
	client   *http.Client
}

// NewNtfy returns a publisher for cfg.Broadcast.NtfyTopic, or nil when no
// topic is configured.
func NewNtfy(cfg *config.Config) *Ntfy {
	if cfg == nil {
		return nil
	}
	topic := strings.TrimSpace(cfg.Broadcast.NtfyTopic)
	if topic == "" {
		return nil
	}
	timeout := time.Duration(cfg.Broadcast.NtfyRequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Ntfy{endpoint: topic, client: &http.Client{Timeout: timeout}}
}

// Publish implements broadcast.Broadcaster.
func (n *Ntfy) Publish(ctx context.Context, ev broadcast.Event) error {
	if n == nil {
		return nil
	}
	data, ok := buildPayload(ev)
	if !ok {
		return nil
	}
	return n.send(ctx, data)
}

func buildPayload(ev broadcast.Event) (payload, bool) {
	label := describe(ev)
	switch ev.Type {
	case broadcast.EventComplete:
		message := fmt.Sprintf("%s is ready for %s", label, ev.UserID)
		if ev.Result != nil {
			if names := stemNames(*ev.Result); names != "" {
				message += " (" + names + ")"
			}
		}
		return payload{
			title:   "Stemdeck - " + completedTitle(ev.Kind),
			message: message,
			tags:    []string{"stemdeck", string(ev.Kind), "completed"},
		}, true
	case broadcast.EventError:
		detail := strings.TrimSpace(ev.Error)
		if detail == "" {
			detail = "unknown error"
		}
		return payload{
			title:    "Stemdeck - " + failedTitle(ev.Kind),
			message:  fmt.Sprintf("%s failed: %s", label, detail),
			tags:     []string{"stemdeck", string(ev.Kind), "error"},
			priority: "high",
		}, true
	default:
		return payload{}, false
	}
}

func describe(ev broadcast.Event) string {
	if ev.VariantKey == "" {
		return ev.ContentID
	}
	return fmt.Sprintf("%s [%s]", ev.ContentID, ev.VariantKey)
}

func stemNames(result jobs.Result) string {
	if len(result.Outputs) == 0 {
		return ""
	}
	return strings.Join(slices.Sorted(maps.Keys(result.Outputs)), ", ")
}

func completedTitle(kind jobs.Kind) string {
	if kind == jobs.KindExtraction {
		return "Stems Ready"
	}
	return "Download Complete"
}

func failedTitle(kind jobs.Kind) string {
	if kind == jobs.KindExtraction {
		return "Extraction Failed"
	}
	return "Download Failed"
}

func (n *Ntfy) send(ctx context.Context, data payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

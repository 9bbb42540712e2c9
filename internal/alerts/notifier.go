package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hedge-engine/internal/config"

	"go.uber.org/zap"
)

// Notifier delivers operator-visible messages (alerts, opportunities, hedge
// transitions) to a configured webhook. Send returns delivery failures to
// its caller; SendBestEffort logs them instead of returning them.
type Notifier struct {
	enabled bool
	webhook string
	chat    string
	client  *http.Client
	log     *zap.Logger
}

func NewNotifier(cfg config.NotificationConfig, log *zap.Logger) *Notifier {
	return newNotifier(cfg, log, &http.Client{Timeout: 10 * time.Second})
}

func newNotifier(cfg config.NotificationConfig, log *zap.Logger, client *http.Client) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{
		enabled: strings.TrimSpace(cfg.Webhook) != "",
		webhook: strings.TrimSpace(cfg.Webhook),
		chat:    strings.TrimSpace(cfg.Chat),
		client:  client,
		log:     log,
	}
}

func (n *Notifier) Send(ctx context.Context, message string) error {
	if !n.enabled {
		return nil
	}
	if n.webhook == "" {
		return errors.New("notification webhook is required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("notification message is empty")
	}
	payload := map[string]string{
		"chat": n.chat,
		"text": message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("notification send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// SendBestEffort logs a delivery failure instead of returning it; the engine
// never blocks a hedge transition or alert on notifier availability.
func (n *Notifier) SendBestEffort(ctx context.Context, message string) {
	if err := n.Send(ctx, message); err != nil {
		n.log.Warn("notifier: delivery failed", zap.Error(err))
	}
}

package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"hedge-engine/internal/config"

	"go.uber.org/zap"
)

func TestNotifierSendDisabled(t *testing.T) {
	cfg := config.NotificationConfig{}
	n := newNotifier(cfg, zap.NewNop(), nil)
	if err := n.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
}

func TestNotifierSendMissingMessage(t *testing.T) {
	cfg := config.NotificationConfig{Webhook: "http://unused"}
	n := newNotifier(cfg, zap.NewNop(), nil)
	if err := n.Send(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty message")
	}
}

func TestNotifierSendPostsMessage(t *testing.T) {
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.NotificationConfig{Webhook: server.URL, Chat: "ops"}
	n := newNotifier(cfg, zap.NewNop(), server.Client())
	if err := n.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected send success, got %v", err)
	}
	if gotPayload["chat"] != "ops" {
		t.Fatalf("expected chat ops, got %q", gotPayload["chat"])
	}
	if gotPayload["text"] != "hello" {
		t.Fatalf("expected text hello, got %q", gotPayload["text"])
	}
}

func TestNotifierSendBestEffortDoesNotPanicOnFailure(t *testing.T) {
	cfg := config.NotificationConfig{Webhook: "http://127.0.0.1:0"}
	n := newNotifier(cfg, zap.NewNop(), nil)
	n.SendBestEffort(context.Background(), "hello")
}

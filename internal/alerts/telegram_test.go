package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"basis-vault-bot/internal/config"
)

func TestSendDisabledIsNoop(t *testing.T) {
	tg := newTelegram(config.TelegramConfig{Enabled: false}, zap.NewNop(), "http://unused", nil)
	if err := tg.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("disabled send should be a no-op, got %v", err)
	}
}

func TestSendPostsMessage(t *testing.T) {
	var got map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken123/sendMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode failed: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token123", ChatID: "42"}
	tg := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	if err := tg.Send(context.Background(), "strategy paused"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if got["chat_id"] != "42" || got["text"] != "strategy paused" {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestSendSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token123", ChatID: "42"}
	tg := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	if err := tg.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error from api response")
	}
}

func TestGetUpdatesParsesMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("offset") != "7" {
			t.Errorf("offset = %s, want 7", r.URL.Query().Get("offset"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": []map[string]any{{
				"update_id": 8,
				"message": map[string]any{
					"text": "/status",
					"chat": map[string]any{"id": int64(42)},
					"from": map[string]any{"id": int64(99), "username": "ops"},
				},
			}},
		})
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token123", ChatID: "42"}
	tg := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	updates, err := tg.GetUpdates(context.Background(), 7, time.Second)
	if err != nil {
		t.Fatalf("getUpdates failed: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected one update, got %d", len(updates))
	}
	upd := updates[0]
	if upd.UpdateID != 8 || upd.Message == nil || upd.Message.Text != "/status" {
		t.Fatalf("unexpected update: %+v", upd)
	}
	if upd.Message.From.ID != 99 || upd.Message.Chat.ID != 42 {
		t.Fatalf("unexpected sender: %+v", upd.Message)
	}
}

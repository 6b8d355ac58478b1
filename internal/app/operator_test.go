package app

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"basis-vault-bot/internal/state/sqlite"
)

func TestParseOperatorCommand(t *testing.T) {
	cases := []struct {
		text string
		cmd  string
		ok   bool
	}{
		{"/status", "status", true},
		{"  /PAUSE now ", "pause", true},
		{"/unpause", "unpause", true},
		{"status", "", false},
		{"", "", false},
		{"hello /status", "", false},
	}
	for _, tc := range cases {
		cmd, ok := parseOperatorCommand(tc.text)
		if ok != tc.ok || cmd != tc.cmd {
			t.Fatalf("parse(%q) = %q,%t want %q,%t", tc.text, cmd, ok, tc.cmd, tc.ok)
		}
	}
}

func TestOperatorOffsetRoundTrip(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	defer store.Close()

	a := &App{store: store, log: zap.NewNop()}
	ctx := context.Background()

	if got := a.loadOperatorOffset(ctx); got != 0 {
		t.Fatalf("initial offset = %d, want 0", got)
	}
	a.saveOperatorOffset(ctx, 42)
	if got := a.loadOperatorOffset(ctx); got != 42 {
		t.Fatalf("offset = %d, want 42", got)
	}
}

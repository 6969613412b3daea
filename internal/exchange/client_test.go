package exchange

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"layengine/internal/config"
)

func newDryRunClient() *Client {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return &Client{
		dryRun:  true,
		rl:      NewRateLimiter(),
		logger:  logger,
		session: &Session{appKey: "test-key"},
	}
}

func TestDryRunSubmitLay(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	ack, err := c.SubmitLay(context.Background(), "1.123456789", 12345, decimal.NewFromFloat(3.00), decimal.NewFromFloat(1.80))
	if err != nil {
		t.Fatalf("SubmitLay: %v", err)
	}
	if !ack.Success {
		t.Error("ack.Success = false, want true")
	}
	if ack.BetID == "" {
		t.Error("ack.BetID is empty")
	}
}

func TestNewClientDryRunFromConfig(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := config.Config{DryRun: true, Exchange: config.ExchangeConfig{BettingURL: "http://localhost"}}
	session := NewSession(cfg.Exchange)
	c := NewClient(cfg, session, logger)

	if !c.dryRun {
		t.Error("client.dryRun should be true when config.DryRun is true")
	}
}

func TestIsRecoverable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code string
		want bool
	}{
		{"TIMEOUT_ERROR", true},
		{"INVALID_SESSION_INFORMATION", true},
		{"INSUFFICIENT_FUNDS", false},
		{"UNKNOWN_CODE", false},
	}

	for _, tt := range tests {
		if got := IsRecoverable(tt.code); got != tt.want {
			t.Errorf("IsRecoverable(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestClassifyDiscipline(t *testing.T) {
	t.Parallel()

	tests := []struct {
		marketName string
		eventName  string
		want       string
	}{
		{"2m Hcap Hrd", "Cheltenham", "JUMPS"},
		{"1m Hcap", "Ascot", "FLAT"},
		{"Something Else", "Somewhere", "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := classifyDiscipline(tt.marketName, tt.eventName); string(got) != tt.want {
			t.Errorf("classifyDiscipline(%q, %q) = %q, want %q", tt.marketName, tt.eventName, got, tt.want)
		}
	}
}

package completion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emberware/voicerelay/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.CompletionConfig {
	cfg := config.Default().Completion
	cfg.Mode = "mock"
	return cfg
}

type failingProvider struct {
	err error
}

func (f *failingProvider) Complete(ctx context.Context, req Request) (string, error) {
	return "", f.err
}

type capturingProvider struct {
	got   Request
	reply string
}

func (c *capturingProvider) Complete(ctx context.Context, req Request) (string, error) {
	c.got = req
	return c.reply, nil
}

func TestReplyHappyPath(t *testing.T) {
	client, err := NewClient(testConfig(), testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cap := &capturingProvider{reply: "hello back"}
	client.provider = cap

	reply := client.Reply(context.Background(), "hello", nil)
	if reply != "hello back" {
		t.Fatalf("expected provider reply, got %q", reply)
	}
	if cap.got.System == "" {
		t.Fatal("expected a system prompt")
	}
	if len(cap.got.Messages) != 1 || cap.got.Messages[0].Role != RoleUser || cap.got.Messages[0].Content != "hello" {
		t.Fatalf("unexpected messages: %+v", cap.got.Messages)
	}
}

func TestReplyFallbackOnProviderError(t *testing.T) {
	client, err := NewClient(testConfig(), testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.provider = &failingProvider{err: errors.New("boom")}
	client.SetRand(func(n int) int { return 0 })

	reply := client.Reply(context.Background(), "hello", nil)
	if reply != fallbackReplies[0] {
		t.Fatalf("expected first fallback, got %q", reply)
	}
	if !IsFallback(reply) {
		t.Fatal("expected IsFallback to report true")
	}
}

func TestReplyFallbackOnEmptyReply(t *testing.T) {
	client, _ := NewClient(testConfig(), testLogger())
	client.provider = &capturingProvider{reply: "   "}
	client.SetRand(func(n int) int { return 1 })

	reply := client.Reply(context.Background(), "hello", nil)
	if reply != fallbackReplies[1] {
		t.Fatalf("expected second fallback, got %q", reply)
	}
}

func TestReplyDegradedWithoutCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "openai"
	cfg.APIKey = ""
	client, err := NewClient(cfg, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply := client.Reply(context.Background(), "hello", nil); reply != degradedReply {
		t.Fatalf("expected fixed degraded reply, got %q", reply)
	}
}

func TestReplyTruncatesInput(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInputChars = 10
	client, _ := NewClient(cfg, testLogger())
	cap := &capturingProvider{reply: "ok"}
	client.provider = cap

	client.Reply(context.Background(), strings.Repeat("a", 50), nil)
	last := cap.got.Messages[len(cap.got.Messages)-1]
	if len(last.Content) != 10 {
		t.Fatalf("expected input truncated to 10 chars, got %d", len(last.Content))
	}
}

func TestReplyBoundsHistoryWindow(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryWindow = 4
	client, _ := NewClient(cfg, testLogger())
	cap := &capturingProvider{reply: "ok"}
	client.provider = cap

	var history []Message
	for i := 0; i < 12; i++ {
		history = append(history, Message{Role: RoleUser, Content: "old"})
	}
	history[len(history)-1].Content = "newest"

	client.Reply(context.Background(), "hello", history)
	// 4 history entries + the current input.
	if len(cap.got.Messages) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(cap.got.Messages))
	}
	if cap.got.Messages[3].Content != "newest" {
		t.Fatalf("expected most recent history retained, got %+v", cap.got.Messages)
	}
}

func TestReplyFallbackOnTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Mode = "ollama"
	cfg.Endpoint = srv.URL
	cfg.TimeoutMS = 20
	client, err := NewClient(cfg, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.SetRand(func(n int) int { return 2 })

	reply := client.Reply(context.Background(), "hello", nil)
	if reply != fallbackReplies[2] {
		t.Fatalf("expected fallback on timeout, got %q", reply)
	}
}

func TestReplyFallbackOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Mode = "ollama"
	cfg.Endpoint = srv.URL
	client, _ := NewClient(cfg, testLogger())
	client.SetRand(func(n int) int { return 0 })

	if reply := client.Reply(context.Background(), "hello", nil); !IsFallback(reply) {
		t.Fatalf("expected fallback on bad status, got %q", reply)
	}
}

func TestOllamaProviderParsesReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"hi there"},"done":true}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "test-model")
	reply, err := p.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "hi there" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Fatalf("expected unchanged, got %q", got)
	}
	if got := Truncate("hello", 3); got != "hel" {
		t.Fatalf("expected hel, got %q", got)
	}
	if got := Truncate("héllo", 2); got != "hé" {
		t.Fatalf("expected rune-aware truncation, got %q", got)
	}
}

package completion

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/emberware/voicerelay/internal/config"
)

// Fallback replies keep the conversation moving when the provider fails.
// One is picked at random so repeated failures do not sound canned.
var fallbackReplies = []string{
	"I'm sorry, I lost my train of thought for a moment. Could you say that again?",
	"I didn't quite catch that, but I'm still here with you. What's on your mind?",
	"My thoughts got a little tangled just now. Tell me more, I'm listening.",
	"I'm having a little trouble finding the right words. Could we try that once more?",
}

// degradedReply is the fixed response used when no provider credentials are
// configured at all.
const degradedReply = "I'm running without my full voice right now, but I'm still here and happy to listen."

// Client wraps a Provider with the relay's acceptance policy: bounded input,
// bounded history, a hard request timeout, and a spoken fallback instead of an
// error. Reply never fails from the caller's point of view.
type Client struct {
	cfg      config.CompletionConfig
	provider Provider
	degraded bool
	logger   *slog.Logger
	randInt  func(n int) int
}

// NewClient builds a Client for the configured mode. An openai mode without an
// API key yields a degraded client rather than an error; production deployments
// reject that combination at config validation instead.
func NewClient(cfg config.CompletionConfig, log *slog.Logger) (*Client, error) {
	c := &Client{
		cfg:     cfg,
		logger:  log.With(slog.String("component", "completion")),
		randInt: rand.Intn,
	}
	switch cfg.Mode {
	case "mock":
		c.provider = NewMockProvider("")
	case "ollama":
		c.provider = NewOllamaProvider(cfg.Endpoint, cfg.Model)
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			c.degraded = true
			c.logger.Warn("no completion credentials configured, running in degraded mode")
			break
		}
		c.provider = NewOpenAIProvider(cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown completion mode %q", cfg.Mode)
	}
	return c, nil
}

// SetRand replaces the fallback selector, for deterministic tests.
func (c *Client) SetRand(randInt func(n int) int) {
	c.randInt = randInt
}

// Reply produces one assistant reply for input given the session history.
// It never returns an error: provider failures, timeouts, and malformed
// responses all collapse into a fallback string. The caller owns history
// mutation; Reply only reads it.
func (c *Client) Reply(ctx context.Context, input string, history []Message) string {
	input = Truncate(input, c.cfg.MaxInputChars)

	if c.degraded || c.provider == nil {
		return degradedReply
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutMS)*time.Millisecond)
	defer cancel()

	window := historyWindow(history, c.cfg.HistoryWindow)
	messages := make([]Message, 0, len(window)+1)
	messages = append(messages, window...)
	messages = append(messages, Message{Role: RoleUser, Content: input})

	started := time.Now()
	reply, err := c.provider.Complete(ctx, Request{
		System:      c.cfg.SystemPrompt,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		c.logger.Warn("completion request failed",
			slog.String("error", err.Error()),
			slog.Duration("took", time.Since(started)))
		return c.fallback()
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		c.logger.Warn("completion returned empty reply")
		return c.fallback()
	}
	return reply
}

func (c *Client) fallback() string {
	return fallbackReplies[c.randInt(len(fallbackReplies))]
}

// IsFallback reports whether text is one of the locally generated replies.
func IsFallback(text string) bool {
	if text == degradedReply {
		return true
	}
	for _, f := range fallbackReplies {
		if text == f {
			return true
		}
	}
	return false
}

// Truncate bounds text to max runes.
func Truncate(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}

func historyWindow(history []Message, n int) []Message {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emberware/voicerelay/internal/completion"
	"github.com/emberware/voicerelay/internal/config"
	"github.com/emberware/voicerelay/internal/protocol"
	"github.com/emberware/voicerelay/internal/session"
	"github.com/emberware/voicerelay/internal/synth"
)

type recorder struct {
	mu     sync.Mutex
	events []protocol.ServerEvent
}

func (r *recorder) Emit(evt protocol.ServerEvent) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) byType(typ string) []protocol.ServerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.ServerEvent
	for _, evt := range r.events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

// waitFor polls until at least n events of typ have been emitted.
func (r *recorder) waitFor(t *testing.T, typ string, n int) []protocol.ServerEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evts := r.byType(typ); len(evts) >= n {
			return evts
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q events, got %d", n, typ, len(r.byType(typ)))
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *session.Registry, *synth.Queue) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()

	queue, err := synth.NewQueue(cfg.Speech, log)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	t.Cleanup(queue.Close)

	replies, err := completion.NewClient(cfg.Completion, log)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	reg := session.NewRegistry(cfg.Relay.MaxHistory)
	h := NewHandler(cfg.Relay, reg, replies, queue, nil, log)
	h.SetRand(func(int) int { return 0 })
	return h, reg, queue
}

func TestSessionStartGreets(t *testing.T) {
	h, reg, _ := newTestHandler(t)
	out := &recorder{}

	h.Connected("c1")
	h.HandleEvent(context.Background(), "c1", protocol.ClientEvent{Type: protocol.TypeSessionStart}, out)

	responses := out.byType(protocol.TypeResponse)
	if len(responses) != 1 || responses[0].Text != greetings[0] {
		t.Fatalf("expected greeting response, got %+v", responses)
	}
	out.waitFor(t, protocol.TypeAudio, 1)
	out.waitFor(t, protocol.TypeReady, 1)

	if history := reg.HistorySnapshot("c1"); len(history) != 0 {
		t.Fatalf("greeting must not enter history, got %+v", history)
	}
}

func TestUtteranceRoundTrip(t *testing.T) {
	h, reg, _ := newTestHandler(t)
	out := &recorder{}

	h.Connected("c1")
	h.HandleEvent(context.Background(), "c1", protocol.ClientEvent{Type: protocol.TypeSessionStart}, out)
	out.waitFor(t, protocol.TypeReady, 1)
	h.HandleEvent(context.Background(), "c1",
		protocol.ClientEvent{Type: protocol.TypeUtterance, Text: "I had a rough day at work"}, out)

	responses := out.waitFor(t, protocol.TypeResponse, 2)
	if responses[1].Text == "" {
		t.Fatal("expected non-empty reply")
	}
	out.waitFor(t, protocol.TypeAudio, 2)

	history := reg.HistorySnapshot("c1")
	if len(history) != 2 {
		t.Fatalf("expected user + reply in history, got %d entries", len(history))
	}
	if history[0].Role != completion.RoleUser || history[0].Content != "I had a rough day at work" {
		t.Fatalf("unexpected user entry %+v", history[0])
	}
	if history[1].Role != completion.RoleAssistant {
		t.Fatalf("unexpected reply entry %+v", history[1])
	}
}

func TestUtteranceValidation(t *testing.T) {
	h, reg, _ := newTestHandler(t)
	out := &recorder{}

	h.Connected("c1")
	h.HandleEvent(context.Background(), "c1", protocol.ClientEvent{Type: protocol.TypeSessionStart}, out)
	before := len(reg.HistorySnapshot("c1"))

	for _, text := range []string{"", "   ", "a", strings.Repeat("x", 1001)} {
		h.HandleEvent(context.Background(), "c1",
			protocol.ClientEvent{Type: protocol.TypeUtterance, Text: text}, out)
	}

	if got := out.byType(protocol.TypeResponse); len(got) != 1 {
		t.Fatalf("invalid utterances must be dropped silently, got %d responses", len(got))
	}
	if got := len(reg.HistorySnapshot("c1")); got != before {
		t.Fatalf("history grew from %d to %d on invalid input", before, got)
	}
}

func TestUtteranceOutsideSessionDropped(t *testing.T) {
	h, _, _ := newTestHandler(t)
	out := &recorder{}

	h.Connected("c1")
	// No session-start: the session exists but is not active.
	h.HandleEvent(context.Background(), "c1",
		protocol.ClientEvent{Type: protocol.TypeUtterance, Text: "hello there"}, out)

	if got := out.byType(protocol.TypeResponse); len(got) != 0 {
		t.Fatalf("expected no response before session-start, got %d", len(got))
	}
}

func TestInterruptIsIdempotent(t *testing.T) {
	h, reg, _ := newTestHandler(t)
	out := &recorder{}

	h.Connected("c1")
	h.HandleEvent(context.Background(), "c1", protocol.ClientEvent{Type: protocol.TypeSessionStart}, out)

	h.HandleEvent(context.Background(), "c1", protocol.ClientEvent{Type: protocol.TypeInterrupt}, out)
	h.HandleEvent(context.Background(), "c1", protocol.ClientEvent{Type: protocol.TypeInterrupt}, out)
	h.HandleEvent(context.Background(), "c1", protocol.ClientEvent{Type: protocol.TypeSpeechDetected}, out)

	if reg.Handle("c1") != nil {
		t.Fatal("handle should be cleared after interrupt")
	}
	if s := reg.Get("c1"); s == nil || !s.Active {
		t.Fatal("interrupt must not end the session")
	}
}

func TestSessionEndCleansUp(t *testing.T) {
	h, reg, _ := newTestHandler(t)
	out := &recorder{}

	h.Connected("c1")
	h.HandleEvent(context.Background(), "c1", protocol.ClientEvent{Type: protocol.TypeSessionStart}, out)
	h.HandleEvent(context.Background(), "c1", protocol.ClientEvent{Type: protocol.TypeSessionEnd}, out)

	if reg.Get("c1") != nil {
		t.Fatal("session should be deleted on session-end")
	}
	if reg.Len() != 0 {
		t.Fatalf("registry should be empty, has %d", reg.Len())
	}

	// A second end, as from the disconnect path, must be a no-op.
	h.Disconnected("c1")
}

func TestHistoryCapThroughConversation(t *testing.T) {
	h, reg, _ := newTestHandler(t)
	out := &recorder{}

	h.Connected("c1")
	h.HandleEvent(context.Background(), "c1", protocol.ClientEvent{Type: protocol.TypeSessionStart}, out)

	for i := 0; i < 10; i++ {
		h.HandleEvent(context.Background(), "c1",
			protocol.ClientEvent{Type: protocol.TypeUtterance, Text: fmt.Sprintf("turn number %d", i)}, out)
	}

	history := reg.HistorySnapshot("c1")
	if len(history) != 12 {
		t.Fatalf("history should cap at 12, got %d", len(history))
	}
	if history[len(history)-1].Role != completion.RoleAssistant {
		t.Fatal("newest entry should be the last assistant reply")
	}
}

func TestNewUtteranceStopsPriorSpeech(t *testing.T) {
	h, reg, _ := newTestHandler(t)
	out := &recorder{}

	h.Connected("c1")
	h.HandleEvent(context.Background(), "c1", protocol.ClientEvent{Type: protocol.TypeSessionStart}, out)

	first := reg.Handle("c1")
	h.HandleEvent(context.Background(), "c1",
		protocol.ClientEvent{Type: protocol.TypeUtterance, Text: "wait, one more thing"}, out)

	if first != nil && !first.Stopped() {
		t.Fatal("prior handle should be stopped by a new utterance")
	}
}

// Package relay bridges one websocket client to the completion client and the
// synthesis queue. Each connection owns a session; the handler enforces the
// acceptance policy for inbound events and guarantees that at most one
// synthesis handle per connection is live.
package relay

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/emberware/voicerelay/internal/bus"
	"github.com/emberware/voicerelay/internal/completion"
	"github.com/emberware/voicerelay/internal/config"
	"github.com/emberware/voicerelay/internal/protocol"
	"github.com/emberware/voicerelay/internal/session"
	"github.com/emberware/voicerelay/internal/synth"
)

// greetings is the opening line pool. One is picked at random per session.
var greetings = []string{
	"Hi there, it's good to hear from you. How are you feeling today?",
	"Hello! I'm here and listening. What would you like to talk about?",
	"Hey, welcome back. Tell me what's on your mind.",
	"Hi, I'm glad you're here. How has your day been so far?",
}

// emitter delivers outbound events to a single client. The websocket conn
// implements it; tests substitute a recorder.
type emitter interface {
	Emit(evt protocol.ServerEvent)
}

// Handler owns the per-connection event dispatch for every websocket client.
type Handler struct {
	cfg      config.RelayConfig
	sessions *session.Registry
	replies  *completion.Client
	queue    *synth.Queue
	bus      *bus.Client
	logger   *slog.Logger
	randInt  func(n int) int

	utterances metric.Int64Counter
	interrupts metric.Int64Counter
	synthReqs  metric.Int64Counter
	fallbacks  metric.Int64Counter
}

// NewHandler wires the relay against its collaborators. The bus client may be
// nil-safe disabled; everything else is required.
func NewHandler(cfg config.RelayConfig, sessions *session.Registry, replies *completion.Client, queue *synth.Queue, busClient *bus.Client, log *slog.Logger) *Handler {
	h := &Handler{
		cfg:      cfg,
		sessions: sessions,
		replies:  replies,
		queue:    queue,
		bus:      busClient,
		logger:   log.With(slog.String("component", "relay")),
		randInt:  rand.Intn,
	}
	h.initMetrics()
	return h
}

// SetRand replaces the greeting selector, for deterministic tests.
func (h *Handler) SetRand(randInt func(n int) int) {
	h.randInt = randInt
}

func (h *Handler) initMetrics() {
	meter := otel.Meter("github.com/emberware/voicerelay/relay")
	var err error
	if h.utterances, err = meter.Int64Counter("voicerelay.utterances",
		metric.WithDescription("Accepted utterance events")); err != nil {
		h.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if h.interrupts, err = meter.Int64Counter("voicerelay.interruptions",
		metric.WithDescription("Interrupt and speech-detected events")); err != nil {
		h.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if h.synthReqs, err = meter.Int64Counter("voicerelay.synth.requests",
		metric.WithDescription("Synthesis requests submitted")); err != nil {
		h.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if h.fallbacks, err = meter.Int64Counter("voicerelay.completion.fallbacks",
		metric.WithDescription("Replies served from the local fallback pool")); err != nil {
		h.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
}

func (h *Handler) count(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}

// Connected registers a fresh, inactive session for the connection.
func (h *Handler) Connected(connID string) {
	h.sessions.Create(connID)
	h.logger.Info("client connected", slog.String("session_id", connID))
}

// Disconnected tears the connection's session down the same way an explicit
// session-end would: stop any live synthesis, then drop the session.
func (h *Handler) Disconnected(connID string) {
	h.endSession(connID)
	h.logger.Info("client disconnected", slog.String("session_id", connID))
}

// HandleEvent dispatches one decoded inbound event. A panic anywhere in the
// dispatch is contained to this event; the client receives an error frame and
// the connection keeps serving.
func (h *Handler) HandleEvent(ctx context.Context, connID string, evt protocol.ClientEvent, out emitter) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic handling event",
				slog.String("session_id", connID),
				slog.String("type", evt.Type),
				slog.Any("panic", r))
			out.Emit(protocol.ServerEvent{Type: protocol.TypeError, Message: "internal error"})
		}
	}()

	switch evt.Type {
	case protocol.TypeSessionStart:
		h.startSession(ctx, connID, out)
	case protocol.TypeUtterance:
		h.handleUtterance(ctx, connID, evt.Text, out)
	case protocol.TypeInterrupt, protocol.TypeSpeechDetected:
		h.count(ctx, h.interrupts)
		if h.sessions.StopHandle(connID) {
			h.logger.Debug("speech interrupted", slog.String("session_id", connID))
		}
	case protocol.TypeSessionEnd:
		h.endSession(connID)
	default:
		h.logger.Debug("ignoring event", slog.String("type", evt.Type))
	}
}

func (h *Handler) startSession(ctx context.Context, connID string, out emitter) {
	h.sessions.GetOrCreate(connID)
	h.sessions.SetActive(connID, true)
	h.bus.Publish(protocol.SubjectSessionStarted, protocol.SessionEvent{
		SessionID: connID,
		Timestamp: time.Now().UTC(),
	})

	// The greeting is spoken but stays out of history; the completion
	// provider sees only real conversation turns.
	greeting := greetings[h.randInt(len(greetings))]
	out.Emit(protocol.ServerEvent{Type: protocol.TypeResponse, Text: greeting})
	h.speak(ctx, connID, greeting, out, true)
}

func (h *Handler) handleUtterance(ctx context.Context, connID, text string, out emitter) {
	s := h.sessions.Get(connID)
	if s == nil || !s.Active {
		h.logger.Debug("utterance outside active session", slog.String("session_id", connID))
		return
	}
	trimmed := strings.TrimSpace(text)
	if n := len([]rune(trimmed)); n < h.cfg.MinUtteranceChars || n > h.cfg.MaxUtteranceChars {
		// Out-of-bounds input is dropped without a reply so the client
		// never speaks an error at the user.
		h.logger.Debug("dropping utterance", slog.String("session_id", connID), slog.Int("length", n))
		return
	}
	h.count(ctx, h.utterances)

	// Barge-in: a new utterance silences whatever is still being spoken.
	h.sessions.StopHandle(connID)

	history := h.sessions.HistorySnapshot(connID)
	h.sessions.AppendHistory(connID, completion.Message{Role: completion.RoleUser, Content: trimmed})

	reply := h.replies.Reply(ctx, trimmed, history)
	fallback := completion.IsFallback(reply)
	if fallback {
		h.count(ctx, h.fallbacks)
	}
	h.sessions.AppendHistory(connID, completion.Message{Role: completion.RoleAssistant, Content: reply})
	h.bus.Publish(protocol.SubjectTurnCompleted, protocol.TurnEvent{
		SessionID: connID,
		Fallback:  fallback,
		Timestamp: time.Now().UTC(),
	})

	out.Emit(protocol.ServerEvent{Type: protocol.TypeResponse, Text: reply})
	h.speak(ctx, connID, reply, out, false)
}

func (h *Handler) endSession(connID string) {
	if h.sessions.Get(connID) == nil {
		return
	}
	h.sessions.StopHandle(connID)
	h.sessions.Delete(connID)
	h.bus.Publish(protocol.SubjectSessionEnded, protocol.SessionEvent{
		SessionID: connID,
		Timestamp: time.Now().UTC(),
	})
}

// speak submits text to the synthesis queue and streams the resulting audio to
// the client. The handle is registered so a later interrupt, utterance, or
// session-end can stop it; completion clears the registration only if it is
// still ours. emitReady controls whether a ready frame follows the last chunk.
func (h *Handler) speak(ctx context.Context, connID, text string, out emitter, emitReady bool) {
	h.count(ctx, h.synthReqs)

	var (
		registered = make(chan struct{})
		handle     *synth.Handle
		mu         sync.Mutex
		chunks     int
		errored    bool
	)
	cb := synth.Callbacks{
		OnChunk: func(audio []byte) {
			mu.Lock()
			chunks++
			mu.Unlock()
			out.Emit(protocol.ServerEvent{Type: protocol.TypeAudio, Audio: audio})
		},
		OnError: func(err error) {
			mu.Lock()
			errored = true
			mu.Unlock()
			h.logger.Warn("synthesis failed",
				slog.String("session_id", connID),
				slog.String("error", err.Error()))
			out.Emit(protocol.ServerEvent{Type: protocol.TypeError, Message: "speech synthesis failed"})
		},
		OnComplete: func() {
			<-registered
			h.sessions.ClearHandleIf(connID, handle)
			if emitReady {
				out.Emit(protocol.ServerEvent{Type: protocol.TypeReady})
			}
			mu.Lock()
			n, failed := chunks, errored
			mu.Unlock()
			h.bus.Publish(protocol.SubjectSynthCompleted, protocol.SynthEvent{
				SessionID: connID,
				Chunks:    n,
				Errored:   failed,
				Stopped:   handle.Stopped(),
				Timestamp: time.Now().UTC(),
			})
		},
	}
	handle = h.queue.Submit(text, cb)
	h.sessions.SetHandle(connID, handle)
	close(registered)
}

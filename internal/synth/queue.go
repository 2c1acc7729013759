package synth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emberware/voicerelay/internal/config"
)

// Queue serializes synthesis requests against the one shared synthesizer.
// Requests arrive concurrently, one per live connection; at most one is being
// synthesized at any instant. When the current request settles — naturally,
// by error, or by Stop — the head of the pending list is promoted
// immediately.
type Queue struct {
	cfg     config.SpeechConfig
	factory func(config.SpeechConfig) (Synthesizer, error)
	logger  *slog.Logger

	mu      sync.Mutex
	voice   Voice
	synth   Synthesizer   // cached, lazily created
	retired []Synthesizer // replaced instances, closed once the queue idles
	busy    bool
	active  *Handle
	pending []*Handle
}

// Handle is a cancellable reference to one queued or in-flight request.
// All fields are guarded by the queue mutex.
type Handle struct {
	q         *Queue
	text      string
	cb        Callbacks
	cancel    context.CancelFunc
	started   bool
	stopped   bool
	finished  bool
	abandoned bool
}

// NewQueue builds the queue for the configured speech mode.
func NewQueue(cfg config.SpeechConfig, log *slog.Logger) (*Queue, error) {
	gender, err := ParseGender(cfg.Gender)
	if err != nil {
		return nil, err
	}
	mode, err := ParsePerformanceMode(cfg.Performance)
	if err != nil {
		return nil, err
	}

	var factory func(config.SpeechConfig) (Synthesizer, error)
	switch cfg.Mode {
	case "mock":
		factory = func(c config.SpeechConfig) (Synthesizer, error) {
			return NewMockSynthesizer(c.ChunkBytes), nil
		}
	case "google":
		factory = func(c config.SpeechConfig) (Synthesizer, error) {
			return NewGoogleSynthesizer(c), nil
		}
	case "exec":
		factory = func(c config.SpeechConfig) (Synthesizer, error) {
			return NewExecSynthesizer(c.Command)
		}
	default:
		return nil, fmt.Errorf("unknown speech mode %q", cfg.Mode)
	}

	return &Queue{
		cfg:     cfg,
		factory: factory,
		logger:  log.With(slog.String("component", "synth-queue")),
		voice:   Voice{Gender: gender, Performance: mode},
	}, nil
}

// Submit enqueues text for synthesis. When the queue is idle the request
// starts immediately; otherwise it waits its turn in FIFO order. The returned
// handle's Stop is valid in every state.
func (q *Queue) Submit(text string, cb Callbacks) *Handle {
	h := &Handle{q: q, text: text, cb: cb}
	q.mu.Lock()
	if q.busy {
		q.pending = append(q.pending, h)
		q.mu.Unlock()
		return h
	}
	q.busy = true
	q.active = h
	q.mu.Unlock()
	go q.run(h)
	return h
}

// Voice returns the current process-wide voice configuration.
func (q *Queue) Voice() Voice {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.voice
}

// SetPerformance switches the markup verbosity. The cached synthesizer is
// discarded so the next request picks up new parameters; an in-flight request
// keeps its own reference and is not cancelled.
func (q *Queue) SetPerformance(mode PerformanceMode) {
	q.mu.Lock()
	q.voice.Performance = mode
	q.retireSynthLocked()
	busy := q.busy
	q.mu.Unlock()
	if !busy {
		q.closeRetired()
	}
}

// SetGender switches the provider voice. Provider-side voices differ enough
// that this discards the synthesizer and resets the queue outright.
func (q *Queue) SetGender(g Gender) {
	q.mu.Lock()
	q.voice.Gender = g
	q.mu.Unlock()
	q.Reset()
}

// Reset cancels the active request, abandons everything pending, and closes
// the synthesizer. Abandoned requests receive no callbacks; callers treat
// this as a terminal shutting-down state.
func (q *Queue) Reset() {
	q.mu.Lock()
	active := q.active
	pending := q.pending
	q.active = nil
	q.pending = nil
	q.busy = false
	if active != nil {
		active.abandoned = true
		if active.cancel != nil {
			active.cancel()
		}
	}
	for _, h := range pending {
		h.abandoned = true
	}
	q.retireSynthLocked()
	q.mu.Unlock()
	q.closeRetired()
}

// Close tears the queue down. Equivalent to Reset; kept separate so callers
// read as shutdown.
func (q *Queue) Close() {
	q.Reset()
}

func (q *Queue) retireSynthLocked() {
	if q.synth != nil {
		q.retired = append(q.retired, q.synth)
		q.synth = nil
	}
}

func (q *Queue) closeRetired() {
	q.mu.Lock()
	retired := q.retired
	q.retired = nil
	q.mu.Unlock()
	for _, s := range retired {
		if err := s.Close(); err != nil {
			q.logger.Warn("failed to close retired synthesizer", slog.String("error", err.Error()))
		}
	}
}

func (q *Queue) synthesizer() (Synthesizer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.synth != nil {
		return q.synth, nil
	}
	s, err := q.factory(q.cfg)
	if err != nil {
		return nil, err
	}
	q.synth = s
	return s, nil
}

func (q *Queue) run(h *Handle) {
	q.mu.Lock()
	if h.stopped || h.abandoned {
		q.mu.Unlock()
		q.settle(h)
		return
	}
	h.started = true
	voice := q.voice
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	q.mu.Unlock()
	defer cancel()

	markup, err := BuildMarkup(h.text, voice, q.cfg)
	if err != nil {
		q.deliverError(h, fmt.Errorf("markup generation failed: %w", err))
		q.settle(h)
		return
	}

	name, _ := voiceName(voice.Gender, q.cfg)
	synth, err := q.synthesizer()
	if err != nil {
		q.deliverError(h, fmt.Errorf("synthesizer unavailable: %w", err))
		q.settle(h)
		return
	}

	chunks, errs := synth.Synthesize(ctx, SpeechRequest{
		Markup:   markup,
		Voice:    name,
		Language: q.cfg.Language,
	})

	// Drain both channels to completion even after a stop, so the provider
	// goroutine always exits; delivery is suppressed at this boundary.
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if h.cb.OnChunk != nil && !q.suppressed(h) {
				h.cb.OnChunk(chunk)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				q.deliverError(h, err)
			}
		}
	}
	q.settle(h)
}

func (q *Queue) suppressed(h *Handle) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return h.stopped || h.abandoned
}

func (q *Queue) deliverError(h *Handle, err error) {
	if q.suppressed(h) {
		return
	}
	q.logger.Warn("synthesis failed", slog.String("error", err.Error()))
	if h.cb.OnError != nil {
		h.cb.OnError(err)
	}
}

// settle finalizes one request and promotes the next pending one. A failed or
// stopped request reaches here through the same path as a successful one, so
// the queue never stalls.
func (q *Queue) settle(h *Handle) {
	q.mu.Lock()
	if h.finished || h.abandoned {
		q.mu.Unlock()
		return
	}
	h.finished = true
	var next *Handle
	var idle bool
	if q.active == h {
		if len(q.pending) > 0 {
			next = q.pending[0]
			q.pending = q.pending[1:]
			q.active = next
		} else {
			q.active = nil
			q.busy = false
			idle = true
		}
	}
	q.mu.Unlock()

	if h.cb.OnComplete != nil {
		h.cb.OnComplete()
	}
	if next != nil {
		go q.run(next)
	}
	if idle {
		q.closeRetired()
	}
}

// Stop cancels the request. Idempotent; safe after natural completion. An
// unstarted request is removed from the pending list and completes with zero
// chunks; a started request has its provider call cancelled, with any
// remaining chunks suppressed. Either way OnComplete fires exactly once and
// the next queued item is promoted.
// Stopped reports whether Stop was called on the request.
func (h *Handle) Stopped() bool {
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	return h.stopped
}

func (h *Handle) Stop() {
	q := h.q
	q.mu.Lock()
	if h.stopped || h.finished || h.abandoned {
		q.mu.Unlock()
		return
	}
	h.stopped = true
	cancel := h.cancel
	removed := false
	for i, p := range q.pending {
		if p == h {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			removed = true
			break
		}
	}
	q.mu.Unlock()

	switch {
	case removed:
		// Never started; no run goroutine will settle it.
		q.settle(h)
	case cancel != nil:
		// The run loop observes the cancellation and settles.
		cancel()
	default:
		// Submitted but run has not begun; run's first check settles it.
	}
}

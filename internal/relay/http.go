package relay

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emberware/voicerelay/internal/config"
	"github.com/emberware/voicerelay/internal/ratelimit"
	"github.com/emberware/voicerelay/internal/synth"
)

// API exposes the relay's HTTP control surface: health, voice switching, and
// the websocket endpoint itself.
type API struct {
	handler *Handler
	queue   *synth.Queue
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	calls   atomic.Int64
}

func NewAPI(cfg config.RateLimitConfig, handler *Handler, queue *synth.Queue, log *slog.Logger) *API {
	return &API{
		handler: handler,
		queue:   queue,
		limiter: ratelimit.New(cfg.Requests, time.Duration(cfg.WindowSeconds)*time.Second),
		logger:  log.With(slog.String("component", "http")),
	}
}

// Register mounts every route on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", a.handler.ServeWS)
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/voice/current", a.limited(a.handleVoiceCurrent))
	mux.HandleFunc("/voice/switch", a.limited(a.handleVoiceSwitch))
	mux.HandleFunc("/voice/performance", a.limited(a.handleVoicePerformance))
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// limited wraps next with a per-client sliding window. The key is the client
// address without the ephemeral port so reconnects share a budget.
func (a *API) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !a.limiter.Allow(key, time.Now()) {
			a.logger.Warn("rate limit exceeded", slog.String("client", key), slog.String("path", r.URL.Path))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		if a.calls.Add(1)%256 == 0 {
			a.limiter.GC(time.Now())
		}
		next(w, r)
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type voiceState struct {
	Gender          string `json:"gender"`
	PerformanceMode string `json:"performanceMode"`
}

type voiceSwitchRequest struct {
	Gender          string `json:"gender"`
	PerformanceMode string `json:"performanceMode"`
}

func (a *API) handleVoiceCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	v := a.queue.Voice()
	writeJSON(w, http.StatusOK, voiceState{Gender: string(v.Gender), PerformanceMode: string(v.Performance)})
}

// handleVoiceSwitch changes gender and/or performance mode. A gender change
// resets the synthesis queue, cutting off anything currently being spoken; a
// performance change lets in-flight speech finish.
func (a *API) handleVoiceSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req voiceSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	if strings.TrimSpace(req.Gender) == "" && strings.TrimSpace(req.PerformanceMode) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "gender or performanceMode required"})
		return
	}

	if g := strings.TrimSpace(req.Gender); g != "" {
		gender, err := synth.ParseGender(g)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		a.queue.SetGender(gender)
	}
	if m := strings.TrimSpace(req.PerformanceMode); m != "" {
		mode, err := synth.ParsePerformanceMode(m)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		a.queue.SetPerformance(mode)
	}

	v := a.queue.Voice()
	a.logger.Info("voice switched",
		slog.String("gender", string(v.Gender)),
		slog.String("performance", string(v.Performance)))
	writeJSON(w, http.StatusOK, voiceState{Gender: string(v.Gender), PerformanceMode: string(v.Performance)})
}

func (a *API) handleVoicePerformance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}
	mode, err := synth.ParsePerformanceMode(strings.TrimSpace(req.Mode))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	a.queue.SetPerformance(mode)

	v := a.queue.Voice()
	writeJSON(w, http.StatusOK, voiceState{Gender: string(v.Gender), PerformanceMode: string(v.Performance)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

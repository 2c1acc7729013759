package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/emberware/voicerelay/internal/config"
	"github.com/emberware/voicerelay/internal/synth"
)

func newTestAPI(t *testing.T, rl config.RateLimitConfig) (*API, *synth.Queue) {
	t.Helper()
	h, _, queue := newTestHandler(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAPI(rl, h, queue, log), queue
}

func serve(a *API, method, path, body string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	a.Register(mux)
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	a, _ := newTestAPI(t, config.Default().RateLimit)
	w := serve(a, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestVoiceCurrent(t *testing.T) {
	a, _ := newTestAPI(t, config.Default().RateLimit)
	w := serve(a, http.MethodGet, "/voice/current", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var state voiceState
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.Gender != "female" || state.PerformanceMode != "balanced" {
		t.Fatalf("unexpected defaults %+v", state)
	}
}

func TestVoiceSwitch(t *testing.T) {
	a, queue := newTestAPI(t, config.Default().RateLimit)

	w := serve(a, http.MethodPost, "/voice/switch", `{"gender":"male","performanceMode":"quality"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	v := queue.Voice()
	if v.Gender != synth.GenderMale || v.Performance != synth.ModeQuality {
		t.Fatalf("voice not applied: %+v", v)
	}

	if w := serve(a, http.MethodPost, "/voice/switch", `{"gender":"robot"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown gender, got %d", w.Code)
	}
	if w := serve(a, http.MethodPost, "/voice/switch", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", w.Code)
	}
	if w := serve(a, http.MethodGet, "/voice/switch", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", w.Code)
	}
}

func TestVoicePerformance(t *testing.T) {
	a, queue := newTestAPI(t, config.Default().RateLimit)

	w := serve(a, http.MethodPost, "/voice/performance", `{"mode":"fast"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if v := queue.Voice(); v.Performance != synth.ModeFast {
		t.Fatalf("performance not applied: %+v", v)
	}

	if w := serve(a, http.MethodPost, "/voice/performance", `{"mode":"turbo"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown mode, got %d", w.Code)
	}
}

func TestVoiceEndpointsRateLimited(t *testing.T) {
	a, _ := newTestAPI(t, config.RateLimitConfig{Requests: 3, WindowSeconds: 60})

	// httptest requests share a RemoteAddr, so they share one budget.
	for i := 0; i < 3; i++ {
		if w := serve(a, http.MethodGet, "/voice/current", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	if w := serve(a, http.MethodGet, "/voice/current", ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after limit, got %d", w.Code)
	}

	// Health stays reachable for probes regardless of the limiter.
	if w := serve(a, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Fatalf("health should not be limited, got %d", w.Code)
	}
}

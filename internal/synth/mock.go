package synth

import (
	"context"
	"time"
)

type mockSynth struct {
	chunkBytes int
}

// NewMockSynthesizer emits the markup bytes back as fake audio after a short
// delay. Useful for local development and protocol-level tests without a
// speech provider.
func NewMockSynthesizer(chunkBytes int) Synthesizer {
	if chunkBytes <= 0 {
		chunkBytes = 1024
	}
	return &mockSynth{chunkBytes: chunkBytes}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SpeechRequest) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
		audio := []byte(req.Markup)
		for offset := 0; offset < len(audio); offset += m.chunkBytes {
			end := offset + m.chunkBytes
			if end > len(audio) {
				end = len(audio)
			}
			select {
			case chunks <- audio[offset:end]:
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunks, errs
}

func (m *mockSynth) Close() error { return nil }

package synth

import (
	"context"
	"fmt"
	"sync"

	gctts "cloud.google.com/go/texttospeech/apiv1"
	ttspb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"

	"github.com/emberware/voicerelay/internal/config"
)

// googleSynth synthesizes through Google Cloud Text-to-Speech. The SDK client
// is created on first use and reused; the queue discards the whole instance
// when voice configuration changes.
type googleSynth struct {
	cfg config.SpeechConfig

	mu     sync.Mutex
	client *gctts.Client
}

func NewGoogleSynthesizer(cfg config.SpeechConfig) Synthesizer {
	return &googleSynth{cfg: cfg}
}

func (g *googleSynth) ensureClient(ctx context.Context) (*gctts.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	client, err := gctts.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create tts client: %w", err)
	}
	g.client = client
	return client, nil
}

func (g *googleSynth) Synthesize(ctx context.Context, req SpeechRequest) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		client, err := g.ensureClient(ctx)
		if err != nil {
			errs <- err
			return
		}

		resp, err := client.SynthesizeSpeech(ctx, &ttspb.SynthesizeSpeechRequest{
			Input: &ttspb.SynthesisInput{
				InputSource: &ttspb.SynthesisInput_Ssml{Ssml: req.Markup},
			},
			Voice: &ttspb.VoiceSelectionParams{
				LanguageCode: req.Language,
				Name:         req.Voice,
			},
			AudioConfig: &ttspb.AudioConfig{
				AudioEncoding: ttspb.AudioEncoding_MP3,
				SpeakingRate:  g.cfg.SpeakingRate,
			},
		})
		if err != nil {
			errs <- err
			return
		}

		// The API returns the full encoded payload in one response; relay it
		// incrementally so playback can begin before the tail is delivered.
		audio := resp.GetAudioContent()
		size := g.cfg.ChunkBytes
		for offset := 0; offset < len(audio); offset += size {
			end := offset + size
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

func (g *googleSynth) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	return err
}

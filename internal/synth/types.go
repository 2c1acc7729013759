package synth

import "context"

// SpeechRequest carries one prepared synthesis call to a provider.
type SpeechRequest struct {
	Markup   string
	Voice    string
	Language string
}

// Synthesizer is the contract for producing encoded audio. Implementations
// stream zero or more chunks, then close both channels; at most one error is
// sent. Instances are expensive to create and are reused across requests
// until the queue discards them.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SpeechRequest) (<-chan []byte, <-chan error)
	Close() error
}

// Callbacks receive one request's delivery. OnComplete fires exactly once for
// every request that is not abandoned by a queue reset, regardless of outcome.
type Callbacks struct {
	OnChunk    func(audio []byte)
	OnError    func(err error)
	OnComplete func()
}

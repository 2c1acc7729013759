package completion

import "context"

type mockProvider struct {
	reply string
}

// NewMockProvider returns a provider that echoes a canned reply. Used in tests
// and in mock mode for local development without credentials.
func NewMockProvider(reply string) Provider {
	if reply == "" {
		reply = "That sounds important. Tell me more about it."
	}
	return &mockProvider{reply: reply}
}

func (m *mockProvider) Complete(ctx context.Context, req Request) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return m.reply, nil
}

package translate

import (
	"context"
	"strings"
	"time"
)

type mockProvider struct{}

// NewMockProvider returns a deterministic backend that tags text with the
// target language.
func NewMockProvider() Provider { return &mockProvider{} }

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Translate(ctx context.Context, text, _, target string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	return "[" + target + "] " + strings.TrimSpace(text), nil
}

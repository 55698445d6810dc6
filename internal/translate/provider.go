// Package translate wraps text-to-text translation backends with a numeric
// fidelity guarantee: every number and currency marker of the source reappears
// verbatim in the delivered text.
package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-interpreter/internal/config"
)

// ErrProviderFailure is returned when the backend errors or times out after
// the retry budget is spent.
var ErrProviderFailure = errors.New("translation provider failure")

// Provider is a pluggable translation backend. Providers are not trusted to
// preserve numbers.
type Provider interface {
	Name() string
	Translate(ctx context.Context, text, source, target string) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, text, source, target string) (string, error)

func (f ProviderFunc) Name() string { return "func" }

func (f ProviderFunc) Translate(ctx context.Context, text, source, target string) (string, error) {
	return f(ctx, text, source, target)
}

// NewProvider builds the backend selected by cfg.Mode.
func NewProvider(cfg config.TranslationConfig, logger *slog.Logger) (Provider, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockProvider(), nil
	case "exec":
		return NewExecProvider(cfg.Command)
	case "ollama":
		return NewOllamaProvider(cfg.Endpoint, cfg.Model), nil
	default:
		logger.Warn("unknown translation mode", slog.String("mode", cfg.Mode))
		return nil, fmt.Errorf("unsupported translation mode %q", cfg.Mode)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

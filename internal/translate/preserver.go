package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/langdetect"
	"github.com/loqalabs/loqa-interpreter/internal/trade"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-interpreter/translate"

var errEmptyTranslation = errors.New("provider returned empty text")

// Result is the outcome of one preserving translation.
type Result struct {
	Text       string
	Translated bool
	Corrected  bool
	Violation  bool
	Spans      []trade.Span
}

// Options bounds a Preserver's provider calls.
type Options struct {
	Timeout      time.Duration
	RetryBackoff time.Duration
	CacheSize    int
}

// OptionsFromConfig converts the translation section to Options.
func OptionsFromConfig(cfg config.TranslationConfig) Options {
	return Options{
		Timeout:      time.Duration(cfg.TimeoutMS) * time.Millisecond,
		RetryBackoff: time.Duration(cfg.RetryBackoffMS) * time.Millisecond,
		CacheSize:    cfg.CacheSize,
	}
}

type cacheKey struct {
	source, target, text string
}

// Preserver translates through a Provider and enforces numeric fidelity on
// the result. It is safe for concurrent use.
type Preserver struct {
	provider Provider
	opts     Options
	cache    *lru.Cache[cacheKey, Result]
	logger   *slog.Logger
	tracer   trace.Tracer

	latency     metric.Float64Histogram
	failures    metric.Int64Counter
	corrections metric.Int64Counter
	violations  metric.Int64Counter
}

func NewPreserver(provider Provider, opts Options, logger *slog.Logger) (*Preserver, error) {
	if provider == nil {
		return nil, errors.New("translation provider required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 1500 * time.Millisecond
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}
	p := &Preserver{
		provider: provider,
		opts:     opts,
		logger:   logger.With(slog.String("component", "translator"), slog.String("provider", provider.Name())),
		tracer:   otel.Tracer(instrumentationName),
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[cacheKey, Result](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create translation cache: %w", err)
		}
		p.cache = cache
	}
	if err := p.initMetrics(); err != nil {
		p.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return p, nil
}

func (p *Preserver) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if p.latency, err = meter.Float64Histogram("interpreter.translation.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Provider round-trip latency including retries")); err != nil {
		return err
	}
	if p.failures, err = meter.Int64Counter("interpreter.translation.failures",
		metric.WithDescription("Translations that exhausted the retry budget")); err != nil {
		return err
	}
	if p.corrections, err = meter.Int64Counter("interpreter.numeric_fidelity.corrections",
		metric.WithDescription("Provider outputs rewritten to restore numeric spans")); err != nil {
		return err
	}
	if p.violations, err = meter.Int64Counter("interpreter.numeric_fidelity.violations",
		metric.WithDescription("Outputs that failed verification after correction")); err != nil {
		return err
	}
	return nil
}

// Translate returns text rendered in target. Same-language input is returned
// unchanged without a provider call. On provider failure the returned error
// wraps ErrProviderFailure and Result.Text holds the original text.
func (p *Preserver) Translate(ctx context.Context, text, source, target string) (Result, error) {
	if langdetect.Same(source, target) || strings.TrimSpace(text) == "" {
		return Result{Text: text}, nil
	}

	spans := trade.Spans(text)
	key := cacheKey{source: langdetect.Base(source), target: langdetect.Base(target), text: text}
	if p.cache != nil {
		if res, ok := p.cache.Get(key); ok {
			return res, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, "translate.Preserve", trace.WithAttributes(
		attribute.String("translate.source", key.source),
		attribute.String("translate.target", key.target),
		attribute.Int("translate.spans", len(spans)),
	))
	defer span.End()

	start := time.Now()
	attempts := 0
	op := func() (string, error) {
		attempts++
		// Each attempt gets half the budget so a timed-out first call leaves
		// room for the retry.
		actx, acancel := context.WithTimeout(ctx, p.opts.Timeout/2)
		defer acancel()
		out, err := p.provider.Translate(actx, text, source, target)
		if err != nil {
			if ctx.Err() != nil {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		if strings.TrimSpace(out) == "" {
			return "", errEmptyTranslation
		}
		return out, nil
	}
	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.opts.RetryBackoff)),
		backoff.WithMaxTries(2),
	)
	p.record(p.latency, float64(time.Since(start).Milliseconds()))
	if err != nil {
		p.add(p.failures)
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider failure")
		p.logger.Warn("translation failed",
			slog.String("source", key.source),
			slog.String("target", key.target),
			slog.Int("attempts", attempts),
			slogError(err))
		return Result{Text: text, Spans: spans}, fmt.Errorf("%w: %s: %w", ErrProviderFailure, p.provider.Name(), err)
	}

	res := Result{Text: out, Translated: true, Spans: spans}
	if !verified(text, out, spans) {
		res.Text = correct(text, out, spans, target)
		res.Corrected = true
		p.add(p.corrections)
		p.logger.Debug("numeric spans corrected",
			slog.String("provider_output", out),
			slog.String("corrected", res.Text))
		if !verified(text, res.Text, spans) {
			res.Violation = true
			p.add(p.violations)
			p.logger.Error("numeric fidelity violation",
				slog.String("incident", "numeric_fidelity"),
				slog.String("source_text", text),
				slog.String("output", res.Text),
				slog.Int("spans", len(spans)))
		}
	}
	span.SetAttributes(attribute.Bool("translate.corrected", res.Corrected))

	if p.cache != nil {
		p.cache.Add(key, res)
	}
	return res, nil
}

func (p *Preserver) record(h metric.Float64Histogram, v float64) {
	if h != nil {
		h.Record(context.Background(), v)
	}
}

func (p *Preserver) add(c metric.Int64Counter) {
	if c != nil {
		c.Add(context.Background(), 1)
	}
}

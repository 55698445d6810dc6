package translate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"testing/quick"
	"time"

	"github.com/loqalabs/loqa-interpreter/internal/trade"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPreserver(t *testing.T, provider Provider, opts Options) *Preserver {
	t.Helper()
	p, err := NewPreserver(provider, opts, testLogger())
	if err != nil {
		t.Fatalf("new preserver: %v", err)
	}
	return p
}

var mangleRe = regexp.MustCompile(`[$€]?\d+(?:[.,]\d+)*(?: USD)?`)

// mangler rewrites every amount in the provider output.
func mangler(fn func(amount string) string) Provider {
	return ProviderFunc(func(_ context.Context, text, _, target string) (string, error) {
		return "[" + target + "] " + mangleRe.ReplaceAllStringFunc(text, fn), nil
	})
}

func splitMarkers(m string) (prefix, number string, usd bool) {
	if strings.HasPrefix(m, "$") {
		prefix, m = "$", m[1:]
	} else if strings.HasPrefix(m, "€") {
		prefix, m = "€", strings.TrimPrefix(m, "€")
	}
	if strings.HasSuffix(m, " USD") {
		usd, m = true, strings.TrimSuffix(m, " USD")
	}
	return prefix, m, usd
}

// localize swaps decimal and thousands separators, moves symbols after the
// amount and drops ISO codes.
func localize(m string) string {
	prefix, number, _ := splitMarkers(m)
	swapped := strings.Map(func(r rune) rune {
		switch r {
		case '.':
			return ','
		case ',':
			return '.'
		}
		return r
	}, number)
	if prefix != "" {
		return swapped + " " + prefix
	}
	return swapped
}

var digitWords = []string{"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine"}

// spellOut reads amounts digit by digit and replaces symbols with words.
func spellOut(m string) string {
	prefix, number, usd := splitMarkers(m)
	var words []string
	for _, r := range number {
		switch {
		case r >= '0' && r <= '9':
			words = append(words, digitWords[r-'0'])
		case r == '.' || r == ',':
			words = append(words, "point")
		}
	}
	out := strings.Join(words, " ")
	if prefix != "" || usd {
		out += " dollars"
	}
	return out
}

// round drops fractional digits and thousands separators.
func round(m string) string {
	prefix, number, usd := splitMarkers(m)
	v, ok := trade.ParseAmount(number)
	if !ok {
		return m
	}
	out := prefix + fmt.Sprintf("%.0f", math.Round(v))
	if usd {
		out += " USD"
	}
	return out
}

// drop removes amounts entirely.
func drop(string) string { return "" }

var utteranceWords = []string{"can", "you", "do", "units", "at", "each", "price", "for", "total", "we", "offer", "boxes", "deliver"}

func generateUtterance(r *rand.Rand) string {
	var parts []string
	n := 1 + r.Intn(5)
	for i := 0; i < n; i++ {
		parts = append(parts, utteranceWords[r.Intn(len(utteranceWords))])
		switch r.Intn(6) {
		case 0:
			parts = append(parts, fmt.Sprintf("%d", 1+r.Intn(9999)))
		case 1:
			parts = append(parts, fmt.Sprintf("%d.%02d", r.Intn(100), r.Intn(100)))
		case 2:
			parts = append(parts, fmt.Sprintf("$%d.%02d", r.Intn(100), r.Intn(100)))
		case 3:
			parts = append(parts, fmt.Sprintf("%d.%02d USD", r.Intn(1000), r.Intn(100)))
		case 4:
			parts = append(parts, fmt.Sprintf("%d,%03d", 1+r.Intn(99), r.Intn(1000)))
		case 5:
			parts = append(parts, fmt.Sprintf("€%d", 1+r.Intn(500)))
		}
	}
	parts = append(parts, utteranceWords[r.Intn(len(utteranceWords))])
	return strings.Join(parts, " ")
}

// inOrder checks the spans occur verbatim, left to right.
func inOrder(out string, spans []trade.Span) bool {
	pos := 0
	for _, sp := range spans {
		idx := strings.Index(out[pos:], sp.Text)
		if idx < 0 {
			return false
		}
		pos += idx + len(sp.Text)
	}
	return true
}

func TestNumericFidelityProperty(t *testing.T) {
	providers := map[string]Provider{
		"localize": mangler(localize),
		"spell":    mangler(spellOut),
		"round":    mangler(round),
		"drop":     mangler(drop),
		"faithful": NewMockProvider(),
	}
	targets := []string{"sr", "de", "es", "fr", "zh"}
	for name, provider := range providers {
		provider := provider
		t.Run(name, func(t *testing.T) {
			p := newTestPreserver(t, provider, Options{Timeout: time.Second})
			property := func(seed int64, targetIdx uint8) bool {
				text := generateUtterance(rand.New(rand.NewSource(seed)))
				target := targets[int(targetIdx)%len(targets)]
				res, err := p.Translate(context.Background(), text, "en", target)
				if err != nil {
					t.Logf("translate %q: %v", text, err)
					return false
				}
				spans := trade.Spans(text)
				if !inOrder(res.Text, spans) || res.Violation {
					t.Logf("spans %v missing from %q (source %q)", spans, res.Text, text)
					return false
				}
				return true
			}
			if err := quick.Check(property, &quick.Config{MaxCount: 300}); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestManglingProvidersTriggerCorrection(t *testing.T) {
	text := "Can you do 120 units at $4.50 each?"
	for name, provider := range map[string]Provider{
		"localize": mangler(localize),
		"spell":    mangler(spellOut),
		"round":    mangler(round),
	} {
		p := newTestPreserver(t, provider, Options{Timeout: time.Second})
		res, err := p.Translate(context.Background(), text, "en", "sr")
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !res.Corrected {
			t.Fatalf("%s: expected correction, got %q", name, res.Text)
		}
		if !strings.Contains(res.Text, "120") || !strings.Contains(res.Text, "$4.50") {
			t.Fatalf("%s: numeric terms lost: %q", name, res.Text)
		}
		if !strings.HasPrefix(res.Text, "[sr]") {
			t.Fatalf("%s: translation discarded: %q", name, res.Text)
		}
	}
}

func TestIdentityFastPath(t *testing.T) {
	var calls atomic.Int32
	provider := ProviderFunc(func(context.Context, string, string, string) (string, error) {
		calls.Add(1)
		return "wrong", nil
	})
	p := newTestPreserver(t, provider, Options{Timeout: time.Second})
	langs := []string{"en", "sr", "de", "es", "fr", "zh", "ar"}
	property := func(text string, idx uint8) bool {
		lang := langs[int(idx)%len(langs)]
		res, err := p.Translate(context.Background(), text, lang, lang)
		return err == nil && res.Text == text && !res.Translated
	}
	if err := quick.Check(property, nil); err != nil {
		t.Fatal(err)
	}
	res, err := p.Translate(context.Background(), "Hello there", "en-US", "en-GB")
	if err != nil || res.Text != "Hello there" {
		t.Fatalf("regional variants should pass through, got %q, %v", res.Text, err)
	}
	if calls.Load() != 0 {
		t.Fatalf("provider called %d times on identity path", calls.Load())
	}
}

func TestTimeoutReturnsProviderFailure(t *testing.T) {
	provider := ProviderFunc(func(ctx context.Context, _, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	p := newTestPreserver(t, provider, Options{Timeout: 50 * time.Millisecond, RetryBackoff: 10 * time.Millisecond})

	start := time.Now()
	res, err := p.Translate(context.Background(), "Can you do 120 units?", "en", "sr")
	elapsed := time.Since(start)
	if !errors.Is(err, ErrProviderFailure) {
		t.Fatalf("expected ErrProviderFailure, got %v", err)
	}
	if res.Text != "Can you do 120 units?" {
		t.Fatalf("expected original text on failure, got %q", res.Text)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("translation not bounded by timeout: %s", elapsed)
	}
}

func TestRetryOnceThenSucceed(t *testing.T) {
	var calls atomic.Int32
	provider := ProviderFunc(func(_ context.Context, text, _, _ string) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("503 service unavailable")
		}
		return "prevod " + text, nil
	})
	p := newTestPreserver(t, provider, Options{Timeout: time.Second, RetryBackoff: time.Millisecond})
	res, err := p.Translate(context.Background(), "price 42", "en", "sr")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if res.Text != "prevod price 42" || !res.Translated || res.Corrected {
		t.Fatalf("unexpected result %+v", res)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 provider calls, got %d", calls.Load())
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	provider := ProviderFunc(func(context.Context, string, string, string) (string, error) {
		calls.Add(1)
		return "", errors.New("boom")
	})
	p := newTestPreserver(t, provider, Options{Timeout: time.Second, RetryBackoff: time.Millisecond})
	if _, err := p.Translate(context.Background(), "hello", "en", "sr"); !errors.Is(err, ErrProviderFailure) {
		t.Fatalf("expected ErrProviderFailure, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", calls.Load())
	}
}

func TestCacheReusesVerifiedResult(t *testing.T) {
	var calls atomic.Int32
	provider := ProviderFunc(func(_ context.Context, text, _, _ string) (string, error) {
		calls.Add(1)
		return strings.ReplaceAll(text, "4.50", "4,50"), nil
	})
	p := newTestPreserver(t, provider, Options{Timeout: time.Second, CacheSize: 8})
	first, err := p.Translate(context.Background(), "at 4.50 each", "en", "de")
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Translate(context.Background(), "at 4.50 each", "en", "de")
	if err != nil {
		t.Fatal(err)
	}
	if first.Text != second.Text || second.Text != "at 4.50 each" {
		t.Fatalf("unexpected cached text %q / %q", first.Text, second.Text)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected cached second call, got %d provider calls", calls.Load())
	}
}

// noNewMoney fails when out carries a currency-marked amount that is not one
// of the source spans.
func noNewMoney(t *testing.T, source, out string) {
	t.Helper()
	known := make(map[string]bool)
	for _, sp := range trade.Spans(source) {
		known[sp.Text] = true
	}
	for _, sp := range trade.Spans(out) {
		if sp.Kind == trade.SpanAmount && !known[sp.Text] {
			t.Fatalf("amount %q in %q does not occur in %q", sp.Text, out, source)
		}
	}
}

func fixedProvider(out string) Provider {
	return ProviderFunc(func(context.Context, string, string, string) (string, error) {
		return out, nil
	})
}

func TestReorderedOutputKeepsValuesInPlace(t *testing.T) {
	text := "Can you do 120 units at $4.50 each?"
	p := newTestPreserver(t, fixedProvider("Za $4.50 po komadu, 120 komada?"), Options{Timeout: time.Second})
	res, err := p.Translate(context.Background(), text, "en", "sr")
	if err != nil {
		t.Fatal(err)
	}
	noNewMoney(t, text, res.Text)
	if strings.Contains(res.Text, "$120") {
		t.Fatalf("price marker moved onto the quantity: %q", res.Text)
	}
	if !strings.Contains(res.Text, "120 komada") || !strings.Contains(res.Text, "$4.50 po") {
		t.Fatalf("values not kept where the provider put them: %q", res.Text)
	}
	if !res.Violation {
		t.Fatalf("out-of-order spans should be reported, got %+v", res)
	}
}

func TestSpelledAmountsWithCurrencyWords(t *testing.T) {
	text := "Can you do 120 units at $4.50 each?"
	p := newTestPreserver(t, fixedProvider("Možete li sto dvadeset jedinica po četiri dolara pedeset?"), Options{Timeout: time.Second})
	res, err := p.Translate(context.Background(), text, "en", "sr")
	if err != nil {
		t.Fatal(err)
	}
	if want := "Možete li 120 jedinica po $4.50?"; res.Text != want {
		t.Fatalf("got %q, want %q", res.Text, want)
	}
	if !res.Corrected || res.Violation {
		t.Fatalf("unexpected flags %+v", res)
	}
	noNewMoney(t, text, res.Text)
}

func TestBareNumberDropsInventedMarker(t *testing.T) {
	text := "Can you do 120 units at $4.50 each?"
	p := newTestPreserver(t, fixedProvider("Možete li $120 jedinica po 4,50 dolara?"), Options{Timeout: time.Second})
	res, err := p.Translate(context.Background(), text, "en", "sr")
	if err != nil {
		t.Fatal(err)
	}
	if want := "Možete li 120 jedinica po $4.50?"; res.Text != want {
		t.Fatalf("got %q, want %q", res.Text, want)
	}
	noNewMoney(t, text, res.Text)
}

func TestRestoredCodeReplacesCurrencyWord(t *testing.T) {
	text := "Price is 250 EUR total"
	p := newTestPreserver(t, fixedProvider("Cena je 250 evra ukupno"), Options{Timeout: time.Second})
	res, err := p.Translate(context.Background(), text, "en", "sr")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "Cena je 250 EUR ukupno" {
		t.Fatalf("unexpected correction %q", res.Text)
	}
}

func TestTimedOutAttemptIsRetried(t *testing.T) {
	var calls atomic.Int32
	provider := ProviderFunc(func(ctx context.Context, text, _, _ string) (string, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "prevod " + text, nil
	})
	p := newTestPreserver(t, provider, Options{Timeout: 400 * time.Millisecond, RetryBackoff: time.Millisecond})
	res, err := p.Translate(context.Background(), "price 42", "en", "sr")
	if err != nil {
		t.Fatalf("expected the second attempt to succeed, got %v", err)
	}
	if res.Text != "prevod price 42" {
		t.Fatalf("unexpected result %+v", res)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 provider calls, got %d", calls.Load())
	}
}

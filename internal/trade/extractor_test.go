package trade

import (
	"math"
	"testing"
)

func TestExtractQuantityAndPrice(t *testing.T) {
	ex := NewExtractor("USD")
	term, ok := ex.Extract("Can you do 120 units at $4.50 each?")
	if !ok {
		t.Fatal("expected a term")
	}
	if term.Quantity != 120 || term.Unit != "units" {
		t.Fatalf("unexpected quantity: %+v", term)
	}
	if term.UnitPrice != 4.5 || term.Currency != "USD" {
		t.Fatalf("unexpected price: %+v", term)
	}
	if term.Total != 540 {
		t.Fatalf("expected total 540, got %v", term.Total)
	}
}

func TestExtractVariants(t *testing.T) {
	ex := NewExtractor("RSD")
	cases := []struct {
		text      string
		quantity  float64
		unit      string
		unitPrice float64
		currency  string
		total     float64
	}{
		{"Mogu 100 komada po 4,20 evra", 100, "komada", 4.2, "EUR", 420},
		{"The price is €3", 0, "", 3, "EUR", 0},
		{"We need 500 kg", 500, "kg", 0, "RSD", 0},
		{"Offer stands at 2.75 per kg", 0, "kg", 2.75, "RSD", 0},
		{"Cena je 450 dinara", 0, "", 450, "RSD", 0},
		{"Ship 1,200 pcs for 3 USD", 1200, "pcs", 3, "USD", 3600},
	}
	for _, tc := range cases {
		term, ok := ex.Extract(tc.text)
		if !ok {
			t.Fatalf("Extract(%q) found nothing", tc.text)
		}
		if term.Quantity != tc.quantity || term.Unit != tc.unit || term.UnitPrice != tc.unitPrice {
			t.Errorf("Extract(%q) = %+v", tc.text, term)
		}
		if term.Currency != tc.currency {
			t.Errorf("Extract(%q) currency = %q, want %q", tc.text, term.Currency, tc.currency)
		}
		if math.Abs(term.Total-tc.total) > 0.001 {
			t.Errorf("Extract(%q) total = %v, want %v", tc.text, term.Total, tc.total)
		}
		if term.Source != tc.text {
			t.Errorf("source not recorded for %q", tc.text)
		}
	}
}

func TestExtractNoTerm(t *testing.T) {
	ex := NewExtractor("USD")
	for _, text := range []string{"", "   ", "Hello, how are you?", "Let us talk tomorrow", "Dobar dan"} {
		if term, ok := ex.Extract(text); ok {
			t.Fatalf("Extract(%q) unexpectedly returned %+v", text, term)
		}
	}
}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
		ok   bool
	}{
		{"4.50", 4.5, true},
		{"4,50", 4.5, true},
		{"1,200", 1200, true},
		{"1.200", 1200, true},
		{"1.200,50", 1200.5, true},
		{"1,200.50", 1200.5, true},
		{"1,000,000", 1000000, true},
		{"120", 120, true},
		{"", 0, false},
		{"abc", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseAmount(tc.raw)
		if ok != tc.ok || (ok && math.Abs(got-tc.want) > 1e-9) {
			t.Errorf("ParseAmount(%q) = %v, %v; want %v, %v", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestResolveCurrency(t *testing.T) {
	cases := []struct {
		text, fallback, want string
	}{
		{"$4.50 each", "EUR", "USD"},
		{"three euros", "USD", "EUR"},
		{"450 dinara", "USD", "RSD"},
		{"dinner at eight", "USD", "USD"},
		{"no currency here", "GBP", "GBP"},
		{"4 EUR per box", "USD", "EUR"},
	}
	for _, tc := range cases {
		if got := ResolveCurrency(tc.text, tc.fallback); got != tc.want {
			t.Errorf("ResolveCurrency(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}

func TestCurrencyCode(t *testing.T) {
	cases := []struct {
		marker, want string
		ok           bool
	}{
		{"$", "USD", true},
		{"€", "EUR", true},
		{"evra", "EUR", true},
		{"Dolara", "USD", true},
		{"RSD", "RSD", true},
		{"komada", "", false},
		{"#", "", false},
	}
	for _, tc := range cases {
		got, ok := CurrencyCode(tc.marker)
		if got != tc.want || ok != tc.ok {
			t.Errorf("CurrencyCode(%q) = %q, %v, want %q, %v", tc.marker, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSpansOrderedAndNonOverlapping(t *testing.T) {
	text := "Can you do 120 units at $4.50 each, or 4.20 USD for 1,000?"
	spans := Spans(text)
	want := []struct {
		text string
		kind SpanKind
	}{
		{"120", SpanNumber},
		{"$4.50", SpanAmount},
		{"4.20 USD", SpanAmount},
		{"1,000", SpanNumber},
	}
	if len(spans) != len(want) {
		t.Fatalf("expected %d spans, got %+v", len(want), spans)
	}
	prevEnd := 0
	for i, sp := range spans {
		if sp.Text != want[i].text || sp.Kind != want[i].kind {
			t.Fatalf("span %d = %+v, want %+v", i, sp, want[i])
		}
		if text[sp.Start:sp.End] != sp.Text {
			t.Fatalf("span %d offsets do not match text", i)
		}
		if sp.Start < prevEnd {
			t.Fatalf("span %d overlaps previous", i)
		}
		prevEnd = sp.End
	}
}

func TestSpansStandaloneCurrency(t *testing.T) {
	spans := Spans("Prices in EUR or $ are fine")
	if len(spans) != 2 || spans[0].Text != "EUR" || spans[1].Text != "$" {
		t.Fatalf("unexpected spans: %+v", spans)
	}
	if spans[0].Kind != SpanCurrency {
		t.Fatalf("expected currency kind, got %s", spans[0].Kind)
	}
	if Spans("nothing numeric") != nil {
		t.Fatal("expected no spans")
	}
}

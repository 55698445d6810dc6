// Package trade extracts structured price terms from negotiation utterances.
package trade

import (
	"math"
	"strconv"
	"strings"
)

// Term is one extracted (quantity, unit, unit price, currency, total) fact.
// Terms are appended to a room's audit trail and never mutated.
type Term struct {
	Quantity  float64 `json:"quantity"`
	Unit      string  `json:"unit"`
	UnitPrice float64 `json:"unit_price"`
	Currency  string  `json:"currency"`
	Total     float64 `json:"total"`
	Source    string  `json:"source,omitempty"`
}

// currencyMarkers maps symbols, codes and spoken currency names to ISO codes.
// Longer markers are checked first so "din" does not shadow "dinara".
var currencyMarkers = []struct {
	marker string
	code   string
}{
	{"dollars", "USD"}, {"dollar", "USD"}, {"dolara", "USD"}, {"dólares", "USD"}, {"dolares", "USD"},
	{"euros", "EUR"}, {"euro", "EUR"}, {"evra", "EUR"}, {"eura", "EUR"}, {"evro", "EUR"},
	{"pounds", "GBP"}, {"pound", "GBP"}, {"funti", "GBP"},
	{"dinara", "RSD"}, {"dinars", "RSD"}, {"dinar", "RSD"}, {"din", "RSD"},
	{"yuan", "CNY"}, {"renminbi", "CNY"}, {"yen", "JPY"}, {"francs", "CHF"},
	{"usd", "USD"}, {"eur", "EUR"}, {"gbp", "GBP"}, {"rsd", "RSD"}, {"cny", "CNY"}, {"jpy", "JPY"}, {"chf", "CHF"},
}

var currencySymbols = map[rune]string{
	'$': "USD",
	'€': "EUR",
	'£': "GBP",
	'¥': "CNY",
}

// ResolveCurrency scans text for the first currency marker and returns its
// code, or fallback when the text has none.
func ResolveCurrency(text, fallback string) string {
	for _, r := range text {
		if code, ok := currencySymbols[r]; ok {
			return code
		}
	}
	lower := strings.ToLower(text)
	best := -1
	code := ""
	for _, m := range currencyMarkers {
		idx := indexWord(lower, m.marker)
		if idx >= 0 && (best < 0 || idx < best) {
			best = idx
			code = m.code
		}
	}
	if code != "" {
		return code
	}
	return fallback
}

// CurrencyCode maps a single currency symbol, ISO code or currency word to
// its ISO code.
func CurrencyCode(marker string) (string, bool) {
	m := strings.ToLower(strings.TrimSpace(marker))
	if r := []rune(m); len(r) == 1 {
		code, ok := currencySymbols[r[0]]
		return code, ok
	}
	for _, c := range currencyMarkers {
		if c.marker == m {
			return c.code, true
		}
	}
	return "", false
}

// indexWord finds marker in s as a whole word.
func indexWord(s, marker string) int {
	offset := 0
	for {
		idx := strings.Index(s[offset:], marker)
		if idx < 0 {
			return -1
		}
		start := offset + idx
		end := start + len(marker)
		if isBoundary(s, start-1) && isBoundary(s, end) {
			return start
		}
		offset = start + 1
	}
}

func isBoundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c >= 0x80)
}

// ParseAmount converts a spoken/written amount to a float. Both "4.50" and
// "4,50" read as four and a half; a single separator followed by exactly three
// digits is a thousands separator.
func ParseAmount(raw string) (float64, bool) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	if s == "" {
		return 0, false
	}
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastDot > lastComma {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastComma >= 0:
		s = normalizeSingleSeparator(s, ",")
	case lastDot >= 0:
		s = normalizeSingleSeparator(s, ".")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func normalizeSingleSeparator(s, sep string) string {
	if strings.Count(s, sep) > 1 {
		return strings.ReplaceAll(s, sep, "")
	}
	idx := strings.Index(s, sep)
	if len(s)-idx-1 == 3 {
		return strings.Replace(s, sep, "", 1)
	}
	return strings.Replace(s, sep, ".", 1)
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

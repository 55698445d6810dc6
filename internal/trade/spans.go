package trade

import "regexp"

// SpanKind classifies a preserved substring.
type SpanKind string

const (
	SpanNumber   SpanKind = "number"
	SpanAmount   SpanKind = "amount"
	SpanCurrency SpanKind = "currency"
)

// Span is a numeric or currency substring that must survive translation
// verbatim. Start and End are byte offsets into the source text.
type Span struct {
	Text  string   `json:"text"`
	Start int      `json:"start"`
	End   int      `json:"end"`
	Kind  SpanKind `json:"kind"`
}

// CurrencyMarkerPattern matches a standalone currency symbol or ISO code.
const CurrencyMarkerPattern = symbolPattern + `|\b` + codePattern + `\b`

// CodePattern matches the ISO codes recognised in running text.
const CodePattern = codePattern

// CurrencyWordPattern matches spoken currency names ("dollars", "evra").
// Use it case-insensitively.
const CurrencyWordPattern = curWordPattern

var spanRe = regexp.MustCompile(
	symbolPattern + `\s?` + numberPattern + `(?:\s?` + codePattern + `\b)?` +
		`|` + numberPattern + `\s?(?:[€£]|` + codePattern + `\b)` +
		`|` + numberPattern +
		`|` + symbolPattern +
		`|\b` + codePattern + `\b`)

var (
	numberOnlyRe = regexp.MustCompile(`^` + numberPattern + `$`)
	digitRe      = regexp.MustCompile(`\d`)
)

// Spans returns every numeric and currency substring of text, left to right
// and non-overlapping.
func Spans(text string) []Span {
	locs := spanRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	out := make([]Span, 0, len(locs))
	for _, loc := range locs {
		s := text[loc[0]:loc[1]]
		kind := SpanCurrency
		switch {
		case numberOnlyRe.MatchString(s):
			kind = SpanNumber
		case digitRe.MatchString(s):
			kind = SpanAmount
		}
		out = append(out, Span{Text: s, Start: loc[0], End: loc[1], Kind: kind})
	}
	return out
}

// Spans is the extractor-bound form of the package function.
func (e *Extractor) Spans(text string) []Span {
	return Spans(text)
}

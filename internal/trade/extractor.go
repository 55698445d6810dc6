package trade

import (
	"regexp"
	"strings"
)

const (
	numberPattern   = `\d+(?:[.,]\d+)*`
	symbolPattern   = `[$€£¥]`
	codePattern     = `(?:USD|EUR|GBP|RSD|CNY|JPY|CHF)`
	curWordPattern  = `(?:dollars?|dolara|d[oó]lares|euros?|evra|eura|pounds?|dinara|dinars?|din|yuan|yen|usd|eur|gbp|rsd|cny|jpy|chf)`
	unitWordPattern = `(?:units?|pcs|pieces?|items?|kg|kgs|kilos?|kilograms?|kilograma|kilogramu|kila|tons?|tonnes?|tona|boxes|box|crates?|pallets?|containers?|cartons?|bags?|liters?|litres?|litara|meters?|metres?|metara|komada|komad|kutija|paleta|unidades|unidad|pi[eè]ces|st[uü]ck)`
)

var (
	// "120 units", "500 kg"
	quantityUnitRe = regexp.MustCompile(`(?i)(` + numberPattern + `)\s*(` + unitWordPattern + `)\b`)
	// "$4.50", "€ 3", "4.50 USD", "450 dinara"
	currencyAmountRe = regexp.MustCompile(`(?i)(?:(` + symbolPattern + `)\s?(` + numberPattern + `)|(` + numberPattern + `)\s?(` + symbolPattern + `|` + curWordPattern + `\b))`)
	// "4.50 per kg", "4,50 po kilogramu", "3 euro per box"
	perUnitRe = regexp.MustCompile(`(?i)(` + numberPattern + `)\s*(` + symbolPattern + `|` + curWordPattern + `)?\s*(?:per|/|po|pro|por|par|each|a)\s*(` + unitWordPattern + `)\b`)
)

// Extractor finds the first trade term in an utterance.
type Extractor struct {
	defaultCurrency string
}

// NewExtractor returns an extractor that falls back to defaultCurrency when an
// utterance names no currency.
func NewExtractor(defaultCurrency string) *Extractor {
	if defaultCurrency == "" {
		defaultCurrency = "USD"
	}
	return &Extractor{defaultCurrency: strings.ToUpper(defaultCurrency)}
}

type priceMatch struct {
	start, end int
	amount     float64
	unit       string
}

// Extract returns the first structural term in text. The boolean is false for
// the common case of an utterance that carries no price or quantity.
//
// Matchers run in order: quantity+unit with a price, currency-marked amount,
// amount+unit, amount per unit. Only the first term of an utterance is returned.
func (e *Extractor) Extract(text string) (Term, bool) {
	if strings.TrimSpace(text) == "" {
		return Term{}, false
	}

	qty, hasQty := e.matchQuantity(text)
	price, hasPrice := e.matchCurrencyAmount(text)
	if !hasPrice {
		price, hasPrice = e.matchPerUnit(text)
	}

	var term Term
	switch {
	case hasQty && hasPrice && (price.start >= qty.end || price.end <= qty.start):
		term = Term{Quantity: qty.amount, Unit: qty.unit, UnitPrice: price.amount}
		if term.Unit == "" {
			term.Unit = price.unit
		}
	case hasPrice && price.unit == "":
		term = Term{UnitPrice: price.amount}
	case hasQty:
		term = Term{Quantity: qty.amount, Unit: qty.unit}
	case hasPrice:
		term = Term{UnitPrice: price.amount, Unit: price.unit}
	default:
		return Term{}, false
	}

	term.Currency = ResolveCurrency(text, e.defaultCurrency)
	if term.Quantity > 0 && term.UnitPrice > 0 {
		term.Total = roundCents(term.Quantity * term.UnitPrice)
	}
	term.Source = text
	return term, true
}

func (e *Extractor) matchQuantity(text string) (priceMatch, bool) {
	for _, loc := range quantityUnitRe.FindAllStringSubmatchIndex(text, -1) {
		amount, ok := ParseAmount(text[loc[2]:loc[3]])
		if !ok {
			continue
		}
		// "4.50 per kg" is a price, not a quantity.
		if isPerUnit(text, loc[0]) {
			continue
		}
		return priceMatch{start: loc[0], end: loc[1], amount: amount, unit: strings.ToLower(text[loc[4]:loc[5]])}, true
	}
	return priceMatch{}, false
}

func (e *Extractor) matchCurrencyAmount(text string) (priceMatch, bool) {
	for _, loc := range currencyAmountRe.FindAllStringSubmatchIndex(text, -1) {
		var raw string
		switch {
		case loc[4] >= 0:
			raw = text[loc[4]:loc[5]]
		case loc[6] >= 0:
			raw = text[loc[6]:loc[7]]
		default:
			continue
		}
		amount, ok := ParseAmount(raw)
		if !ok {
			continue
		}
		return priceMatch{start: loc[0], end: loc[1], amount: amount}, true
	}
	return priceMatch{}, false
}

func (e *Extractor) matchPerUnit(text string) (priceMatch, bool) {
	loc := perUnitRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return priceMatch{}, false
	}
	amount, ok := ParseAmount(text[loc[2]:loc[3]])
	if !ok {
		return priceMatch{}, false
	}
	return priceMatch{start: loc[0], end: loc[1], amount: amount, unit: strings.ToLower(text[loc[6]:loc[7]])}, true
}

func isPerUnit(text string, start int) bool {
	for _, loc := range perUnitRe.FindAllStringIndex(text, -1) {
		if loc[0] == start {
			return true
		}
	}
	return false
}

// Package langdetect classifies the language of a transcribed utterance with
// ordered lexical rules. Classification is deterministic: the same text always
// yields the same tag.
package langdetect

import (
	"strings"
	"unicode"
)

// Rule associates a language tag with a text predicate. Lexical rules match
// on common words, which neighbouring languages share, and are weaker
// evidence than script or diacritic rules.
type Rule struct {
	Name    string
	Tag     string
	Lexical bool
	Match   func(text string, words []string) bool
}

// Result is the outcome of a classification. Lexical is set when the tag came
// from a stop-word rule.
type Result struct {
	Tag       string
	Rule      string
	Ambiguous bool
	Lexical   bool
}

// Detector applies rules in order; the first match wins.
type Detector struct {
	rules      []Rule
	defaultTag string
}

// New returns a detector using the built-in rule set.
func New(defaultTag string) *Detector {
	return NewWithRules(defaultTag, DefaultRules())
}

// NewWithRules returns a detector with a custom rule order.
func NewWithRules(defaultTag string, rules []Rule) *Detector {
	if defaultTag == "" {
		defaultTag = "en"
	}
	return &Detector{rules: append([]Rule(nil), rules...), defaultTag: defaultTag}
}

// Detect returns the language tag for text.
func (d *Detector) Detect(text string) string {
	return d.Classify(text).Tag
}

// Classify returns the tag along with whether the decision fell through to the
// default. Callers treat Ambiguous results as low confidence.
func (d *Detector) Classify(text string) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{Tag: d.defaultTag, Ambiguous: true}
	}
	lower := strings.ToLower(trimmed)
	words := tokenize(lower)
	for _, rule := range d.rules {
		if rule.Match(lower, words) {
			return Result{Tag: rule.Tag, Rule: rule.Name, Lexical: rule.Lexical}
		}
	}
	return Result{Tag: d.defaultTag, Ambiguous: true}
}

// DefaultTag returns the fallback tag.
func (d *Detector) DefaultTag() string {
	return d.defaultTag
}

// DefaultRules is the built-in ordered rule set. Script rules come first since
// they are unambiguous, then diacritics, then stop-words.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "serbian-cyrillic", Tag: "sr", Match: scriptRule(unicode.Cyrillic)},
		{Name: "han", Tag: "zh", Match: scriptRule(unicode.Han)},
		{Name: "arabic", Tag: "ar", Match: scriptRule(unicode.Arabic)},
		{Name: "serbian-latin-diacritics", Tag: "sr", Match: anyRune("čćđšž")},
		{Name: "german-diacritics", Tag: "de", Match: anyRune("äöüß")},
		{Name: "spanish-marks", Tag: "es", Match: anyRune("ñ¿¡")},
		{Name: "french-diacritics", Tag: "fr", Match: frenchAccents},
		// Words shared with French ("je", "ne", "sa") are left out.
		{Name: "serbian-stopwords", Tag: "sr", Lexical: true, Match: stopwords(
			"da", "za", "koliko", "komada", "cena", "cenu", "mogu", "moze",
			"mozete", "hvala", "dinara", "evra", "kilograma", "jedinica", "po", "dobro", "ali")},
		{Name: "german-stopwords", Tag: "de", Lexical: true, Match: stopwords(
			"und", "ist", "der", "die", "das", "nicht", "wir", "ich", "sie", "stuck", "fur", "bitte", "wie", "viel")},
		{Name: "spanish-stopwords", Tag: "es", Lexical: true, Match: stopwords(
			"el", "los", "las", "por", "que", "unidades", "cada", "quiero", "precio", "una", "puede", "cuanto", "gracias")},
		{Name: "french-stopwords", Tag: "fr", Lexical: true, Match: stopwords(
			"le", "les", "des", "est", "pour", "nous", "je", "ne", "pas", "vous", "veux", "peux", "payer",
			"chaque", "prix", "avec", "merci", "combien")},
		{Name: "english-stopwords", Tag: "en", Lexical: true, Match: stopwords(
			"the", "you", "can", "at", "each", "units", "is", "and", "for", "per", "we", "price", "how",
			"much", "deal", "thanks", "what", "please", "could", "would", "offer")},
	}
}

func scriptRule(table *unicode.RangeTable) func(string, []string) bool {
	return func(text string, _ []string) bool {
		for _, r := range text {
			if unicode.Is(table, r) {
				return true
			}
		}
		return false
	}
}

func anyRune(chars string) func(string, []string) bool {
	return func(text string, _ []string) bool {
		return strings.ContainsAny(text, chars)
	}
}

// frenchAccents matches French-only marks, or "é" without the acute vowels
// Spanish pairs it with.
func frenchAccents(text string, _ []string) bool {
	if strings.ContainsAny(text, "çœèêâîôûëïàù") {
		return true
	}
	return strings.ContainsRune(text, 'é') && !strings.ContainsAny(text, "áíóú")
}

func stopwords(list ...string) func(string, []string) bool {
	set := make(map[string]struct{}, len(list))
	for _, w := range list {
		set[w] = struct{}{}
	}
	return func(_ string, words []string) bool {
		for _, w := range words {
			if _, ok := set[w]; ok {
				return true
			}
		}
		return false
	}
}

func tokenize(lower string) []string {
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}

// Base strips region and script subtags: "sr-RS" and "sr_Latn" both become "sr".
func Base(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if idx := strings.IndexAny(tag, "-_"); idx >= 0 {
		tag = tag[:idx]
	}
	return tag
}

// Same reports whether two tags name the same base language.
func Same(a, b string) bool {
	return Base(a) == Base(b)
}

package translate

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-interpreter/internal/langdetect"
	"github.com/loqalabs/loqa-interpreter/internal/trade"
)

const markerAlternatives = `(?:` + trade.CodePattern + `|` + trade.CurrencyWordPattern + `)`

var (
	// Digit runs as a provider may render them: "4,50", "1.200", "1 200".
	digitRunRe    = regexp.MustCompile(`\d{1,3}(?:[ \x{00A0}\x{202F}]\d{3})+|\d+(?:[.,\x{00A0}\x{202F}]\d+)*`)
	numericPartRe = regexp.MustCompile(`\d+(?:[.,]\d+)*`)

	currencyTokenRe  = regexp.MustCompile(`(?i)[$€£¥]|\b` + markerAlternatives + `\b`)
	leadingMarkerRe  = regexp.MustCompile(`(?i)(?:[$€£¥]|\b` + markerAlternatives + `)[ \x{00A0}]?$`)
	trailingMarkerRe = regexp.MustCompile(`(?i)^[ \x{00A0}]?(?:[$€£¥]|` + markerAlternatives + `\b)`)
)

var numberWords = map[string][]string{
	"en": {"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine", "ten",
		"eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen", "seventeen", "eighteen",
		"nineteen", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety",
		"hundred", "thousand", "million"},
	"sr": {"nula", "jedan", "jedna", "jedno", "dva", "dve", "tri", "četiri", "pet", "šest", "sedam",
		"osam", "devet", "deset", "jedanaest", "dvanaest", "trinaest", "dvadeset", "trideset",
		"četrdeset", "pedeset", "šezdeset", "sedamdeset", "osamdeset", "devedeset", "sto", "stotina",
		"dvesta", "trista", "hiljadu", "hiljada", "milion"},
	"de": {"null", "eins", "zwei", "drei", "vier", "fünf", "sechs", "sieben", "acht", "neun", "zehn",
		"elf", "zwölf", "zwanzig", "dreißig", "vierzig", "fünfzig", "sechzig", "siebzig", "achtzig",
		"neunzig", "hundert", "tausend", "million"},
	"es": {"cero", "uno", "dos", "tres", "cuatro", "cinco", "seis", "siete", "ocho", "nueve", "diez",
		"once", "doce", "veinte", "treinta", "cuarenta", "cincuenta", "sesenta", "setenta", "ochenta",
		"noventa", "cien", "ciento", "mil", "millón"},
	"fr": {"zéro", "deux", "trois", "quatre", "cinq", "six", "sept", "huit", "neuf", "dix", "onze",
		"douze", "vingt", "trente", "quarante", "cinquante", "soixante", "cent", "mille", "million"},
}

// Words that may sit between number words without ending the run.
var joinWords = map[string]struct{}{
	"and": {}, "point": {}, "i": {}, "zarez": {}, "und": {}, "komma": {}, "y": {}, "coma": {},
	"punto": {}, "et": {}, "virgule": {},
}

// candidate is a number-like or currency token in provider output. For
// numeric candidates envStart/envEnd widen the token to the currency markers
// next to it.
type candidate struct {
	start, end       int
	envStart, envEnd int
	numeric          bool
	value            float64
	hasValue         bool
	code             string
}

// verified reports whether out keeps every span and carries no money the
// source did not.
func verified(source, out string, spans []trade.Span) bool {
	return preserved(out, spans) && !inventsMoney(source, out, spans)
}

// preserved reports whether every span occurs verbatim in out, as a whole
// token, in the original left-to-right order.
func preserved(out string, spans []trade.Span) bool {
	pos := 0
	for _, sp := range spans {
		idx := indexToken(out, sp.Text, pos)
		if idx < 0 {
			return false
		}
		pos = idx + len(sp.Text)
	}
	return true
}

// inventsMoney masks the occurrences of the source spans in out and reports
// whether a currency-marked amount remains. Bare source numbers are masked
// with a digit so a marker glued to them ("$120" for "120") still shows up.
func inventsMoney(source, out string, spans []trade.Span) bool {
	type hit struct {
		start, end int
		mask       string
	}
	var hits []hit
	taken := func(start, end int) bool {
		for _, h := range hits {
			if start < h.end && h.start < end {
				return true
			}
		}
		return false
	}
	find := func(tok string, from int) int {
		idx := indexToken(out, tok, from)
		for idx >= 0 && taken(idx, idx+len(tok)) {
			idx = indexToken(out, tok, idx+1)
		}
		return idx
	}

	pos := 0
	for _, sp := range spans {
		idx := find(sp.Text, pos)
		if idx < 0 {
			idx = find(sp.Text, 0)
		}
		if idx < 0 {
			continue
		}
		mask := "X"
		if sp.Kind == trade.SpanNumber && !markerNear(source, sp.Start, sp.End) {
			mask = "0"
		}
		hits = append(hits, hit{start: idx, end: idx + len(sp.Text), mask: mask})
		pos = idx + len(sp.Text)
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].start < hits[j].start })

	var b strings.Builder
	cursor := 0
	for _, h := range hits {
		b.WriteString(out[cursor:h.start])
		b.WriteString(h.mask)
		cursor = h.end
	}
	b.WriteString(out[cursor:])

	for _, sp := range trade.Spans(b.String()) {
		if sp.Kind == trade.SpanAmount {
			return true
		}
	}
	return false
}

func indexToken(s, tok string, from int) int {
	if tok == "" {
		return from
	}
	for from <= len(s) {
		i := strings.Index(s[from:], tok)
		if i < 0 {
			return -1
		}
		start := from + i
		if boundaryBefore(s, start, tok[0]) && boundaryAfter(s, start+len(tok), tok[len(tok)-1]) {
			return start
		}
		from = start + 1
	}
	return -1
}

func boundaryBefore(s string, start int, first byte) bool {
	if start == 0 {
		return true
	}
	c := s[start-1]
	switch {
	case isDigit(first):
		if isDigit(c) {
			return false
		}
		if (c == '.' || c == ',') && start >= 2 && isDigit(s[start-2]) {
			return false
		}
	case isLetter(first):
		return !isDigit(c) && !isLetter(c)
	}
	return true
}

func boundaryAfter(s string, end int, last byte) bool {
	if end >= len(s) {
		return true
	}
	c := s[end]
	switch {
	case isDigit(last):
		if isDigit(c) {
			return false
		}
		if (c == '.' || c == ',') && end+1 < len(s) && isDigit(s[end+1]) {
			return false
		}
	case isLetter(last):
		return !isDigit(c) && !isLetter(c)
	}
	return true
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }

// markerNear reports whether a currency symbol, code or word touches
// text[start:end].
func markerNear(text string, start, end int) bool {
	return leadingMarkerRe.MatchString(text[:start]) || trailingMarkerRe.MatchString(text[end:])
}

type edit struct {
	start, end int
	text       string
	order      int
}

// correct forces every span back into out. Each span takes the provider token
// that carries the same value; when the provider changed values the spans
// are aligned with its tokens by position instead. A span replaces its token
// together with the currency markers around it, except that a bare number
// keeps markers the source also had next to it. Spans with no token are
// inserted next to their neighbours.
func correct(source, out string, spans []trade.Span, target string) string {
	cands := findCandidates(out, target)
	assigned, ok := assignByValue(spans, cands)
	if !ok {
		assigned = assignByPosition(spans, cands)
	}

	ranges := make([][2]int, len(spans))
	edits := make([]edit, 0, len(spans))
	for i, sp := range spans {
		c := assigned[i]
		if c < 0 {
			continue
		}
		start, end := cands[c].envStart, cands[c].envEnd
		switch {
		case sp.Kind == trade.SpanCurrency:
			start, end = cands[c].start, cands[c].end
		case sp.Kind == trade.SpanNumber && markerNear(source, sp.Start, sp.End):
			start, end = cands[c].start, cands[c].end
		}
		ranges[i] = [2]int{start, end}
		edits = append(edits, edit{start: start, end: end, text: sp.Text, order: i})
	}

	insertAt := make([]int, len(spans))
	for i, sp := range spans {
		if assigned[i] >= 0 {
			continue
		}
		at := -1
		switch {
		case i > 0 && assigned[i-1] >= 0:
			at = ranges[i-1][1]
		case i > 0:
			at = insertAt[i-1]
		}
		if at < 0 {
			at = len(out)
			for k := i + 1; k < len(spans); k++ {
				if assigned[k] >= 0 {
					at = ranges[k][0]
					break
				}
			}
		}
		insertAt[i] = at
		edits = append(edits, edit{start: at, end: at, text: sp.Text, order: i})
	}

	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].start != edits[j].start {
			return edits[i].start < edits[j].start
		}
		return edits[i].order < edits[j].order
	})

	var b strings.Builder
	cursor := 0
	for _, e := range edits {
		insert := e.start == e.end
		if e.start < cursor {
			if !insert {
				continue
			}
			e.start, e.end = cursor, cursor
		}
		b.WriteString(out[cursor:e.start])
		if insert && b.Len() > 0 && !endsWithSpace(b.String()) {
			b.WriteByte(' ')
		}
		b.WriteString(e.text)
		cursor = e.end
		if insert && cursor < len(out) && !unicode.IsSpace(rune(out[cursor])) {
			b.WriteByte(' ')
		}
	}
	b.WriteString(out[cursor:])
	return b.String()
}

func endsWithSpace(s string) bool {
	return s != "" && unicode.IsSpace(rune(s[len(s)-1]))
}

// assignByValue pairs every numeric span with a provider token of equal
// value, keeping source order where the output allows it. It fails when any
// numeric span has no equal token.
func assignByValue(spans []trade.Span, cands []candidate) ([]int, bool) {
	assigned := make([]int, len(spans))
	used := make([]bool, len(cands))
	last := -1
	for i, sp := range spans {
		assigned[i] = -1
		if sp.Kind == trade.SpanCurrency {
			continue
		}
		v, ok := spanValue(sp)
		if !ok {
			return nil, false
		}
		match := -1
		for j := last + 1; j < len(cands) && match < 0; j++ {
			if !used[j] && cands[j].numeric && cands[j].hasValue && sameValue(cands[j].value, v) {
				match = j
			}
		}
		for j := 0; j < len(cands) && match < 0; j++ {
			if !used[j] && cands[j].numeric && cands[j].hasValue && sameValue(cands[j].value, v) {
				match = j
			}
		}
		if match < 0 {
			return nil, false
		}
		used[match] = true
		assigned[i] = match
		last = match
	}

	for i, sp := range spans {
		if sp.Kind != trade.SpanCurrency {
			continue
		}
		code, _ := trade.CurrencyCode(sp.Text)
		match := -1
		for j := range cands {
			if !used[j] && !cands[j].numeric && cands[j].code == code {
				match = j
				break
			}
		}
		for j := 0; j < len(cands) && match < 0; j++ {
			if !used[j] && !cands[j].numeric {
				match = j
			}
		}
		if match >= 0 {
			used[match] = true
		}
		assigned[i] = match
	}
	return assigned, true
}

// assignByPosition aligns spans with provider tokens in order, minimising an
// edit cost: a matching value is free, a changed value costs 1, an unused
// token costs 1 and a span with no token costs 2.
func assignByPosition(spans []trade.Span, cands []candidate) []int {
	n, m := len(spans), len(cands)
	pair := func(i, j int) (int, bool) {
		sp, c := spans[i], cands[j]
		if (sp.Kind != trade.SpanCurrency) != c.numeric {
			return 0, false
		}
		if c.numeric {
			if v, ok := spanValue(sp); ok && c.hasValue && sameValue(v, c.value) {
				return 0, true
			}
			return 1, true
		}
		if code, _ := trade.CurrencyCode(sp.Text); code == c.code {
			return 0, true
		}
		return 1, true
	}

	cost := make([][]int, n+1)
	for i := range cost {
		cost[i] = make([]int, m+1)
	}
	for j := m; j >= 0; j-- {
		cost[n][j] = m - j
	}
	for i := n - 1; i >= 0; i-- {
		cost[i][m] = cost[i+1][m] + 2
		for j := m - 1; j >= 0; j-- {
			best := cost[i][j+1] + 1
			if v := cost[i+1][j] + 2; v < best {
				best = v
			}
			if pc, ok := pair(i, j); ok {
				if v := cost[i+1][j+1] + pc; v < best {
					best = v
				}
			}
			cost[i][j] = best
		}
	}

	assigned := make([]int, n)
	i, j := 0, 0
	for i < n {
		if j < m {
			if pc, ok := pair(i, j); ok && cost[i][j] == cost[i+1][j+1]+pc {
				assigned[i] = j
				i++
				j++
				continue
			}
			if cost[i][j] == cost[i][j+1]+1 {
				j++
				continue
			}
		}
		assigned[i] = -1
		i++
	}
	return assigned
}

func spanValue(sp trade.Span) (float64, bool) {
	raw := numericPartRe.FindString(sp.Text)
	if raw == "" {
		return 0, false
	}
	return trade.ParseAmount(raw)
}

func amountOf(tok string) (float64, bool) {
	return trade.ParseAmount(strings.NewReplacer("\u00a0", "", "\u202f", "").Replace(tok))
}

func sameValue(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// findCandidates lists the number-like and currency tokens of s in order.
func findCandidates(s, target string) []candidate {
	var nums []candidate
	for _, loc := range digitRunRe.FindAllStringIndex(s, -1) {
		v, ok := amountOf(s[loc[0]:loc[1]])
		nums = append(nums, candidate{start: loc[0], end: loc[1], numeric: true, value: v, hasValue: ok})
	}
	for _, run := range spelledRuns(s, target) {
		nums = append(nums, candidate{start: run[0], end: run[1], numeric: true})
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i].start < nums[j].start })

	prevEnd := 0
	for i := range nums {
		c := &nums[i]
		c.envStart, c.envEnd = c.start, c.end
		if prevEnd > c.start {
			prevEnd = c.start
		}
		if loc := leadingMarkerRe.FindStringIndex(s[prevEnd:c.start]); loc != nil {
			c.envStart = prevEnd + loc[0]
		}
		if loc := trailingMarkerRe.FindStringIndex(s[c.end:]); loc != nil {
			markerEnd := c.end + loc[1]
			// A marker directly in front of the next number belongs to it.
			rest := s[markerEnd:]
			gap := len(rest) - len(strings.TrimLeft(rest, " \u00a0"))
			if i+1 >= len(nums) || nums[i+1].start != markerEnd+gap {
				c.envEnd = markerEnd
			}
		}
		prevEnd = c.envEnd
	}

	out := append([]candidate(nil), nums...)
	for _, loc := range currencyTokenRe.FindAllStringIndex(s, -1) {
		covered := false
		for _, c := range nums {
			if loc[0] < c.envEnd && c.envStart < loc[1] {
				covered = true
				break
			}
		}
		if covered {
			continue
		}
		code, _ := trade.CurrencyCode(s[loc[0]:loc[1]])
		out = append(out, candidate{start: loc[0], end: loc[1], envStart: loc[0], envEnd: loc[1], code: code})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

type wordToken struct {
	start, end int
	word       string
}

// spelledRuns finds runs of spelled-out number words ("four point five zero",
// "sto dvadeset", "četiri dolara pedeset") in English and the target
// language. A currency word between number words stays inside the run.
func spelledRuns(s, target string) [][2]int {
	vocab := make(map[string]struct{})
	for _, lang := range []string{"en", langdetect.Base(target)} {
		for _, w := range numberWords[lang] {
			vocab[w] = struct{}{}
		}
	}

	var words []wordToken
	start := -1
	for i, r := range s {
		if unicode.IsLetter(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			words = append(words, wordToken{start: start, end: i, word: strings.ToLower(s[start:i])})
			start = -1
		}
	}
	if start >= 0 {
		words = append(words, wordToken{start: start, end: len(s), word: strings.ToLower(s[start:])})
	}

	isNumber := func(w string) bool {
		_, ok := vocab[w]
		return ok
	}
	joins := func(w string) bool {
		if _, ok := joinWords[w]; ok {
			return true
		}
		_, ok := trade.CurrencyCode(w)
		return ok && len(w) > 1
	}
	var runs [][2]int
	for i := 0; i < len(words); {
		if !isNumber(words[i].word) {
			i++
			continue
		}
		runStart, runEnd := words[i].start, words[i].end
		j := i + 1
		for j < len(words) && onlySeparators(s[runEnd:words[j].start]) {
			if isNumber(words[j].word) {
				runEnd = words[j].end
				j++
				continue
			}
			if joins(words[j].word) && j+1 < len(words) &&
				isNumber(words[j+1].word) && onlySeparators(s[words[j].end:words[j+1].start]) {
				runEnd = words[j+1].end
				j += 2
				continue
			}
			break
		}
		runs = append(runs, [2]int{runStart, runEnd})
		i = j
	}
	return runs
}

func onlySeparators(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != ' ' && r != '-' && r != '\u00a0' {
			return false
		}
	}
	return true
}

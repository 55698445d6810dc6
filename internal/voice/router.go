// Package voice maps target languages to synthesis voice identifiers.
package voice

import (
	"strings"

	"github.com/loqalabs/loqa-interpreter/internal/config"
	"github.com/loqalabs/loqa-interpreter/internal/langdetect"
)

// Gender is an optional voice preference.
type Gender string

const (
	GenderAny    Gender = ""
	GenderFemale Gender = "female"
	GenderMale   Gender = "male"
)

// ParseGender normalises a free-form preference; unknown values mean no
// preference.
func ParseGender(s string) Gender {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "female", "f":
		return GenderFemale
	case "male", "m":
		return GenderMale
	default:
		return GenderAny
	}
}

// DefaultVoice is used when a language is entirely unknown.
const DefaultVoice = "en-US-neutral"

type key struct {
	tag    string
	gender Gender
}

// Router is a static voice table. It is read-only after construction.
type Router struct {
	voices       map[key]string
	defaultVoice string
}

var builtin = []config.VoiceEntry{
	{Language: "en", Voice: "en-US-neutral"},
	{Language: "en", Gender: "female", Voice: "en-US-female-1"},
	{Language: "en", Gender: "male", Voice: "en-US-male-1"},
	{Language: "en-US", Gender: "female", Voice: "en-US-female-1"},
	{Language: "en-US", Gender: "male", Voice: "en-US-male-1"},
	{Language: "en-GB", Voice: "en-GB-neutral"},
	{Language: "en-GB", Gender: "female", Voice: "en-GB-female-1"},
	{Language: "en-GB", Gender: "male", Voice: "en-GB-male-1"},
	{Language: "sr", Voice: "sr-RS-neutral"},
	{Language: "sr", Gender: "female", Voice: "sr-RS-female-1"},
	{Language: "sr", Gender: "male", Voice: "sr-RS-male-1"},
	{Language: "sr-RS", Voice: "sr-RS-neutral"},
	{Language: "de", Voice: "de-DE-neutral"},
	{Language: "de", Gender: "female", Voice: "de-DE-female-1"},
	{Language: "de", Gender: "male", Voice: "de-DE-male-1"},
	{Language: "es", Voice: "es-ES-neutral"},
	{Language: "es", Gender: "female", Voice: "es-ES-female-1"},
	{Language: "es", Gender: "male", Voice: "es-ES-male-1"},
	{Language: "fr", Voice: "fr-FR-neutral"},
	{Language: "fr", Gender: "female", Voice: "fr-FR-female-1"},
	{Language: "fr", Gender: "male", Voice: "fr-FR-male-1"},
	{Language: "zh", Voice: "zh-CN-neutral"},
	{Language: "zh", Gender: "female", Voice: "zh-CN-female-1"},
	{Language: "zh", Gender: "male", Voice: "zh-CN-male-1"},
	{Language: "ar", Voice: "ar-SA-neutral"},
	{Language: "ar", Gender: "female", Voice: "ar-SA-female-1"},
	{Language: "ar", Gender: "male", Voice: "ar-SA-male-1"},
}

// NewRouter returns the built-in table with cfg entries layered on top.
func NewRouter(cfg config.VoicesConfig) *Router {
	r := &Router{
		voices:       make(map[key]string, len(builtin)+len(cfg.Entries)),
		defaultVoice: cfg.Default,
	}
	if r.defaultVoice == "" {
		r.defaultVoice = DefaultVoice
	}
	for _, e := range builtin {
		r.register(e)
	}
	for _, e := range cfg.Entries {
		r.register(e)
	}
	return r
}

func (r *Router) register(e config.VoiceEntry) {
	if e.Voice == "" || e.Language == "" {
		return
	}
	r.voices[key{tag: normalizeTag(e.Language), gender: ParseGender(e.Gender)}] = e.Voice
}

// VoiceFor resolves a voice id. Lookup order: exact tag and gender, exact
// tag, base language and gender, base language, default. Never empty.
func (r *Router) VoiceFor(tag string, gender Gender) string {
	tag = normalizeTag(tag)
	base := langdetect.Base(tag)
	candidates := []key{
		{tag, gender},
		{tag, GenderAny},
		{base, gender},
		{base, GenderAny},
	}
	for _, k := range candidates {
		if v, ok := r.voices[k]; ok {
			return v
		}
	}
	return r.defaultVoice
}

// normalizeTag lowercases the language and uppercases the region: "sr_rs" →
// "sr-RS".
func normalizeTag(tag string) string {
	tag = strings.ReplaceAll(strings.TrimSpace(tag), "_", "-")
	parts := strings.SplitN(tag, "-", 2)
	parts[0] = strings.ToLower(parts[0])
	if len(parts) == 2 {
		return parts[0] + "-" + strings.ToUpper(parts[1])
	}
	return parts[0]
}

// Package tokenizer turns text into index terms for full-text search.
//
// The default tokenizer lowercases Unicode words, drops stopwords, and
// produces both the exact term and a language-specific stem for each
// word, so queries can match either form.
package tokenizer

import (
	"strings"
	"unicode"

	"github.com/kljensen/snowball"
)

// Token is a single indexable term with its position in the source text.
// Position counts words, not bytes, and is shared by the exact term and
// its stem.
type Token struct {
	// Term is the lowercased exact word.
	Term string

	// Stemmed is the language-specific stem of Term.
	// Empty when stemming is unavailable for the locale or the stem
	// equals the exact term.
	Stemmed string

	// Position is the zero-based word offset in the source text.
	Position int
}

// Tokenizer splits text into tokens.
type Tokenizer interface {
	// Tokenize returns tokens for the given text. The locale is an
	// ISO 639-1 language code ("en", "fr"); unknown locales fall back
	// to unstemmed exact terms.
	Tokenize(text, locale string) []Token
}

// MaxTermLength caps individual terms. Longer words (base64 fragments,
// URLs pasted into bodies) are truncated rather than dropped so prefix
// queries still find them.
const MaxTermLength = 64

// snowballLanguages maps ISO 639-1 codes to snowball language names.
var snowballLanguages = map[string]string{
	"en": "english",
	"es": "spanish",
	"fr": "french",
	"ru": "russian",
	"sv": "swedish",
	"no": "norwegian",
	"hu": "hungarian",
}

// englishStopwords lists words too common to index.
var englishStopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "but": {}, "by": {}, "for": {}, "if": {}, "in": {},
	"into": {}, "is": {}, "it": {}, "no": {}, "not": {}, "of": {},
	"on": {}, "or": {}, "such": {}, "that": {}, "the": {}, "their": {},
	"then": {}, "there": {}, "these": {}, "they": {}, "this": {},
	"to": {}, "was": {}, "will": {}, "with": {},
}

// Default is a word-splitting tokenizer with snowball stemming.
type Default struct{}

// Ensure Default implements Tokenizer.
var _ Tokenizer = Default{}

// New returns the default tokenizer.
func New() Default {
	return Default{}
}

// Tokenize splits text on non-letter, non-digit runes, lowercases each
// word, removes stopwords, and stems when the locale supports it.
func (Default) Tokenize(text, locale string) []Token {
	lang := snowballLanguages[locale]

	var tokens []Token
	pos := 0
	for _, word := range splitWords(text) {
		word = strings.ToLower(word)
		if _, stop := englishStopwords[word]; stop && locale == "en" {
			pos++
			continue
		}
		if len(word) > MaxTermLength {
			word = truncateTerm(word)
		}

		tok := Token{Term: word, Position: pos}
		if lang != "" {
			if stem, err := snowball.Stem(word, lang, false); err == nil && stem != word {
				if len(stem) > MaxTermLength {
					stem = truncateTerm(stem)
				}
				tok.Stemmed = stem
			}
		}
		tokens = append(tokens, tok)
		pos++
	}
	return tokens
}

// splitWords breaks text into maximal runs of letters and digits.
func splitWords(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// truncateTerm cuts a term at MaxTermLength without splitting a rune.
func truncateTerm(term string) string {
	cut := MaxTermLength
	for cut > 0 && !isRuneStart(term[cut]) {
		cut--
	}
	return term[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xc0 != 0x80
}

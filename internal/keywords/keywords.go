// Package keywords matches rule-table keywords against free text.
//
// Text is lower-cased and split into tokens on every rune that is not a
// letter or digit. A keyword matches anywhere in the normalized text, so
// "schedule" matches "reschedule" and "task" matches "taskId". Keywords are
// normalized the same way, which lets "after that" match "after, that".
// HasWord is the whole-token form.
package keywords

import (
	"strings"
	"unicode"
)

// Text is tokenized input ready for matching.
type Text struct {
	tokens []string
	joined string
}

// New tokenizes s.
func New(s string) Text {
	tokens := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return Text{tokens: tokens, joined: " " + strings.Join(tokens, " ") + " "}
}

// Tokens returns the tokens in order.
func (t Text) Tokens() []string {
	return t.tokens
}

// Has reports whether keyword occurs in the text.
func (t Text) Has(keyword string) bool {
	kw := New(keyword).tokens
	if len(kw) == 0 {
		return false
	}
	return strings.Contains(t.joined, strings.Join(kw, " "))
}

// HasWord reports whether word occurs as a whole token.
func (t Text) HasWord(word string) bool {
	w := strings.ToLower(word)
	for _, tok := range t.tokens {
		if tok == w {
			return true
		}
	}
	return false
}

// Any reports whether at least one keyword occurs.
func (t Text) Any(keywords []string) bool {
	for _, k := range keywords {
		if t.Has(k) {
			return true
		}
	}
	return false
}

// All reports whether every keyword occurs. It is false for an empty list.
func (t Text) All(keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	for _, k := range keywords {
		if !t.Has(k) {
			return false
		}
	}
	return true
}

package tokenizer

import (
	"context"
	"strings"

	"github.com/ikawaha/kagome-dict/ipa"
	"github.com/ikawaha/kagome/v2/tokenizer"
)

// Morpheme is a single analyzed unit of text.
type Morpheme struct {
	Surface    string // The text as it appears (e.g. "行っ")
	BaseForm   string // The dictionary form (e.g. "行く")
	Reading    string // The pronunciation (katakana, e.g. "イッ")
	PrimaryPOS string
}

// Kagome tokenizes Japanese offline with the IPA dictionary. Lemmas are IPA base forms.
type Kagome struct {
	t *tokenizer.Tokenizer
}

// NewKagome creates a new tokenizer instance.
func NewKagome() (*Kagome, error) {
	t, err := tokenizer.New(ipa.Dict(), tokenizer.OmitBosEos())
	if err != nil {
		return nil, err
	}
	return &Kagome{t: t}, nil
}

// Analyze breaks text into morphemes with readings and base forms.
func (k *Kagome) Analyze(text string) []Morpheme {
	var result []Morpheme
	for _, sentence := range splitSentences(text) {
		for _, token := range k.t.Tokenize(sentence) {
			if token.Class == tokenizer.DUMMY {
				continue
			}
			if strings.TrimSpace(token.Surface) == "" {
				continue
			}
			// IPA features: 0-3 POS, 4-5 conjugation, 6 base form, 7 reading, 8 pronunciation.
			features := token.Features()
			m := Morpheme{Surface: token.Surface, BaseForm: token.Surface}
			if len(features) > 6 && features[6] != "*" {
				m.BaseForm = features[6]
			}
			if len(features) > 7 && features[7] != "*" {
				m.Reading = features[7]
			}
			if len(features) > 0 {
				m.PrimaryPOS = features[0]
			}
			result = append(result, m)
		}
	}
	return result
}

func (k *Kagome) Tokenize(ctx context.Context, text string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	morphemes := k.Analyze(text)
	out := make([]string, 0, len(morphemes))
	for _, m := range morphemes {
		out = append(out, m.Surface)
	}
	return out, nil
}

// Lemmatize returns the base form of the token's first morpheme.
func (k *Kagome) Lemmatize(ctx context.Context, token string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	morphemes := k.Analyze(token)
	if len(morphemes) == 0 {
		return []string{token}, nil
	}
	return []string{morphemes[0].BaseForm}, nil
}

func (k *Kagome) Ping(ctx context.Context) error { return ctx.Err() }

func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for _, r := range text {
		current.WriteRune(r)
		// 。(3002), ！(FF01), ？(FF1F)
		if r == '。' || r == '！' || r == '？' || r == '\n' {
			sentences = append(sentences, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		sentences = append(sentences, current.String())
	}
	return sentences
}

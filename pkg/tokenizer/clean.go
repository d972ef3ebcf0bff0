package tokenizer

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/text/width"
)

// skipped elements never contribute text. rt and rp hold furigana, which would otherwise
// be glued to the base text (e.g. "漢字" becomes "漢字かんじ").
var skipped = map[string]bool{"rt": true, "rp": true, "script": true, "style": true}

// breaks separate text the way a renderer would.
var breaks = map[string]bool{"br": true, "div": true, "p": true, "li": true}

// CleanField turns an HTML card field into plain text: markup and furigana are dropped,
// fullwidth ASCII and halfwidth katakana are folded, and whitespace runs collapse to a
// single space.
func CleanField(value string) string {
	if !strings.ContainsAny(value, "<&") {
		return normalize(value)
	}
	z := html.NewTokenizer(strings.NewReader(value))
	var b strings.Builder
	depth := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return normalize(b.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipped[tag] {
				depth++
			} else if breaks[tag] {
				b.WriteByte(' ')
			}
		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if breaks[string(name)] {
				b.WriteByte(' ')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipped[tag] && depth > 0 {
				depth--
			} else if breaks[tag] {
				b.WriteByte(' ')
			}
		case html.TextToken:
			if depth == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(width.Fold.String(s)), " ")
}

package subtitles

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

var (
	reRT = regexp.MustCompile(`(?si)<rt\b[^>]*>.*?</rt>`)
	reRP = regexp.MustCompile(`(?si)<rp\b[^>]*>.*?</rp>`)
)

// SanitizeRuby removes furigana (<rt>) and ruby parentheses (<rp>) so readings are not
// glued onto the text they annotate.
func SanitizeRuby(content []byte) []byte {
	cleaned := reRT.ReplaceAll(content, nil)
	return reRP.ReplaceAll(cleaned, nil)
}

// ParseHTML extracts the main article text of an HTML page and splits it into sentences.
// Pages where readability finds no article fall back to all visible body text.
func ParseHTML(r io.Reader, pageURL *url.URL) ([]Line, error) {
	body, err := readLimited(r)
	if err != nil {
		return nil, err
	}
	body = SanitizeRuby(body)
	if pageURL == nil {
		pageURL = &url.URL{Scheme: "http", Host: "localhost", Path: "/"}
	}

	text := ""
	if article, err := readability.FromReader(bytes.NewReader(body), pageURL); err == nil {
		text = article.TextContent
	}
	if strings.TrimSpace(text) == "" {
		if text, err = visibleText(body); err != nil {
			return nil, fmt.Errorf("parse html: %w", err)
		}
	}

	var lines []Line
	for _, s := range SplitSentences(text) {
		if s = strings.TrimSpace(s); s != "" {
			lines = append(lines, Line{Index: len(lines), Text: s})
		}
	}
	return lines, nil
}

func visibleText(body []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head":
				return
			case "p", "div", "br", "li", "h1", "h2", "h3", "h4", "h5", "h6", "tr":
				defer sb.WriteByte('\n')
			}
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return sb.String(), nil
}

// SplitSentences breaks text after Japanese sentence terminators and newlines.
func SplitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
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

package coloring

import (
	"strings"

	"github.com/japaniel/vocabsync/pkg/vocab"
)

// Palette maps statuses to ANSI SGR sequences.
type Palette map[vocab.Status]string

// DefaultPalette leaves mature tokens uncolored.
var DefaultPalette = Palette{
	vocab.Uncollected: "\x1b[90m",
	vocab.Unknown:     "\x1b[31m",
	vocab.Learning:    "\x1b[38;5;208m",
	vocab.Graduated:   "\x1b[33m",
	vocab.Young:       "\x1b[32m",
}

const (
	ansiReset   = "\x1b[0m"
	ansiErrored = "\x1b[4;35m"
)

// Render returns the line text with each token wrapped in its status color. Errored
// tokens are underlined.
func Render(c Colored, p Palette) string {
	if c.Errored && len(c.Tokens) == 0 {
		return ansiErrored + c.Text + ansiReset
	}
	var b strings.Builder
	pos := 0
	for _, t := range c.Tokens {
		if t.Start < pos || t.End <= t.Start || t.End > len(c.Text) {
			continue
		}
		b.WriteString(c.Text[pos:t.Start])
		seq := p[t.Status]
		if t.Errored {
			seq = ansiErrored
		}
		if seq == "" {
			b.WriteString(c.Text[t.Start:t.End])
		} else {
			b.WriteString(seq)
			b.WriteString(c.Text[t.Start:t.End])
			b.WriteString(ansiReset)
		}
		pos = t.End
	}
	b.WriteString(c.Text[pos:])
	return b.String()
}

// Counts tallies token statuses over lines, skipping errored tokens.
func Counts(lines []Colored) map[vocab.Status]int {
	out := make(map[vocab.Status]int)
	for _, l := range lines {
		for _, t := range l.Tokens {
			if !t.Errored && vocab.HasLetter(strings.TrimSpace(t.Text)) {
				out[t.Status]++
			}
		}
	}
	return out
}

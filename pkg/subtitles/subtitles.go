// Package subtitles reads the text lines that the coloring engine works through. It
// understands SRT and WebVTT cue files, plain text and HTML articles.
package subtitles

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Line is one displayable line of text.
type Line struct {
	Index int
	// Start and End are zero for sources without timing.
	Start time.Duration
	End   time.Duration
	Text  string
}

// Format names an input format.
type Format string

const (
	FormatSRT  Format = "srt"
	FormatText Format = "text"
	FormatHTML Format = "html"
)

// MaxBodySize caps how much is read from a single source.
const MaxBodySize = 10 * 1024 * 1024

// ErrTooLarge is returned when a source exceeds MaxBodySize.
var ErrTooLarge = errors.New("subtitles: source exceeds size limit")

// DetectFormat guesses a format from a file name or URL.
func DetectFormat(name string) Format {
	if u, err := url.Parse(name); err == nil && u.Scheme != "" && u.Host != "" {
		name = u.Path
		if ext := strings.ToLower(filepath.Ext(name)); ext != ".srt" && ext != ".vtt" && ext != ".txt" {
			return FormatHTML
		}
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".srt", ".vtt":
		return FormatSRT
	case ".html", ".htm", ".xhtml":
		return FormatHTML
	}
	return FormatText
}

// Parse reads r in the given format. pageURL is only used for HTML.
func Parse(r io.Reader, format Format, pageURL *url.URL) ([]Line, error) {
	switch format {
	case FormatSRT:
		return ParseSRT(r)
	case FormatHTML:
		return ParseHTML(r, pageURL)
	case FormatText, "":
		return ParseText(r)
	}
	return nil, fmt.Errorf("subtitles: unknown format %q", format)
}

// Open loads a local file or an http(s) URL, detecting its format from the name.
func Open(ctx context.Context, client *http.Client, src string) ([]Line, error) {
	format := DetectFormat(src)
	u, err := url.Parse(src)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		body, err := fetch(ctx, client, u)
		if err != nil {
			return nil, err
		}
		return Parse(bytes.NewReader(body), format, u)
	}
	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	body, err := readLimited(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", src, err)
	}
	return Parse(bytes.NewReader(body), format, &url.URL{Scheme: "file", Path: src})
}

func fetch(ctx context.Context, client *http.Client, u *url.URL) ([]byte, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; vocabsync)")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", u, resp.StatusCode)
	}
	if resp.ContentLength > MaxBodySize {
		return nil, ErrTooLarge
	}
	return readLimited(resp.Body)
}

func readLimited(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, MaxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > MaxBodySize {
		return nil, ErrTooLarge
	}
	return body, nil
}

// ParseText returns every non-blank line of r.
func ParseText(r io.Reader) ([]Line, error) {
	var lines []Line
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxBodySize)
	for sc.Scan() {
		text := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if text == "" {
			continue
		}
		lines = append(lines, Line{Index: len(lines), Text: text})
	}
	return lines, sc.Err()
}

var (
	reTag      = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
	reOverride = regexp.MustCompile(`\{\\[^}]*\}`)
)

// ParseSRT reads SRT or WebVTT cues. Each cue becomes one line with its text lines joined
// and formatting tags removed.
func ParseSRT(r io.Reader) ([]Line, error) {
	var (
		lines []Line
		cue   *Line
		text  []string
	)
	flush := func() {
		if cue != nil {
			cue.Text = strings.TrimSpace(strings.Join(text, " "))
			if cue.Text != "" {
				cue.Index = len(lines)
				lines = append(lines, *cue)
			}
		}
		cue, text = nil, nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxBodySize)
	for sc.Scan() {
		raw := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if raw == "" {
			flush()
			continue
		}
		if strings.Contains(raw, "-->") {
			flush()
			start, end, err := parseTiming(raw)
			if err != nil {
				return nil, err
			}
			cue = &Line{Start: start, End: end}
			continue
		}
		if cue == nil {
			// Cue numbers, the WEBVTT header and NOTE blocks.
			continue
		}
		cleaned := reOverride.ReplaceAllString(reTag.ReplaceAllString(raw, ""), "")
		if cleaned = strings.TrimSpace(cleaned); cleaned != "" {
			text = append(text, cleaned)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	return lines, nil
}

func parseTiming(line string) (time.Duration, time.Duration, error) {
	parts := strings.SplitN(line, "-->", 2)
	start, err := parseTimestamp(parts[0])
	if err != nil {
		return 0, 0, err
	}
	// WebVTT cue settings follow the end timestamp.
	endField := strings.Fields(parts[1])
	if len(endField) == 0 {
		return 0, 0, fmt.Errorf("subtitles: missing end time in %q", line)
	}
	end, err := parseTimestamp(endField[0])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseTimestamp(v string) (time.Duration, error) {
	v = strings.ReplaceAll(strings.TrimSpace(v), ",", ".")
	clock, frac, _ := strings.Cut(v, ".")
	fields := strings.Split(clock, ":")
	if len(fields) < 2 || len(fields) > 3 {
		return 0, fmt.Errorf("subtitles: bad timestamp %q", v)
	}
	var total time.Duration
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return 0, fmt.Errorf("subtitles: bad timestamp %q", v)
		}
		total = total*60 + time.Duration(n)
	}
	total *= time.Second
	if frac != "" {
		for len(frac) < 3 {
			frac += "0"
		}
		ms, err := strconv.Atoi(frac[:3])
		if err != nil {
			return 0, fmt.Errorf("subtitles: bad timestamp %q", v)
		}
		total += time.Duration(ms) * time.Millisecond
	}
	return total, nil
}

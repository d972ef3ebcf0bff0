package subtitles

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleSRT = "\ufeff1\r\n00:00:01,000 --> 00:00:02,500\r\n<i>猫が</i>\r\n寝ている。\r\n\r\n2\r\n00:00:03,000 --> 00:00:04,000\r\n{\\an8}今日は\r\n\r\n3\r\n00:00:05,000 --> 00:00:06,000\r\n<font color=\"red\"></font>\r\n"

func TestParseSRT(t *testing.T) {
	lines, err := ParseSRT(strings.NewReader(sampleSRT))
	if err != nil {
		t.Fatalf("ParseSRT: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 cues with text, got %d: %+v", len(lines), lines)
	}
	if lines[0].Text != "猫が 寝ている。" {
		t.Fatalf("first cue text %q", lines[0].Text)
	}
	if lines[0].Start != time.Second || lines[0].End != 2500*time.Millisecond {
		t.Fatalf("first cue timing %v-%v", lines[0].Start, lines[0].End)
	}
	if lines[1].Index != 1 || lines[1].Text != "今日は" {
		t.Fatalf("second cue %+v", lines[1])
	}
}

func TestParseVTT(t *testing.T) {
	vtt := "WEBVTT\n\nNOTE header comment\n\n00:01.500 --> 00:02.000 align:start\nこんにちは\n\n01:00:00.000 --> 01:00:01.000\n<c.yellow>さようなら</c>\n"
	lines, err := ParseSRT(strings.NewReader(vtt))
	if err != nil {
		t.Fatalf("ParseSRT: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 cues, got %+v", lines)
	}
	if lines[0].Start != 1500*time.Millisecond {
		t.Fatalf("short timestamp parsed as %v", lines[0].Start)
	}
	if lines[1].Start != time.Hour || lines[1].Text != "さようなら" {
		t.Fatalf("second cue %+v", lines[1])
	}
}

func TestParseSRTBadTimestamp(t *testing.T) {
	if _, err := ParseSRT(strings.NewReader("1\nxx:00 --> 00:00:01,000\ntext\n")); err == nil {
		t.Fatal("expected timestamp error")
	}
}

func TestParseText(t *testing.T) {
	lines, err := ParseText(strings.NewReader("一行目\n\n  二行目  \n"))
	if err != nil {
		t.Fatalf("ParseText: %v", err)
	}
	if len(lines) != 2 || lines[1].Text != "二行目" || lines[1].Index != 1 {
		t.Fatalf("unexpected lines %+v", lines)
	}
}

func TestParseHTMLDropsFurigana(t *testing.T) {
	page := `<html><head><title>テスト</title><style>p{}</style></head><body>
<p><ruby>漢字<rp>(</rp><rt>かんじ</rt><rp>)</rp></ruby>を勉強する。毎日読む！</p>
</body></html>`
	lines, err := ParseHTML(strings.NewReader(page), nil)
	if err != nil {
		t.Fatalf("ParseHTML: %v", err)
	}
	joined := ""
	for _, l := range lines {
		joined += l.Text + "|"
	}
	if strings.Contains(joined, "かんじ") {
		t.Fatalf("furigana leaked into text: %q", joined)
	}
	if !strings.Contains(joined, "漢字を勉強する。|") || !strings.Contains(joined, "毎日読む！") {
		t.Fatalf("sentences not split: %q", joined)
	}
}

func TestDetectFormat(t *testing.T) {
	cases := map[string]Format{
		"episode01.srt":                FormatSRT,
		"episode01.VTT":                FormatSRT,
		"notes.txt":                    FormatText,
		"page.html":                    FormatHTML,
		"https://example.com/news/123": FormatHTML,
		"https://example.com/subs.srt": FormatSRT,
	}
	for in, want := range cases {
		if got := DetectFormat(in); got != want {
			t.Fatalf("DetectFormat(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOpenFileAndURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ep.srt")
	if err := os.WriteFile(path, []byte(sampleSRT), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	lines, err := Open(context.Background(), nil, path)
	if err != nil || len(lines) != 2 {
		t.Fatalf("Open file: %v %+v", err, lines)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.srt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(sampleSRT))
	}))
	defer srv.Close()

	lines, err = Open(context.Background(), srv.Client(), srv.URL+"/ep.srt")
	if err != nil || len(lines) != 2 {
		t.Fatalf("Open url: %v %+v", err, lines)
	}
	if _, err := Open(context.Background(), srv.Client(), srv.URL+"/missing.srt"); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestReadLimited(t *testing.T) {
	big := strings.Repeat("a", MaxBodySize+1)
	if _, err := readLimited(strings.NewReader(big)); err != ErrTooLarge {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/japaniel/vocabsync/pkg/anki/ankitest"
	"github.com/japaniel/vocabsync/pkg/coloring"
	"github.com/japaniel/vocabsync/pkg/config"
	"github.com/japaniel/vocabsync/pkg/subtitles"
	"github.com/japaniel/vocabsync/pkg/tokenizer"
	"github.com/japaniel/vocabsync/pkg/vocab"
)

type spaceTokenizer struct{}

func (spaceTokenizer) Tokenize(_ context.Context, text string) ([]string, error) {
	return strings.Fields(text), nil
}

func (spaceTokenizer) Lemmatize(_ context.Context, token string) ([]string, error) {
	if token == "食べた" {
		return []string{"食べる"}, nil
	}
	return []string{token}, nil
}

func (spaceTokenizer) Ping(context.Context) error { return nil }

type cliTestEnv struct {
	configPath string
	baseDir    string
	collection *ankitest.Collection
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	base := t.TempDir()
	configPath := filepath.Join(base, "config.toml")
	body := `profile = "Test"

[database]
path = "` + filepath.ToSlash(filepath.Join(base, "cache.db")) + `"

[anki]
url = "http://127.0.0.1:1"

[logging]
level = "error"

[[tracks]]
word_fields = ["Word"]
sentence_fields = ["Sentence"]
`
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	c := ankitest.NewCollection()
	c.AddNote(ankitest.Note{ID: 1, Mod: 100, Fields: map[string]string{"Word": "猫", "Sentence": "猫 が 好き"}},
		ankitest.Card{ID: 11, Deck: "Japanese", Mod: 100, Type: ankitest.Review, Interval: 30})
	c.AddNote(ankitest.Note{ID: 2, Mod: 100, Fields: map[string]string{"Word": "犬", "Sentence": ""}},
		ankitest.Card{ID: 21, Deck: "Japanese", Mod: 100})

	return &cliTestEnv{configPath: configPath, baseDir: base, collection: c}
}

func (env *cliTestEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx := newCommandContext()
	ctx.client = env.collection
	ctx.newTokenizer = func(config.Track) (tokenizer.Tokenizer, error) { return spaceTokenizer{}, nil }
	ctx.logOutput = io.Discard

	root := newRootCommandWithContext(ctx)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--config", env.configPath}, args...))

	runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := root.ExecuteContext(runCtx)
	return out.String(), err
}

func (env *cliTestEnv) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := env.run(t, args...)
	if err != nil {
		t.Fatalf("vocabsync %s: %v\noutput:\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestBuildThenLookup(t *testing.T) {
	env := setupCLITestEnv(t)

	out := env.mustRun(t, "build")
	if !strings.Contains(out, "Processed cards") {
		t.Fatalf("build output missing stats:\n%s", out)
	}

	out = env.mustRun(t, "lookup", "--json", "猫", "犬", "鳥")
	var rows []lookupRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode lookup output: %v\n%s", err, out)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 cached tokens, got %+v", rows)
	}
	if rows[0].Token != "猫" || rows[0].Status != "MATURE" || rows[0].Source != "WORD_FIELD" {
		t.Fatalf("猫 = %+v", rows[0])
	}
	if rows[1].Token != "犬" || rows[1].Status == "MATURE" {
		t.Fatalf("犬 = %+v", rows[1])
	}

	out = env.mustRun(t, "lookup", "鳥")
	if !strings.Contains(out, "鳥: not collected") {
		t.Fatalf("missing token not reported:\n%s", out)
	}
}

func TestBuildJSONEvents(t *testing.T) {
	env := setupCLITestEnv(t)
	out := env.mustRun(t, "build", "--json")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := lines[len(lines)-1]
	var ev struct {
		Kind           string   `json:"kind"`
		ModifiedTokens []string `json:"modified_tokens"`
	}
	if err := json.Unmarshal([]byte(last), &ev); err != nil {
		t.Fatalf("decode event %q: %v", last, err)
	}
	if ev.Kind != "stats" || len(ev.ModifiedTokens) == 0 {
		t.Fatalf("last event = %+v", ev)
	}
}

func TestBuildPermissionDenied(t *testing.T) {
	env := setupCLITestEnv(t)
	env.collection.Denied = true
	if _, err := env.run(t, "build"); err == nil || !strings.Contains(err.Error(), "permission") {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestLocalSetLemmaDelete(t *testing.T) {
	env := setupCLITestEnv(t)

	env.mustRun(t, "local", "set", "食べた", "--status", "young", "--state", "tracked")
	out := env.mustRun(t, "lemma", "--json", "食べる")
	var rows []lookupRow
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("decode lemma output: %v\n%s", err, out)
	}
	if len(rows) != 1 || rows[0].Token != "食べた" || rows[0].Source != "LOCAL" || rows[0].Status != "YOUNG" {
		t.Fatalf("lemma rows = %+v", rows)
	}
	if len(rows[0].States) != 1 || rows[0].States[0] != "TRACKED" {
		t.Fatalf("states = %v", rows[0].States)
	}

	out = env.mustRun(t, "local", "delete", "食べた")
	if !strings.Contains(out, "Deleted 1") {
		t.Fatalf("delete output:\n%s", out)
	}
	out = env.mustRun(t, "lemma", "食べる")
	if !strings.Contains(out, "No tokens found") {
		t.Fatalf("token still present:\n%s", out)
	}
}

func TestLocalSetValidation(t *testing.T) {
	env := setupCLITestEnv(t)
	cases := [][]string{
		{"local", "set", "猫", "--status", "expert"},
		{"local", "set", "猫", "--status", "mature", "--state", "hidden"},
		{"local", "set", "猫", "--status", "uncollected"},
		{"local", "set", "猫", "--status", "mature", "--track", "2"},
		{"local", "set", "猫"},
	}
	for _, args := range cases {
		if _, err := env.run(t, args...); err == nil {
			t.Fatalf("vocabsync %s: expected an error", strings.Join(args, " "))
		}
	}
}

func TestColorize(t *testing.T) {
	env := setupCLITestEnv(t)
	env.mustRun(t, "build")

	src := filepath.Join(env.baseDir, "episode.srt")
	srt := "1\n00:00:01,000 --> 00:00:02,000\n猫 と 犬\n\n2\n00:00:03,000 --> 00:00:04,000\n鳥 。\n"
	if err := os.WriteFile(src, []byte(srt), 0o644); err != nil {
		t.Fatalf("write subtitles: %v", err)
	}

	out := env.mustRun(t, "colorize", "--json", src)
	var lines []coloring.Colored
	if err := json.Unmarshal([]byte(out), &lines); err != nil {
		t.Fatalf("decode colorize output: %v\n%s", err, out)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	got := map[string]vocab.Status{}
	for _, l := range lines {
		for _, tok := range l.Tokens {
			got[tok.Text] = tok.Status
		}
	}
	if got["猫"] != vocab.Mature || got["鳥"] != vocab.Uncollected || got["。"] != vocab.FullyKnown {
		t.Fatalf("statuses = %v", got)
	}

	out = env.mustRun(t, "colorize", "--color", "never", "--stats", src)
	if !strings.Contains(out, "Total tokens") || strings.Contains(out, "猫 と 犬") {
		t.Fatalf("stats output:\n%s", out)
	}
	out = env.mustRun(t, "colorize", "--color", "always", src)
	if !strings.Contains(out, "\x1b[") {
		t.Fatalf("expected ANSI output:\n%s", out)
	}
	if _, err := env.run(t, "colorize", "--color", "sometimes", src); err == nil {
		t.Fatalf("expected invalid --color error")
	}
}

func TestProfileDelete(t *testing.T) {
	env := setupCLITestEnv(t)
	env.mustRun(t, "build")

	if _, err := env.run(t, "profile", "delete"); err == nil {
		t.Fatalf("expected confirmation error")
	}
	out := env.mustRun(t, "profile", "delete", "--yes")
	if !strings.Contains(out, `Deleted profile "Test"`) {
		t.Fatalf("delete output:\n%s", out)
	}
	out = env.mustRun(t, "lookup", "猫")
	if !strings.Contains(out, "not collected") {
		t.Fatalf("profile data survived:\n%s", out)
	}
}

func TestConfigInit(t *testing.T) {
	env := setupCLITestEnv(t)
	target := filepath.Join(env.baseDir, "nested", "config.toml")
	out := env.mustRun(t, "config", "init", "--path", target)
	if !strings.Contains(out, "Wrote sample configuration") {
		t.Fatalf("init output:\n%s", out)
	}
	if _, err := env.run(t, "config", "init", "--path", target); err == nil {
		t.Fatalf("expected existing file error")
	}
	env.mustRun(t, "config", "init", "--path", target, "--overwrite")
	if _, _, _, err := config.Load(target); err != nil {
		t.Fatalf("written sample does not load: %v", err)
	}
}

func TestProfileFlagOverridesConfig(t *testing.T) {
	env := setupCLITestEnv(t)
	out := env.mustRun(t, "--profile", "Other", "config", "show")
	if !strings.Contains(out, "Other") {
		t.Fatalf("profile flag ignored:\n%s", out)
	}
}

func TestShowingAt(t *testing.T) {
	lines := []subtitles.Line{
		{Index: 0, Start: time.Second, End: 2 * time.Second, Text: "a"},
		{Index: 1, Start: 3 * time.Second, End: 4 * time.Second, Text: "b"},
	}
	cases := []struct {
		pos  time.Duration
		want []int
	}{
		{0, []int{0}},
		{1500 * time.Millisecond, []int{0}},
		{2500 * time.Millisecond, []int{1}},
		{3 * time.Second, []int{1}},
		{5 * time.Second, nil},
	}
	for _, tc := range cases {
		got := showingAt(lines, tc.pos)
		if len(got) != len(tc.want) || (len(got) > 0 && got[0] != tc.want[0]) {
			t.Fatalf("showingAt(%v) = %v, want %v", tc.pos, got, tc.want)
		}
	}
	untimed := []subtitles.Line{{Text: "a"}, {Text: "b"}}
	if got := showingAt(untimed, time.Hour); len(got) != 1 || got[0] != 0 {
		t.Fatalf("untimed showing = %v", got)
	}
}

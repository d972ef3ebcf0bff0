package tokenizer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
)

func TestCleanField(t *testing.T) {
	cases := map[string]string{
		"犬":                                  "犬",
		"<ruby>漢字<rt>かんじ</rt></ruby>を読む":      "漢字を読む",
		"<ruby>漢<rp>(</rp><rt>かん</rt><rp>)</rp></ruby>": "漢",
		"猫が<b>好き</b><br>です":                  "猫が好き です",
		"  ＡＢＣ　ｶﾀｶﾅ ":                        "ABC カタカナ",
		"&lt;tag&gt; &amp;":                   "<tag> &",
	}
	for in, want := range cases {
		if got := CleanField(in); got != want {
			t.Fatalf("CleanField(%q) = %q, want %q", in, got, want)
		}
	}
}

type countingTokenizer struct {
	calls atomic.Int32
	fail  bool
}

func (c *countingTokenizer) Tokenize(_ context.Context, text string) ([]string, error) {
	c.calls.Add(1)
	return []string{text, " 。", " x "}, nil
}

func (c *countingTokenizer) Lemmatize(_ context.Context, token string) ([]string, error) {
	c.calls.Add(1)
	if c.fail {
		return nil, errors.New("down")
	}
	return []string{token + "-lemma"}, nil
}

func (c *countingTokenizer) Ping(context.Context) error { return nil }

func TestMemoDeduplicates(t *testing.T) {
	inner := &countingTokenizer{}
	m := NewMemo(inner)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Lemmatize(ctx, "走っ"); err != nil {
				t.Errorf("lemmatize: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := inner.calls.Load(); n != 1 {
		t.Fatalf("expected a single upstream call, got %d", n)
	}
	m.Reset()
	if _, err := m.Lemmatize(ctx, "走っ"); err != nil || inner.calls.Load() != 2 {
		t.Fatalf("Reset must drop the cache: calls=%d err=%v", inner.calls.Load(), err)
	}

	inner.fail = true
	if _, err := m.Lemmatize(ctx, "見"); err == nil {
		t.Fatalf("errors must propagate")
	}
	inner.fail = false
	if got, err := m.Lemmatize(ctx, "見"); err != nil || got[0] != "見-lemma" {
		t.Fatalf("errors must not be cached: %v %v", got, err)
	}
}

func TestTrimmedTokens(t *testing.T) {
	got, err := TrimmedTokens(context.Background(), &countingTokenizer{}, "犬")
	if err != nil {
		t.Fatalf("TrimmedTokens: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"犬", "x"}) {
		t.Fatalf("TrimmedTokens = %v", got)
	}
}

func TestYomitanClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch r.URL.Path {
		case "/tokenize":
			if body["scanLength"].(float64) != 16 {
				t.Errorf("unexpected scanLength %v", body["scanLength"])
			}
			_, _ = w.Write([]byte(`[{"content":[[{"text":"猫"}],[{"text":"が"}],[{"text":"走"},{"text":"っ"}],[{"text":"た"}]]}]`))
		case "/termEntries":
			_, _ = w.Write([]byte(`{"dictionaryEntries":[{"headwords":[{"term":"走る","sources":[
				{"originalText":"走っ","deinflectedText":"走る","matchType":"exact"},
				{"originalText":"走っ","deinflectedText":"走る","matchType":"exact"},
				{"originalText":"走","deinflectedText":"走","matchType":"prefix"}]}]}]}`))
		case "/version":
			_, _ = w.Write([]byte(`{"version":1}`))
		default:
			_, _ = w.Write([]byte(`{"error":"unknown"}`))
		}
	}))
	defer srv.Close()

	y := NewYomitan(srv.URL, 0)
	ctx := context.Background()
	toks, err := y.Tokenize(ctx, "猫が走った")
	if err != nil || !reflect.DeepEqual(toks, []string{"猫", "が", "走っ", "た"}) {
		t.Fatalf("Tokenize = %v, %v", toks, err)
	}
	lemmas, err := y.Lemmatize(ctx, "走っ")
	if err != nil || !reflect.DeepEqual(lemmas, []string{"走る"}) {
		t.Fatalf("Lemmatize = %v, %v", lemmas, err)
	}
	if err := y.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	bad := NewYomitan("http://127.0.0.1:1", 16)
	if err := bad.Ping(ctx); err == nil {
		t.Fatalf("expected unreachable server to fail")
	}
}

func TestKagomeTokenizeAndLemmatize(t *testing.T) {
	k, err := NewKagome()
	if err != nil {
		t.Fatalf("NewKagome: %v", err)
	}
	ctx := context.Background()
	toks, err := k.Tokenize(ctx, "猫が走った。犬も")
	if err != nil {
		t.Fatalf("Tokenize: %v", err)
	}
	found := false
	for _, tok := range toks {
		if tok == "走っ" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected 走っ among %v", toks)
	}
	lemmas, err := k.Lemmatize(ctx, "走っ")
	if err != nil || !reflect.DeepEqual(lemmas, []string{"走る"}) {
		t.Fatalf("Lemmatize(走っ) = %v, %v", lemmas, err)
	}
}

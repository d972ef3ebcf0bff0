package tokenizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultYomitanURL is the default Yomitan API endpoint.
const DefaultYomitanURL = "http://127.0.0.1:19633"

// DefaultScanLength is the default Yomitan scan length.
const DefaultScanLength = 16

// Yomitan is a Tokenizer backed by the Yomitan API server.
type Yomitan struct {
	URL        string
	ScanLength int
	HTTP       *http.Client
}

// NewYomitan returns a client for url with the given scan length, using defaults for zero values.
func NewYomitan(url string, scanLength int) *Yomitan {
	if url == "" {
		url = DefaultYomitanURL
	}
	if scanLength <= 0 {
		scanLength = DefaultScanLength
	}
	return &Yomitan{URL: strings.TrimRight(url, "/"), ScanLength: scanLength, HTTP: &http.Client{Timeout: 15 * time.Second}}
}

func (y *Yomitan) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, y.URL+"/"+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	hc := y.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("yomitan %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("yomitan %s: read: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("yomitan %s: status %s", path, resp.Status)
	}
	var envelope struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error != "" {
		return fmt.Errorf("yomitan %s: %s", path, envelope.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("yomitan %s: decode: %w", path, err)
	}
	return nil
}

type tokenizeResult struct {
	Content [][]struct {
		Text string `json:"text"`
	} `json:"content"`
}

// Tokenize joins the parts of every scanned segment: [[the], [c, a, r]] -> [the, car].
func (y *Yomitan) Tokenize(ctx context.Context, text string) ([]string, error) {
	var results []tokenizeResult
	if err := y.post(ctx, "tokenize", map[string]any{"text": text, "scanLength": y.ScanLength}, &results); err != nil {
		return nil, err
	}
	var tokens []string
	for _, res := range results {
		for _, parts := range res.Content {
			var b strings.Builder
			for _, p := range parts {
				b.WriteString(p.Text)
			}
			tokens = append(tokens, b.String())
		}
	}
	return tokens, nil
}

type termEntries struct {
	DictionaryEntries []struct {
		Headwords []struct {
			Term    string `json:"term"`
			Sources []struct {
				OriginalText    string `json:"originalText"`
				DeinflectedText string `json:"deinflectedText"`
				MatchType       string `json:"matchType"`
			} `json:"sources"`
		} `json:"headwords"`
	} `json:"dictionaryEntries"`
}

// Lemmatize returns the distinct deinflected forms of token that match it exactly.
func (y *Yomitan) Lemmatize(ctx context.Context, token string) ([]string, error) {
	var entries termEntries
	if err := y.post(ctx, "termEntries", map[string]any{"term": token}, &entries); err != nil {
		return nil, err
	}
	var lemmas []string
	seen := make(map[string]bool)
	for _, entry := range entries.DictionaryEntries {
		for _, hw := range entry.Headwords {
			for _, src := range hw.Sources {
				if src.OriginalText != token || src.MatchType != "exact" {
					continue
				}
				if src.DeinflectedText == "" || seen[src.DeinflectedText] {
					continue
				}
				seen[src.DeinflectedText] = true
				lemmas = append(lemmas, src.DeinflectedText)
			}
		}
	}
	return lemmas, nil
}

func (y *Yomitan) Ping(ctx context.Context) error {
	return y.post(ctx, "version", map[string]any{}, nil)
}

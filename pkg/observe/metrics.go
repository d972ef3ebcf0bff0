// Package observe holds the OpenTelemetry instruments recorded by cache builds, the
// coloring engine and the HTTP API.
//
// Instruments are created from a metric.MeterProvider. Tests should pass an sdk provider
// with a manual reader; production code can use Default, which binds to the global
// provider.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/japaniel/vocabsync"

// Metrics holds every instrument. All fields are safe for concurrent use.
type Metrics struct {
	// Builds counts finished builds. Attribute "result" is "ok" or an error code.
	Builds metric.Int64Counter
	// BuildDuration tracks wall time of a build.
	BuildDuration metric.Float64Histogram
	// CardsProcessed counts cards re-tokenized by builds.
	CardsProcessed metric.Int64Counter
	// ModifiedTokens counts tokens and lemmas reported as modified by builds.
	ModifiedTokens metric.Int64Counter

	// LinesColored counts subtitle lines colored. Attribute "result" is "ok" or "errored".
	LinesColored metric.Int64Counter
	// RecolorsCancelled counts coloring passes abandoned because the window moved.
	RecolorsCancelled metric.Int64Counter

	// HTTPRequestDuration tracks API request time by method and route.
	HTTPRequestDuration metric.Float64Histogram
}

var buildBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600}

// NewMetrics creates every instrument from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Builds, err = m.Int64Counter("vocabsync.builds",
		metric.WithDescription("Cache builds by result."),
	); err != nil {
		return nil, err
	}
	if met.BuildDuration, err = m.Float64Histogram("vocabsync.build.duration",
		metric.WithDescription("Wall time of a cache build."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buildBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CardsProcessed, err = m.Int64Counter("vocabsync.build.cards",
		metric.WithDescription("Cards re-tokenized by cache builds."),
	); err != nil {
		return nil, err
	}
	if met.ModifiedTokens, err = m.Int64Counter("vocabsync.build.modified_tokens",
		metric.WithDescription("Tokens and lemmas reported as modified by cache builds."),
	); err != nil {
		return nil, err
	}
	if met.LinesColored, err = m.Int64Counter("vocabsync.coloring.lines",
		metric.WithDescription("Subtitle lines colored by result."),
	); err != nil {
		return nil, err
	}
	if met.RecolorsCancelled, err = m.Int64Counter("vocabsync.coloring.cancelled",
		metric.WithDescription("Coloring passes abandoned after the window moved."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("vocabsync.http.duration",
		metric.WithDescription("HTTP API request time."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns metrics bound to the global meter provider.
func Default() *Metrics {
	defaultOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordBuild records one finished build.
func (m *Metrics) RecordBuild(ctx context.Context, result string, seconds float64, cards, tokens int) {
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.Builds.Add(ctx, 1, attrs)
	m.BuildDuration.Record(ctx, seconds, attrs)
	m.CardsProcessed.Add(ctx, int64(cards))
	m.ModifiedTokens.Add(ctx, int64(tokens))
}

// RecordLine records one colored line.
func (m *Metrics) RecordLine(ctx context.Context, errored bool) {
	result := "ok"
	if errored {
		result = "errored"
	}
	m.LinesColored.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

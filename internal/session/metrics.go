package session

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type metrics struct {
	starts    metric.Int64Counter
	restarts  metric.Int64Counter
	errors    metric.Int64Counter
	fragments metric.Int64Counter
}

func newMetrics(log *slog.Logger) *metrics {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/session")
	m, err := buildMetrics(meter)
	if err != nil {
		log.Warn("failed to initialize session metrics", slog.String("error", err.Error()))
		m, _ = buildMetrics(noop.NewMeterProvider().Meter("session"))
	}
	return m
}

func buildMetrics(meter metric.Meter) (*metrics, error) {
	starts, err := meter.Int64Counter("scribe.session.starts", metric.WithDescription("Capability start attempts"))
	if err != nil {
		return nil, err
	}
	restarts, err := meter.Int64Counter("scribe.session.restarts", metric.WithDescription("Automatic capability restarts"))
	if err != nil {
		return nil, err
	}
	errs, err := meter.Int64Counter("scribe.session.errors", metric.WithDescription("Capability errors by code"))
	if err != nil {
		return nil, err
	}
	fragments, err := meter.Int64Counter("scribe.session.fragments", metric.WithDescription("Transcript fragments applied"))
	if err != nil {
		return nil, err
	}
	return &metrics{starts: starts, restarts: restarts, errors: errs, fragments: fragments}, nil
}

func (m *metrics) recordError(code string, fatal bool) {
	m.errors.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("code", code),
		attribute.Bool("fatal", fatal),
	))
}

func (m *metrics) recordFragments(interim, final int) {
	ctx := context.Background()
	if interim > 0 {
		m.fragments.Add(ctx, int64(interim), metric.WithAttributes(attribute.Bool("final", false)))
	}
	if final > 0 {
		m.fragments.Add(ctx, int64(final), metric.WithAttributes(attribute.Bool("final", true)))
	}
}

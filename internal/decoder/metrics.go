package decoder

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type meters struct {
	frames    metric.Int64Counter
	endpoints metric.Int64Counter
}

func newMeters(s *Service) *meters {
	m := &meters{}
	meter := otel.Meter("github.com/vocalisd/vocalis/decoder")

	frames, err := meter.Int64Counter("vocalis.decoder.frames",
		metric.WithDescription("Decoding steps processed"))
	if err == nil {
		m.frames = frames
	}
	endpoints, err := meter.Int64Counter("vocalis.decoder.endpoints",
		metric.WithDescription("Endpoints detected"))
	if err == nil {
		m.endpoints = endpoints
	}
	gauge, err := meter.Int64ObservableGauge("vocalis.decoder.streams",
		metric.WithDescription("Streams currently open"))
	if err == nil {
		_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
			obs.ObserveInt64(gauge, s.activeStreams())
			return nil
		}, gauge)
	}
	if err != nil {
		s.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return m
}

func (m *meters) framesDecoded(n int64) {
	if m.frames != nil {
		m.frames.Add(context.Background(), n)
	}
}

func (m *meters) endpointDetected() {
	if m.endpoints != nil {
		m.endpoints.Add(context.Background(), 1)
	}
}

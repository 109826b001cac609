package orchestration

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/koscakluka/ema-vtuber/core"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
	logger = otelslog.NewLogger(scopeName)

	turnsProcessed, _ = meter.Int64Counter("turns",
		metric.WithDescription("Turns processed, by outcome"),
	)
	turnDuration, _ = meter.Float64Histogram("turn.duration",
		metric.WithDescription("Time from receiving user input to the end signal"),
		metric.WithUnit("s"),
	)
)

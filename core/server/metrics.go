package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type metrics struct {
	registry     *prometheus.Registry
	connections  prometheus.Gauge
	turns        *prometheus.CounterVec
	turnDuration prometheus.Histogram
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ema_vtuber_connections",
			Help: "Open client websocket connections",
		}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ema_vtuber_turns_total",
			Help: "Turns processed, by outcome",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ema_vtuber_turn_duration_seconds",
			Help:    "Duration of processed turns",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
	}

	m.registry.MustRegister(
		m.connections,
		m.turns,
		m.turnDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

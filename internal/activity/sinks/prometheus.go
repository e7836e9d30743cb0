package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/searchguard/internal/activity"
	"github.com/JakeFAU/searchguard/internal/engine"
)

// PrometheusSink exports activity as Prometheus collectors.
type PrometheusSink struct {
	pagesAttached prometheus.Gauge
	evaluations   *prometheus.CounterVec
	evalDuration  prometheus.Histogram
	blocks        *prometheus.CounterVec
	bypasses      *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		pagesAttached: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "searchguard_pages_observed",
			Help: "Search pages currently observed.",
		}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchguard_query_evaluations_total",
			Help: "Query evaluations partitioned by observation source.",
		}, []string{"source"}),
		evalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "searchguard_query_evaluation_seconds",
			Help:    "Time spent matching a query against the word list.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchguard_blocks_total",
			Help: "Blocked queries partitioned by engine and source.",
		}, []string{"engine", "source"}),
		bypasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "searchguard_bypass_transitions_total",
			Help: "Bypass window transitions.",
		}, []string{"transition"}),
	}
	for _, collector := range []prometheus.Collector{
		s.pagesAttached,
		s.evaluations,
		s.evalDuration,
		s.blocks,
		s.bypasses,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register activity collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []activity.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case activity.KindPageAttached:
			s.pagesAttached.Inc()
		case activity.KindPageDetached:
			s.pagesAttached.Dec()
		case activity.KindEvaluated:
			s.evaluations.WithLabelValues(evt.Source).Inc()
			if evt.Dur > 0 {
				s.evalDuration.Observe(evt.Dur.Seconds())
			}
		case activity.KindBlocked:
			s.blocks.WithLabelValues(engine.FriendlyName(evt.Host), labelOr(evt.Source, "unknown")).Inc()
		case activity.KindBypassStarted:
			s.bypasses.WithLabelValues("started").Inc()
		case activity.KindBypassEnded:
			s.bypasses.WithLabelValues("ended").Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func labelOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

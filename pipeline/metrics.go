package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyline_stage_runs_total",
		Help: "Number of stage invocations by outcome",
	}, []string{"stage", "status"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storyline_stage_duration_seconds",
		Help:    "Duration of completed stage invocations",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // Start at 10ms, double each bucket, 16 buckets
	}, []string{"stage"})

	stageRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyline_stage_records_total",
		Help: "Records handled by each stage, by outcome",
	}, []string{"stage", "outcome"})

	clustersFound = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storyline_clusters",
		Help: "Number of clusters found by the latest clustering pass",
	})

	noisePosts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storyline_noise_posts",
		Help: "Number of posts labeled noise by the latest clustering pass",
	})
)

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("nikune/scheduler")

var postsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nikune_posts_total",
	Help: "Scheduled and on-demand post attempts, by outcome",
}, []string{"result"})

var quotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nikune_quotes_total",
	Help: "Timeline scans, by outcome",
}, []string{"result"})

var rateLimitDenied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nikune_ratelimit_denied_total",
	Help: "Quote actions denied by the rate limiter",
}, []string{"reason"})

var recencyDegraded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "nikune_recency_degraded_total",
	Help: "Decisions made without the recency cache",
})

var unitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "nikune_unit_duration_seconds",
	Help:    "Duration of one unit of work",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
}, []string{"kind"})

var skippedSlots = promauto.NewCounter(prometheus.CounterOpts{
	Name: "nikune_skipped_slots_total",
	Help: "Trigger slots coalesced into a later one after an overrun",
})

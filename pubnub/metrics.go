package pubnub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	outcomeOK         = "ok"
	outcomeDecode     = "decode_error"
	outcomeNullResult = "null_result"
	outcomeStatus     = "status_error"
	outcomePoll       = "poll_error"
	outcomeOther      = "other_error"
)

// Metrics holds the collectors updated by clients and their bridges.
type Metrics struct {
	contexts  prometheus.Gauge
	rearms    prometheus.Counter
	received  *prometheus.CounterVec
	dropped   prometheus.Counter
	published *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		contexts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "pubnub",
			Name:      "native_contexts",
			Help:      "Native contexts currently owned by subscriptions and publish futures.",
		}),
		rearms: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pubnub",
			Name:      "subscribe_rearms_total",
			Help:      "Subscribe calls re-issued from a completion callback.",
		}),
		received: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pubnub",
			Name:      "subscribe_items_total",
			Help:      "Subscribe completions turned into queue items, by outcome.",
		}, []string{"outcome"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pubnub",
			Name:      "subscribe_dropped_total",
			Help:      "Queue items discarded because the subscription queue was full.",
		}),
		published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pubnub",
			Name:      "publish_total",
			Help:      "Resolved publish futures, by outcome.",
		}, []string{"outcome"}),
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return outcomeOK
	}
	e, ok := err.(*Error)
	if !ok {
		return outcomeOther
	}
	switch e.Kind {
	case KindDecode:
		return outcomeDecode
	case KindNullResult:
		return outcomeNullResult
	case KindStatus:
		return outcomeStatus
	case KindPoll:
		return outcomePoll
	}
	return outcomeOther
}

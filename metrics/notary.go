package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/weisyn/ledger-flow-go/ledger"
	"github.com/weisyn/ledger-flow-go/notary"
	"github.com/weisyn/ledger-flow-go/types"
)

// instrumentedNotary 为公证请求计数与计时
type instrumentedNotary struct {
	notary.Notary
	requests *prometheus.CounterVec
	latency  prometheus.Histogram
}

// InstrumentNotary 包装公证人，导出 notary_requests_total{code} 与 notary_request_seconds
func InstrumentNotary(n notary.Notary, reg prometheus.Registerer) (notary.Notary, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	in := &instrumentedNotary{
		Notary: n,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notary_requests_total",
			Help:      "Seal requests by result code; empty code means sealed.",
		}, []string{"code"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notary_request_seconds",
			Help:      "Seal request latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	for _, c := range []prometheus.Collector{in.requests, in.latency} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register notary metrics: %w", err)
		}
	}
	return in, nil
}

func (n *instrumentedNotary) RequestSeal(ctx context.Context, stx *ledger.SignedTransition) (*ledger.NotarySeal, error) {
	start := time.Now()
	seal, err := n.Notary.RequestSeal(ctx, stx)
	n.latency.Observe(time.Since(start).Seconds())

	code := ""
	if err != nil {
		if code = types.CodeOf(err); code == "" {
			code = "UNKNOWN"
		}
	}
	n.requests.WithLabelValues(code).Inc()
	return seal, err
}

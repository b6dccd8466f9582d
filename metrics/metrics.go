// Package metrics 把协议进度事件导出为 Prometheus 指标。
package metrics

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weisyn/ledger-flow-go/flow"
	"github.com/weisyn/ledger-flow-go/types"
)

const namespace = "ledgerflow"

// Observer 实现 flow.Observer
type Observer struct {
	transitions *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	inFlight    *prometheus.GaugeVec
	duration    *prometheus.HistogramVec

	mu      sync.Mutex
	started map[string]flow.ProgressEvent
}

// NewObserver 创建并注册指标；reg 为 nil 时使用 prometheus.DefaultRegisterer
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &Observer{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "State machine transitions by role and target state.",
		}, []string{"role", "from", "to"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Terminal outcomes by role, state and error code.",
		}, []string{"role", "state", "code"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flows_in_flight",
			Help:      "Protocol instances that have left their initial state and not yet terminated.",
		}, []string{"role"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flow_duration_seconds",
			Help:      "Time from the first transition to the terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"role", "state"}),
		started: make(map[string]flow.ProgressEvent),
	}

	for _, c := range []prometheus.Collector{o.transitions, o.outcomes, o.inFlight, o.duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return o, nil
}

// OnProgress 记录一次状态迁移
func (o *Observer) OnProgress(ev flow.ProgressEvent) {
	role := string(ev.Role)
	o.transitions.WithLabelValues(role, string(ev.From), string(ev.To)).Inc()

	key := role + "/" + ev.FlowID
	o.mu.Lock()
	first, seen := o.started[key]
	if !seen && ev.From == flow.InitialState(ev.Role) {
		o.started[key] = ev
		first = ev
		seen = true
		o.inFlight.WithLabelValues(role).Inc()
	}
	if ev.To.Terminal() {
		delete(o.started, key)
	}
	o.mu.Unlock()

	if !ev.To.Terminal() {
		return
	}
	code := ""
	if ev.Reason != nil {
		code = types.CodeOf(ev.Reason)
		if code == "" {
			code = "UNKNOWN"
		}
	}
	o.outcomes.WithLabelValues(role, string(ev.To), code).Inc()
	if seen {
		o.inFlight.WithLabelValues(role).Dec()
		o.duration.WithLabelValues(role, string(ev.To)).Observe(ev.At.Sub(first.At).Seconds())
	}
}

// Handler 以 gatherer 暴露 /metrics；nil 表示默认 gatherer
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

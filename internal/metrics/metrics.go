// Package metrics 收集预留引擎与流控网关的 Prometheus 指标。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stock_reserve"

// Recorder 持有独立的注册表，测试中可以创建多个实例互不干扰
type Recorder struct {
	registry *prometheus.Registry

	engineOps      *prometheus.CounterVec
	engineDuration *prometheus.HistogramVec
	lockWait       *prometheus.HistogramVec
	lockReleases   *prometheus.CounterVec
	gateDecisions  *prometheus.CounterVec
	events         *prometheus.CounterVec
}

// New 创建指标记录器并注册 Go 运行时指标
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		engineOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_operations_total",
			Help:      "Reservation engine operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		engineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_operation_seconds",
			Help:      "End to end duration of reservation engine operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the ledger lock.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"acquired"}),
		lockReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_releases_total",
			Help:      "Ledger lock releases by result.",
		}, []string{"result"}),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Flow control gate decisions by category.",
		}, []string{"category", "decision"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_events_total",
			Help:      "Ledger events published or applied.",
		}, []string{"type", "result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.engineOps, r.engineDuration, r.lockWait, r.lockReleases, r.gateDecisions, r.events,
	)
	return r
}

// ObserveOperation 记录一次引擎操作
func (r *Recorder) ObserveOperation(op, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.engineOps.WithLabelValues(op, outcome).Inc()
	r.engineDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveLockWait 记录获取锁的等待时间
func (r *Recorder) ObserveLockWait(acquired bool, d time.Duration) {
	if r == nil {
		return
	}
	label := "false"
	if acquired {
		label = "true"
	}
	r.lockWait.WithLabelValues(label).Observe(d.Seconds())
}

// LockReleased 记录锁释放结果：released、expired 或 error
func (r *Recorder) LockReleased(result string) {
	if r == nil {
		return
	}
	r.lockReleases.WithLabelValues(result).Inc()
}

// GateDecision 记录流控结果：allowed、rejected 或 fail_open
func (r *Recorder) GateDecision(category, decision string) {
	if r == nil {
		return
	}
	r.gateDecisions.WithLabelValues(category, decision).Inc()
}

// Event 记录事件发布或投影结果
func (r *Recorder) Event(eventType, result string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(eventType, result).Inc()
}

// Registry 返回底层注册表
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler 返回 /metrics 的 HTTP 处理器
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

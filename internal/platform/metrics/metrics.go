// Package metrics 暴露 mtxviewd 的 prometheus 指标。
package metrics

import (
	"net/http"

	"mtx-viewer/pkg/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 保存所有计数器和仪表，使用独立的 registry
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal  prometheus.Counter
	errorsTotal    prometheus.Counter
	apiErrorsTotal prometheus.Counter
	viewerEvents   *prometheus.CounterVec
	viewerStarts   *prometheus.CounterVec
	viewerFailures *prometheus.CounterVec
	activeViewers  *prometheus.GaugeVec
	readyPaths     prometheus.Gauge
}

// New 创建并注册指标
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtxviewer_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtxviewer_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		apiErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtxviewer_api_errors_total",
			Help: "Total number of failed media server API calls",
		}),
		viewerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtxviewer_viewer_events_total",
			Help: "Viewer lifecycle events by transport and kind",
		}, []string{"transport", "kind"}),
		viewerStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtxviewer_viewer_starts_total",
			Help: "Viewers started successfully",
		}, []string{"transport"}),
		viewerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtxviewer_viewer_failures_total",
			Help: "Viewers that failed to start",
		}, []string{"transport"}),
		activeViewers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mtxviewer_active_viewers",
			Help: "Number of live viewers by transport",
		}, []string{"transport"}),
		readyPaths: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtxviewer_ready_paths",
			Help: "Number of ready paths in the last poll",
		}),
	}
	m.registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.apiErrorsTotal,
		m.viewerEvents,
		m.viewerStarts,
		m.viewerFailures,
		m.activeViewers,
		m.readyPaths,
	)
	return m
}

// Registry 返回底层 registry
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Emit 实现 events.Emitter
func (m *Metrics) Emit(ev events.Event) {
	m.viewerEvents.WithLabelValues(ev.Transport, string(ev.Kind)).Inc()
	switch ev.Kind {
	case events.KindStarted:
		m.viewerStarts.WithLabelValues(ev.Transport).Inc()
	case events.KindFailed:
		m.viewerFailures.WithLabelValues(ev.Transport).Inc()
	}
}

func (m *Metrics) IncRequests() { m.requestsTotal.Inc() }

func (m *Metrics) IncErrors() { m.errorsTotal.Inc() }

// IncAPIErrors 记录一次失败的 API 调用
func (m *Metrics) IncAPIErrors() { m.apiErrorsTotal.Inc() }

// SetActiveViewers 设置某种传输的活动连接数
func (m *Metrics) SetActiveViewers(transport string, n int) {
	m.activeViewers.WithLabelValues(transport).Set(float64(n))
}

// SetReadyPaths 设置就绪 path 数
func (m *Metrics) SetReadyPaths(n int) { m.readyPaths.Set(float64(n)) }

// Handler 返回 /metrics 处理器，每次抓取前调用 updateGauges 刷新仪表
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}

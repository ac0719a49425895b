// Package metrics 封装基于 Prometheus 的独立注册表与模拟过程的标准指标.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 封装了 Prometheus 注册中心及预定义的模拟指标。
type Metrics struct {
	registry *prometheus.Registry

	TrialsTotal      *prometheus.CounterVec   // 试验结果计数 (outcome: accepted, rejected)
	RejectionsTotal  *prometheus.CounterVec   // 拒绝原因计数 (reason: history, degenerate, insufficient)
	AttemptsPerTrial prometheus.Histogram     // 每个试验消耗的尝试次数
	RunDuration      *prometheus.HistogramVec // 各阶段耗时 (stage: simulate, overlap)
	BuildInfo        *prometheus.GaugeVec
}

// NewMetrics 初始化并返回一个新的指标采集器。
// 它会自动注册 Go 运行时指标和进程指标。
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}

	m.TrialsTotal = m.NewCounterVec(prometheus.CounterOpts{
		Name: "etflab_trials_total",
		Help: "Total number of simulation attempts by outcome",
	}, []string{"outcome"})

	m.RejectionsTotal = m.NewCounterVec(prometheus.CounterOpts{
		Name: "etflab_trial_rejections_total",
		Help: "Rejected simulation attempts by reason",
	}, []string{"reason"})

	m.AttemptsPerTrial = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "etflab_attempts_per_trial",
		Help:    "Number of sampling attempts needed to fill one trial slot",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8),
	})
	reg.MustRegister(m.AttemptsPerTrial)

	m.RunDuration = m.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "etflab_stage_duration_seconds",
		Help:    "Duration of analysis stages in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	slog.Info("unified metrics registry initialized", "service", serviceName)
	return m
}

// NewCounterVec 创建并注册一个新的计数器指标。
func (m *Metrics) NewCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(opts, labelNames)
	m.registry.MustRegister(cv)
	return cv
}

// NewGaugeVec 创建并注册一个新的仪表盘指标。
func (m *Metrics) NewGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	gv := prometheus.NewGaugeVec(opts, labelNames)
	m.registry.MustRegister(gv)
	return gv
}

// NewHistogramVec 创建并注册一个新的直方图指标。
func (m *Metrics) NewHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	hv := prometheus.NewHistogramVec(opts, labelNames)
	m.registry.MustRegister(hv)
	return hv
}

// Registry 返回内部注册中心, 供测试读取指标值。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveStage 返回一个结束函数, 调用时记录阶段耗时。
func (m *Metrics) ObserveStage(stage string) func() {
	start := time.Now()
	return func() {
		if m == nil {
			return
		}
		m.RunDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

// Handler 返回用于暴露指标的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ExposeHttp 在指定端口启动一个独立的 HTTP 服务器用于暴露指标数据。
// 返回一个清理函数用于优雅关闭该服务器。
func (m *Metrics) ExposeHttp(port string) func() {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown metrics server", "error", err)
		}
	}
}

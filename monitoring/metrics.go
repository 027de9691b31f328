package monitoring

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mltornado"

// Metrics 服务指标，注册在独立的registry上
type Metrics struct {
	registry *prometheus.Registry

	trainings      *prometheus.CounterVec
	trainingTime   *prometheus.HistogramVec
	rejected       *prometheus.CounterVec
	inFlight       prometheus.Gauge
	predictions    *prometheus.CounterVec
	modelCache     *prometheus.CounterVec
	uploads        prometheus.Counter
	publishedTotal prometheus.GaugeFunc

	startTime time.Time
}

// NewMetrics 创建指标收集器. publishedModels 返回当前已发布模型数量，可为nil
func NewMetrics(publishedModels func() int) *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		trainings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trainings_total",
			Help:      "Training jobs by classifier and outcome (completed, skipped, failed).",
		}, []string{"classifier", "outcome"}),
		trainingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "training_duration_seconds",
			Help:      "Wall time of training jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"classifier"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_rejected_total",
			Help:      "Update requests rejected before a job started.",
		}, []string{"reason"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trainings_in_flight",
			Help:      "Datasets with a training job running or queued.",
		}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Prediction requests by outcome.",
		}, []string{"outcome"}),
		modelCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_cache_lookups_total",
			Help:      "Decoded model cache lookups.",
		}, []string{"result"}),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_added_total",
			Help:      "Labeled instances appended to the feature store.",
		}),
	}
	if publishedModels == nil {
		publishedModels = func() int { return 0 }
	}
	m.publishedTotal = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "published_models",
		Help:      "Models currently served for prediction.",
	}, func() float64 { return float64(publishedModels()) })

	m.registry.MustRegister(
		m.trainings, m.trainingTime, m.rejected, m.inFlight,
		m.predictions, m.modelCache, m.uploads, m.publishedTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveTraining 记录一次训练结果
func (m *Metrics) ObserveTraining(classifier, outcome string, elapsed time.Duration) {
	m.trainings.WithLabelValues(classifier, outcome).Inc()
	m.trainingTime.WithLabelValues(classifier).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetInFlight(n int) {
	m.inFlight.Set(float64(n))
}

func (m *Metrics) ObservePrediction(outcome string) {
	m.predictions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveModelCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.modelCache.WithLabelValues(result).Inc()
}

// ObserveUpload 记录新增样本
func (m *Metrics) ObserveUpload() {
	m.uploads.Inc()
}

// Registry 返回底层registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 导出Prometheus格式
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// GetUptime 获取运行时间
func (m *Metrics) GetUptime() time.Duration {
	return time.Since(m.startTime)
}

// GetSystemStats 获取系统统计
func (m *Metrics) GetSystemStats() map[string]interface{} {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return map[string]interface{}{
		"uptime":     m.GetUptime().String(),
		"goroutines": runtime.NumGoroutine(),
		"memory": map[string]interface{}{
			"heap_alloc": mem.HeapAlloc,
			"heap_sys":   mem.HeapSys,
			"gc_count":   mem.NumGC,
		},
		"num_cpu": runtime.NumCPU(),
	}
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application. A nil *Metrics
// is valid and records nothing, so tests can run components without a
// registry.
type Metrics struct {
	TasksTotal      *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	PagesAnalyzed   prometheus.Counter
	PendingTasks    prometheus.Gauge
	ProcessingTasks prometheus.Gauge
	ActiveWorkers   prometheus.Gauge
	BrowserContexts prometheus.Gauge
	BrowserPages    prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		TasksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scan_tasks_total",
			Help: "The total number of scan tasks by type and terminal status",
		}, []string{"type", "status"}),
		TaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scan_task_duration_seconds",
			Help:    "Duration of scan task executions",
			Buckets: []float64{1, 5, 10, 15, 30, 60, 120, 300},
		}, []string{"type"}),
		PagesAnalyzed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "scan_pages_analyzed_total",
			Help: "The total number of pages run through the scan engines",
		}),
		PendingTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scan_tasks_pending",
			Help: "Current number of tasks waiting in the queue",
		}),
		ProcessingTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scan_tasks_processing",
			Help: "Current number of tasks being processed",
		}),
		ActiveWorkers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scan_workers",
			Help: "Current size of the worker pool",
		}),
		BrowserContexts: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "browser_contexts",
			Help: "Live isolated browsing contexts",
		}),
		BrowserPages: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "browser_pages",
			Help: "Live browser pages",
		}),
	}
}

func (m *Metrics) ObserveTask(taskType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(taskType, status).Inc()
	m.TaskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

func (m *Metrics) IncPagesAnalyzed() {
	if m == nil {
		return
	}
	m.PagesAnalyzed.Inc()
}

func (m *Metrics) SetQueueDepth(pending, processing int) {
	if m == nil {
		return
	}
	m.PendingTasks.Set(float64(pending))
	m.ProcessingTasks.Set(float64(processing))
}

func (m *Metrics) SetWorkers(n int) {
	if m == nil {
		return
	}
	m.ActiveWorkers.Set(float64(n))
}

func (m *Metrics) SetBrowserUsage(contexts, pages int) {
	if m == nil {
		return
	}
	m.BrowserContexts.Set(float64(contexts))
	m.BrowserPages.Set(float64(pages))
}

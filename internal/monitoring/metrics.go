package monitoring

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Thread metrics
	ThreadsCreated   prometheus.Counter
	ThreadsCollected prometheus.Counter
	ThreadsLive      prometheus.Gauge
	Resumes          prometheus.Counter

	// Interrupt metrics
	Interrupts *prometheus.CounterVec

	// Module metrics
	ModulesLoaded   prometheus.Counter
	ModuleCacheHits prometheus.Counter

	// Sandbox metrics
	SandboxToggles *prometheus.CounterVec

	// Collection metrics
	Collections prometheus.Counter
}

var (
	shared *Metrics
	once   sync.Once
)

// Get returns the process-wide metrics collector. Metrics register with the
// default Prometheus registry, so all VMs in a process share one instance.
func Get() *Metrics {
	once.Do(func() {
		shared = newMetrics()
	})
	return shared
}

// newMetrics creates a new metrics collector
func newMetrics() *Metrics {
	return &Metrics{
		// Thread metrics
		ThreadsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "luabridge_threads_created_total",
				Help: "Total number of threads created",
			},
		),
		ThreadsCollected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "luabridge_threads_collected_total",
				Help: "Total number of threads reclaimed by collection",
			},
		),
		ThreadsLive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "luabridge_threads_live",
				Help: "Number of threads currently alive",
			},
		),
		Resumes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "luabridge_thread_resumes_total",
				Help: "Total number of thread resume operations",
			},
		),

		// Interrupt metrics
		Interrupts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luabridge_interrupts_total",
				Help: "Total number of interrupt hook invocations",
			},
			[]string{"outcome"},
		),

		// Module metrics
		ModulesLoaded: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "luabridge_modules_loaded_total",
				Help: "Total number of modules loaded from disk",
			},
		),
		ModuleCacheHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "luabridge_module_cache_hits_total",
				Help: "Total number of require calls served from cache",
			},
		),

		// Sandbox metrics
		SandboxToggles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luabridge_sandbox_toggles_total",
				Help: "Total number of sandbox mode transitions",
			},
			[]string{"enabled"},
		),

		// Collection metrics
		Collections: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "luabridge_collections_total",
				Help: "Total number of explicit collection cycles",
			},
		),
	}
}

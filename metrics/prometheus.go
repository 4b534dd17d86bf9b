package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusProvider is a Provider backed by github.com/prometheus/client_golang,
// letting the Monitor's PoolStats sampling export
// directly to a Prometheus registry instead of only the in-memory
// BasicProvider. Instruments are created on demand by name, like
// BasicProvider, and registered against the supplied *prometheus.Registry.
type PrometheusProvider struct {
	mu         sync.Mutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	updowns    map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusProvider constructs a PrometheusProvider registering its
// instruments against reg. If reg is nil, prometheus.NewRegistry() is used.
func NewPrometheusProvider(reg *prometheus.Registry) *PrometheusProvider {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &PrometheusProvider{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		updowns:    make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry returns the underlying Prometheus registry, for wiring into an
// HTTP /metrics handler by the caller (out of scope for this module).
func (p *PrometheusProvider) Registry() *prometheus.Registry { return p.reg }

// promName maps a dotted instrument name such as "fleetpool.workers.busy"
// onto a valid Prometheus metric name by replacing each '.' with '_'.
func promName(name string) string { return strings.ReplaceAll(name, ".", "_") }

func labelNames(attrs map[string]string) []string {
	names := make([]string, 0, len(attrs))
	for k := range attrs {
		names = append(names, k)
	}
	return names
}

func (p *PrometheusProvider) Counter(name string, opts ...InstrumentOption) Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return &promCounter{vec: c, labels: applyOptions(opts).Attributes}
	}
	cfg := applyOptions(opts)
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: promName(name),
		Help: cfg.Description,
	}, labelNames(cfg.Attributes))
	p.reg.MustRegister(vec)
	p.counters[name] = vec
	return &promCounter{vec: vec, labels: cfg.Attributes}
}

func (p *PrometheusProvider) UpDownCounter(name string, opts ...InstrumentOption) UpDownCounter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.updowns[name]; ok {
		return &promUpDown{vec: g, labels: applyOptions(opts).Attributes}
	}
	cfg := applyOptions(opts)
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: promName(name),
		Help: cfg.Description,
	}, labelNames(cfg.Attributes))
	p.reg.MustRegister(vec)
	p.updowns[name] = vec
	return &promUpDown{vec: vec, labels: cfg.Attributes}
}

func (p *PrometheusProvider) Histogram(name string, opts ...InstrumentOption) Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histograms[name]; ok {
		return &promHistogram{vec: h, labels: applyOptions(opts).Attributes}
	}
	cfg := applyOptions(opts)
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: promName(name),
		Help: cfg.Description,
	}, labelNames(cfg.Attributes))
	p.reg.MustRegister(vec)
	p.histograms[name] = vec
	return &promHistogram{vec: vec, labels: cfg.Attributes}
}

type promCounter struct {
	vec    *prometheus.CounterVec
	labels map[string]string
}

func (c *promCounter) Add(n int64) {
	c.vec.With(prometheus.Labels(c.labels)).Add(float64(n))
}

type promUpDown struct {
	vec    *prometheus.GaugeVec
	labels map[string]string
}

func (u *promUpDown) Add(n int64) {
	u.vec.With(prometheus.Labels(u.labels)).Add(float64(n))
}

type promHistogram struct {
	vec    *prometheus.HistogramVec
	labels map[string]string
}

func (h *promHistogram) Record(v float64) {
	h.vec.With(prometheus.Labels(h.labels)).Observe(v)
}

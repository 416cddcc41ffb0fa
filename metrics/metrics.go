// Package metrics exposes Prometheus counters and histograms for
// supervisor and worker-pool activity. Unlike the DataDog statsd client it
// replaces, Prometheus is pull-based: Start registers the collectors and
// serves /metrics over HTTP rather than pushing to a collector host.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devrev/airdrop-runtime/logger"
)

type CollectorConfig struct {
	Enabled bool
	// ListenAddr is the host:port /metrics is served on, e.g. ":9090".
	ListenAddr string
}

type Collector struct {
	config CollectorConfig
	logger logger.Logger
	registry *prometheus.Registry
	server   *http.Server

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

func NewCollector(l logger.Logger, c CollectorConfig) *Collector {
	return &Collector{
		config:     c,
		logger:     l,
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Start serves the Prometheus exposition endpoint in the background. It is
// a no-op, not an error, when metrics are disabled in config.
func (c *Collector) Start() error {
	if !c.config.Enabled {
		return nil
	}
	if c.config.ListenAddr == "" {
		return errors.New("metrics: ListenAddr must be set when metrics are enabled")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	c.server = &http.Server{Addr: c.config.ListenAddr, Handler: mux}

	c.logger.Info("[metrics] serving prometheus metrics on %s/metrics", c.config.ListenAddr)
	go func() {
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("[metrics] server error: %v", err)
		}
	}()
	return nil
}

func (c *Collector) Stop() error {
	if c.server == nil {
		return nil
	}
	c.logger.Info("[metrics] stopping metrics server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.server.Shutdown(ctx)
}

// Scope returns a handle for emitting samples against a fixed set of
// base tags, merged with any call-site tags supplied to Timing/Count.
func (c *Collector) Scope(tags Tags) *Scope {
	return &Scope{Tags: tags, c: c}
}

type Scope struct {
	Tags Tags
	c    *Collector
}

// Timing records a duration observation in seconds.
func (s *Scope) Timing(name string, value time.Duration, tags ...Tags) {
	if !s.c.config.Enabled {
		return
	}
	merged := s.mergeTags(tags...)
	label := merged.label()
	s.c.logger.Debug("[metrics] timing %s=%v %s", name, value, label)

	hv := s.c.histogramVec(name)
	hv.WithLabelValues(label).Observe(value.Seconds())
}

// Count increments a counter by value.
func (s *Scope) Count(name string, value int64, tags ...Tags) {
	if !s.c.config.Enabled {
		return
	}
	merged := s.mergeTags(tags...)
	label := merged.label()
	s.c.logger.Debug("[metrics] count %s=%v %s", name, value, label)

	cv := s.c.counterVec(name)
	cv.WithLabelValues(label).Add(float64(value))
}

// With returns a scope with more tags added.
func (s *Scope) With(tags Tags) *Scope {
	return &Scope{Tags: s.mergeTags(tags), c: s.c}
}

func (s *Scope) mergeTags(tagsSlice ...Tags) Tags {
	merged := Tags{}
	for k, v := range s.Tags {
		merged[formatName(k)] = formatName(v)
	}
	for _, tags := range tagsSlice {
		for k, v := range tags {
			merged[formatName(k)] = formatName(v)
		}
	}
	return merged
}

func (c *Collector) counterVec(name string) *prometheus.CounterVec {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cv, ok := c.counters[name]; ok {
		return cv
	}
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "airdrop_runtime",
		Name:      formatName(name),
		Help:      fmt.Sprintf("airdrop-runtime counter %s", name),
	}, []string{"tags"})
	c.registry.MustRegister(cv)
	c.counters[name] = cv
	return cv
}

func (c *Collector) histogramVec(name string) *prometheus.HistogramVec {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hv, ok := c.histograms[name]; ok {
		return hv
	}
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "airdrop_runtime",
		Name:      formatName(name),
		Help:      fmt.Sprintf("airdrop-runtime histogram %s", name),
		Buckets:   prometheus.DefBuckets,
	}, []string{"tags"})
	c.registry.MustRegister(hv)
	c.histograms[name] = hv
	return hv
}

type Tags map[string]string

// label serializes tags into a single stable Prometheus label value
// (sorted k=v pairs), since vector label names must be fixed at
// registration but the call sites choose their tag keys dynamically.
func (tags Tags) label() string {
	var pairs []string
	for k, v := range tags {
		if k != "" && v != "" {
			pairs = append(pairs, k+"="+v)
		}
	}
	sort.Strings(pairs)
	out := ""
	for i, p := range pairs {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

var nameRegex = regexp.MustCompile(`[^_a-zA-Z0-9]+`)

// formatName keeps metric and tag-value characters within what Prometheus
// accepts for metric and label names.
func formatName(name string) string {
	return nameRegex.ReplaceAllString(name, "_")
}

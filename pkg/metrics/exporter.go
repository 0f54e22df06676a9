package metrics

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/luckiday/dreamgaussian-api/pkg/logging"
	"github.com/luckiday/dreamgaussian-api/pkg/models"
	"github.com/luckiday/dreamgaussian-api/pkg/store"
)

const namespace = "dreamgen"

// Exporter owns the service's Prometheus registry. It implements the
// observer interfaces of the gateway, executor and worker packages.
type Exporter struct {
	registry *prometheus.Registry

	submissions    *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	jobsInFlight   *prometheus.GaugeVec
	jobDuration    *prometheus.HistogramVec
	stageDuration  *prometheus.HistogramVec
	orphans        prometheus.Counter
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	startTime      time.Time
	uptimeFunction prometheus.GaugeFunc
}

// Options selects the optional collectors
type Options struct {
	// Store enables the jobs-by-state gauge
	Store store.StatusStore
	// Host enables CPU and memory gauges
	Host bool
	// Runtime enables the Go and process collectors
	Runtime bool
	Logger  *logging.Logger
}

// NewExporter creates an exporter with its own registry
func NewExporter(opts Options) *Exporter {
	e := &Exporter{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Generation requests by variant and outcome",
			},
			[]string{"variant", "outcome"},
		),
		jobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_finished_total",
				Help:      "Jobs that reached a terminal state",
			},
			[]string{"variant", "status"},
		),
		jobsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_in_flight",
				Help:      "Jobs currently executing in this process",
			},
			[]string{"variant"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Wall time of both stages of a job",
				Buckets:   prometheus.ExponentialBuckets(10, 2, 10),
			},
			[]string{"variant", "status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Wall time of a single pipeline stage",
				Buckets:   prometheus.ExponentialBuckets(5, 2, 11),
			},
			[]string{"variant", "stage", "outcome"},
		),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_jobs_total",
			Help:      "Running jobs failed after their worker stopped heartbeating",
		}),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status code",
			},
			[]string{"method", "route", "code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
	e.uptimeFunction = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the process started",
	}, func() float64 { return time.Since(e.startTime).Seconds() })

	e.registry.MustRegister(
		e.submissions,
		e.jobsFinished,
		e.jobsInFlight,
		e.jobDuration,
		e.stageDuration,
		e.orphans,
		e.httpRequests,
		e.httpDuration,
		e.uptimeFunction,
	)

	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	if opts.Store != nil {
		e.registry.MustRegister(newJobsCollector(opts.Store, logger))
	}
	if opts.Host {
		e.registry.MustRegister(newHostCollector())
	}
	if opts.Runtime {
		e.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return e
}

// Registry exposes the underlying registry
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the Prometheus text format
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// WriteText encodes every gathered family in the text exposition format
func (e *Exporter) WriteText(w io.Writer) error {
	families, err := e.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	encoder := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WriteSnapshot writes the current metrics to path, replacing it atomically
func (e *Exporter) WriteSnapshot(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := e.WriteText(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Submitted counts a generation request
func (e *Exporter) Submitted(variant, outcome string) {
	e.submissions.WithLabelValues(variant, outcome).Inc()
}

// ObserveStage records a finished stage
func (e *Exporter) ObserveStage(variant string, stage int, outcome string, d time.Duration) {
	e.stageDuration.WithLabelValues(variant, strconv.Itoa(stage), outcome).Observe(d.Seconds())
}

// JobStarted marks a job as executing
func (e *Exporter) JobStarted(variant string) {
	e.jobsInFlight.WithLabelValues(variant).Inc()
}

// JobFinished records a terminal job
func (e *Exporter) JobFinished(variant string, status models.JobStatus, d time.Duration) {
	e.jobsInFlight.WithLabelValues(variant).Dec()
	e.jobsFinished.WithLabelValues(variant, string(status)).Inc()
	e.jobDuration.WithLabelValues(variant, string(status)).Observe(d.Seconds())
}

// OrphansRecovered counts jobs failed by the recovery loop
func (e *Exporter) OrphansRecovered(n int) {
	e.orphans.Add(float64(n))
}

// Middleware records request counts and latency labelled by the mux route template
func (e *Exporter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		e.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		e.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Supervisor holds the collectors of one supervisor process.
type Supervisor struct {
	Registry *prometheus.Registry

	WorkerUp        prometheus.Gauge
	Restarts        prometheus.Counter
	LaunchFailures  prometheus.Counter
	HealthWarnings  *prometheus.CounterVec
	CleanupRuns     prometheus.Counter
	RestartAttempts prometheus.Gauge
}

// NewSupervisor registers the collectors on a private registry, labelled
// with the instance id.
func NewSupervisor(instanceID string) *Supervisor {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"instance_id": instanceID}
	s := &Supervisor{
		Registry: reg,
		WorkerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "qtrd_worker_up",
			Help:        "Whether the worker process is alive (1) or not (0).",
			ConstLabels: labels,
		}),
		Restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "qtrd_worker_restarts_total",
			Help:        "Worker restarts performed by the monitoring loop.",
			ConstLabels: labels,
		}),
		LaunchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "qtrd_worker_launch_failures_total",
			Help:        "Worker launches that failed or exited immediately.",
			ConstLabels: labels,
		}),
		HealthWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "qtrd_host_health_warnings_total",
			Help:        "Host health checks that crossed their threshold.",
			ConstLabels: labels,
		}, []string{"check"}),
		CleanupRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "qtrd_log_cleanup_runs_total",
			Help:        "Log retention passes run.",
			ConstLabels: labels,
		}),
		RestartAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "qtrd_worker_restart_attempts",
			Help:        "Consecutive restart attempts since the worker was last seen alive.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(
		s.WorkerUp, s.Restarts, s.LaunchFailures, s.HealthWarnings, s.CleanupRuns, s.RestartAttempts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

// NewServer serves the registry at /metrics and a liveness check at /healthz.
func NewServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}

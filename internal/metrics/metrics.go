package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaygrid/castguard-decoder/internal/logging"
)

// Metrics groups the decoder's Prometheus instrumentation, grounded on the
// teacher's promauto-based counters/gauges but renamed for the decode/
// install/list request cycle instead of CAN/TCP frame relaying.
type Metrics struct {
	ListRequests      prometheus.Counter
	InstallRequests   prometheus.Counter
	DecodeRequests    prometheus.Counter
	DecodeDenied      prometheus.Counter
	WireErrors        prometheus.Counter
	IntegrityFailures prometheus.Counter
	BootGatePassed    prometheus.Gauge
	BuildInfo         *prometheus.GaugeVec
}

var (
	once     sync.Once
	instance *Metrics

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// M returns the process-wide Metrics instance, registering its collectors
// with the default Prometheus registry on first use.
func M() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			ListRequests: promauto.NewCounter(prometheus.CounterOpts{
				Name: "decoder_list_requests_total",
				Help: "Total list-subscriptions requests served.",
			}),
			InstallRequests: promauto.NewCounter(prometheus.CounterOpts{
				Name: "decoder_install_requests_total",
				Help: "Total install-subscription requests that completed successfully.",
			}),
			DecodeRequests: promauto.NewCounter(prometheus.CounterOpts{
				Name: "decoder_decode_requests_total",
				Help: "Total decode-frame requests that returned plaintext.",
			}),
			DecodeDenied: promauto.NewCounter(prometheus.CounterOpts{
				Name: "decoder_decode_denied_total",
				Help: "Total decode-frame requests rejected by an authorization, replay, or signature check.",
			}),
			WireErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "decoder_wire_errors_total",
				Help: "Total malformed frame headers (bad magic or unknown opcode).",
			}),
			IntegrityFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "decoder_integrity_failures_total",
				Help: "Total fault-injection recompute checks that failed.",
			}),
			BootGatePassed: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "decoder_boot_gate_passed",
				Help: "1 if the boot-time hash gate passed on the current run, 0 otherwise.",
			}),
			BuildInfo: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "build_info",
				Help: "Build metadata (value is always 1).",
			}, []string{"version", "commit", "date"}),
		}
	})
	return instance
}

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	M().BuildInfo.WithLabelValues(version, commit, date).Set(1)
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

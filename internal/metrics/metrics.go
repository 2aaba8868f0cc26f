package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/eddyem/canserver/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	SerialRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_frames_total",
		Help: "Total CAN frames parsed from the adapter.",
	})
	SerialTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_frames_total",
		Help: "Total CAN frames written to the adapter.",
	})
	TCPRxCommands = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_commands_total",
		Help: "Total command lines received from TCP clients.",
	})
	TCPTxLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_lines_total",
		Help: "Total lines written to TCP clients (replies and broadcasts).",
	})
	BroadcastLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_lines_total",
		Help: "Total messages drained from the broadcast bus.",
	})
	HubDroppedLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_lines_total",
		Help: "Total broadcast lines dropped due to slow clients.",
	})
	RejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rejected_clients_total",
		Help: "Total connections refused over the client cap.",
	})
	ActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_clients",
		Help: "Current number of connected clients.",
	})
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_workers",
		Help: "Current number of registered workers.",
	})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adapter_reconnects_total",
		Help: "Total successful adapter reopen cycles.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total malformed worker commands dropped.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead      = "tcp_read"
	ErrTCPWrite     = "tcp_write"
	ErrSerialRead   = "serial_read"
	ErrSerialWrite  = "serial_write"
	ErrEchoMismatch = "echo_mismatch"
	ErrReopen       = "reopen"
	ErrWorker       = "worker"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
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

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localSerialRx   uint64
	localSerialTx   uint64
	localTCPRx      uint64
	localTCPTx      uint64
	localBroadcast  uint64
	localHubDrop    uint64
	localRejected   uint64
	localClients    uint64
	localWorkers    uint64
	localReconnects uint64
	localMalformed  uint64
	localErrors     uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SerialRx   uint64
	SerialTx   uint64
	TCPRx      uint64
	TCPTx      uint64
	Broadcast  uint64
	HubDrops   uint64
	Rejected   uint64
	Clients    uint64
	Workers    uint64
	Reconnects uint64
	Malformed  uint64
	Errors     uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		SerialRx:   atomic.LoadUint64(&localSerialRx),
		SerialTx:   atomic.LoadUint64(&localSerialTx),
		TCPRx:      atomic.LoadUint64(&localTCPRx),
		TCPTx:      atomic.LoadUint64(&localTCPTx),
		Broadcast:  atomic.LoadUint64(&localBroadcast),
		HubDrops:   atomic.LoadUint64(&localHubDrop),
		Rejected:   atomic.LoadUint64(&localRejected),
		Clients:    atomic.LoadUint64(&localClients),
		Workers:    atomic.LoadUint64(&localWorkers),
		Reconnects: atomic.LoadUint64(&localReconnects),
		Malformed:  atomic.LoadUint64(&localMalformed),
		Errors:     atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncSerialRx() {
	SerialRxFrames.Inc()
	atomic.AddUint64(&localSerialRx, 1)
}

func IncSerialTx() {
	SerialTxFrames.Inc()
	atomic.AddUint64(&localSerialTx, 1)
}

func IncTCPRx() {
	TCPRxCommands.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxLines.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncBroadcast() {
	BroadcastLines.Inc()
	atomic.AddUint64(&localBroadcast, 1)
}

func IncHubDrop() {
	HubDroppedLines.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncRejected() {
	RejectedClients.Inc()
	atomic.AddUint64(&localRejected, 1)
}

func SetClients(n int) {
	ActiveClients.Set(float64(n))
	atomic.StoreUint64(&localClients, uint64(n))
}

func SetWorkers(n int) {
	ActiveWorkers.Set(float64(n))
	atomic.StoreUint64(&localWorkers, uint64(n))
}

func IncReconnects() {
	Reconnects.Inc()
	atomic.AddUint64(&localReconnects, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite,
		ErrSerialRead, ErrSerialWrite,
		ErrEchoMismatch, ErrReopen, ErrWorker,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

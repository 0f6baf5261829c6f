package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gozwave/zwaved/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters/gauges. Names mirror the control-code and queue
// terminology of spec.md §4.5/§7/§8.
var (
	RxSOF = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zwave_rx_sof_frames_total",
		Help: "Total valid SOF data frames decoded from the serial link.",
	})
	RxACK = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zwave_rx_ack_total",
		Help: "Total ACK control bytes received.",
	})
	RxNAK = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zwave_rx_nak_total",
		Help: "Total NAK control bytes received.",
	})
	RxCAN = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zwave_rx_can_total",
		Help: "Total CAN control bytes received.",
	})
	RxOOF = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zwave_rx_oof_total",
		Help: "Total out-of-frame bytes that matched no recognized control code.",
	})
	TxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zwave_tx_frames_total",
		Help: "Total SOF data frames written to the serial link.",
	})
	Timeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zwave_transaction_timeouts_total",
		Help: "Total transactions that did not complete within the response deadline.",
	})
	DiscardedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zwave_discarded_messages_total",
		Help: "Total messages discarded after exhausting their attempt budget.",
	})
	InvalidFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zwave_invalid_frames_total",
		Help: "Total frames dropped for a bad checksum or truncation.",
	})
	NodesDead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zwave_nodes_dead_total",
		Help: "Total nodes the watchdog has marked DEAD.",
	})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zwave_send_queue_depth",
		Help: "Current number of messages waiting in the main send queue.",
	})
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zwave_transaction_in_flight",
		Help: "1 while a transaction is in flight, 0 otherwise.",
	})
	NodesKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zwave_nodes_known",
		Help: "Current number of nodes in the registry.",
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

// Error label constants (stable label values to bound cardinality).
const (
	ErrPortUnavailable = "port_unavailable"
	ErrWireIO          = "wire_io"
	ErrWireWrite       = "wire_write"
)

// StartHTTP serves Prometheus metrics at /metrics and a readiness probe at
// /ready on the given address (spec.md's cmd/zwaved exposes no other HTTP
// surface — device-state presentation is out of scope, spec.md §1).
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

// Local mirrored counters, read by metrics_logger for a cheap periodic log
// line without scraping Prometheus in-process.
var (
	localRxSOF      uint64
	localRxACK      uint64
	localRxNAK      uint64
	localRxCAN      uint64
	localRxOOF      uint64
	localTxFrames   uint64
	localTimeouts   uint64
	localDiscarded  uint64
	localInvalid    uint64
	localNodesDead  uint64
	localErrors     uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	RxSOF      uint64
	RxACK      uint64
	RxNAK      uint64
	RxCAN      uint64
	RxOOF      uint64
	TxFrames   uint64
	Timeouts   uint64
	Discarded  uint64
	Invalid    uint64
	NodesDead  uint64
	Errors     uint64
}

func Snap() Snapshot {
	return Snapshot{
		RxSOF:     atomic.LoadUint64(&localRxSOF),
		RxACK:     atomic.LoadUint64(&localRxACK),
		RxNAK:     atomic.LoadUint64(&localRxNAK),
		RxCAN:     atomic.LoadUint64(&localRxCAN),
		RxOOF:     atomic.LoadUint64(&localRxOOF),
		TxFrames:  atomic.LoadUint64(&localTxFrames),
		Timeouts:  atomic.LoadUint64(&localTimeouts),
		Discarded: atomic.LoadUint64(&localDiscarded),
		Invalid:   atomic.LoadUint64(&localInvalid),
		NodesDead: atomic.LoadUint64(&localNodesDead),
		Errors:    atomic.LoadUint64(&localErrors),
	}
}

func IncRxSOF() { RxSOF.Inc(); atomic.AddUint64(&localRxSOF, 1) }
func IncRxACK() { RxACK.Inc(); atomic.AddUint64(&localRxACK, 1) }
func IncRxNAK() { RxNAK.Inc(); atomic.AddUint64(&localRxNAK, 1) }
func IncRxCAN() { RxCAN.Inc(); atomic.AddUint64(&localRxCAN, 1) }
func IncRxOOF() { RxOOF.Inc(); atomic.AddUint64(&localRxOOF, 1) }
func IncTxFrames() { TxFrames.Inc(); atomic.AddUint64(&localTxFrames, 1) }
func IncTimeouts() { Timeouts.Inc(); atomic.AddUint64(&localTimeouts, 1) }
func IncDiscarded() { DiscardedMessages.Inc(); atomic.AddUint64(&localDiscarded, 1) }
func IncInvalidFrame() { InvalidFrames.Inc(); atomic.AddUint64(&localInvalid, 1) }
func IncNodesDead() { NodesDead.Inc(); atomic.AddUint64(&localNodesDead, 1) }

func SetQueueDepth(n int)  { QueueDepth.Set(float64(n)) }
func SetInFlight(active bool) {
	if active {
		InFlight.Set(1)
		return
	}
	InFlight.Set(0)
}
func SetNodesKnown(n int) { NodesKnown.Set(float64(n)) }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrPortUnavailable, ErrWireIO, ErrWireWrite} {
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
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }

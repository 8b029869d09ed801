package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	vaultMetricsOnce sync.Once
	vaultRegistry    *VaultMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics
)

// ModuleMetrics returns the lazily-initialised registry tracking JSON-RPC
// module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coffer",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coffer",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "coffer",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coffer",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// VaultMetrics wraps collectors tracking custody protocol health.
type VaultMetrics struct {
	phases         *prometheus.CounterVec
	blocked        *prometheus.CounterVec
	cumulativeLoss *prometheus.GaugeVec
	requests       *prometheus.CounterVec
}

// Vault exposes the metrics registry for the custody engine.
func Vault() *VaultMetrics {
	vaultMetricsOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			phases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coffer",
				Subsystem: "vault",
				Name:      "operation_phases_total",
				Help:      "Count of committed custody protocol phases segmented by vault and phase.",
			}, []string{"vault", "phase"}),
			blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coffer",
				Subsystem: "vault",
				Name:      "operations_blocked_total",
				Help:      "Count of phase calls rejected by the freeze gate, segmented by vault and phase.",
			}, []string{"vault", "phase"}),
			cumulativeLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "coffer",
				Subsystem: "vault",
				Name:      "cumulative_loss",
				Help:      "Realized loss charged against the current period budget, canonical 18-decimal units.",
			}, []string{"vault"}),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coffer",
				Subsystem: "vault",
				Name:      "requests_total",
				Help:      "Count of executed and failed buffered requests segmented by vault, kind, and outcome.",
			}, []string{"vault", "kind", "outcome"}),
		}
		prometheus.MustRegister(
			vaultRegistry.phases,
			vaultRegistry.blocked,
			vaultRegistry.cumulativeLoss,
			vaultRegistry.requests,
		)
	})
	return vaultRegistry
}

// RecordPhase increments the committed-phase counter.
func (m *VaultMetrics) RecordPhase(vaultID, phase string) {
	if m == nil {
		return
	}
	m.phases.WithLabelValues(labelVault(vaultID), phase).Inc()
}

// RecordBlocked increments the freeze-gate rejection counter.
func (m *VaultMetrics) RecordBlocked(vaultID, phase string) {
	if m == nil {
		return
	}
	if phase = strings.TrimSpace(phase); phase == "" {
		phase = "unspecified"
	}
	m.blocked.WithLabelValues(labelVault(vaultID), phase).Inc()
}

// SetCumulativeLoss updates the period loss gauge.
func (m *VaultMetrics) SetCumulativeLoss(vaultID string, loss *big.Int) {
	if m == nil {
		return
	}
	m.cumulativeLoss.WithLabelValues(labelVault(vaultID)).Set(bigToFloat(loss))
}

// RecordRequest increments the buffered-request counter. Outcome should be
// "executed" or "failed".
func (m *VaultMetrics) RecordRequest(vaultID, kind, outcome string) {
	if m == nil {
		return
	}
	if kind = strings.TrimSpace(kind); kind == "" {
		kind = "unknown"
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.requests.WithLabelValues(labelVault(vaultID), kind, outcome).Inc()
}

// OracleMetrics wraps collectors tracking price cache freshness.
type OracleMetrics struct {
	refreshes *prometheus.CounterVec
	updatedAt *prometheus.GaugeVec
}

// Oracle exposes the metrics registry for the price cache.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coffer",
				Subsystem: "oracle",
				Name:      "refreshes_total",
				Help:      "Count of feed observations accepted into the price cache.",
			}, []string{"symbol"}),
			updatedAt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "coffer",
				Subsystem: "oracle",
				Name:      "updated_at_seconds",
				Help:      "Unix timestamp of the latest accepted observation per symbol.",
			}, []string{"symbol"}),
		}
		prometheus.MustRegister(oracleRegistry.refreshes, oracleRegistry.updatedAt)
	})
	return oracleRegistry
}

// RecordRefresh counts an accepted observation and pins its cache timestamp.
func (m *OracleMetrics) RecordRefresh(symbol string, updatedAt int64) {
	if m == nil {
		return
	}
	label := labelSymbol(symbol)
	m.refreshes.WithLabelValues(label).Inc()
	m.updatedAt.WithLabelValues(label).Set(float64(updatedAt))
}

func labelVault(vaultID string) string {
	trimmed := strings.TrimSpace(vaultID)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

func labelSymbol(symbol string) string {
	trimmed := strings.TrimSpace(symbol)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}

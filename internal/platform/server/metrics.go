package server

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/ledger"
)

type Metrics struct {
	transactionsCreated *prometheus.CounterVec
	refundsTotal        *prometheus.CounterVec
	storeFailures       *prometheus.CounterVec
	loginAttemptsTotal  *prometheus.CounterVec
	lockoutActivations  prometheus.Counter
	revokedTokens       prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	grpcRequestsTotal   *prometheus.CounterVec
	grpcRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the ledger collectors on reg. Tests pass a fresh
// prometheus.NewRegistry so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transactionsCreated: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "ledger",
				Name:      "transactions_created_total",
				Help:      "Total transactions created partitioned by type.",
			},
			[]string{"type"},
		),
		refundsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "ledger",
				Name:      "refunds_total",
				Help:      "Total refund requests partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		storeFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "ledger",
				Name:      "store_failures_total",
				Help:      "Total store failures raised while mutating the ledger, by operation.",
			},
			[]string{"op"},
		),
		loginAttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "identity",
				Name:      "login_attempts_total",
				Help:      "Total login attempts by result.",
			},
			[]string{"result"},
		),
		lockoutActivations: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "identity",
				Name:      "lockout_activations_total",
				Help:      "Total login lockout activations.",
			},
		),
		revokedTokens: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "open_ledger",
				Subsystem: "identity",
				Name:      "revoked_tokens",
				Help:      "Current count of revoked, unexpired access tokens.",
			},
		),
		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests by route, method and status code.",
			},
			[]string{"route", "method", "code"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "open_ledger",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route and method.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		grpcRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_ledger",
				Subsystem: "grpc",
				Name:      "requests_total",
				Help:      "Total unary gRPC requests by method and status code.",
			},
			[]string{"method", "code"},
		),
		grpcRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "open_ledger",
				Subsystem: "grpc",
				Name:      "request_duration_seconds",
				Help:      "Unary gRPC request latency by method.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}
}

func (m *Metrics) ObserveTransactionCreated(typ ledger.TransactionType) {
	if m == nil {
		return
	}
	m.transactionsCreated.WithLabelValues(typ.String()).Inc()
}

func (m *Metrics) ObserveRefund(outcome ledger.RefundOutcome) {
	if m == nil {
		return
	}
	m.refundsTotal.WithLabelValues(outcome.String()).Inc()
}

func (m *Metrics) ObserveStoreFailure(op string) {
	if m == nil {
		return
	}
	m.storeFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveLogin(result string) {
	if m == nil {
		return
	}
	m.loginAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveLockoutActivation() {
	if m == nil {
		return
	}
	m.lockoutActivations.Inc()
}

func (m *Metrics) SetRevokedTokens(n int) {
	if m == nil {
		return
	}
	m.revokedTokens.Set(float64(n))
}

func (m *Metrics) ObserveHTTPRequest(route, method string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.httpRequestDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveGRPCRequest(method string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.grpcRequestsTotal.WithLabelValues(method, status.Code(err).String()).Inc()
	m.grpcRequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// UnaryMetricsInterceptor records every unary call on m. A nil m only passes
// calls through.
func UnaryMetricsInterceptor(m *Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		m.ObserveGRPCRequest(info.FullMethod, err, time.Since(start))
		return resp, err
	}
}

package server

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/ledger"
)

func counterValue(t *testing.T, g prometheus.Gatherer, metricName string, labels map[string]string) float64 {
	t.Helper()
	families, err := g.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != metricName {
			continue
		}
		for _, m := range fam.GetMetric() {
			if metricLabelsMatch(m, labels) && m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func metricLabelsMatch(metric *dto.Metric, expected map[string]string) bool {
	if len(expected) == 0 {
		return true
	}
	actual := make(map[string]string, len(metric.GetLabel()))
	for _, lp := range metric.GetLabel() {
		actual[lp.GetName()] = lp.GetValue()
	}
	for k, v := range expected {
		if actual[k] != v {
			return false
		}
	}
	return true
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveTransactionCreated(ledger.TypeRefill)
	m.ObserveRefund(ledger.OutcomeRefunded)
	m.ObserveStoreFailure("create")
	m.ObserveLogin("ok")
	m.ObserveLockoutActivation()
	m.SetRevokedTokens(3)
	m.ObserveHTTPRequest("/api/transactions", "GET", 200, time.Millisecond)
	m.ObserveGRPCRequest("/ledger.v1.LedgerService/GetBalance", nil, time.Millisecond)
}

func TestMetricsRegisterOnInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ObserveStoreFailure("refund")
	m.ObserveStoreFailure("refund")

	if got := counterValue(t, reg, "open_ledger_ledger_store_failures_total", map[string]string{"op": "refund"}); got != 2 {
		t.Fatalf("store failures: got %v", got)
	}
	// a second registry must accept the same collectors
	NewMetrics(prometheus.NewRegistry())
}

func TestUnaryMetricsInterceptorPassesThroughError(t *testing.T) {
	reg := prometheus.NewRegistry()
	interceptor := UnaryMetricsInterceptor(NewMetrics(reg))
	handlerErr := status.Error(codes.NotFound, "Transaction not found")
	_, err := interceptor(context.Background(), "req", &grpc.UnaryServerInfo{FullMethod: "/ledger.v1.LedgerService/GetTransaction"}, func(context.Context, any) (any, error) {
		return nil, handlerErr
	})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got=%s", status.Code(err).String())
	}
	got := counterValue(t, reg, "open_ledger_grpc_requests_total", map[string]string{
		"method": "/ledger.v1.LedgerService/GetTransaction",
		"code":   "NotFound",
	})
	if got != 1 {
		t.Fatalf("expected one NotFound request, got %v", got)
	}
}

func TestGRPCFlowRecordsMetrics(t *testing.T) {
	st := newTestStack(t)
	conn := startLedgerGRPC(t, st)
	tok, _ := st.register(t, "Alice", "alice@example.com")

	if _, err := NewLedgerClient(conn).GetBalance(bearer(context.Background(), tok.AccessToken), &GetBalanceRequest{}); err != nil {
		t.Fatalf("balance: %v", err)
	}
	got := counterValue(t, st.registry, "open_ledger_grpc_requests_total", map[string]string{
		"method": "/ledger.v1.LedgerService/GetBalance",
		"code":   "OK",
	})
	if got != 1 {
		t.Fatalf("expected one OK GetBalance, got %v", got)
	}
}

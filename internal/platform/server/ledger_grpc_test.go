package server

import (
	"context"
	"net"
	"testing"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	platformauth "github.com/wizardbeardstudio/open-ledger-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/ledger"
)

func startLedgerGRPC(t *testing.T, st *testStack) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		UnaryMetricsInterceptor(st.metrics),
		platformauth.UnaryJWTInterceptor(st.verifier, []string{"/grpc.health.v1.Health/Check"}),
	))
	hs := health.NewServer()
	hs.SetServingStatus("", healthv1.HealthCheckResponse_SERVING)
	healthv1.RegisterHealthServer(srv, hs)
	RegisterLedgerServer(srv, LedgerGRPC{Ledger: st.ledger})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func bearer(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func TestGRPCLedgerFlow(t *testing.T) {
	st := newTestStack(t)
	conn := startLedgerGRPC(t, st)
	client := NewLedgerClient(conn)
	tok, sess := st.register(t, "Alice", "alice@example.com")
	ctx := bearer(context.Background(), tok.AccessToken)

	created, err := client.CreateTransaction(ctx, &CreateTransactionRequest{Value: decimal.RequireFromString("100"), Type: ledger.TypeRefill})
	if err != nil {
		t.Fatalf("create refill: %v", err)
	}
	if created.Balance != "100.00" || created.Transaction.Type != ledger.TypeRefill {
		t.Fatalf("unexpected create response: %+v", created)
	}
	debit, err := client.CreateTransaction(ctx, &CreateTransactionRequest{Value: decimal.RequireFromString("40"), Type: ledger.TypeDebit})
	if err != nil {
		t.Fatalf("create debit: %v", err)
	}

	refunded, err := client.RefundTransaction(ctx, &RefundTransactionRequest{ID: debit.Transaction.ID})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Balance != "100.00" || refunded.Transaction.Type != ledger.TypeRefunded {
		t.Fatalf("unexpected refund response: %+v", refunded)
	}
	_, err = client.RefundTransaction(ctx, &RefundTransactionRequest{ID: debit.Transaction.ID})
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("repeat refund: expected FailedPrecondition, got %v", err)
	}

	got, err := client.GetTransaction(ctx, &GetTransactionRequest{ID: created.Transaction.ID})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Transaction.Value != "100.00" {
		t.Fatalf("get value: %q", got.Transaction.Value)
	}

	list, err := client.ListUserTransactions(ctx, &ListUserTransactionsRequest{UserID: sess.UserID})
	if err != nil {
		t.Fatalf("list user: %v", err)
	}
	if len(list.Transactions) != 2 || list.Transactions[0].ID != debit.Transaction.ID {
		t.Fatalf("expected newest first: %+v", list.Transactions)
	}
	all, err := client.ListTransactions(ctx, &ListTransactionsRequest{})
	if err != nil || len(all.Transactions) != 2 {
		t.Fatalf("list all: %v %+v", err, all)
	}

	bal, err := client.GetBalance(ctx, &GetBalanceRequest{})
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Balance != "100.00" || bal.UserID != sess.UserID {
		t.Fatalf("unexpected balance: %+v", bal)
	}
}

func TestGRPCErrorCodes(t *testing.T) {
	st := newTestStack(t)
	conn := startLedgerGRPC(t, st)
	client := NewLedgerClient(conn)

	_, err := client.ListTransactions(context.Background(), &ListTransactionsRequest{})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("missing token: expected Unauthenticated, got %v", err)
	}

	tok, _ := st.register(t, "Alice", "alice@example.com")
	ctx := bearer(context.Background(), tok.AccessToken)

	_, err = client.CreateTransaction(ctx, &CreateTransactionRequest{Value: decimal.Zero, Type: ledger.TypeRefill})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("zero value: expected InvalidArgument, got %v", err)
	}
	_, err = client.CreateTransaction(ctx, &CreateTransactionRequest{Value: decimal.NewFromInt(5), Type: ledger.TypeRefunded})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("refunded type: expected InvalidArgument, got %v", err)
	}
	_, err = client.CreateTransaction(ctx, &CreateTransactionRequest{Value: decimal.New(1, 18), Type: ledger.TypeRefill})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("oversized value: expected InvalidArgument, got %v", err)
	}
	_, err = client.GetTransaction(ctx, &GetTransactionRequest{ID: 404})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("missing transaction: expected NotFound, got %v", err)
	}
	_, err = client.GetBalance(ctx, &GetBalanceRequest{UserID: 404})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("missing user: expected NotFound, got %v", err)
	}
}

func TestGRPCHealthOverJSONCodec(t *testing.T) {
	st := newTestStack(t)
	conn := startLedgerGRPC(t, st)

	resp, err := healthv1.NewHealthClient(conn).Check(context.Background(), &healthv1.HealthCheckRequest{}, grpc.CallContentSubtype(JSONCodecName))
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthv1.HealthCheckResponse_SERVING {
		t.Fatalf("health status: %v", resp.GetStatus())
	}
}

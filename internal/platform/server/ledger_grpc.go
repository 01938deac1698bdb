package server

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/ledger"
)

const LedgerServiceName = "ledger.v1.LedgerService"

type ListTransactionsRequest struct{}

type GetTransactionRequest struct {
	ID int64 `json:"id"`
}

type CreateTransactionRequest struct {
	Value decimal.Decimal        `json:"value"`
	Type  ledger.TransactionType `json:"type"`
}

type RefundTransactionRequest struct {
	ID int64 `json:"id"`
}

type ListUserTransactionsRequest struct {
	UserID int64 `json:"user_id"`
}

// GetBalanceRequest reads the caller's own balance when UserID is zero.
type GetBalanceRequest struct {
	UserID int64 `json:"user_id,omitempty"`
}

type TransactionsResponse struct {
	Transactions []TransactionView `json:"transactions"`
}

type TransactionResponse struct {
	Transaction TransactionView `json:"transaction"`
	Balance     string          `json:"balance,omitempty"`
}

type BalanceResponse struct {
	UserID  int64  `json:"user_id"`
	Balance string `json:"balance"`
}

// LedgerRPCServer is the server side of ledger.v1.LedgerService.
type LedgerRPCServer interface {
	ListTransactions(context.Context, *ListTransactionsRequest) (*TransactionsResponse, error)
	GetTransaction(context.Context, *GetTransactionRequest) (*TransactionResponse, error)
	CreateTransaction(context.Context, *CreateTransactionRequest) (*TransactionResponse, error)
	RefundTransaction(context.Context, *RefundTransactionRequest) (*TransactionResponse, error)
	ListUserTransactions(context.Context, *ListUserTransactionsRequest) (*TransactionsResponse, error)
	GetBalance(context.Context, *GetBalanceRequest) (*BalanceResponse, error)
}

func unaryHandler[Req, Resp any](method string, call func(LedgerRPCServer, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(LedgerRPCServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + LedgerServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*Req))
		})
	}
}

var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: LedgerServiceName,
	HandlerType: (*LedgerRPCServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListTransactions", Handler: unaryHandler("ListTransactions", LedgerRPCServer.ListTransactions)},
		{MethodName: "GetTransaction", Handler: unaryHandler("GetTransaction", LedgerRPCServer.GetTransaction)},
		{MethodName: "CreateTransaction", Handler: unaryHandler("CreateTransaction", LedgerRPCServer.CreateTransaction)},
		{MethodName: "RefundTransaction", Handler: unaryHandler("RefundTransaction", LedgerRPCServer.RefundTransaction)},
		{MethodName: "ListUserTransactions", Handler: unaryHandler("ListUserTransactions", LedgerRPCServer.ListUserTransactions)},
		{MethodName: "GetBalance", Handler: unaryHandler("GetBalance", LedgerRPCServer.GetBalance)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ledger/v1/ledger.proto",
}

func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerRPCServer) {
	s.RegisterService(&LedgerServiceDesc, srv)
}

// LedgerGRPC adapts LedgerService to the gRPC surface. The caller comes from
// the JWT interceptor.
type LedgerGRPC struct {
	Ledger *LedgerService
}

func (g LedgerGRPC) ListTransactions(ctx context.Context, _ *ListTransactionsRequest) (*TransactionsResponse, error) {
	txs, err := g.Ledger.ListTransactions(ctx, sessionFromContext(ctx))
	if err != nil {
		return nil, grpcError(err)
	}
	return &TransactionsResponse{Transactions: transactionViews(txs)}, nil
}

func (g LedgerGRPC) GetTransaction(ctx context.Context, req *GetTransactionRequest) (*TransactionResponse, error) {
	tx, err := g.Ledger.GetTransaction(ctx, sessionFromContext(ctx), req.ID)
	if err != nil {
		return nil, grpcError(err)
	}
	return &TransactionResponse{Transaction: transactionView(tx)}, nil
}

func (g LedgerGRPC) CreateTransaction(ctx context.Context, req *CreateTransactionRequest) (*TransactionResponse, error) {
	tx, balance, err := g.Ledger.CreateTransaction(ctx, sessionFromContext(ctx), req.Value, req.Type)
	if err != nil {
		return nil, grpcError(err)
	}
	return &TransactionResponse{Transaction: transactionView(tx), Balance: money(balance)}, nil
}

func (g LedgerGRPC) RefundTransaction(ctx context.Context, req *RefundTransactionRequest) (*TransactionResponse, error) {
	res, err := g.Ledger.RefundTransaction(ctx, sessionFromContext(ctx), req.ID)
	if err != nil {
		return nil, grpcError(err)
	}
	if res.Outcome == ledger.OutcomeAlreadyRefunded {
		return nil, status.Error(codes.FailedPrecondition, "Transaction already refunded")
	}
	return &TransactionResponse{Transaction: transactionView(res.Transaction), Balance: money(res.Balance)}, nil
}

func (g LedgerGRPC) ListUserTransactions(ctx context.Context, req *ListUserTransactionsRequest) (*TransactionsResponse, error) {
	txs, err := g.Ledger.ListUserTransactions(ctx, sessionFromContext(ctx), req.UserID)
	if err != nil {
		return nil, grpcError(err)
	}
	return &TransactionsResponse{Transactions: transactionViews(txs)}, nil
}

func (g LedgerGRPC) GetBalance(ctx context.Context, req *GetBalanceRequest) (*BalanceResponse, error) {
	sess := sessionFromContext(ctx)
	var (
		acct ledger.Account
		err  error
	)
	if req.UserID == 0 {
		acct, err = g.Ledger.GetBalance(ctx, sess)
	} else {
		acct, err = g.Ledger.GetUserBalance(ctx, sess, req.UserID)
	}
	if err != nil {
		return nil, grpcError(err)
	}
	return &BalanceResponse{UserID: acct.UserID, Balance: money(acct.Balance)}, nil
}

func grpcError(err error) error {
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		return status.Error(codes.InvalidArgument, verr.Error())
	case errors.Is(err, ledger.ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, "unauthenticated")
	case errors.Is(err, ledger.ErrTransactionMissing):
		return status.Error(codes.NotFound, "Transaction not found")
	case errors.Is(err, ledger.ErrNotFound):
		return status.Error(codes.NotFound, "User not found")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// LedgerClient calls ledger.v1.LedgerService with the JSON codec.
type LedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerClient(cc grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{cc: cc}
}

func (c *LedgerClient) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+LedgerServiceName+"/"+method, in, out, opts...)
}

func (c *LedgerClient) ListTransactions(ctx context.Context, in *ListTransactionsRequest, opts ...grpc.CallOption) (*TransactionsResponse, error) {
	out := new(TransactionsResponse)
	if err := c.invoke(ctx, "ListTransactions", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) GetTransaction(ctx context.Context, in *GetTransactionRequest, opts ...grpc.CallOption) (*TransactionResponse, error) {
	out := new(TransactionResponse)
	if err := c.invoke(ctx, "GetTransaction", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) CreateTransaction(ctx context.Context, in *CreateTransactionRequest, opts ...grpc.CallOption) (*TransactionResponse, error) {
	out := new(TransactionResponse)
	if err := c.invoke(ctx, "CreateTransaction", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) RefundTransaction(ctx context.Context, in *RefundTransactionRequest, opts ...grpc.CallOption) (*TransactionResponse, error) {
	out := new(TransactionResponse)
	if err := c.invoke(ctx, "RefundTransaction", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) ListUserTransactions(ctx context.Context, in *ListUserTransactionsRequest, opts ...grpc.CallOption) (*TransactionsResponse, error) {
	out := new(TransactionsResponse)
	if err := c.invoke(ctx, "ListUserTransactions", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) GetBalance(ctx context.Context, in *GetBalanceRequest, opts ...grpc.CallOption) (*BalanceResponse, error) {
	out := new(BalanceResponse)
	if err := c.invoke(ctx, "GetBalance", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

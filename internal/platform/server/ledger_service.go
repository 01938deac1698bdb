package server

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/ledger"
)

// UserBalance is a user listed together with the current account balance.
type UserBalance struct {
	ledger.User
	Balance decimal.Decimal `json:"balance"`
}

type LedgerService struct {
	Clock clock.Clock

	store   ledger.Store
	engine  *ledger.Engine
	log     *zap.Logger
	metrics *Metrics
}

func NewLedgerService(clk clock.Clock, store ledger.Store, log *zap.Logger, metrics *Metrics) *LedgerService {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LedgerService{
		Clock:   clk,
		store:   store,
		engine:  ledger.NewEngine(store, clk),
		log:     log.Named("ledger"),
		metrics: metrics,
	}
}

func requireSession(sess Session) error {
	if !sess.Authenticated() {
		return ledger.ErrUnauthenticated
	}
	return nil
}

// ListTransactions returns every transaction, newest first.
func (s *LedgerService) ListTransactions(ctx context.Context, sess Session) ([]ledger.Transaction, error) {
	if err := requireSession(sess); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx)
}

func (s *LedgerService) GetTransaction(ctx context.Context, sess Session, id int64) (ledger.Transaction, error) {
	if err := requireSession(sess); err != nil {
		return ledger.Transaction{}, err
	}
	return s.store.GetTransaction(ctx, id)
}

// ListUserTransactions reports ErrNotFound for an unknown user rather than an
// empty list.
func (s *LedgerService) ListUserTransactions(ctx context.Context, sess Session, userID int64) ([]ledger.Transaction, error) {
	if err := requireSession(sess); err != nil {
		return nil, err
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.ListUserTransactions(ctx, userID)
}

// CreateTransaction posts a Refill or Debit on the session user's account.
func (s *LedgerService) CreateTransaction(ctx context.Context, sess Session, value decimal.Decimal, typ ledger.TransactionType) (ledger.Transaction, decimal.Decimal, error) {
	if err := requireSession(sess); err != nil {
		return ledger.Transaction{}, decimal.Zero, err
	}
	tx, balance, err := s.engine.ApplyNewTransaction(ctx, sess.UserID, value, typ)
	if err != nil {
		s.logFailure("create", err, zap.Int64("user_id", sess.UserID), zap.Stringer("type", typ))
		return ledger.Transaction{}, decimal.Zero, err
	}
	s.metrics.ObserveTransactionCreated(typ)
	s.log.Info("transaction created",
		zap.Int64("transaction_id", tx.ID),
		zap.Int64("user_id", tx.UserID),
		zap.Stringer("type", tx.Type),
		zap.Stringer("value", tx.Value),
		zap.Stringer("balance", balance),
	)
	return tx, balance, nil
}

// RefundTransaction reverses a transaction. A repeat refund is reported via
// RefundResult.Outcome, not as an error.
func (s *LedgerService) RefundTransaction(ctx context.Context, sess Session, id int64) (ledger.RefundResult, error) {
	if err := requireSession(sess); err != nil {
		return ledger.RefundResult{}, err
	}
	res, err := s.engine.Refund(ctx, id)
	if err != nil {
		s.logFailure("refund", err, zap.Int64("transaction_id", id), zap.Int64("actor_id", sess.UserID))
		return ledger.RefundResult{}, err
	}
	s.metrics.ObserveRefund(res.Outcome)
	switch res.Outcome {
	case ledger.OutcomeRefunded:
		s.log.Info("transaction refunded",
			zap.Int64("transaction_id", id),
			zap.Int64("user_id", res.Transaction.UserID),
			zap.Int64("actor_id", sess.UserID),
			zap.Stringer("balance", res.Balance),
		)
	case ledger.OutcomeAlreadyRefunded:
		s.log.Info("transaction already refunded", zap.Int64("transaction_id", id), zap.Int64("actor_id", sess.UserID))
	default:
		return ledger.RefundResult{}, errors.New("unknown refund outcome")
	}
	return res, nil
}

func (s *LedgerService) GetUserBalance(ctx context.Context, sess Session, userID int64) (ledger.Account, error) {
	if err := requireSession(sess); err != nil {
		return ledger.Account{}, err
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return ledger.Account{}, err
	}
	return s.store.GetAccount(ctx, userID)
}

// GetBalance is GetUserBalance for the session user.
func (s *LedgerService) GetBalance(ctx context.Context, sess Session) (ledger.Account, error) {
	return s.GetUserBalance(ctx, sess, sess.UserID)
}

// ListUsers returns users newest first with their balances.
func (s *LedgerService) ListUsers(ctx context.Context, sess Session) ([]UserBalance, error) {
	if err := requireSession(sess); err != nil {
		return nil, err
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]UserBalance, 0, len(users))
	for _, u := range users {
		acct, err := s.store.GetAccount(ctx, u.ID)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return nil, err
		}
		out = append(out, UserBalance{User: u, Balance: acct.Balance})
	}
	return out, nil
}

func (s *LedgerService) logFailure(op string, err error, fields ...zap.Field) {
	fields = append(fields, zap.Error(err))
	switch {
	case ledger.IsOperationFailed(err):
		s.metrics.ObserveStoreFailure(op)
		s.log.Error("ledger "+op+" failed", fields...)
	case ledger.IsValidation(err), errors.Is(err, ledger.ErrNotFound):
		s.log.Debug("ledger "+op+" rejected", fields...)
	default:
		s.log.Warn("ledger "+op+" failed", fields...)
	}
}

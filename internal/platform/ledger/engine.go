package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
)

// Engine applies balance deltas for new transactions and refunds. Each
// mutation runs as one atomic store unit locked on the owning account.
type Engine struct {
	store Store
	clock clock.Clock
}

func NewEngine(store Store, clk clock.Clock) *Engine {
	return &Engine{store: store, clock: clk}
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock.Now().UTC()
}

// ApplyNewTransaction records a Refill or Debit for userID and moves the
// account balance by its delta. It returns the stored transaction and the
// resulting balance.
func (e *Engine) ApplyNewTransaction(ctx context.Context, userID int64, value decimal.Decimal, typ TransactionType) (Transaction, decimal.Decimal, error) {
	if userID <= 0 {
		return Transaction{}, decimal.Zero, ErrUnauthenticated
	}
	if err := validateValue(value); err != nil {
		return Transaction{}, decimal.Zero, err
	}
	if !typ.Creatable() {
		return Transaction{}, decimal.Zero, invalid("type", "must be refill (1) or debit (2)")
	}
	delta, err := typ.Delta(value)
	if err != nil {
		return Transaction{}, decimal.Zero, invalid("type", err.Error())
	}

	var (
		created Transaction
		balance decimal.Decimal
	)
	err = e.store.Atomically(ctx, userID, func(tx Tx) error {
		acct, err := tx.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		now := e.now()
		created, err = tx.CreateTransaction(ctx, Transaction{
			UserID:      userID,
			Value:       value,
			Type:        typ,
			Description: describeNew(typ, value),
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		balance = acct.Balance.Add(delta)
		if balance.Abs().GreaterThanOrEqual(MaxAmount) {
			return invalid("value", "would take the balance out of range")
		}
		if err := tx.SetBalance(ctx, userID, balance); err != nil {
			return fmt.Errorf("set balance: %w", err)
		}
		return nil
	})
	if IsValidation(err) {
		return Transaction{}, decimal.Zero, err
	}
	if err != nil {
		return Transaction{}, decimal.Zero, operationFailed("create", err)
	}
	return created, balance, nil
}

// MaxAmount is the exclusive bound on a transaction value and on an account
// balance. It matches the NUMERIC(20,2) columns.
var MaxAmount = decimal.New(1, 18)

// minValueExponent bounds the scale of an accepted value so that rounding
// it stays cheap.
const minValueExponent = -20

// validateValue checks sign, magnitude and scale. The exponent is checked
// before any arithmetic so oversized inputs cost nothing.
func validateValue(value decimal.Decimal) error {
	if !value.IsPositive() {
		return invalid("value", "must be greater than zero")
	}
	exp := value.Exponent()
	if exp < minValueExponent {
		return invalid("value", "must have at most two decimal places")
	}
	if exp >= 18 || value.GreaterThanOrEqual(MaxAmount) {
		return invalid("value", "must be less than 1000000000000000000")
	}
	if !value.Equal(value.Round(2)) {
		return invalid("value", "must have at most two decimal places")
	}
	return nil
}

// Refund reverses a live transaction exactly once. Refunding a transaction
// that is already Refunded returns OutcomeAlreadyRefunded and changes nothing.
func (e *Engine) Refund(ctx context.Context, transactionID int64) (RefundResult, error) {
	if transactionID <= 0 {
		return RefundResult{}, ErrTransactionMissing
	}
	current, err := e.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return RefundResult{}, operationFailed("refund", err)
	}
	if current.Type == TypeRefunded {
		return e.alreadyRefunded(ctx, current)
	}

	var result RefundResult
	err = e.store.Atomically(ctx, current.UserID, func(tx Tx) error {
		// Re-read under the account lock; a concurrent refund may have won.
		locked, err := tx.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		acct, err := tx.GetAccount(ctx, locked.UserID)
		if err != nil {
			return err
		}
		switch locked.Type {
		case TypeRefunded:
			result = RefundResult{Transaction: locked, Balance: acct.Balance, Outcome: OutcomeAlreadyRefunded}
			return nil
		case TypeRefill, TypeDebit:
		default:
			return fmt.Errorf("transaction %d has unsupported type %s", locked.ID, locked.Type)
		}

		applied, err := locked.Delta()
		if err != nil {
			return err
		}
		balance := acct.Balance.Sub(applied)
		if err := tx.SetBalance(ctx, locked.UserID, balance); err != nil {
			return fmt.Errorf("set balance: %w", err)
		}
		original := locked.Type
		locked.Type = TypeRefunded
		locked.Description = describeRefund(original, locked.Value)
		locked.UpdatedAt = e.now()
		if err := tx.UpdateTransaction(ctx, locked); err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}
		result = RefundResult{Transaction: locked, Balance: balance, Outcome: OutcomeRefunded}
		return nil
	})
	if err != nil {
		return RefundResult{}, operationFailed("refund", err)
	}
	return result, nil
}

func (e *Engine) alreadyRefunded(ctx context.Context, t Transaction) (RefundResult, error) {
	acct, err := e.store.GetAccount(ctx, t.UserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return RefundResult{}, operationFailed("refund", err)
	}
	return RefundResult{Transaction: t, Balance: acct.Balance, Outcome: OutcomeAlreadyRefunded}, nil
}

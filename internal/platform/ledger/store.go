package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

type AccountStore interface {
	GetAccount(ctx context.Context, userID int64) (Account, error)
	SetBalance(ctx context.Context, userID int64, balance decimal.Decimal) error
}

type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx Transaction) (Transaction, error)
	GetTransaction(ctx context.Context, id int64) (Transaction, error)
	UpdateTransaction(ctx context.Context, tx Transaction) error
	ListTransactions(ctx context.Context) ([]Transaction, error)
	ListUserTransactions(ctx context.Context, userID int64) ([]Transaction, error)
}

type UserStore interface {
	// CreateUser stores the user and opens its account with a zero balance.
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
}

// Tx is the view of the stores inside one atomic unit. GetAccount and
// GetTransaction inside a Tx hold the row until the unit ends.
type Tx interface {
	AccountStore
	TransactionStore
}

type Store interface {
	Tx
	UserStore

	// Atomically runs fn so that either all of its writes are kept or none.
	// lockUserID names the account whose balance fn will change; the store
	// serializes units that share it.
	Atomically(ctx context.Context, lockUserID int64, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

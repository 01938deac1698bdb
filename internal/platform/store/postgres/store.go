// Package postgres persists the ledger in PostgreSQL through database/sql and
// the pgx stdlib driver. Atomic units run in one SQL transaction that holds the
// owning account row with SELECT ... FOR UPDATE.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/ledger"
)

const uniqueViolation = "23505"

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects with the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn string, maxOpenConns int) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Atomically(ctx context.Context, lockUserID int64, fn func(tx ledger.Tx) error) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	const lock = `SELECT user_id FROM accounts WHERE user_id = $1 FOR UPDATE`
	var locked int64
	if err := dbtx.QueryRowContext(ctx, lock, lockUserID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrAccountMissing
		}
		return err
	}

	if err := fn(unitTx{q: dbtx}); err != nil {
		return err
	}
	return dbtx.Commit()
}

func (s *Store) CreateUser(ctx context.Context, u ledger.User) (ledger.User, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.User{}, err
	}
	defer func() {
		_ = dbtx.Rollback()
	}()

	const insUser = `
INSERT INTO users (name, email, password_hash, created_at)
VALUES ($1, $2, $3, $4)
RETURNING id
`
	if err := dbtx.QueryRowContext(ctx, insUser, u.Name, u.Email, u.PasswordHash, u.CreatedAt).Scan(&u.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ledger.User{}, ledger.ErrEmailTaken
		}
		return ledger.User{}, err
	}

	const insAccount = `
INSERT INTO accounts (user_id, balance, updated_at)
VALUES ($1, 0, $2)
`
	if _, err := dbtx.ExecContext(ctx, insAccount, u.ID, u.CreatedAt); err != nil {
		return ledger.User{}, err
	}
	if err := dbtx.Commit(); err != nil {
		return ledger.User{}, err
	}
	return u, nil
}

const selectUser = `SELECT id, name, email, password_hash, created_at FROM users`

func scanUser(row interface{ Scan(...any) error }) (ledger.User, error) {
	var u ledger.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.CreatedAt)
	return u, err
}

func (s *Store) GetUser(ctx context.Context, id int64) (ledger.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, selectUser+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.User{}, ledger.ErrUserMissing
	}
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (ledger.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, selectUser+` WHERE email = $1`, strings.ToLower(strings.TrimSpace(email))))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.User{}, ledger.ErrUserMissing
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context) ([]ledger.User, error) {
	rows, err := s.db.QueryContext(ctx, selectUser+` ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ledger.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) GetAccount(ctx context.Context, userID int64) (ledger.Account, error) {
	return getAccount(ctx, s.db, userID, false)
}

func (s *Store) SetBalance(ctx context.Context, userID int64, balance decimal.Decimal) error {
	return setBalance(ctx, s.db, userID, balance)
}

func (s *Store) CreateTransaction(ctx context.Context, t ledger.Transaction) (ledger.Transaction, error) {
	return createTransaction(ctx, s.db, t)
}

func (s *Store) GetTransaction(ctx context.Context, id int64) (ledger.Transaction, error) {
	return getTransaction(ctx, s.db, id, false)
}

func (s *Store) UpdateTransaction(ctx context.Context, t ledger.Transaction) error {
	return updateTransaction(ctx, s.db, t)
}

func (s *Store) ListTransactions(ctx context.Context) ([]ledger.Transaction, error) {
	return listTransactions(ctx, s.db, selectTransaction+` ORDER BY created_at DESC, id DESC`)
}

func (s *Store) ListUserTransactions(ctx context.Context, userID int64) ([]ledger.Transaction, error) {
	return listTransactions(ctx, s.db, selectTransaction+` WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
}

// unitTx reads rows FOR UPDATE so they stay locked until commit.
type unitTx struct {
	q queryer
}

func (u unitTx) GetAccount(ctx context.Context, userID int64) (ledger.Account, error) {
	return getAccount(ctx, u.q, userID, true)
}

func (u unitTx) SetBalance(ctx context.Context, userID int64, balance decimal.Decimal) error {
	return setBalance(ctx, u.q, userID, balance)
}

func (u unitTx) CreateTransaction(ctx context.Context, t ledger.Transaction) (ledger.Transaction, error) {
	return createTransaction(ctx, u.q, t)
}

func (u unitTx) GetTransaction(ctx context.Context, id int64) (ledger.Transaction, error) {
	return getTransaction(ctx, u.q, id, true)
}

func (u unitTx) UpdateTransaction(ctx context.Context, t ledger.Transaction) error {
	return updateTransaction(ctx, u.q, t)
}

func (u unitTx) ListTransactions(ctx context.Context) ([]ledger.Transaction, error) {
	return listTransactions(ctx, u.q, selectTransaction+` ORDER BY created_at DESC, id DESC`)
}

func (u unitTx) ListUserTransactions(ctx context.Context, userID int64) ([]ledger.Transaction, error) {
	return listTransactions(ctx, u.q, selectTransaction+` WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
}

func getAccount(ctx context.Context, q queryer, userID int64, forUpdate bool) (ledger.Account, error) {
	query := `SELECT user_id, balance, updated_at FROM accounts WHERE user_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var a ledger.Account
	err := q.QueryRowContext(ctx, query, userID).Scan(&a.UserID, &a.Balance, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountMissing
	}
	return a, err
}

func setBalance(ctx context.Context, q queryer, userID int64, balance decimal.Decimal) error {
	const upd = `
UPDATE accounts
SET balance = $2,
    updated_at = NOW()
WHERE user_id = $1
`
	res, err := q.ExecContext(ctx, upd, userID, balance)
	if err != nil {
		return err
	}
	return requireOneRow(res, ledger.ErrAccountMissing)
}

func createTransaction(ctx context.Context, q queryer, t ledger.Transaction) (ledger.Transaction, error) {
	const ins = `
INSERT INTO transactions (user_id, value, type, description, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id
`
	err := q.QueryRowContext(ctx, ins, t.UserID, t.Value, int(t.Type), t.Description, t.CreatedAt, t.UpdatedAt).Scan(&t.ID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return t, nil
}

const selectTransaction = `SELECT id, user_id, value, type, description, created_at, updated_at FROM transactions`

func scanTransaction(row interface{ Scan(...any) error }) (ledger.Transaction, error) {
	var (
		t    ledger.Transaction
		code int
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Value, &code, &t.Description, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return ledger.Transaction{}, err
	}
	t.Type = ledger.TransactionType(code)
	return t, nil
}

func getTransaction(ctx context.Context, q queryer, id int64, forUpdate bool) (ledger.Transaction, error) {
	query := selectTransaction + ` WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	t, err := scanTransaction(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrTransactionMissing
	}
	return t, err
}

func updateTransaction(ctx context.Context, q queryer, t ledger.Transaction) error {
	const upd = `
UPDATE transactions
SET type = $2,
    description = $3,
    updated_at = $4
WHERE id = $1
`
	res, err := q.ExecContext(ctx, upd, t.ID, int(t.Type), t.Description, t.UpdatedAt)
	if err != nil {
		return err
	}
	return requireOneRow(res, ledger.ErrTransactionMissing)
}

func listTransactions(ctx context.Context, q queryer, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ledger.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func requireOneRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}

// Package memory is the in-process ledger store used for development and
// tests. Atomic units take a per-account lock and keep an undo journal that is
// replayed when the unit fails.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/ledger"
)

type Store struct {
	mu         sync.RWMutex
	users      map[int64]ledger.User
	emails     map[string]int64
	accounts   map[int64]ledger.Account
	txs        map[int64]ledger.Transaction
	nextUserID int64
	nextTxID   int64

	lockMu sync.Mutex
	locks  map[int64]*sync.Mutex
}

var _ ledger.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:    make(map[int64]ledger.User),
		emails:   make(map[string]int64),
		accounts: make(map[int64]ledger.Account),
		txs:      make(map[int64]ledger.Transaction),
		locks:    make(map[int64]*sync.Mutex),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Store) accountLock(userID int64) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Atomically(ctx context.Context, lockUserID int64, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := s.accountLock(lockUserID)
	l.Lock()
	defer l.Unlock()

	unit := &unitTx{store: s}
	if err := fn(unit); err != nil {
		unit.rollback()
		return err
	}
	return nil
}

// --- users ------------------------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u ledger.User) (ledger.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := normalizeEmail(u.Email)
	if _, taken := s.emails[email]; taken {
		return ledger.User{}, ledger.ErrEmailTaken
	}
	s.nextUserID++
	u.ID = s.nextUserID
	u.Email = email
	s.users[u.ID] = u
	s.emails[email] = u.ID
	s.accounts[u.ID] = ledger.Account{UserID: u.ID, Balance: decimal.Zero, UpdatedAt: u.CreatedAt}
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id int64) (ledger.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return ledger.User{}, ledger.ErrUserMissing
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (ledger.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[normalizeEmail(email)]
	if !ok {
		return ledger.User{}, ledger.ErrUserMissing
	}
	return s.users[id], nil
}

func (s *Store) ListUsers(_ context.Context) ([]ledger.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// --- accounts and transactions outside an atomic unit ------------------------

func (s *Store) GetAccount(_ context.Context, userID int64) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[userID]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountMissing
	}
	return a, nil
}

func (s *Store) SetBalance(_ context.Context, userID int64, balance decimal.Decimal) error {
	_, err := s.setBalance(userID, balance)
	return err
}

func (s *Store) setBalance(userID int64, balance decimal.Decimal) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.accounts[userID]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountMissing
	}
	next := prev
	next.Balance = balance
	s.accounts[userID] = next
	return prev, nil
}

func (s *Store) CreateTransaction(_ context.Context, t ledger.Transaction) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[t.UserID]; !ok {
		return ledger.Transaction{}, ledger.ErrUserMissing
	}
	s.nextTxID++
	t.ID = s.nextTxID
	s.txs[t.ID] = t
	return t, nil
}

func (s *Store) GetTransaction(_ context.Context, id int64) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txs[id]
	if !ok {
		return ledger.Transaction{}, ledger.ErrTransactionMissing
	}
	return t, nil
}

func (s *Store) UpdateTransaction(_ context.Context, t ledger.Transaction) error {
	_, err := s.updateTransaction(t)
	return err
}

func (s *Store) updateTransaction(t ledger.Transaction) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.txs[t.ID]
	if !ok {
		return ledger.Transaction{}, ledger.ErrTransactionMissing
	}
	// id, owner, value and creation time are immutable.
	next := prev
	next.Type = t.Type
	next.Description = t.Description
	next.UpdatedAt = t.UpdatedAt
	s.txs[t.ID] = next
	return prev, nil
}

func (s *Store) ListTransactions(_ context.Context) ([]ledger.Transaction, error) {
	return s.filterTransactions(func(ledger.Transaction) bool { return true }), nil
}

func (s *Store) ListUserTransactions(_ context.Context, userID int64) ([]ledger.Transaction, error) {
	return s.filterTransactions(func(t ledger.Transaction) bool { return t.UserID == userID }), nil
}

func (s *Store) filterTransactions(keep func(ledger.Transaction) bool) []ledger.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.Transaction, 0, len(s.txs))
	for _, t := range s.txs {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// unitTx routes writes through the store and journals how to undo them.
type unitTx struct {
	store *Store
	undo  []func()
}

func (u *unitTx) rollback() {
	for i := len(u.undo) - 1; i >= 0; i-- {
		u.undo[i]()
	}
	u.undo = nil
}

func (u *unitTx) GetAccount(ctx context.Context, userID int64) (ledger.Account, error) {
	return u.store.GetAccount(ctx, userID)
}

func (u *unitTx) SetBalance(_ context.Context, userID int64, balance decimal.Decimal) error {
	prev, err := u.store.setBalance(userID, balance)
	if err != nil {
		return err
	}
	u.undo = append(u.undo, func() {
		u.store.mu.Lock()
		u.store.accounts[userID] = prev
		u.store.mu.Unlock()
	})
	return nil
}

func (u *unitTx) CreateTransaction(ctx context.Context, t ledger.Transaction) (ledger.Transaction, error) {
	created, err := u.store.CreateTransaction(ctx, t)
	if err != nil {
		return ledger.Transaction{}, err
	}
	u.undo = append(u.undo, func() {
		u.store.mu.Lock()
		delete(u.store.txs, created.ID)
		u.store.mu.Unlock()
	})
	return created, nil
}

func (u *unitTx) GetTransaction(ctx context.Context, id int64) (ledger.Transaction, error) {
	return u.store.GetTransaction(ctx, id)
}

func (u *unitTx) UpdateTransaction(_ context.Context, t ledger.Transaction) error {
	prev, err := u.store.updateTransaction(t)
	if err != nil {
		return err
	}
	u.undo = append(u.undo, func() {
		u.store.mu.Lock()
		u.store.txs[prev.ID] = prev
		u.store.mu.Unlock()
	})
	return nil
}

func (u *unitTx) ListTransactions(ctx context.Context) ([]ledger.Transaction, error) {
	return u.store.ListTransactions(ctx)
}

func (u *unitTx) ListUserTransactions(ctx context.Context, userID int64) ([]ledger.Transaction, error) {
	return u.store.ListUserTransactions(ctx, userID)
}

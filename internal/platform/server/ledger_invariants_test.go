package server

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/ledger"
)

// TestLedgerBalanceMatchesHistory replays a random mix of creates and refunds
// and checks each balance against the surviving transactions.
func TestLedgerBalanceMatchesHistory(t *testing.T) {
	st := newTestStack(t)
	ctx := context.Background()
	sessions := make([]Session, 0, 3)
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		_, sess := st.register(t, "User", email)
		sessions = append(sessions, sess)
	}

	rng := rand.New(rand.NewSource(7))
	var created []int64
	for i := 0; i < 300; i++ {
		sess := sessions[rng.Intn(len(sessions))]
		if len(created) > 0 && rng.Intn(4) == 0 {
			id := created[rng.Intn(len(created))]
			if _, err := st.ledger.RefundTransaction(ctx, sess, id); err != nil {
				t.Fatalf("step %d refund %d: %v", i, id, err)
			}
			continue
		}
		typ := ledger.TypeRefill
		if rng.Intn(2) == 0 {
			typ = ledger.TypeDebit
		}
		value := decimal.New(int64(rng.Intn(10000)+1), -2)
		tx, _, err := st.ledger.CreateTransaction(ctx, sess, value, typ)
		if err != nil {
			t.Fatalf("step %d create: %v", i, err)
		}
		created = append(created, tx.ID)
	}

	for _, sess := range sessions {
		txs, err := st.ledger.ListUserTransactions(ctx, sess, sess.UserID)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		want := decimal.Zero
		for _, tx := range txs {
			d, err := tx.Delta()
			if err != nil {
				t.Fatalf("delta: %v", err)
			}
			want = want.Add(d)
		}
		acct, err := st.ledger.GetBalance(ctx, sess)
		if err != nil {
			t.Fatalf("balance: %v", err)
		}
		if !acct.Balance.Equal(want) {
			t.Fatalf("user %d balance %s does not match history %s", sess.UserID, acct.Balance, want)
		}
	}
}

func TestLedgerConcurrentRefundsApplyOnce(t *testing.T) {
	st := newTestStack(t)
	ctx := context.Background()
	_, sess := st.register(t, "Alice", "alice@example.com")

	if _, _, err := st.ledger.CreateTransaction(ctx, sess, decimal.NewFromInt(100), ledger.TypeRefill); err != nil {
		t.Fatalf("seed: %v", err)
	}
	debit, _, err := st.ledger.CreateTransaction(ctx, sess, decimal.NewFromInt(40), ledger.TypeDebit)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		refunded int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := st.ledger.RefundTransaction(ctx, sess, debit.ID)
			if err != nil {
				t.Errorf("refund: %v", err)
				return
			}
			if res.Outcome == ledger.OutcomeRefunded {
				mu.Lock()
				refunded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if refunded != 1 {
		t.Fatalf("expected exactly one applied refund, got %d", refunded)
	}
	acct, err := st.ledger.GetBalance(ctx, sess)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !acct.Balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance after concurrent refunds: %s", acct.Balance)
	}
}

func TestLedgerConcurrentCreatesKeepBalance(t *testing.T) {
	st := newTestStack(t)
	ctx := context.Background()
	_, sess := st.register(t, "Alice", "alice@example.com")

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			typ := ledger.TypeRefill
			if i%2 == 1 {
				typ = ledger.TypeDebit
			}
			if _, _, err := st.ledger.CreateTransaction(ctx, sess, decimal.RequireFromString("2.50"), typ); err != nil {
				t.Errorf("create: %v", err)
			}
		}(i)
	}
	wg.Wait()

	acct, err := st.ledger.GetBalance(ctx, sess)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !acct.Balance.IsZero() {
		t.Fatalf("20 refills and 20 debits of 2.50 should net zero, got %s", acct.Balance)
	}
}

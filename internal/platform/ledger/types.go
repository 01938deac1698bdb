// Package ledger holds the account ledger data model and the balance engine
// that keeps an account balance in step with its transaction history.
package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the direction and reversal state of a transaction.
// The numeric values are the stored codes.
type TransactionType int

const (
	TypeRefill   TransactionType = 1
	TypeDebit    TransactionType = 2
	TypeRefunded TransactionType = 3
)

func (t TransactionType) String() string {
	switch t {
	case TypeRefill:
		return "refill"
	case TypeDebit:
		return "debit"
	case TypeRefunded:
		return "refunded"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

func (t TransactionType) Valid() bool {
	switch t {
	case TypeRefill, TypeDebit, TypeRefunded:
		return true
	default:
		return false
	}
}

// Creatable reports whether a new transaction may be posted with this type.
func (t TransactionType) Creatable() bool {
	switch t {
	case TypeRefill, TypeDebit:
		return true
	case TypeRefunded:
		return false
	default:
		return false
	}
}

// Delta is the signed balance change a live transaction of this type applies.
func (t TransactionType) Delta(value decimal.Decimal) (decimal.Decimal, error) {
	switch t {
	case TypeRefill:
		return value, nil
	case TypeDebit:
		return value.Neg(), nil
	case TypeRefunded:
		return decimal.Zero, nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported transaction type %s", t)
	}
}

// ParseTransactionType accepts the stored code ("1", "2", "3") or the name.
func ParseTransactionType(v string) (TransactionType, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "refill", "credit":
		return TypeRefill, nil
	case "2", "debit":
		return TypeDebit, nil
	case "3", "refunded", "refund":
		return TypeRefunded, nil
	default:
		return 0, fmt.Errorf("unknown transaction type %q", v)
	}
}

func (t TransactionType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TransactionType) UnmarshalJSON(b []byte) error {
	var code int
	if err := json.Unmarshal(b, &code); err == nil {
		*t = TransactionType(code)
		return nil
	}
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return fmt.Errorf("transaction type must be a number or a string")
	}
	parsed, err := ParseTransactionType(name)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

type Transaction struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user_id"`
	Value       decimal.Decimal `json:"value"`
	Type        TransactionType `json:"type"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Delta is the balance contribution of the transaction in its current state.
func (t Transaction) Delta() (decimal.Decimal, error) {
	return t.Type.Delta(t.Value)
}

type Account struct {
	UserID    int64           `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type User struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// RefundOutcome separates a performed reversal from a benign repeat.
type RefundOutcome int

const (
	OutcomeRefunded RefundOutcome = iota + 1
	OutcomeAlreadyRefunded
)

func (o RefundOutcome) String() string {
	switch o {
	case OutcomeRefunded:
		return "refunded"
	case OutcomeAlreadyRefunded:
		return "already_refunded"
	default:
		return "unknown"
	}
}

type RefundResult struct {
	Transaction Transaction
	Balance     decimal.Decimal
	Outcome     RefundOutcome
}

func describeNew(t TransactionType, value decimal.Decimal) string {
	switch t {
	case TypeRefill:
		return "Account refill of " + value.StringFixed(2)
	case TypeDebit:
		return "Account debit of " + value.StringFixed(2)
	default:
		return ""
	}
}

func describeRefund(original TransactionType, value decimal.Decimal) string {
	return "Refunded " + original.String() + " of " + value.StringFixed(2)
}

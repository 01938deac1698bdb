package server

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	platformauth "github.com/wizardbeardstudio/open-ledger-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/store/memory"
)

const testSecret = "ledger-test-secret"

type ledgerFixedClock struct {
	now time.Time
}

func (f ledgerFixedClock) Now() time.Time {
	return f.now
}

type testStack struct {
	store    *memory.Store
	registry *prometheus.Registry
	metrics  *Metrics
	revoked  *platformauth.RevocationList
	verifier *platformauth.JWTVerifier
	ledger   *LedgerService
	identity *IdentityService
}

// newTestStack wires the services over an in-memory store. Tokens are signed
// against the real clock so the verifier accepts them.
func newTestStack(t testing.TB) *testStack {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	store := memory.New()
	revoked := platformauth.NewRevocationList()
	signer := platformauth.NewJWTSigner(testSecret)
	verifier := platformauth.NewJWTVerifier(testSecret).WithRevocations(revoked)

	clk := clock.RealClock{}
	identity := NewIdentityService(clk, store, signer, revoked, time.Hour, nil, metrics)
	identity.SetPasswordHashCost(bcrypt.MinCost)
	return &testStack{
		store:    store,
		registry: reg,
		metrics:  metrics,
		revoked:  revoked,
		verifier: verifier,
		ledger:   NewLedgerService(clk, store, nil, metrics),
		identity: identity,
	}
}

// register creates a user and returns the session its token carries.
func (s *testStack) register(t testing.TB, name, email string) (IssuedToken, Session) {
	t.Helper()
	tok, err := s.identity.Register(context.Background(), name, email, "secret-password")
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	actor, err := s.verifier.ParseActor(tok.AccessToken)
	if err != nil {
		t.Fatalf("parse issued token: %v", err)
	}
	return tok, Session{UserID: actor.UserID, TokenID: actor.TokenID, ExpiresAt: actor.ExpiresAt}
}

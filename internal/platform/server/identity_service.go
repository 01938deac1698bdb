package server

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	platformauth "github.com/wizardbeardstudio/open-ledger-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/ledger"
)

// IssuedToken is a freshly signed bearer token.
type IssuedToken struct {
	AccessToken string
	ExpiresAt   time.Time
	ExpiresIn   time.Duration
	UserID      int64
}

type Profile struct {
	ledger.User
	Balance decimal.Decimal `json:"balance"`
}

type IdentityService struct {
	Clock clock.Clock

	store     ledger.Store
	signer    *platformauth.JWTSigner
	revoked   *platformauth.RevocationList
	accessTTL time.Duration
	hashCost  int
	log       *zap.Logger
	metrics   *Metrics

	mu             sync.Mutex
	failedAttempts map[string]int
	lockedUntil    map[string]time.Time
	lockoutTTL     time.Duration
	maxFailures    int
}

func NewIdentityService(clk clock.Clock, store ledger.Store, signer *platformauth.JWTSigner, revoked *platformauth.RevocationList, accessTTL time.Duration, log *zap.Logger, metrics *Metrics) *IdentityService {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &IdentityService{
		Clock:          clk,
		store:          store,
		signer:         signer,
		revoked:        revoked,
		accessTTL:      accessTTL,
		hashCost:       bcrypt.DefaultCost,
		log:            log.Named("identity"),
		metrics:        metrics,
		failedAttempts: make(map[string]int),
		lockedUntil:    make(map[string]time.Time),
		lockoutTTL:     15 * time.Minute,
		maxFailures:    5,
	}
}

func (s *IdentityService) SetLockoutPolicy(maxFailures int, ttl time.Duration) {
	if s == nil {
		return
	}
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxFailures = maxFailures
	s.lockoutTTL = ttl
}

func (s *IdentityService) SetPasswordHashCost(cost int) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return
	}
	s.hashCost = cost
}

func (s *IdentityService) now() time.Time {
	return s.Clock.Now().UTC()
}

// Register creates the user with a zero-balance account and signs them in.
func (s *IdentityService) Register(ctx context.Context, name, email, password string) (IssuedToken, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" {
		return IssuedToken{}, &ledger.ValidationError{Field: "name", Reason: "is required"}
	}
	if err := validateEmail(email); err != nil {
		return IssuedToken{}, err
	}
	if password == "" {
		return IssuedToken{}, &ledger.ValidationError{Field: "password", Reason: "is required"}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return IssuedToken{}, &ledger.ValidationError{Field: "password", Reason: err.Error()}
	}
	u, err := s.store.CreateUser(ctx, ledger.User{
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.now(),
	})
	if err != nil {
		return IssuedToken{}, err
	}
	s.log.Info("user registered", zap.Int64("user_id", u.ID))
	return s.issue(u.ID)
}

func (s *IdentityService) Login(ctx context.Context, email, password string) (IssuedToken, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validateEmail(email); err != nil {
		return IssuedToken{}, err
	}
	if password == "" {
		return IssuedToken{}, &ledger.ValidationError{Field: "password", Reason: "is required"}
	}

	if s.isLocked(email) {
		s.metrics.ObserveLogin("locked")
		return IssuedToken{}, ledger.ErrLocked
	}

	// The store lookup and the bcrypt compare run without s.mu.
	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		s.metrics.ObserveLogin("error")
		return IssuedToken{}, err
	}
	if err != nil || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		s.mu.Lock()
		s.recordFailureLocked(email)
		s.mu.Unlock()
		s.metrics.ObserveLogin("denied")
		return IssuedToken{}, ledger.ErrInvalidCredentials
	}

	s.mu.Lock()
	delete(s.failedAttempts, email)
	delete(s.lockedUntil, email)
	s.mu.Unlock()
	s.metrics.ObserveLogin("ok")
	return s.issue(u.ID)
}

func (s *IdentityService) isLocked(email string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.lockedUntil[email]
	return ok && until.After(s.now())
}

func (s *IdentityService) recordFailureLocked(email string) {
	s.failedAttempts[email]++
	if s.failedAttempts[email] >= s.maxFailures {
		s.lockedUntil[email] = s.now().Add(s.lockoutTTL)
		s.failedAttempts[email] = 0
		s.metrics.ObserveLockoutActivation()
		s.log.Warn("login locked", zap.String("email", email), zap.Duration("for", s.lockoutTTL))
	}
}

// Logout revokes the session's token.
func (s *IdentityService) Logout(_ context.Context, sess Session) error {
	if err := requireSession(sess); err != nil {
		return err
	}
	s.revoke(sess)
	return nil
}

// Refresh revokes the session's token and issues a new one.
func (s *IdentityService) Refresh(ctx context.Context, sess Session) (IssuedToken, error) {
	if err := requireSession(sess); err != nil {
		return IssuedToken{}, err
	}
	if _, err := s.store.GetUser(ctx, sess.UserID); err != nil {
		return IssuedToken{}, err
	}
	s.revoke(sess)
	return s.issue(sess.UserID)
}

func (s *IdentityService) Profile(ctx context.Context, sess Session) (Profile, error) {
	if err := requireSession(sess); err != nil {
		return Profile{}, err
	}
	u, err := s.store.GetUser(ctx, sess.UserID)
	if err != nil {
		return Profile{}, err
	}
	acct, err := s.store.GetAccount(ctx, sess.UserID)
	if err != nil {
		return Profile{}, err
	}
	return Profile{User: u, Balance: acct.Balance}, nil
}

func (s *IdentityService) revoke(sess Session) {
	if s.revoked == nil {
		return
	}
	s.revoked.Revoke(sess.TokenID, sess.ExpiresAt)
	s.revoked.Prune(s.now())
	s.metrics.SetRevokedTokens(s.revoked.Len())
}

func (s *IdentityService) issue(userID int64) (IssuedToken, error) {
	token, actor, err := s.signer.SignActor(userID, s.now(), s.accessTTL)
	if err != nil {
		return IssuedToken{}, err
	}
	return IssuedToken{
		AccessToken: token,
		ExpiresAt:   actor.ExpiresAt,
		ExpiresIn:   s.accessTTL,
		UserID:      userID,
	}, nil
}

func validateEmail(email string) error {
	if email == "" {
		return &ledger.ValidationError{Field: "email", Reason: "is required"}
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return &ledger.ValidationError{Field: "email", Reason: "must be a valid email address"}
	}
	return nil
}

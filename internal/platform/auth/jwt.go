package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const actorContextKey contextKey = "actor"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrRevokedToken = errors.New("token revoked")
)

// Actor is the authenticated caller carried by a bearer token.
type Actor struct {
	UserID    int64
	TokenID   string
	ExpiresAt time.Time
}

type HMACKeyset struct {
	ActiveKID string
	Keys      map[string][]byte
}

// ParseHMACKeyset builds a keyset from a single secret or a "kid:secret,..."
// list. A bare secret is stored under the "default" kid.
func ParseHMACKeyset(secret, spec, activeKID string) (HMACKeyset, error) {
	keys := make(map[string][]byte)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kid, value, ok := strings.Cut(part, ":")
		if !ok || strings.TrimSpace(kid) == "" || strings.TrimSpace(value) == "" {
			return HMACKeyset{}, fmt.Errorf("malformed jwt key entry %q", part)
		}
		keys[strings.TrimSpace(kid)] = []byte(strings.TrimSpace(value))
	}
	if s := strings.TrimSpace(secret); s != "" {
		if _, ok := keys["default"]; !ok {
			keys["default"] = []byte(s)
		}
	}
	if len(keys) == 0 {
		return HMACKeyset{}, errors.New("no jwt signing keys configured")
	}
	return newKeyset(keys, activeKID)
}

func newKeyset(keys map[string][]byte, activeKID string) (HMACKeyset, error) {
	active := strings.TrimSpace(activeKID)
	if active == "" {
		active = "default"
	}
	if _, ok := keys[active]; !ok {
		return HMACKeyset{}, fmt.Errorf("active kid %q not found in keyset", active)
	}
	return HMACKeyset{ActiveKID: active, Keys: keys}, nil
}

type JWTSigner struct {
	keyset HMACKeyset
}

func NewJWTSigner(secret string) *JWTSigner {
	return NewJWTSignerWithKeyset(HMACKeyset{ActiveKID: "default", Keys: map[string][]byte{"default": []byte(secret)}})
}

func NewJWTSignerWithKeyset(keyset HMACKeyset) *JWTSigner {
	return &JWTSigner{keyset: keyset}
}

// SignActor issues a token for userID valid for ttl from now. The returned
// actor carries the generated token id.
func (s *JWTSigner) SignActor(userID int64, now time.Time, ttl time.Duration) (string, Actor, error) {
	if userID <= 0 {
		return "", Actor{}, errors.New("user id is required")
	}
	secret, ok := s.keyset.Keys[s.keyset.ActiveKID]
	if !ok {
		return "", Actor{}, fmt.Errorf("active kid %q has no key", s.keyset.ActiveKID)
	}
	actor := Actor{
		UserID:    userID,
		TokenID:   uuid.NewString(),
		ExpiresAt: now.Add(ttl).UTC(),
	}
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		ID:        actor.TokenID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(actor.ExpiresAt),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = s.keyset.ActiveKID
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", Actor{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, actor, nil
}

type JWTVerifier struct {
	keyset  HMACKeyset
	revoked *RevocationList
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return NewJWTVerifierWithKeyset(HMACKeyset{ActiveKID: "default", Keys: map[string][]byte{"default": []byte(secret)}})
}

func NewJWTVerifierWithKeyset(keyset HMACKeyset) *JWTVerifier {
	return &JWTVerifier{keyset: keyset}
}

// WithRevocations makes the verifier reject tokens whose id was revoked.
func (v *JWTVerifier) WithRevocations(list *RevocationList) *JWTVerifier {
	v.revoked = list
	return v
}

func (v *JWTVerifier) ParseActor(tokenString string) (Actor, error) {
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			kid = "default"
		}
		key, ok := v.keyset.Keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(5*time.Second), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return Actor{}, ErrInvalidToken
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 || claims.ID == "" {
		return Actor{}, errors.New("missing actor claims")
	}
	if v.revoked.Contains(claims.ID) {
		return Actor{}, ErrRevokedToken
	}
	return Actor{UserID: userID, TokenID: claims.ID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	v, ok := ctx.Value(actorContextKey).(Actor)
	return v, ok
}

func bearerToken(h string) (string, bool) {
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return tok, tok != ""
}

func HTTPJWTMiddleware(verifier *JWTVerifier, next http.Handler) http.Handler {
	return HTTPJWTMiddlewareWithSkips(verifier, next, nil)
}

func HTTPJWTMiddlewareWithSkips(verifier *JWTVerifier, next http.Handler, skipPaths []string) http.Handler {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := skip[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		tok, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeUnauthorized(w, "missing bearer token")
			return
		}
		actor, err := verifier.ParseActor(tok)
		if err != nil {
			writeUnauthorized(w, ErrInvalidToken.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "error",
		"message": msg,
		"code":    http.StatusUnauthorized,
	})
}

// RevocationList holds ids of tokens invalidated by logout or refresh until
// they would have expired anyway.
type RevocationList struct {
	mu     sync.RWMutex
	tokens map[string]time.Time
}

func NewRevocationList() *RevocationList {
	return &RevocationList{tokens: make(map[string]time.Time)}
}

func (l *RevocationList) Revoke(tokenID string, expiresAt time.Time) {
	if l == nil || strings.TrimSpace(tokenID) == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[tokenID] = expiresAt
}

func (l *RevocationList) Contains(tokenID string) bool {
	if l == nil || strings.TrimSpace(tokenID) == "" {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.tokens[tokenID]
	return ok
}

// Prune drops entries whose token has expired by now and returns how many
// were removed.
func (l *RevocationList) Prune(now time.Time) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, exp := range l.tokens {
		if !exp.IsZero() && now.After(exp) {
			delete(l.tokens, id)
			n++
		}
	}
	return n
}

func (l *RevocationList) Len() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tokens)
}

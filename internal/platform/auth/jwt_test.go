package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestSignAndParseActor(t *testing.T) {
	signer := NewJWTSigner("test-secret")
	verifier := NewJWTVerifier("test-secret")

	token, issued, err := signer.SignActor(42, time.Now().UTC(), time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	actor, err := verifier.ParseActor(token)
	if err != nil {
		t.Fatalf("parse actor: %v", err)
	}
	if actor.UserID != 42 || actor.TokenID == "" || actor.TokenID != issued.TokenID {
		t.Fatalf("unexpected actor: %+v issued=%+v", actor, issued)
	}
}

func TestParseActorRejectsBadTokens(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")
	now := time.Now().UTC()

	expired, _, err := NewJWTSigner("test-secret").SignActor(1, now.Add(-2*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("sign expired: %v", err)
	}
	wrongKey, _, err := NewJWTSigner("other-secret").SignActor(1, now, time.Hour)
	if err != nil {
		t.Fatalf("sign wrong key: %v", err)
	}
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"jti": "x",
		"exp": now.Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign no subject: %v", err)
	}
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "1",
		"jti": "x",
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign no expiry: %v", err)
	}

	for name, tok := range map[string]string{
		"expired":    expired,
		"wrong key":  wrongKey,
		"no subject": noSubject,
		"no expiry":  noExpiry,
		"garbage":    "not-a-jwt",
	} {
		if _, err := verifier.ParseActor(tok); err == nil {
			t.Fatalf("%s: expected parse error", name)
		}
	}
}

func TestParseActorWithKeyRotation(t *testing.T) {
	keyset, err := ParseHMACKeyset("", "old:old-secret,new:new-secret", "new")
	if err != nil {
		t.Fatalf("parse keyset: %v", err)
	}
	signerOld := NewJWTSignerWithKeyset(HMACKeyset{ActiveKID: "old", Keys: keyset.Keys})
	signerNew := NewJWTSignerWithKeyset(HMACKeyset{ActiveKID: "new", Keys: keyset.Keys})
	verifier := NewJWTVerifierWithKeyset(keyset)

	now := time.Now().UTC()
	oldToken, _, err := signerOld.SignActor(1, now, time.Hour)
	if err != nil {
		t.Fatalf("sign old token: %v", err)
	}
	newToken, _, err := signerNew.SignActor(2, now, time.Hour)
	if err != nil {
		t.Fatalf("sign new token: %v", err)
	}

	oldActor, err := verifier.ParseActor(oldToken)
	if err != nil {
		t.Fatalf("verify old token: %v", err)
	}
	newActor, err := verifier.ParseActor(newToken)
	if err != nil {
		t.Fatalf("verify new token: %v", err)
	}
	if oldActor.UserID != 1 || newActor.UserID != 2 {
		t.Fatalf("unexpected actors after rotation: old=%+v new=%+v", oldActor, newActor)
	}
}

func TestParseHMACKeysetErrors(t *testing.T) {
	if _, err := ParseHMACKeyset("", "", ""); err == nil {
		t.Fatalf("expected error for empty keyset")
	}
	if _, err := ParseHMACKeyset("", "k1", "k1"); err == nil {
		t.Fatalf("expected error for malformed entry")
	}
	if _, err := ParseHMACKeyset("s", "", "missing"); err == nil {
		t.Fatalf("expected error for unknown active kid")
	}
	ks, err := ParseHMACKeyset("s", "", "")
	if err != nil || ks.ActiveKID != "default" {
		t.Fatalf("bare secret keyset: ks=%+v err=%v", ks, err)
	}
}

func TestRevokedTokenIsRejected(t *testing.T) {
	list := NewRevocationList()
	verifier := NewJWTVerifier("test-secret").WithRevocations(list)
	token, actor, err := NewJWTSigner("test-secret").SignActor(5, time.Now().UTC(), time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.ParseActor(token); err != nil {
		t.Fatalf("parse before revoke: %v", err)
	}
	list.Revoke(actor.TokenID, actor.ExpiresAt)
	if _, err := verifier.ParseActor(token); !errors.Is(err, ErrRevokedToken) {
		t.Fatalf("expected revoked error, got %v", err)
	}
}

func TestRevocationListPrune(t *testing.T) {
	list := NewRevocationList()
	now := time.Now().UTC()
	list.Revoke("old", now.Add(-time.Minute))
	list.Revoke("live", now.Add(time.Minute))
	list.Revoke("", now)

	if n := list.Prune(now); n != 1 {
		t.Fatalf("expected one pruned entry, got %d", n)
	}
	if list.Contains("old") || !list.Contains("live") || list.Len() != 1 {
		t.Fatalf("unexpected list state after prune")
	}
	var nilList *RevocationList
	if nilList.Contains("live") || nilList.Prune(now) != 0 {
		t.Fatalf("nil list must be empty")
	}
}

func TestHTTPJWTMiddlewareWithSkips(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")
	var seen Actor
	h := HTTPJWTMiddlewareWithSkips(verifier, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ActorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}), []string{"/api/login"})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/login", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("skipped path: expected 204, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/balance", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json error body, got %q", ct)
	}

	token, _, err := NewJWTSigner("test-secret").SignActor(9, time.Now().UTC(), time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || seen.UserID != 9 {
		t.Fatalf("authorized request: code=%d actor=%+v", rr.Code, seen)
	}
}

func TestUnaryJWTInterceptor(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")
	interceptor := UnaryJWTInterceptor(verifier, []string{"/grpc.health.v1.Health/Check"})
	handler := func(ctx context.Context, req any) (any, error) {
		actor, _ := ActorFromContext(ctx)
		return actor.UserID, nil
	}

	if _, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, handler); err != nil {
		t.Fatalf("allowlisted method: %v", err)
	}

	info := &grpc.UnaryServerInfo{FullMethod: "/ledger.v1.LedgerService/GetBalance"}
	_, err := interceptor(context.Background(), nil, info, handler)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated without metadata, got %v", err)
	}

	token, _, err := NewJWTSigner("test-secret").SignActor(3, time.Now().UTC(), time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))
	got, err := interceptor(ctx, nil, info, handler)
	if err != nil || got.(int64) != 3 {
		t.Fatalf("authorized call: got=%v err=%v", got, err)
	}
}

func TestJWTRejectionsDoNotExposeVerifierErrors(t *testing.T) {
	revoked := NewRevocationList()
	verifier := NewJWTVerifier("test-secret").WithRevocations(revoked)

	forged, _, err := NewJWTSigner("other-secret").SignActor(3, time.Now().UTC(), time.Hour)
	if err != nil {
		t.Fatalf("sign forged: %v", err)
	}
	valid, actor, err := NewJWTSigner("test-secret").SignActor(4, time.Now().UTC(), time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	revoked.Revoke(actor.TokenID, actor.ExpiresAt)

	interceptor := UnaryJWTInterceptor(verifier, nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/ledger.v1.LedgerService/GetBalance"}
	handler := func(ctx context.Context, req any) (any, error) { return nil, nil }
	mw := HTTPJWTMiddleware(verifier, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for name, token := range map[string]string{"forged": forged, "revoked": valid, "garbage": "not.a.jwt"} {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))
		_, err := interceptor(ctx, nil, info, handler)
		st, _ := status.FromError(err)
		if st.Code() != codes.Unauthenticated || st.Message() != "invalid token" {
			t.Fatalf("%s grpc: code=%s message=%q", name, st.Code(), st.Message())
		}

		req := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		mw.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized || !strings.Contains(rr.Body.String(), `"message":"invalid token"`) {
			t.Fatalf("%s http: code=%d body=%s", name, rr.Code, rr.Body.String())
		}
	}
}

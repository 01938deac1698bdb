package server

import (
	"context"
	"time"

	platformauth "github.com/wizardbeardstudio/open-ledger-go/internal/platform/auth"
)

// Session is the acting user for one request. The zero Session is
// unauthenticated.
type Session struct {
	UserID    int64
	TokenID   string
	ExpiresAt time.Time
}

func (s Session) Authenticated() bool {
	return s.UserID > 0
}

func sessionFromContext(ctx context.Context) Session {
	if ctx == nil {
		return Session{}
	}
	a, ok := platformauth.ActorFromContext(ctx)
	if !ok {
		return Session{}
	}
	return Session{UserID: a.UserID, TokenID: a.TokenID, ExpiresAt: a.ExpiresAt}
}

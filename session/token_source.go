package session

import (
	"context"

	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/token"
	xoauth2 "golang.org/x/oauth2"
)

type tokenSource struct {
	ctx     context.Context
	service *Service
}

// TokenSource adapts the session to golang.org/x/oauth2 so clients built with
// oauth2.NewClient share the coordinated session. An expired access token is renewed through
// the coordinator; the source never talks to a token endpoint itself.
func (s *Service) TokenSource(ctx context.Context) xoauth2.TokenSource {
	return &tokenSource{ctx: ctx, service: s}
}

func (ts *tokenSource) Token() (*xoauth2.Token, error) {
	s := ts.service
	session, ok := s.store.Read()
	if !ok {
		return nil, apperrors.ErrNoSession
	}

	access := session.AccessToken
	inspection := token.Inspect(access, s.nowFunc())
	if inspection.Status == token.StatusExpired {
		renewed, err := s.coordinator.Token(ts.ctx)
		if err != nil {
			return nil, err
		}
		access = renewed
		inspection = token.Inspect(access, s.nowFunc())
	}

	return &xoauth2.Token{
		AccessToken: access,
		TokenType:   "Bearer",
		Expiry:      inspection.ExpiresAt,
	}, nil
}

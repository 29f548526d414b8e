package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
	"mailpilot_worker/pkg/logger"
)

// oauthSession is the live handle for Gmail and Outlook connections: a token
// source that refreshes on demand and an HTTP client that uses it. Each
// session has its own breaker so one failing mailbox never blocks another.
type oauthSession struct {
	kind    domain.ProviderKind
	mailbox string
	ts      oauth2.TokenSource
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
}

func (s *oauthSession) Provider() domain.ProviderKind { return s.kind }
func (s *oauthSession) Mailbox() string               { return s.mailbox }
func (s *oauthSession) Close() error                  { return nil }

// newOAuthSession builds a session whose refreshed tokens are written back
// through saver. The session outlives any single request, so the refresh
// client is bound to a background context carrying base.
func newOAuthSession(cfg *oauth2.Config, conn *domain.Connection, saver out.TokenSaver, base *http.Client) (*oauthSession, error) {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	ts, err := newTokenSource(ctx, cfg, conn.Provider, conn.ID.String(), conn.Credentials, saver)
	if err != nil {
		return nil, err
	}
	return &oauthSession{
		kind:    conn.Provider,
		mailbox: strings.ToLower(conn.Email),
		ts:      ts,
		client:  oauth2.NewClient(ctx, ts),
		cb:      newBreaker(string(conn.Provider) + ":" + conn.ID.String()),
	}, nil
}

// newTokenSource refuses credentials without a refresh token: such a
// connection can never recover once the access token expires.
func newTokenSource(ctx context.Context, cfg *oauth2.Config, kind domain.ProviderKind, connectionID string, creds domain.Credentials, saver out.TokenSaver) (*savingTokenSource, error) {
	if creds.RefreshToken == "" {
		return nil, out.AuthError(string(kind), "missing refresh token, re-consent required", nil)
	}
	tok := credsToToken(creds)
	return &savingTokenSource{
		provider:     kind,
		connectionID: connectionID,
		creds:        creds,
		base:         oauth2.ReuseTokenSource(tok, cfg.TokenSource(ctx, tok)),
		last:         tok.AccessToken,
		saver:        saver,
	}, nil
}

func credsToToken(c domain.Credentials) *oauth2.Token {
	tokenType := c.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    tokenType,
		Expiry:       c.Expiry,
	}
}

// savingTokenSource persists every newly minted token.
type savingTokenSource struct {
	provider     domain.ProviderKind
	connectionID string
	base         oauth2.TokenSource
	saver        out.TokenSaver

	mu    sync.Mutex
	creds domain.Credentials
	last  string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, tokenError(s.provider, err)
	}

	s.mu.Lock()
	changed := tok.AccessToken != s.last
	if changed {
		s.last = tok.AccessToken
		s.creds.AccessToken = tok.AccessToken
		s.creds.Expiry = tok.Expiry
		if tok.RefreshToken != "" {
			s.creds.RefreshToken = tok.RefreshToken
		}
		if tok.TokenType != "" {
			s.creds.TokenType = tok.TokenType
		}
	}
	creds := s.creds
	s.mu.Unlock()

	if changed && s.saver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.saver.SaveCredentials(ctx, s.connectionID, creds); err != nil {
			logger.WithField("connection", s.connectionID).WithError(err).Warn("[OAuth] failed to persist refreshed token")
		}
	}
	return tok, nil
}

// tokenError maps a refresh failure onto the provider taxonomy. A rejected
// grant means the user has to consent again.
func tokenError(kind domain.ProviderKind, err error) error {
	var pe *out.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" || re.ErrorCode == "invalid_client" {
			return out.AuthError(string(kind), "token refresh rejected: "+re.ErrorCode, err)
		}
		if re.Response != nil && (re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
			return out.AuthError(string(kind), "token refresh rejected", err)
		}
		return out.TransientError(string(kind), "token refresh failed", err)
	}
	if strings.Contains(err.Error(), "token expired and refresh token is not set") {
		return out.AuthError(string(kind), "missing refresh token, re-consent required", err)
	}
	return out.TransientError(string(kind), "token refresh failed", err)
}

// httpStatusError maps an API status code onto the provider taxonomy.
func httpStatusError(kind domain.ProviderKind, status int, msg string, err error) error {
	switch {
	case status == http.StatusUnauthorized:
		return out.AuthError(string(kind), "unauthorized: "+msg, err)
	case status == http.StatusForbidden && !strings.Contains(strings.ToLower(msg), "rate limit"):
		return out.AuthError(string(kind), "access denied: "+msg, err)
	case status == http.StatusTooManyRequests || status == http.StatusForbidden || status >= 500:
		return out.TransientError(string(kind), msg, err)
	default:
		return out.ProtocolError(string(kind), msg, err)
	}
}

package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-session/authapi"
	"github.com/jrsteele09/go-auth-session/internal/config"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/metrics"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/jrsteele09/go-auth-session/tokenstore"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxErrorBodyBytes = 1 << 20 // 1 MB

// Refresher hands out a renewed access token, joining any refresh already in flight.
type Refresher interface {
	Token(ctx context.Context) (string, error)
}

// Sessions ends the local session when credentials cannot be renewed.
type Sessions interface {
	Logout(ctx context.Context, revokeRemote bool) error
	// Invalidate logs out only if accessToken still belongs to the stored session.
	Invalidate(ctx context.Context, accessToken string) bool
}

// Gateway attaches the session's bearer token to outbound requests and recovers from an
// expired access token by refreshing once and replaying the request once.
type Gateway struct {
	next        http.RoundTripper
	store       *tokenstore.Store
	refresher   Refresher
	sessions    Sessions
	publicPaths []string
	refreshPath string
	proactive   bool
	nowFunc     func() time.Time
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the per-request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

// WithMetrics counts replayed requests in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithNowFunc sets the clock used for token expiry checks (primarily for testing)
func WithNowFunc(now func() time.Time) Option {
	return func(g *Gateway) {
		g.nowFunc = now
	}
}

// WithoutProactiveRefresh sends requests carrying an access token known to be expired
// and relies on the server's 401 to trigger the refresh.
func WithoutProactiveRefresh() Option {
	return func(g *Gateway) {
		g.proactive = false
	}
}

// New returns a gateway that sends through next, or http.DefaultTransport when next is nil.
func New(next http.RoundTripper, store *tokenstore.Store, refresher Refresher, sessions Sessions, endpoints config.EndpointConfig, options ...Option) *Gateway {
	if next == nil {
		next = http.DefaultTransport
	}
	g := &Gateway{
		next:        next,
		store:       store,
		refresher:   refresher,
		sessions:    sessions,
		publicPaths: endpoints.PublicPaths(),
		refreshPath: endpoints.GetRefreshPath(),
		proactive:   true,
		nowFunc:     time.Now,
		logger:      log.Logger,
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// RoundTrip implements http.RoundTripper. A 401 that cannot be recovered from is returned
// as the response; a failed refresh is returned as the error.
func (g *Gateway) RoundTrip(req *http.Request) (*http.Response, error) {
	base, err := replayable(req)
	if err != nil {
		return nil, err
	}
	requestID := req.Header.Get(authapi.RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := g.logger.With().Str("request_id", requestID).Str("path", req.URL.Path).Logger()

	if g.isPublic(req.URL.Path) {
		return g.roundTripPublic(base, requestID, logger)
	}

	ctx := req.Context()
	access := g.store.AccessToken()

	if g.proactive && access != "" && token.Expired(access, g.nowFunc()) {
		if g.store.IsRefreshTokenExpired(g.nowFunc()) {
			logger.Info().Msg("access and refresh tokens expired, ending session")
			g.sessions.Invalidate(ctx, access)
			access = ""
		} else {
			renewed, err := g.refresher.Token(ctx)
			if err != nil {
				return nil, g.refreshFailed(ctx, access, err, logger)
			}
			logger.Debug().Msg("renewed expired access token before sending")
			access = renewed
		}
	}

	resp, err := g.send(base, access, requestID)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// Another request may already have refreshed since this one read the store.
	if current := g.store.AccessToken(); current != "" && current != access {
		discard(resp)
		logger.Debug().Msg("replaying with token refreshed by another request")
		return g.replay(base, current, requestID, metrics.ResultStale)
	}

	if g.store.IsRefreshTokenExpired(g.nowFunc()) {
		logger.Info().Msg("401 without a usable refresh token, ending session")
		g.sessions.Invalidate(ctx, access)
		return resp, nil
	}

	renewed, err := g.refresher.Token(ctx)
	if err != nil {
		discard(resp)
		return nil, g.refreshFailed(ctx, access, err, logger)
	}

	discard(resp)
	return g.replay(base, renewed, requestID, "")
}

func (g *Gateway) roundTripPublic(base *http.Request, requestID string, logger zerolog.Logger) (*http.Response, error) {
	resp, err := g.send(base, "", requestID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && strings.HasSuffix(base.URL.Path, g.refreshPath) {
		logger.Info().Msg("refresh endpoint rejected credentials, ending session")
		if err := g.sessions.Logout(base.Context(), false); err != nil {
			logger.Err(err).Msg("logout failed")
		}
	}
	return resp, nil
}

// refreshFailed ends the session the request was made with and returns the refresh error.
// A caller that gave up does not end the session.
func (g *Gateway) refreshFailed(ctx context.Context, access string, err error, logger zerolog.Logger) error {
	if ctx.Err() != nil {
		return err
	}
	if g.sessions.Invalidate(ctx, access) {
		logger.Info().Err(err).Msg("refresh failed, session ended")
	} else {
		logger.Debug().Err(err).Msg("refresh failed for a session that has since been replaced")
	}
	return err
}

// replay re-issues the request exactly once. Whatever comes back is final.
func (g *Gateway) replay(base *http.Request, access, requestID, result string) (*http.Response, error) {
	resp, err := g.send(base, access, requestID)
	if result == "" {
		result = metrics.ResultSuccess
		if err != nil || resp.StatusCode == http.StatusUnauthorized {
			result = metrics.ResultFailure
		}
	}
	g.metrics.Replayed(result)
	return resp, err
}

// send clones base with its own copy of the body and the given credentials.
func (g *Gateway) send(base *http.Request, access, requestID string) (*http.Response, error) {
	req := base.Clone(base.Context())
	if base.GetBody != nil {
		body, err := base.GetBody()
		if err != nil {
			return nil, fmt.Errorf("[Gateway.send] rewind body: %w", err)
		}
		req.Body = body
	}

	if access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	} else {
		req.Header.Del("Authorization")
	}
	req.Header.Set(authapi.RequestIDHeader, requestID)

	return g.next.RoundTrip(req)
}

func (g *Gateway) isPublic(path string) bool {
	for _, p := range g.publicPaths {
		if p != "" && strings.HasSuffix(path, p) {
			return true
		}
	}
	return false
}

// replayable returns a copy of req whose body can be sent more than once.
func replayable(req *http.Request) (*http.Request, error) {
	base := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return base, nil
	}
	if req.GetBody != nil {
		// Every attempt sends a fresh copy from GetBody.
		_ = req.Body.Close()
		return base, nil
	}

	payload, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("[Gateway.RoundTrip] buffer body: %w", err)
	}
	base.Body = io.NopCloser(bytes.NewReader(payload))
	base.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	base.ContentLength = int64(len(payload))
	return base, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
	_ = resp.Body.Close()
}

// Client returns an *http.Client that sends through the gateway.
func (g *Gateway) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: g, Timeout: timeout}
}

// Do sends req through the gateway and classifies the outcome. Any non-2xx answer is
// returned as a *errors.RequestError with the response body consumed; a failed refresh
// keeps its own classification; anything else that kept a response from arriving is a
// transport error.
func (g *Gateway) Do(req *http.Request) (*http.Response, error) {
	resp, err := (&http.Client{Transport: g}).Do(req)
	if err != nil {
		var re *apperrors.RequestError
		switch {
		case errors.As(err, &re):
			return nil, err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		case errors.Is(err, apperrors.ErrRefreshTimeout),
			errors.Is(err, apperrors.ErrRefreshCancelled),
			errors.Is(err, apperrors.ErrNoRefreshToken),
			errors.Is(err, apperrors.ErrRefreshTokenExpired),
			errors.Is(err, apperrors.ErrSessionSuperseded):
			return nil, &apperrors.RequestError{Kind: apperrors.KindAuthentication, Status: http.StatusUnauthorized, Err: err}
		}
		return nil, apperrors.Transport(err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return nil, apperrors.Transport(fmt.Errorf("read error body: %w", err))
	}
	return nil, authapi.ResponseError(resp.StatusCode, body)
}

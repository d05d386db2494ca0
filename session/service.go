package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/metrics"
	"github.com/jrsteele09/go-auth-session/oauth2"
	"github.com/jrsteele09/go-auth-session/refresh"
	"github.com/jrsteele09/go-auth-session/tokenstore"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultRevokeTimeout bounds the background server-side revocation on logout.
const DefaultRevokeTimeout = 5 * time.Second

// API is the subset of the auth endpoints the service drives.
type API interface {
	Login(ctx context.Context, req oauth2.LoginRequest) (*oauth2.AuthResponse, error)
	Register(ctx context.Context, req oauth2.RegisterRequest) (*oauth2.AuthResponse, error)
	Refresh(ctx context.Context, refreshToken string) (oauth2.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	LogoutAll(ctx context.Context, accessToken, refreshToken string) error
	Me(ctx context.Context, accessToken string) (*users.User, error)
}

// Service owns the login, refresh and logout flows and the current-user stream.
//
// Every established or ended session bumps an epoch. A refresh only writes its rotated
// tokens if the epoch it started under is still current, so a refresh that outlives a
// logout or a new login can never resurrect or overwrite a session.
type Service struct {
	store         *tokenstore.Store
	api           API
	coordinator   *refresh.Coordinator
	revokeTimeout time.Duration
	waitTimeout   time.Duration
	nowFunc       func() time.Time
	logger        zerolog.Logger
	metrics       *metrics.Metrics

	mu          sync.Mutex // guards epoch, current and subscribers; held across store writes
	epoch       uint64
	current     *users.User
	subscribers map[int]*subscriber
	nextSubID   int

	revocations sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger for session lifecycle events.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithMetrics records session and refresh outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithNowFunc sets the clock used for token expiry checks (primarily for testing)
func WithNowFunc(now func() time.Time) Option {
	return func(s *Service) {
		s.nowFunc = now
	}
}

// WithRefreshWaitTimeout bounds how long a caller queues behind an in-flight refresh.
func WithRefreshWaitTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.waitTimeout = d
	}
}

// WithRevokeTimeout bounds the best-effort server-side revocation on logout.
func WithRevokeTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.revokeTimeout = d
	}
}

// New builds the service and restores any complete session persisted in store. A restored
// session whose refresh token has expired is cleared instead.
func New(store *tokenstore.Store, api API, options ...Option) *Service {
	s := &Service{
		store:         store,
		api:           api,
		revokeTimeout: DefaultRevokeTimeout,
		waitTimeout:   refresh.DefaultWaitTimeout,
		nowFunc:       time.Now,
		logger:        log.Logger,
		subscribers:   make(map[int]*subscriber),
	}
	for _, opt := range options {
		opt(s)
	}

	s.coordinator = refresh.New(s.refresh,
		refresh.WithWaitTimeout(s.waitTimeout),
		refresh.WithLogger(s.logger),
		refresh.WithMetrics(s.metrics),
	)

	if session, ok := store.Read(); ok {
		if store.IsRefreshTokenExpired(s.nowFunc()) {
			s.logger.Info().Msg("persisted session expired, starting signed out")
		} else {
			s.current = session.User.Clone()
			s.logger.Debug().Str("user_id", session.User.ID).Msg("restored persisted session")
		}
	}
	return s
}

// Coordinator returns the single-flight refresh coordinator bound to this service.
func (s *Service) Coordinator() *refresh.Coordinator {
	return s.coordinator
}

// Store returns the token store the service writes to.
func (s *Service) Store() *tokenstore.Store {
	return s.store
}

// Login authenticates with primary credentials and establishes a session.
func (s *Service) Login(ctx context.Context, req oauth2.LoginRequest) (*users.User, error) {
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrapf(err, "[Service.Login]")
	}
	resp, err := s.api.Login(ctx, req)
	if err != nil {
		return nil, apperrors.Wrapf(err, "[Service.Login]")
	}
	return s.establishFrom(resp, "Login")
}

// Register creates an account and establishes a session for it.
func (s *Service) Register(ctx context.Context, req oauth2.RegisterRequest) (*users.User, error) {
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrapf(err, "[Service.Register]")
	}
	resp, err := s.api.Register(ctx, req)
	if err != nil {
		return nil, apperrors.Wrapf(err, "[Service.Register]")
	}
	return s.establishFrom(resp, "Register")
}

// LoginWithTokens establishes a session from a token pair delivered out of band, such as
// a social sign-in hand-off. The user record is fetched with the new access token; if that
// fails nothing is written.
func (s *Service) LoginWithTokens(ctx context.Context, pair oauth2.TokenPair) (*users.User, error) {
	if !pair.Complete() {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidToken, "[Service.LoginWithTokens] incomplete token pair")
	}
	user, err := s.api.Me(ctx, pair.AccessToken())
	if err != nil {
		return nil, apperrors.Wrapf(err, "[Service.LoginWithTokens] fetch user")
	}
	if err := s.establish(pair, user); err != nil {
		return nil, apperrors.Wrapf(err, "[Service.LoginWithTokens]")
	}
	return user.Clone(), nil
}

func (s *Service) establishFrom(resp *oauth2.AuthResponse, op string) (*users.User, error) {
	if resp == nil || !resp.Tokens.Complete() || resp.User == nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidToken, "[Service.%s] incomplete auth response", op)
	}
	if err := s.establish(resp.Tokens, resp.User); err != nil {
		return nil, apperrors.Wrapf(err, "[Service.%s]", op)
	}
	return resp.User.Clone(), nil
}

// establish replaces whatever session exists with a new one.
func (s *Service) establish(pair oauth2.TokenPair, user *users.User) error {
	s.mu.Lock()
	s.epoch++
	err := s.store.Write(tokenstore.Session{
		AccessToken:  pair.AccessToken(),
		RefreshToken: pair.RefreshToken(),
		User:         user.Clone(),
	})
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.setCurrentLocked(user)
	s.mu.Unlock()

	// A refresh still running for an earlier session must not hold up callers of this one.
	s.coordinator.ForceReset()
	s.logger.Info().Str("user_id", user.ID).Msg("session established")
	return nil
}

// Refresh renews the access token through the coordinator, joining any refresh in flight.
func (s *Service) Refresh(ctx context.Context) (string, error) {
	return s.coordinator.Token(ctx)
}

// refresh performs the network refresh. It is only ever called by the coordinator.
func (s *Service) refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	refreshToken := s.store.RefreshToken()
	if refreshToken == "" {
		s.endSession(epoch, "no refresh token")
		return "", apperrors.ErrNoRefreshToken
	}
	if s.store.IsRefreshTokenExpired(s.nowFunc()) {
		s.endSession(epoch, "refresh token expired")
		return "", apperrors.ErrRefreshTokenExpired
	}

	pair, err := s.api.Refresh(ctx, refreshToken)
	if err != nil {
		if apperrors.IsAuthentication(err) {
			// The refresh token itself was rejected; nothing can renew this session.
			s.endSession(epoch, "refresh token rejected")
		}
		return "", apperrors.Wrapf(err, "[Service.refresh]")
	}
	if !pair.Complete() {
		return "", apperrors.Wrapf(apperrors.ErrInvalidToken, "[Service.refresh] incomplete token pair")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return "", apperrors.ErrSessionSuperseded
	}
	if err := s.store.UpdateTokens(pair.AccessToken(), pair.RefreshToken()); err != nil {
		return "", apperrors.Wrapf(err, "[Service.refresh] store tokens")
	}
	return pair.AccessToken(), nil
}

// endSession tears down the session that was current at epoch. It leaves the coordinator
// alone: it runs inside a refresh whose waiters must receive that refresh's error.
func (s *Service) endSession(epoch uint64, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return
	}
	if err := s.clearLocked(reason); err != nil {
		s.logger.Err(err).Msg("failed to clear session")
	}
}

// clearLocked wipes the store and announces that no user is signed in. The in-memory
// session ends even when the store cannot be cleared; the store error is returned.
func (s *Service) clearLocked(reason string) error {
	s.epoch++
	err := s.store.Clear()
	if s.current != nil {
		s.logger.Info().Str("reason", reason).Str("user_id", s.current.ID).Msg("session ended")
	}
	s.setCurrentLocked(nil)
	return err
}

// Logout ends the session locally and releases anything queued behind a refresh. With
// revokeRemote the refresh token is also revoked on the server in the background;
// that call never delays or prevents the local cleanup. The error reports a store that
// could not be cleared; the signed-in user and any queued refresh are released regardless.
func (s *Service) Logout(ctx context.Context, revokeRemote bool) error {
	s.mu.Lock()
	session, hadSession := s.store.Read()
	clearErr := s.clearLocked("logout")
	s.mu.Unlock()

	s.coordinator.ForceReset()

	if revokeRemote && hadSession {
		s.revokeInBackground(ctx, session.RefreshToken)
	}
	if clearErr != nil {
		return apperrors.Wrapf(clearErr, "[Service.Logout] clear store")
	}
	return nil
}

// Invalidate logs out if the stored session is still the one accessToken belongs to,
// or if there is no session at all. It reports whether it logged out. Callers holding a
// token that has since been replaced by a refresh or a new login leave the newer session alone.
func (s *Service) Invalidate(ctx context.Context, accessToken string) bool {
	s.mu.Lock()
	session, ok := s.store.Read()
	if ok && session.AccessToken != accessToken {
		s.mu.Unlock()
		return false
	}
	if err := s.clearLocked("session invalidated"); err != nil {
		s.logger.Err(err).Msg("failed to clear session")
	}
	s.mu.Unlock()

	s.coordinator.ForceReset()
	return true
}

func (s *Service) revokeInBackground(ctx context.Context, refreshToken string) {
	s.revocations.Add(1)
	go func() {
		defer s.revocations.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.revokeTimeout)
		defer cancel()
		if err := s.api.Logout(rctx, refreshToken); err != nil {
			s.logger.Warn().Err(err).Msg("remote token revocation failed")
		}
	}()
}

// Drain waits for background revocations started by Logout.
func (s *Service) Drain() {
	s.revocations.Wait()
}

// LogoutAllDevices revokes every session of the signed-in identity on the server, then logs
// out locally whatever the server answered. The server error, if any, is returned after
// the local session is gone.
func (s *Service) LogoutAllDevices(ctx context.Context) error {
	var remoteErr error
	if session, ok := s.store.Read(); ok {
		access := session.AccessToken
		if s.store.IsAccessTokenExpired(s.nowFunc()) {
			if renewed, err := s.coordinator.Token(ctx); err == nil {
				access = renewed
			}
		}
		refreshToken := s.store.RefreshToken()
		if refreshToken == "" {
			refreshToken = session.RefreshToken
		}

		rctx, cancel := context.WithTimeout(ctx, s.revokeTimeout)
		remoteErr = s.api.LogoutAll(rctx, access, refreshToken)
		cancel()
		if remoteErr != nil {
			s.logger.Warn().Err(remoteErr).Msg("logout from all devices failed on the server")
		}
	}

	if err := s.Logout(ctx, false); err != nil {
		return err
	}
	if remoteErr != nil {
		return fmt.Errorf("[Service.LogoutAllDevices] %w", remoteErr)
	}
	return nil
}

// ReplaceUser swaps the signed-in user's record, e.g. after a profile edit.
func (s *Service) ReplaceUser(user *users.User) error {
	if user == nil {
		return apperrors.Wrapf(apperrors.ErrInvalidRequest, "[Service.ReplaceUser] nil user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.ReplaceUser(user); err != nil {
		return apperrors.Wrapf(err, "[Service.ReplaceUser]")
	}
	s.setCurrentLocked(user)
	return nil
}

// CurrentUser returns a copy of the signed-in user, or nil.
func (s *Service) CurrentUser() *users.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// IsAuthenticated reports whether a user is signed in.
func (s *Service) IsAuthenticated() bool {
	return s.CurrentUser() != nil
}

// HasMinimumRole reports whether the signed-in user ranks at or above role.
func (s *Service) HasMinimumRole(role users.RoleType) bool {
	return s.CurrentUser().HasMinimumRole(role)
}

// HasRole reports whether the signed-in user holds exactly role.
func (s *Service) HasRole(role users.RoleType) bool {
	return s.CurrentUser().HasRole(role)
}

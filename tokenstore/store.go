package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Well-known keys the session is persisted under.
const (
	AccessTokenKey  = "auth.access_token"
	RefreshTokenKey = "auth.refresh_token"
	UserKey         = "auth.user"
)

var sessionKeys = []string{AccessTokenKey, RefreshTokenKey, UserKey}

// Session is the complete authenticated state: all three fields or nothing.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         *users.User
}

// Valid reports whether every field is set.
func (s Session) Valid() bool {
	return strings.TrimSpace(s.AccessToken) != "" &&
		strings.TrimSpace(s.RefreshToken) != "" &&
		s.User != nil
}

// Store owns the persisted session bytes. Multi-key reads and writes are serialised
// in-process so no reader ever observes a half-written session.
type Store struct {
	kv     KV
	mu     sync.RWMutex
	logger zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for persistence failures.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New returns a store persisting the session in kv.
func New(kv KV, options ...Option) *Store {
	s := &Store{
		kv:     kv,
		logger: log.Logger,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Read returns the stored session. ok is false when no complete session is persisted;
// a partial leftover (e.g. from a crash between single-key writes) is cleared.
func (s *Store) Read() (Session, bool) {
	s.mu.RLock()
	session, present, err := s.readLocked()
	s.mu.RUnlock()

	if err == nil && session.Valid() {
		return session, true
	}
	if err == nil && present == 0 {
		return Session{}, false
	}
	s.discardPartial()
	return Session{}, false
}

// discardPartial re-checks under the write lock before clearing, so a session written
// in between is left alone.
func (s *Store) discardPartial() {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, present, err := s.readLocked()
	if err == nil && (session.Valid() || present == 0) {
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("discarding unreadable session")
	} else {
		s.logger.Warn().Int("fields", present).Msg("discarding partial session")
	}
	if err := s.clearLocked(); err != nil {
		s.logger.Err(err).Msg("failed to discard session")
	}
}

// readLocked returns whatever is stored plus how many of the three keys were present.
func (s *Store) readLocked() (Session, int, error) {
	var (
		session Session
		present int
	)

	access, err := s.get(AccessTokenKey)
	if err != nil {
		return Session{}, 0, err
	}
	refresh, err := s.get(RefreshTokenKey)
	if err != nil {
		return Session{}, 0, err
	}
	rawUser, err := s.get(UserKey)
	if err != nil {
		return Session{}, 0, err
	}

	for _, v := range []string{access, refresh, rawUser} {
		if v != "" {
			present++
		}
	}

	session.AccessToken = access
	session.RefreshToken = refresh
	if rawUser != "" {
		var u users.User
		if err := json.Unmarshal([]byte(rawUser), &u); err != nil {
			return Session{}, present, fmt.Errorf("[Store.Read] decode user: %w", err)
		}
		session.User = &u
	}
	return session, present, nil
}

func (s *Store) get(key string) (string, error) {
	v, err := s.kv.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("[Store.get] %s: %w", key, err)
	}
	return v, nil
}

// Write atomically replaces all three fields.
func (s *Store) Write(session Session) error {
	if !session.Valid() {
		return apperrors.ErrPartialSession
	}
	rawUser, err := json.Marshal(session.User)
	if err != nil {
		return fmt.Errorf("[Store.Write] encode user: %w", err)
	}

	values := map[string]string{
		AccessTokenKey:  session.AccessToken,
		RefreshTokenKey: session.RefreshToken,
		UserKey:         string(rawUser),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setAll(values)
}

// UpdateTokens replaces both tokens of an existing session, keeping the user.
func (s *Store) UpdateTokens(access, refresh string) error {
	if strings.TrimSpace(access) == "" || strings.TrimSpace(refresh) == "" {
		return apperrors.ErrPartialSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, _, err := s.readLocked()
	if err != nil {
		return err
	}
	if !current.Valid() {
		return apperrors.ErrNoSession
	}
	return s.setAll(map[string]string{
		AccessTokenKey:  access,
		RefreshTokenKey: refresh,
	})
}

// ReplaceUser swaps the stored user record of an existing session.
func (s *Store) ReplaceUser(user *users.User) error {
	if user == nil {
		return apperrors.ErrPartialSession
	}
	rawUser, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("[Store.ReplaceUser] encode user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, _, err := s.readLocked()
	if err != nil {
		return err
	}
	if !current.Valid() {
		return apperrors.ErrNoSession
	}
	return s.setAll(map[string]string{UserKey: string(rawUser)})
}

func (s *Store) setAll(values map[string]string) error {
	if batch, ok := s.kv.(BatchKV); ok {
		if err := batch.SetMany(values); err != nil {
			return fmt.Errorf("[Store.Write] %w", err)
		}
		return nil
	}
	// Without batch support the refresh token goes first and the access token last;
	// Read treats anything short of all three as absent.
	for _, key := range []string{RefreshTokenKey, UserKey, AccessTokenKey} {
		v, ok := values[key]
		if !ok {
			continue
		}
		if err := s.kv.Set(key, v); err != nil {
			return fmt.Errorf("[Store.Write] %s: %w", key, err)
		}
	}
	return nil
}

// Clear atomically removes all fields.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked()
}

func (s *Store) clearLocked() error {
	if batch, ok := s.kv.(BatchKV); ok {
		if err := batch.DeleteMany(sessionKeys...); err != nil {
			return fmt.Errorf("[Store.Clear] %w", err)
		}
		return nil
	}
	// Access token goes first so a concurrent crash leaves nothing usable behind.
	for _, key := range []string{AccessTokenKey, UserKey, RefreshTokenKey} {
		if err := s.kv.Delete(key); err != nil && !errors.Is(err, ErrKeyNotFound) {
			return fmt.Errorf("[Store.Clear] %s: %w", key, err)
		}
	}
	return nil
}

// AccessToken returns the current access token, or "" without a complete session.
func (s *Store) AccessToken() string {
	session, ok := s.Read()
	if !ok {
		return ""
	}
	return session.AccessToken
}

// RefreshToken returns the current refresh token, or "" without a complete session.
func (s *Store) RefreshToken() string {
	session, ok := s.Read()
	if !ok {
		return ""
	}
	return session.RefreshToken
}

// User returns the stored user record, or nil.
func (s *Store) User() *users.User {
	session, ok := s.Read()
	if !ok {
		return nil
	}
	return session.User
}

// IsAccessTokenExpired reports whether the access token is a well-formed JWT past its exp.
// An unparseable token is not expired: it may be opaque, and the server's 401 decides.
func (s *Store) IsAccessTokenExpired(now time.Time) bool {
	access := s.AccessToken()
	if access == "" {
		return true
	}
	return token.Inspect(access, now).Status == token.StatusExpired
}

// IsRefreshTokenExpired reports whether the refresh token is unusable. A missing token is
// expired. A well-formed JWT past its exp is expired and the session is cleared as a side
// effect. An unparseable token is usable until the server rejects it.
func (s *Store) IsRefreshTokenExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, _, err := s.readLocked()
	if err != nil || !current.Valid() {
		return true
	}

	inspection := token.Inspect(current.RefreshToken, now)
	if inspection.Status != token.StatusExpired {
		return false
	}

	s.logger.Info().Time("expired_at", inspection.ExpiresAt).Msg("refresh token expired, clearing session")
	if err := s.clearLocked(); err != nil {
		s.logger.Err(err).Msg("failed to clear expired session")
	}
	return true
}

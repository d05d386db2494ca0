package authtest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/oauth2"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// Routes served besides the auth endpoints.
const (
	ProtectedPath = "/api/resource"
	ForbiddenPath = "/api/admin"
	FailingPath   = "/api/broken"
)

const (
	DefaultSecret     = "authtest-secret"
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 24 * time.Hour

	contentTypeJSON = "application/json; charset=utf-8"
)

type contextKey string

const contextKeyUserID contextKey = "user_id"

type account struct {
	user         *users.User
	passwordHash string
}

// Server is an in-process auth API: login, register, refresh with rotation, logout,
// logout-all and me, plus a protected resource. It lets tests stall or fail refresh and
// counts the calls it receives.
type Server struct {
	*httptest.Server
	signer     *HMACSigner
	endpoints  config.Endpoints
	accessTTL  time.Duration
	refreshTTL time.Duration
	nowFunc    func() time.Time
	logger     zerolog.Logger

	mu            sync.Mutex
	accounts      map[string]*account // keyed by id, username and email
	refreshTokens map[string]string   // live refresh token -> user id
	refreshGate   chan struct{}
	refreshStatus int
	seenAuth      []string

	refreshCalls   atomic.Int32
	logoutCalls    atomic.Int32
	logoutAllCalls atomic.Int32
	protectedCalls atomic.Int32
}

type Option func(*Server)

func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) {
		s.accessTTL = d
	}
}

func WithRefreshTTL(d time.Duration) Option {
	return func(s *Server) {
		s.refreshTTL = d
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(s *Server) {
		s.nowFunc = now
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New starts the server. Callers must Close it.
func New(options ...Option) *Server {
	s := &Server{
		signer: NewHMACSigner(DefaultSecret),
		endpoints: config.Endpoints{
			LoginPath:     "/auth/login",
			RegisterPath:  "/auth/register",
			RefreshPath:   "/auth/refresh",
			LogoutPath:    "/auth/logout",
			LogoutAllPath: "/auth/logout-all",
			MePath:        "/auth/me",
		},
		accessTTL:     DefaultAccessTTL,
		refreshTTL:    DefaultRefreshTTL,
		nowFunc:       time.Now,
		logger:        zerolog.Nop(),
		accounts:      make(map[string]*account),
		refreshTokens: make(map[string]string),
	}
	for _, opt := range options {
		opt(s)
	}

	s.Server = httptest.NewServer(s.routes())
	s.endpoints.BaseURL = s.Server.URL
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	r.Post(s.endpoints.LoginPath, s.LoginHandler())
	r.Post(s.endpoints.RegisterPath, s.RegisterHandler())
	r.Post(s.endpoints.RefreshPath, s.RefreshHandler())
	r.Post(s.endpoints.LogoutPath, s.LogoutHandler())

	r.Group(func(r chi.Router) {
		r.Use(s.RequireAuth)
		r.Post(s.endpoints.LogoutAllPath, s.LogoutAllHandler())
		r.Get(s.endpoints.MePath, s.MeHandler())
		r.Get(ForbiddenPath, func(w http.ResponseWriter, r *http.Request) {
			writeJSONError(w, "forbidden", "admin role required", http.StatusForbidden)
		})
	})

	protected := r.With(s.recordAuthorization, s.RequireAuth)
	protected.Get(ProtectedPath, s.ProtectedHandler())
	protected.Post(ProtectedPath, s.ProtectedHandler())

	r.Get(FailingPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, "server_error", "backend unavailable", http.StatusInternalServerError)
	})
	return r
}

// Endpoints returns endpoint configuration pointing at this server.
func (s *Server) Endpoints() config.Endpoints {
	return s.endpoints
}

// AddUser creates an account with a bcrypt-hashed password.
func (s *Server) AddUser(username, email, password string, role users.RoleType) *users.User {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic("authtest: hash password: " + err.Error())
	}
	now := s.nowFunc().UTC()
	u := &users.User{
		ID:        uuid.NewString(),
		Username:  username,
		Email:     email,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acc := &account{user: u, passwordHash: string(hash)}
	s.accounts[u.ID] = acc
	s.accounts[strings.ToLower(username)] = acc
	s.accounts[strings.ToLower(email)] = acc
	return u.Clone()
}

// IssuePair mints a live token pair for userID as if the user had just logged in.
func (s *Server) IssuePair(userID string) (oauth2.TokenPair, error) {
	now := s.nowFunc()
	access, err := s.signer.Mint(userID, tokenTypeAccess, now, s.accessTTL)
	if err != nil {
		return oauth2.TokenPair{}, err
	}
	refresh, err := s.signer.Mint(userID, tokenTypeRefresh, now, s.refreshTTL)
	if err != nil {
		return oauth2.TokenPair{}, err
	}

	s.mu.Lock()
	s.refreshTokens[refresh] = userID
	s.mu.Unlock()
	return oauth2.NewTokenPair(access, refresh), nil
}

// MintAccessToken signs an access token for userID with the given lifetime. A negative ttl
// produces an expired token.
func (s *Server) MintAccessToken(userID string, ttl time.Duration) string {
	tok, err := s.signer.Mint(userID, tokenTypeAccess, s.nowFunc(), ttl)
	if err != nil {
		panic("authtest: mint access token: " + err.Error())
	}
	return tok
}

// MintRefreshToken signs a refresh token that the server does not know about.
func (s *Server) MintRefreshToken(userID string, ttl time.Duration) string {
	tok, err := s.signer.Mint(userID, tokenTypeRefresh, s.nowFunc(), ttl)
	if err != nil {
		panic("authtest: mint refresh token: " + err.Error())
	}
	return tok
}

// BlockRefresh makes refresh calls wait until release is called.
func (s *Server) BlockRefresh() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.refreshGate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.refreshGate == gate {
				s.refreshGate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// FailRefresh makes refresh calls answer with status. Zero restores normal behaviour.
func (s *Server) FailRefresh(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStatus = status
}

// RevokeRefreshTokens drops every live refresh token of userID.
func (s *Server) RevokeRefreshTokens(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, owner := range s.refreshTokens {
		if owner == userID {
			delete(s.refreshTokens, tok)
		}
	}
}

// LiveRefreshTokens counts the refresh tokens currently accepted for userID.
func (s *Server) LiveRefreshTokens(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, owner := range s.refreshTokens {
		if owner == userID {
			n++
		}
	}
	return n
}

func (s *Server) RefreshCalls() int   { return int(s.refreshCalls.Load()) }
func (s *Server) LogoutCalls() int    { return int(s.logoutCalls.Load()) }
func (s *Server) LogoutAllCalls() int { return int(s.logoutAllCalls.Load()) }
func (s *Server) ProtectedCalls() int { return int(s.protectedCalls.Load()) }

// AuthorizationHeaders returns the Authorization header of every request to the protected
// resource, in arrival order. Requests without one are recorded as "".
func (s *Server) AuthorizationHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seenAuth...)
}

// LoginHandler authenticates primary credentials
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req oauth2.LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, "invalid_request", "malformed body", http.StatusBadRequest)
			return
		}

		acc := s.lookup(req.Identifier)
		if acc == nil || bcrypt.CompareHashAndPassword([]byte(acc.passwordHash), []byte(req.Secret)) != nil {
			writeJSONError(w, "invalid_credentials", "invalid username or password", http.StatusUnauthorized)
			return
		}

		pair, err := s.IssuePair(acc.user.ID)
		if err != nil {
			writeJSONError(w, "server_error", err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, oauth2.AuthResponse{Tokens: pair, User: acc.user.Clone()})
	}
}

// RegisterHandler creates an account and signs it in
func (s *Server) RegisterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req oauth2.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, "invalid_request", "malformed body", http.StatusBadRequest)
			return
		}
		if req.Username == "" || req.Email == "" || len(req.Password) < 8 {
			writeJSONError(w, "invalid_request", "username, email and a password of at least 8 characters are required", http.StatusBadRequest)
			return
		}
		if s.lookup(req.Username) != nil || s.lookup(req.Email) != nil {
			writeJSONError(w, "conflict", "account already exists", http.StatusConflict)
			return
		}

		u := s.AddUser(req.Username, req.Email, req.Password, users.RoleUser)
		pair, err := s.IssuePair(u.ID)
		if err != nil {
			writeJSONError(w, "server_error", err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, oauth2.AuthResponse{Tokens: pair, User: u})
	}
}

// RefreshHandler rotates a refresh token into a new pair
func (s *Server) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.refreshCalls.Add(1)

		s.mu.Lock()
		gate, status := s.refreshGate, s.refreshStatus
		s.mu.Unlock()

		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			writeJSONError(w, "refresh_failed", http.StatusText(status), status)
			return
		}

		var req oauth2.RefreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Refresh == "" {
			writeJSONError(w, "invalid_request", "refresh token is required", http.StatusBadRequest)
			return
		}

		claims, err := s.signer.Verify(req.Refresh, tokenTypeRefresh, s.nowFunc)
		if err != nil {
			writeJSONError(w, "invalid_grant", "refresh token rejected", http.StatusUnauthorized)
			return
		}

		s.mu.Lock()
		owner, live := s.refreshTokens[req.Refresh]
		if live {
			delete(s.refreshTokens, req.Refresh)
		}
		s.mu.Unlock()

		if sub, _ := claims.GetSubject(); !live || sub != owner {
			writeJSONError(w, "invalid_grant", "refresh token revoked", http.StatusUnauthorized)
			return
		}

		pair, err := s.IssuePair(owner)
		if err != nil {
			writeJSONError(w, "server_error", err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, oauth2.RefreshResponse{Tokens: pair})
	}
}

// LogoutHandler revokes a single refresh token
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.logoutCalls.Add(1)

		var req oauth2.LogoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, "invalid_request", "malformed body", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		delete(s.refreshTokens, req.Refresh)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

// LogoutAllHandler revokes every session of the caller
func (s *Server) LogoutAllHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.logoutAllCalls.Add(1)
		s.RevokeRefreshTokens(userIDFrom(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}
}

// MeHandler returns the caller's user record
func (s *Server) MeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acc := s.lookup(userIDFrom(r.Context()))
		if acc == nil {
			writeJSONError(w, "invalid_token", "unknown user", http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, acc.user.Clone())
	}
}

// ProtectedResponse is the body served by the protected resource.
type ProtectedResponse struct {
	UserID string `json:"user_id"`
	Method string `json:"method"`
	Body   string `json:"body,omitempty"`
}

// ProtectedHandler echoes the caller and any request body
func (s *Server) ProtectedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		writeJSON(w, http.StatusOK, ProtectedResponse{
			UserID: userIDFrom(r.Context()),
			Method: r.Method,
			Body:   string(body),
		})
	}
}

// RequireAuth validates the Bearer access token and stores its subject in the context
func (s *Server) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSONError(w, "unauthorized", "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
			writeJSONError(w, "unauthorized", "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := s.signer.Verify(parts[1], tokenTypeAccess, s.nowFunc)
		if err != nil {
			writeJSONError(w, "invalid_token", err.Error(), http.StatusUnauthorized)
			return
		}
		sub, _ := claims.GetSubject()

		ctx := context.WithValue(r.Context(), contextKeyUserID, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) recordAuthorization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.protectedCalls.Add(1)
		s.mu.Lock()
		s.seenAuth = append(s.seenAuth, r.Header.Get("Authorization"))
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", r.Header.Get("X-Request-ID")).
			Msg("authtest request")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) lookup(key string) *account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.accounts[key]; ok {
		return acc
	}
	return s.accounts[strings.ToLower(key)]
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyUserID).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeJSONError writes an error body in the shape the client decodes
func writeJSONError(w http.ResponseWriter, errorCode, message string, statusCode int) {
	writeJSON(w, statusCode, oauth2.ErrorResponse{Error: errorCode, Message: message})
}

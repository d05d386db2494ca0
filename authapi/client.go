package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-session/internal/config"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/oauth2"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	RequestIDHeader = "X-Request-ID"
	maxBodyBytes    = 1 << 20 // 1 MB
)

// Client talks to the auth endpoints directly. It never goes through the request gateway,
// so none of its calls can recurse into a refresh.
type Client struct {
	httpClient *http.Client
	endpoints  config.EndpointConfig
	logger     zerolog.Logger
}

type Option func(*Client)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func New(httpClient *http.Client, endpoints config.EndpointConfig, options ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		httpClient: httpClient,
		endpoints:  endpoints,
		logger:     log.Logger,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Login exchanges primary credentials for a token pair and the user record.
func (c *Client) Login(ctx context.Context, req oauth2.LoginRequest) (*oauth2.AuthResponse, error) {
	var resp oauth2.AuthResponse
	if err := c.do(ctx, http.MethodPost, c.endpoints.GetLoginPath(), "", req, &resp); err != nil {
		return nil, apperrors.Wrapf(err, "[Client.Login]")
	}
	return &resp, nil
}

// Register creates an account and returns its first token pair.
func (c *Client) Register(ctx context.Context, req oauth2.RegisterRequest) (*oauth2.AuthResponse, error) {
	var resp oauth2.AuthResponse
	if err := c.do(ctx, http.MethodPost, c.endpoints.GetRegisterPath(), "", req, &resp); err != nil {
		return nil, apperrors.Wrapf(err, "[Client.Register]")
	}
	return &resp, nil
}

// Refresh exchanges refreshToken for a new pair. The server may rotate the refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (oauth2.TokenPair, error) {
	var resp oauth2.RefreshResponse
	err := c.do(ctx, http.MethodPost, c.endpoints.GetRefreshPath(), "", oauth2.RefreshRequest{Refresh: refreshToken}, &resp)
	if err != nil {
		return oauth2.TokenPair{}, apperrors.Wrapf(err, "[Client.Refresh]")
	}
	return resp.Tokens, nil
}

// Logout revokes refreshToken on the server.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	err := c.do(ctx, http.MethodPost, c.endpoints.GetLogoutPath(), "", oauth2.LogoutRequest{Refresh: refreshToken}, nil)
	return apperrors.Wrapf(err, "[Client.Logout]")
}

// LogoutAll revokes every session of the identity owning accessToken.
func (c *Client) LogoutAll(ctx context.Context, accessToken, refreshToken string) error {
	err := c.do(ctx, http.MethodPost, c.endpoints.GetLogoutAllPath(), accessToken, oauth2.LogoutRequest{Refresh: refreshToken}, nil)
	return apperrors.Wrapf(err, "[Client.LogoutAll]")
}

// Me fetches the user record the access token belongs to.
func (c *Client) Me(ctx context.Context, accessToken string) (*users.User, error) {
	var user users.User
	if err := c.do(ctx, http.MethodGet, c.endpoints.GetMePath(), accessToken, nil, &user); err != nil {
		return nil, apperrors.Wrapf(err, "[Client.Me]")
	}
	return &user, nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoints.GetBaseURL()+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set(RequestIDHeader, uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Transport(err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return apperrors.Transport(fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Str("request_id", req.Header.Get(RequestIDHeader)).
			Msg("auth endpoint rejected request")
		return ResponseError(resp.StatusCode, raw)
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ResponseError turns a non-2xx status and its body into a RequestError. A JSON error body
// supplies the message; anything else is used verbatim.
func ResponseError(status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var decoded oauth2.ErrorResponse
	if json.Unmarshal(body, &decoded) == nil && decoded.Text() != "" {
		message = decoded.Text()
	}

	if err := apperrors.FromStatus(status, message); err != nil {
		return err
	}
	return &apperrors.RequestError{Kind: apperrors.KindValidation, Status: status, Message: message}
}

// Package authclient assembles the session layer: persisted token store, auth API client,
// session service with its refresh coordinator, and the request gateway in front of it.
package authclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jrsteele09/go-auth-session/authapi"
	"github.com/jrsteele09/go-auth-session/gateway"
	"github.com/jrsteele09/go-auth-session/httpclient"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/metrics"
	"github.com/jrsteele09/go-auth-session/oauth2"
	"github.com/jrsteele09/go-auth-session/session"
	"github.com/jrsteele09/go-auth-session/tokenstore"
	"github.com/jrsteele09/go-auth-session/tokenstore/filekv"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client is a signed-in or signed-out session bound to one auth API.
type Client struct {
	config   config.Config
	sessions *session.Service
	gateway  *gateway.Gateway
	http     *http.Client
}

type options struct {
	logger     zerolog.Logger
	registerer prometheus.Registerer
	transport  http.RoundTripper
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger shared by every component of the client.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithRegisterer registers the session metrics with reg. Without it no metrics are collected.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithTransport replaces the pooled, circuit-broken transport (primarily for testing)
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.transport = rt
	}
}

// Open builds a client whose session is persisted to the file named by the configuration.
func Open(cfg config.Config, opts ...Option) (*Client, error) {
	kv, err := filekv.New(cfg.GetStorePath())
	if err != nil {
		return nil, fmt.Errorf("[authclient.Open] failed to open session store: %w", err)
	}
	return New(cfg, kv, opts...), nil
}

// New builds a client persisting its session in kv.
func New(cfg config.Config, kv tokenstore.KV, opts ...Option) *Client {
	o := options{logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}

	var m *metrics.Metrics
	if o.registerer != nil {
		m = metrics.New(o.registerer)
	}

	// The auth API and the gateway share one transport so both are guarded by the same breaker.
	apiHTTP := httpclient.New(cfg, httpclient.WithLogger(o.logger), httpclient.WithMetrics(m))
	if o.transport != nil {
		apiHTTP = &http.Client{Transport: o.transport, Timeout: cfg.GetRequestTimeout()}
	}

	store := tokenstore.New(kv, tokenstore.WithLogger(o.logger))
	api := authapi.New(apiHTTP, cfg, authapi.WithLogger(o.logger))
	sessions := session.New(store, api,
		session.WithLogger(o.logger),
		session.WithMetrics(m),
		session.WithRefreshWaitTimeout(cfg.GetRefreshWaitTimeout()),
		session.WithRevokeTimeout(cfg.GetRevokeTimeout()),
	)
	gw := gateway.New(apiHTTP.Transport, store, sessions.Coordinator(), sessions, cfg,
		gateway.WithLogger(o.logger),
		gateway.WithMetrics(m),
	)

	return &Client{
		config:   cfg,
		sessions: sessions,
		gateway:  gw,
		http:     gw.Client(cfg.GetRequestTimeout()),
	}
}

// HTTPClient returns an *http.Client that authenticates every request with the session.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Gateway returns the transport that authenticates requests.
func (c *Client) Gateway() *gateway.Gateway {
	return c.gateway
}

// Sessions returns the session service.
func (c *Client) Sessions() *session.Service {
	return c.sessions
}

// Login signs in with a username or email and password.
func (c *Client) Login(ctx context.Context, identifier, secret string) (*users.User, error) {
	return c.sessions.Login(ctx, oauth2.LoginRequest{Identifier: identifier, Secret: secret})
}

// Logout ends the session locally and revokes it on the server in the background.
func (c *Client) Logout(ctx context.Context) error {
	return c.sessions.Logout(ctx, true)
}

// Get fetches path relative to the configured API root through the gateway.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.GetBaseURL()+path, nil)
	if err != nil {
		return nil, fmt.Errorf("[Client.Get] build request: %w", err)
	}
	return c.gateway.Do(req)
}

// Close waits for background revocations to finish.
func (c *Client) Close() {
	c.sessions.Drain()
}

package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-session/authapi"
	"github.com/jrsteele09/go-auth-session/gateway"
	"github.com/jrsteele09/go-auth-session/internal/authtest"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/metrics"
	"github.com/jrsteele09/go-auth-session/oauth2"
	"github.com/jrsteele09/go-auth-session/session"
	"github.com/jrsteele09/go-auth-session/tokenstore"
	"github.com/jrsteele09/go-auth-session/tokenstore/kvfake"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testPassword = "password123"

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type harness struct {
	srv      *authtest.Server
	store    *tokenstore.Store
	api      *authapi.Client
	cfg      *harnessConfig
	metrics  *metrics.Metrics
	sessions *session.Service
	gw       *gateway.Gateway
	client   *http.Client
	user     *users.User
	registry *prometheus.Registry
}

type harnessConfig struct {
	next        func(srv *authtest.Server) http.RoundTripper
	sessionOpts []session.Option
	gatewayOpts []gateway.Option
}

type harnessOption func(*harnessConfig)

// withNext replaces the transport the gateway sends through.
func withNext(next func(srv *authtest.Server) http.RoundTripper) harnessOption {
	return func(c *harnessConfig) {
		c.next = next
	}
}

func withSessionOptions(opts ...session.Option) harnessOption {
	return func(c *harnessConfig) {
		c.sessionOpts = append(c.sessionOpts, opts...)
	}
}

func withGatewayOptions(opts ...gateway.Option) harnessOption {
	return func(c *harnessConfig) {
		c.gatewayOpts = append(c.gatewayOpts, opts...)
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	srv := authtest.New()
	t.Cleanup(srv.Close)

	cfg := &harnessConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	reg := prometheus.NewRegistry()
	h := &harness{
		srv:      srv,
		store:    tokenstore.New(kvfake.NewFakeKV(), tokenstore.WithLogger(zerolog.Nop())),
		api:      authapi.New(srv.Client(), srv.Endpoints(), authapi.WithLogger(zerolog.Nop())),
		cfg:      cfg,
		metrics:  metrics.New(reg),
		user:     srv.AddUser("johndoe", "john.doe@example.com", testPassword, users.RoleContributor),
		registry: reg,
	}
	h.start(t)
	return h
}

// start builds the session service and gateway over the harness store, restoring whatever
// session it holds.
func (h *harness) start(t *testing.T) {
	t.Helper()
	sessionOpts := append([]session.Option{session.WithLogger(zerolog.Nop()), session.WithMetrics(h.metrics)}, h.cfg.sessionOpts...)
	svc := session.New(h.store, h.api, sessionOpts...)
	t.Cleanup(svc.Drain)

	next := h.srv.Client().Transport
	if h.cfg.next != nil {
		next = h.cfg.next(h.srv)
	}
	gatewayOpts := append([]gateway.Option{gateway.WithLogger(zerolog.Nop()), gateway.WithMetrics(h.metrics)}, h.cfg.gatewayOpts...)
	h.sessions = svc
	h.gw = gateway.New(next, h.store, svc.Coordinator(), svc, h.srv.Endpoints(), gatewayOpts...)
	h.client = h.gw.Client(5 * time.Second)
}

// seed persists a live session for the harness user, replacing the access token when one is
// given, and restarts the service so it comes up signed in.
func (h *harness) seed(t *testing.T, access string) oauth2.TokenPair {
	t.Helper()
	pair, err := h.srv.IssuePair(h.user.ID)
	require.NoError(t, err)
	if access == "" {
		access = pair.AccessToken()
	}
	require.NoError(t, h.store.Write(tokenstore.Session{
		AccessToken:  access,
		RefreshToken: pair.RefreshToken(),
		User:         h.user,
	}))
	h.start(t)
	require.True(t, h.sessions.IsAuthenticated())
	require.Equal(t, h.user.ID, h.sessions.CurrentUser().ID)
	return oauth2.NewTokenPair(access, pair.RefreshToken())
}

// watch subscribes to the session stream and consumes the signed-in user it opens with.
func (h *harness) watch(t *testing.T) <-chan *users.User {
	t.Helper()
	events, unsubscribe := h.sessions.Subscribe()
	t.Cleanup(unsubscribe)
	select {
	case u := <-events:
		require.NotNil(t, u)
		require.Equal(t, h.user.ID, u.ID)
	case <-time.After(time.Second):
		t.Fatal("no initial session event")
	}
	return events
}

// requireSignedOut checks that the session ended and that subscribers were told so.
func requireSignedOut(t *testing.T, h *harness, events <-chan *users.User) {
	t.Helper()
	select {
	case u := <-events:
		assert.Nil(t, u)
	case <-time.After(time.Second):
		t.Fatal("session stream did not report the logout")
	}
	_, ok := h.store.Read()
	assert.False(t, ok)
	assert.False(t, h.sessions.IsAuthenticated())
	assert.Nil(t, h.sessions.CurrentUser())
}

func (h *harness) url(path string) string {
	return h.srv.URL + path
}

func (h *harness) get(t *testing.T, ctx context.Context, path string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url(path), nil)
	require.NoError(t, err)
	return h.client.Do(req)
}

func decodeProtected(t *testing.T, resp *http.Response) authtest.ProtectedResponse {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body authtest.ProtectedResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestGateway_AttachesBearerToken(t *testing.T) {
	h := newHarness(t)
	pair := h.seed(t, "")

	resp, err := h.get(t, context.Background(), authtest.ProtectedPath)
	require.NoError(t, err)
	body := decodeProtected(t, resp)

	assert.Equal(t, h.user.ID, body.UserID)
	assert.Equal(t, []string{"Bearer " + pair.AccessToken()}, h.srv.AuthorizationHeaders())
	assert.Equal(t, 0, h.srv.RefreshCalls())
}

func TestGateway_NoSessionSendsWithoutCredentials(t *testing.T) {
	h := newHarness(t)

	resp, err := h.get(t, context.Background(), authtest.ProtectedPath)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, []string{""}, h.srv.AuthorizationHeaders())
	assert.Equal(t, 0, h.srv.RefreshCalls())
}

func TestGateway_ConcurrentUnauthorizedRequestsShareOneRefresh(t *testing.T) {
	h := newHarness(t, withGatewayOptions(gateway.WithoutProactiveRefresh()))
	expired := h.srv.MintAccessToken(h.user.ID, -time.Minute)
	h.seed(t, expired)

	release := h.srv.BlockRefresh()
	defer release()

	const requests = 5
	var eg errgroup.Group
	bodies := make([]authtest.ProtectedResponse, requests)
	for i := 0; i < requests; i++ {
		i := i
		eg.Go(func() error {
			resp, err := h.get(t, context.Background(), authtest.ProtectedPath)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return json.NewDecoder(resp.Body).Decode(&bodies[i])
		})
	}

	require.Eventually(t, func() bool {
		return h.sessions.Coordinator().Waiting() == requests
	}, 2*time.Second, time.Millisecond)
	release()
	require.NoError(t, eg.Wait())

	assert.Equal(t, 1, h.srv.RefreshCalls())
	assert.Equal(t, 2*requests, h.srv.ProtectedCalls())
	for _, b := range bodies {
		assert.Equal(t, h.user.ID, b.UserID)
	}

	renewed := "Bearer " + h.store.AccessToken()
	headers := h.srv.AuthorizationHeaders()
	replayed := 0
	for _, hdr := range headers {
		if hdr == renewed {
			replayed++
		} else {
			assert.Equal(t, "Bearer "+expired, hdr)
		}
	}
	assert.Equal(t, requests, replayed)
}

func TestGateway_ProactiveRefreshSkipsKnownExpiredToken(t *testing.T) {
	h := newHarness(t)
	expired := h.srv.MintAccessToken(h.user.ID, -time.Minute)
	h.seed(t, expired)

	resp, err := h.get(t, context.Background(), authtest.ProtectedPath)
	require.NoError(t, err)
	decodeProtected(t, resp)

	assert.Equal(t, 1, h.srv.RefreshCalls())
	assert.Equal(t, 1, h.srv.ProtectedCalls())
	assert.Equal(t, []string{"Bearer " + h.store.AccessToken()}, h.srv.AuthorizationHeaders())
	assert.NotEqual(t, expired, h.store.AccessToken())
}

func TestGateway_ProactiveWithExpiredRefreshTokenEndsSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Write(tokenstore.Session{
		AccessToken:  h.srv.MintAccessToken(h.user.ID, -time.Minute),
		RefreshToken: h.srv.MintRefreshToken(h.user.ID, -time.Minute),
		User:         h.user,
	}))

	resp, err := h.get(t, context.Background(), authtest.ProtectedPath)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, h.srv.RefreshCalls())
	assert.Equal(t, []string{""}, h.srv.AuthorizationHeaders())
	_, ok := h.store.Read()
	assert.False(t, ok)
}

func TestGateway_RejectedRefreshLogsOut(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "stale-access-token")
	events := h.watch(t)
	h.srv.RevokeRefreshTokens(h.user.ID)

	_, err := h.get(t, context.Background(), authtest.ProtectedPath)
	require.Error(t, err)
	assert.True(t, apperrors.IsAuthentication(err))

	requireSignedOut(t, h, events)
	assert.Equal(t, 1, h.srv.RefreshCalls())

	// The next request goes out bare and no further refresh is attempted.
	resp, err := h.get(t, context.Background(), authtest.ProtectedPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	headers := h.srv.AuthorizationHeaders()
	require.Len(t, headers, 2)
	assert.Equal(t, "", headers[1])
	assert.Equal(t, 1, h.srv.RefreshCalls())
}

func TestGateway_ServerErrorDuringRefreshKeepsFailureVisible(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "stale-access-token")
	h.srv.FailRefresh(http.StatusBadGateway)

	_, err := h.get(t, context.Background(), authtest.ProtectedPath)
	require.Error(t, err)
	assert.True(t, apperrors.IsServer(err))

	// The request's own session is ended so the caller is not left with a dead token.
	_, ok := h.store.Read()
	assert.False(t, ok)
	assert.False(t, h.sessions.IsAuthenticated())
}

func TestGateway_ReplaysExactlyOnce(t *testing.T) {
	var protected atomic.Int32
	var h *harness
	h = newHarness(t, withNext(func(srv *authtest.Server) http.RoundTripper {
		return roundTripFunc(func(req *http.Request) (*http.Response, error) {
			if req.URL.Path == authtest.ProtectedPath {
				protected.Add(1)
				return &http.Response{
					StatusCode: http.StatusUnauthorized,
					Body:       io.NopCloser(strings.NewReader(`{"error":"invalid_token"}`)),
					Header:     make(http.Header),
					Request:    req,
				}, nil
			}
			return srv.Client().Transport.RoundTrip(req)
		})
	}))
	h.seed(t, "")

	resp, err := h.get(t, context.Background(), authtest.ProtectedPath)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(2), protected.Load())
	assert.Equal(t, 1, h.srv.RefreshCalls())

	expected := `
# HELP auth_session_request_replays_total Requests replayed after a 401 by outcome (success, failure, stale)
# TYPE auth_session_request_replays_total counter
auth_session_request_replays_total{result="failure"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(h.registry, strings.NewReader(expected), "auth_session_request_replays_total"))
}

func TestGateway_StaleTokenReplayedWithoutRefresh(t *testing.T) {
	var first sync.Once
	var h *harness
	h = newHarness(t, withNext(func(srv *authtest.Server) http.RoundTripper {
		return roundTripFunc(func(req *http.Request) (*http.Response, error) {
			if req.URL.Path == authtest.ProtectedPath {
				// Another flow renews the session while this request is on the wire.
				first.Do(func() {
					_, err := h.sessions.Refresh(context.Background())
					require.NoError(t, err)
				})
			}
			return srv.Client().Transport.RoundTrip(req)
		})
	}))
	h.seed(t, "stale-access-token")

	resp, err := h.get(t, context.Background(), authtest.ProtectedPath)
	require.NoError(t, err)
	decodeProtected(t, resp)

	assert.Equal(t, 1, h.srv.RefreshCalls())
	headers := h.srv.AuthorizationHeaders()
	require.Len(t, headers, 2)
	assert.Equal(t, "Bearer stale-access-token", headers[0])
	assert.Equal(t, "Bearer "+h.store.AccessToken(), headers[1])

	expected := `
# HELP auth_session_request_replays_total Requests replayed after a 401 by outcome (success, failure, stale)
# TYPE auth_session_request_replays_total counter
auth_session_request_replays_total{result="stale"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(h.registry, strings.NewReader(expected), "auth_session_request_replays_total"))
}

func TestGateway_ReplaysRequestBody(t *testing.T) {
	h := newHarness(t, withGatewayOptions(gateway.WithoutProactiveRefresh()))
	h.seed(t, "stale-access-token")

	// A body without GetBody has to be buffered by the gateway to survive the replay.
	req, err := http.NewRequest(http.MethodPost, h.url(authtest.ProtectedPath), io.NopCloser(strings.NewReader(`{"title":"draft"}`)))
	require.NoError(t, err)
	require.Nil(t, req.GetBody)

	resp, err := h.client.Do(req)
	require.NoError(t, err)
	body := decodeProtected(t, resp)

	assert.Equal(t, http.MethodPost, body.Method)
	assert.Equal(t, `{"title":"draft"}`, body.Body)
	assert.Equal(t, 1, h.srv.RefreshCalls())
}

func TestGateway_PublicRoutesCarryNoCredentials(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]string{}
	h := newHarness(t, withNext(func(srv *authtest.Server) http.RoundTripper {
		return roundTripFunc(func(req *http.Request) (*http.Response, error) {
			mu.Lock()
			seen[req.URL.Path] = req.Header.Get("Authorization")
			mu.Unlock()
			return srv.Client().Transport.RoundTrip(req)
		})
	}))
	h.seed(t, "")

	payload, err := json.Marshal(oauth2.LoginRequest{Identifier: "johndoe", Secret: "wrong"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, h.url(h.srv.Endpoints().LoginPath), strings.NewReader(string(payload)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer caller-supplied")

	resp, err := h.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	mu.Lock()
	assert.Equal(t, "", seen[h.srv.Endpoints().LoginPath])
	mu.Unlock()
	assert.Equal(t, 0, h.srv.RefreshCalls())

	// A failed login says nothing about the stored session.
	_, ok := h.store.Read()
	assert.True(t, ok)
}

func TestGateway_RefreshEndpointUnauthorizedLogsOut(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "")
	events := h.watch(t)

	payload, err := json.Marshal(oauth2.RefreshRequest{Refresh: "not-a-token"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, h.url(h.srv.Endpoints().RefreshPath), strings.NewReader(string(payload)))
	require.NoError(t, err)

	resp, err := h.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 1, h.srv.RefreshCalls())
	requireSignedOut(t, h, events)
}

type failingLogout struct {
	*session.Service
	calls atomic.Int32
	err   error
}

func (f *failingLogout) Logout(ctx context.Context, revokeRemote bool) error {
	f.calls.Add(1)
	if err := f.Service.Logout(ctx, revokeRemote); err != nil {
		return err
	}
	return f.err
}

func TestGateway_RefreshEndpointUnauthorizedReturnsResponseWhenLogoutFails(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "")
	sessions := &failingLogout{Service: h.sessions, err: errors.New("disk full")}
	gw := gateway.New(h.srv.Client().Transport, h.store, h.sessions.Coordinator(), sessions, h.srv.Endpoints(),
		gateway.WithLogger(zerolog.Nop()))

	payload, err := json.Marshal(oauth2.RefreshRequest{Refresh: "not-a-token"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, h.url(h.srv.Endpoints().RefreshPath), strings.NewReader(string(payload)))
	require.NoError(t, err)

	resp, err := gw.Client(5 * time.Second).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(1), sessions.calls.Load())
	assert.False(t, h.sessions.IsAuthenticated())
}

func TestGateway_NonAuthenticationFailuresPassThrough(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		status int
		check  func(error) bool
	}{
		{name: "forbidden", path: authtest.ForbiddenPath, status: http.StatusForbidden, check: apperrors.IsAuthorization},
		{name: "server error", path: authtest.FailingPath, status: http.StatusInternalServerError, check: apperrors.IsServer},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(t, "")

			resp, err := h.get(t, context.Background(), tc.path)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)

			req, err := http.NewRequest(http.MethodGet, h.url(tc.path), nil)
			require.NoError(t, err)
			_, err = h.gw.Do(req)
			require.Error(t, err)
			assert.True(t, tc.check(err), "unexpected classification: %v", err)

			assert.Equal(t, 0, h.srv.RefreshCalls())
			assert.True(t, h.sessions.IsAuthenticated())
		})
	}
}

func TestGateway_DoClassifiesOutcomes(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "")

		req, err := http.NewRequest(http.MethodGet, h.url(authtest.ProtectedPath), nil)
		require.NoError(t, err)
		resp, err := h.gw.Do(req)
		require.NoError(t, err)
		decodeProtected(t, resp)
	})

	t.Run("unrecoverable 401", func(t *testing.T) {
		h := newHarness(t)

		req, err := http.NewRequest(http.MethodGet, h.url(authtest.ProtectedPath), nil)
		require.NoError(t, err)
		_, err = h.gw.Do(req)
		require.Error(t, err)
		assert.True(t, apperrors.IsAuthentication(err))

		var re *apperrors.RequestError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, http.StatusUnauthorized, re.Status)
	})

	t.Run("transport", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "")
		url := h.url(authtest.ProtectedPath)
		h.srv.Close()

		req, err := http.NewRequest(http.MethodGet, url, nil)
		require.NoError(t, err)
		_, err = h.gw.Do(req)
		require.Error(t, err)
		assert.True(t, apperrors.IsTransport(err))
		assert.True(t, h.sessions.IsAuthenticated())
	})

	t.Run("refresh cancelled", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, "stale-access-token")
		release := h.srv.BlockRefresh()
		defer release()

		errCh := make(chan error, 1)
		go func() {
			req, err := http.NewRequest(http.MethodGet, h.url(authtest.ProtectedPath), nil)
			if err != nil {
				errCh <- err
				return
			}
			_, err = h.gw.Do(req)
			errCh <- err
		}()

		require.Eventually(t, func() bool { return h.sessions.Coordinator().Waiting() == 1 }, 2*time.Second, time.Millisecond)
		require.NoError(t, h.sessions.Logout(context.Background(), false))

		err := <-errCh
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrRefreshCancelled)
		assert.True(t, apperrors.IsAuthentication(err))
	})
}

func TestGateway_LogoutDuringRefreshThenLogin(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "stale-access-token")
	release := h.srv.BlockRefresh()

	errCh := make(chan error, 1)
	go func() {
		resp, err := h.get(t, context.Background(), authtest.ProtectedPath)
		if resp != nil {
			resp.Body.Close()
		}
		errCh <- err
	}()
	require.Eventually(t, func() bool { return h.sessions.Coordinator().Waiting() == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, h.sessions.Logout(context.Background(), false))
	err := <-errCh
	assert.ErrorIs(t, err, apperrors.ErrRefreshCancelled)

	// Logging in again does not wait for the abandoned refresh.
	_, err = h.sessions.Login(context.Background(), oauth2.LoginRequest{Identifier: "johndoe", Secret: testPassword})
	require.NoError(t, err)
	fresh := h.store.AccessToken()

	release()
	resp, err := h.get(t, context.Background(), authtest.ProtectedPath)
	require.NoError(t, err)
	decodeProtected(t, resp)

	// The abandoned refresh must not overwrite the new session whenever it lands.
	assert.Equal(t, fresh, h.store.AccessToken())
	assert.Equal(t, 1, h.srv.RefreshCalls())
}

func TestGateway_CallerCancellationKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "stale-access-token")
	release := h.srv.BlockRefresh()
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		resp, err := h.get(t, ctx, authtest.ProtectedPath)
		if resp != nil {
			resp.Body.Close()
		}
		errCh <- err
	}()
	require.Eventually(t, func() bool { return h.sessions.Coordinator().Waiting() == 1 }, 2*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	_, ok := h.store.Read()
	assert.True(t, ok)
	assert.True(t, h.sessions.IsAuthenticated())
	assert.Equal(t, h.user.ID, h.sessions.CurrentUser().ID)
}

func TestGateway_RefreshWaitTimeoutEndsSession(t *testing.T) {
	h := newHarness(t, withSessionOptions(session.WithRefreshWaitTimeout(30*time.Millisecond)))
	h.seed(t, "stale-access-token")
	events := h.watch(t)
	release := h.srv.BlockRefresh()
	defer release()

	_, err := h.get(t, context.Background(), authtest.ProtectedPath)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRefreshTimeout)

	requireSignedOut(t, h, events)
}

func TestGateway_SetsRequestID(t *testing.T) {
	var mu sync.Mutex
	var ids []string
	h := newHarness(t, withNext(func(srv *authtest.Server) http.RoundTripper {
		return roundTripFunc(func(req *http.Request) (*http.Response, error) {
			mu.Lock()
			ids = append(ids, req.Header.Get(authapi.RequestIDHeader))
			mu.Unlock()
			return srv.Client().Transport.RoundTrip(req)
		})
	}), withGatewayOptions(gateway.WithoutProactiveRefresh()))
	h.seed(t, "stale-access-token")

	resp, err := h.get(t, context.Background(), authtest.ProtectedPath)
	require.NoError(t, err)
	decodeProtected(t, resp)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ids, 2)
	assert.NotEmpty(t, ids[0])
	assert.Equal(t, ids[0], ids[1], "replay keeps the request id of the original attempt")
}

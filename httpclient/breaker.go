package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// BreakerConfig holds configuration for the circuit breaker.
type BreakerConfig struct {
	// Name identifies this breaker in metrics and logs.
	Name string

	// MaxRequests is the number of requests allowed in the half-open state. 0 means 1.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state for clearing internal counts.
	// 0 means internal counts are never cleared during the closed state.
	Interval time.Duration

	// Timeout is how long the breaker stays open before moving to half-open.
	Timeout time.Duration

	// FailureRatio trips the breaker once this share of requests has failed.
	FailureRatio float64

	// MinRequests is the number of requests needed before the ratio is evaluated.
	MinRequests uint32
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:         name,
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// BreakerConfigFrom reads breaker settings from the transport configuration.
func BreakerConfigFrom(cfg config.TransportConfig) BreakerConfig {
	bc := DefaultBreakerConfig(cfg.GetBreakerName())
	if d := cfg.GetBreakerTimeout(); d > 0 {
		bc.Timeout = d
	}
	if r := cfg.GetBreakerFailureRatio(); r > 0 {
		bc.FailureRatio = r
	}
	if n := cfg.GetBreakerMinRequests(); n > 0 {
		bc.MinRequests = n
	}
	return bc
}

// ErrCircuitOpen is returned when the breaker rejects a request without sending it.
var ErrCircuitOpen = gobreaker.ErrOpenState

// errServerStatus marks a 5xx so the breaker counts it; the response is still returned.
var errServerStatus = errors.New("server error status")

// stateToFloat maps gobreaker states to gauge values.
func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// BreakerTransport is an http.RoundTripper that stops sending once the API keeps failing.
// Transport errors and 5xx responses count as failures. Caller cancellation does not.
type BreakerTransport struct {
	next    http.RoundTripper
	breaker *gobreaker.CircuitBreaker[*http.Response]
	name    string
}

func NewBreakerTransport(next http.RoundTripper, cfg BreakerConfig, logger zerolog.Logger, m *metrics.Metrics) *BreakerTransport {
	if next == nil {
		next = http.DefaultTransport
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
			m.SetBreakerState(name, stateToFloat(to))
		},
	}

	m.SetBreakerState(cfg.Name, 0)

	return &BreakerTransport{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[*http.Response](settings),
		name:    cfg.Name,
	}
}

func (t *BreakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.breaker.Execute(func() (*http.Response, error) {
		resp, err := t.next.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, errServerStatus
		}
		return resp, nil
	})
	if errors.Is(err, errServerStatus) {
		return resp, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// The request never reached next, so its body is still ours to close.
		if req.Body != nil {
			_ = req.Body.Close()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("[BreakerTransport.RoundTrip] %s: %w", t.name, err)
	}
	return resp, nil
}

// State returns the current state of the circuit breaker.
func (t *BreakerTransport) State() gobreaker.State {
	return t.breaker.State()
}

package httpclient

import (
	"net"
	"net/http"
	"time"

	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type options struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

type Option func(*options)

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// NewTransport returns a pooled transport tuned for talking to a single API host.
func NewTransport(maxConnsPerHost int) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   maxConnsPerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// New builds an *http.Client whose transport is pooled and guarded by a circuit breaker.
func New(cfg config.TransportConfig, opts ...Option) *http.Client {
	o := options{logger: log.Logger}
	for _, opt := range opts {
		opt(&o)
	}

	breaker := NewBreakerTransport(
		NewTransport(cfg.GetMaxConnsPerHost()),
		BreakerConfigFrom(cfg),
		o.logger,
		o.metrics,
	)

	return &http.Client{
		Transport: breaker,
		Timeout:   cfg.GetRequestTimeout(),
	}
}

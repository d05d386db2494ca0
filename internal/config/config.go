package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

type Config interface {
	EnvConfig
	EndpointConfig
	SessionConfig
	TransportConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
}

type mainConfig struct {
	EnvVars
	Endpoints
	Session
	Transport
}

// New loads the configuration from the environment.
func New() (Config, error) {
	var c mainConfig
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("[config.New] parse environment: %w", err)
	}
	return c, nil
}

type EnvVars struct {
	AppName string `env:"APP_NAME" envDefault:"Go Auth Session"`
	Env     string `env:"ENV" envDefault:"DEV"`
}

var _ EnvConfig = EnvVars{}

func (e EnvVars) GetAppName() string {
	return e.AppName
}

func (e EnvVars) GetEnv() string {
	return e.Env
}

type SessionConfig interface {
	GetRefreshWaitTimeout() time.Duration
	GetRevokeTimeout() time.Duration
	GetStorePath() string
}

type Session struct {
	RefreshWaitTimeout time.Duration `env:"AUTH_REFRESH_WAIT_TIMEOUT" envDefault:"10s"`
	RevokeTimeout      time.Duration `env:"AUTH_REVOKE_TIMEOUT" envDefault:"5s"`
	StorePath          string        `env:"AUTH_STORE_PATH" envDefault:"./data/session.json"`
}

var _ SessionConfig = Session{}

// GetRefreshWaitTimeout is how long a caller may queue behind an in-flight refresh.
func (s Session) GetRefreshWaitTimeout() time.Duration {
	return s.RefreshWaitTimeout
}

// GetRevokeTimeout bounds the best-effort server-side revocation on logout.
func (s Session) GetRevokeTimeout() time.Duration {
	return s.RevokeTimeout
}

func (s Session) GetStorePath() string {
	return s.StorePath
}

type TransportConfig interface {
	GetRequestTimeout() time.Duration
	GetMaxConnsPerHost() int
	GetBreakerName() string
	GetBreakerTimeout() time.Duration
	GetBreakerFailureRatio() float64
	GetBreakerMinRequests() uint32
}

type Transport struct {
	RequestTimeout      time.Duration `env:"AUTH_REQUEST_TIMEOUT" envDefault:"30s"`
	MaxConnsPerHost     int           `env:"AUTH_MAX_CONNS_PER_HOST" envDefault:"100"`
	BreakerName         string        `env:"AUTH_BREAKER_NAME" envDefault:"auth-session"`
	BreakerTimeout      time.Duration `env:"AUTH_BREAKER_TIMEOUT" envDefault:"30s"`
	BreakerFailureRatio float64       `env:"AUTH_BREAKER_FAILURE_RATIO" envDefault:"0.5"`
	BreakerMinRequests  uint32        `env:"AUTH_BREAKER_MIN_REQUESTS" envDefault:"5"`
}

var _ TransportConfig = Transport{}

func (t Transport) GetRequestTimeout() time.Duration {
	return t.RequestTimeout
}

func (t Transport) GetMaxConnsPerHost() int {
	return t.MaxConnsPerHost
}

func (t Transport) GetBreakerName() string {
	return t.BreakerName
}

func (t Transport) GetBreakerTimeout() time.Duration {
	return t.BreakerTimeout
}

func (t Transport) GetBreakerFailureRatio() float64 {
	return t.BreakerFailureRatio
}

func (t Transport) GetBreakerMinRequests() uint32 {
	return t.BreakerMinRequests
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-auth-session/authclient"
	"github.com/jrsteele09/go-auth-session/internal/config"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/internal/logger"
	"github.com/rs/zerolog"
)

// probeConfig drives the probe loop. The session layer itself is configured by config.New.
type probeConfig struct {
	Identifier string        `env:"AUTH_PROBE_IDENTIFIER"`
	Secret     string        `env:"AUTH_PROBE_SECRET"`
	Path       string        `env:"AUTH_PROBE_PATH" envDefault:"/auth/me"`
	Interval   time.Duration `env:"AUTH_PROBE_INTERVAL" envDefault:"30s"`
	Logout     bool          `env:"AUTH_PROBE_LOGOUT_ON_EXIT" envDefault:"false"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running probe: %s\n", err)
		os.Exit(1)
	}
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c, err := config.New()
	if err != nil {
		return err
	}
	var probe probeConfig
	if err := env.Parse(&probe); err != nil {
		return fmt.Errorf("[run] parse probe environment: %w", err)
	}

	displayAppname(c.GetAppName())
	log := logger.New(c.GetEnv())

	client, err := authclient.Open(c, authclient.WithLogger(log))
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !client.Sessions().IsAuthenticated() {
		if probe.Identifier == "" {
			return errors.New("no persisted session and AUTH_PROBE_IDENTIFIER is not set")
		}
		u, err := client.Login(ctx, probe.Identifier, probe.Secret)
		if err != nil {
			return fmt.Errorf("[run] login: %w", err)
		}
		log.Info().Str("user_id", u.ID).Str("role", string(u.Role)).Msg("signed in")
	}

	users, unsubscribe := client.Sessions().Subscribe()
	defer unsubscribe()
	<-users // current user

	ticker := time.NewTicker(probe.Interval)
	defer ticker.Stop()

	for {
		if err := probeOnce(ctx, client, probe.Path, log); err != nil && apperrors.IsAuthentication(err) {
			return err
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("probe stopped")
			if probe.Logout {
				return client.Logout(context.Background())
			}
			return nil
		case u := <-users:
			if u == nil {
				return errors.New("session ended")
			}
		case <-ticker.C:
		}
	}
}

func probeOnce(ctx context.Context, client *authclient.Client, path string, log zerolog.Logger) error {
	start := time.Now()
	resp, err := client.Get(ctx, path)
	if err != nil {
		log.Warn().Err(err).Int("status", apperrors.StatusOf(err)).Str("path", path).Msg("probe failed")
		return err
	}
	defer resp.Body.Close()
	n, _ := io.Copy(io.Discard, resp.Body)
	log.Info().
		Int("status", resp.StatusCode).
		Int64("bytes", n).
		Dur("elapsed", time.Since(start)).
		Str("path", path).
		Msg("probe succeeded")
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}

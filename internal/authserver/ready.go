package authserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tonimelisma/cloudview/internal/retry"
)

// Readiness defaults.
const (
	DefaultReadyTimeout  = 10 * time.Second
	DefaultReadyInterval = 100 * time.Millisecond

	pingRequestTimeout = 2 * time.Second
)

// ErrServerUnavailable means the callback server never answered the readiness check.
var ErrServerUnavailable = errors.New("authserver: callback server did not become available")

// ReadyOptions tunes WaitReady. Zero values select the defaults.
type ReadyOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitReady polls the server's ping endpoint, derived from redirectURL, until it
// answers 200 or the timeout passes.
func WaitReady(ctx context.Context, client *http.Client, redirectURL string, opts ReadyOptions, logger *slog.Logger) error {
	if client == nil {
		client = http.DefaultClient
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultReadyTimeout
	}

	if opts.Interval <= 0 {
		opts.Interval = DefaultReadyInterval
	}

	pingURL, err := pingURLFor(redirectURL)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	policy := retry.Policy{
		Initial:     opts.Interval,
		MaxInterval: opts.Interval,
		MaxElapsed:  opts.Timeout,
	}

	always := func(error) bool { return true }

	_, err = retry.Do(ctx, policy, always, logger, "wait for callback server",
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, ping(ctx, client, pingURL)
		})
	if err != nil {
		return fmt.Errorf("%w at %s: %w", ErrServerUnavailable, pingURL, err)
	}

	return nil
}

func ping(ctx context.Context, client *http.Client, pingURL string) error {
	ctx, cancel := context.WithTimeout(ctx, pingRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pingURL, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping returned HTTP %d", resp.StatusCode)
	}

	return nil
}

func pingURLFor(redirectURL string) (string, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return "", fmt.Errorf("authserver: parsing redirect URL: %w", err)
	}

	if u.Host == "" {
		return "", fmt.Errorf("authserver: redirect URL %q has no host", redirectURL)
	}

	ping := url.URL{Scheme: u.Scheme, Host: u.Host, Path: PingPath}

	return ping.String(), nil
}

// Package authserver runs the local HTTP server that receives the OAuth2
// redirect. It binds the first available candidate address, checks the CSRF
// state on the callback, exchanges the code through a caller-supplied
// function and reports each step to an event sink.
package authserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
)

const (
	// DefaultRedirectPath is the callback path registered with the provider.
	DefaultRedirectPath = "/dropbox"
	// PingPath is the liveness endpoint used by the readiness check.
	PingPath = "/ping"

	shutdownTimeout = 5 * time.Second
	stateTokenBytes = 16
)

var (
	// ErrIncomingRequest marks a callback request that was rejected.
	ErrIncomingRequest = errors.New("authserver: rejected incoming request")
	// ErrStateMismatch means the callback's state did not match (possible CSRF).
	ErrStateMismatch = errors.New("authserver: OAuth2 state mismatch (possible CSRF)")
	// ErrMissingCode means the callback carried neither code nor error.
	ErrMissingCode = errors.New("authserver: callback missing authorization code")
)

// BindError reports that no candidate address could be bound. It unwraps to
// every individual failure.
type BindError struct {
	Err error // multierr combination, nil when no address was configured
}

func (e *BindError) Error() string {
	if e.Err == nil {
		return "authserver: no redirect addresses configured"
	}

	return "authserver: could not bind any redirect address: " + e.Err.Error()
}

func (e *BindError) Unwrap() []error {
	return multierr.Errors(e.Err)
}

// Failures returns the per-address bind errors in candidate order.
func (e *BindError) Failures() []error {
	return multierr.Errors(e.Err)
}

// ProviderError is the error the provider reported on the redirect.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authserver: authorization failed: %s: %s", e.Code, e.Description)
	}

	return "authserver: authorization failed: " + e.Code
}

// Exchanger trades an authorization code for tokens and stores them.
type Exchanger func(ctx context.Context, code, redirectURL string) error

// Events receives the server's progress. Bound always precedes Shutdowner;
// Finished is reported at most once.
type Events interface {
	Bound(redirectURL, state string, addr net.Addr)
	Shutdowner(signal func(), done <-chan struct{})
	Finished(err error)
}

// Config selects where the server listens.
type Config struct {
	Addresses    []string // candidates, tried in order
	RedirectPath string   // defaults to DefaultRedirectPath
}

// Bind listens on the first candidate that can be bound and returns the
// host:port to advertise in the redirect URL. If every candidate fails, the
// error is a *BindError listing all failures.
func Bind(ctx context.Context, addrs []string) (net.Listener, string, error) {
	if len(addrs) == 0 {
		return nil, "", &BindError{}
	}

	var (
		lc   net.ListenConfig
		errs error
	)

	for _, addr := range addrs {
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("binding %s: %w", addr, err))
			continue
		}

		return ln, advertisedHost(addr, ln.Addr()), nil
	}

	return nil, "", &BindError{Err: errs}
}

// advertisedHost keeps the configured host name (it must match the redirect
// URI registered with the provider) and fills in the real port when the
// candidate asked for an ephemeral one.
func advertisedHost(candidate string, bound net.Addr) string {
	host, port, err := net.SplitHostPort(candidate)
	if err != nil {
		return bound.String()
	}

	if port == "" || port == "0" {
		if tcp, ok := bound.(*net.TCPAddr); ok {
			port = strconv.Itoa(tcp.Port)
		}
	}

	if host == "" {
		host = "localhost"
	}

	return net.JoinHostPort(host, port)
}

// RedirectURL builds the redirect URL for a bound host:port.
func RedirectURL(hostport, path string) string {
	if path == "" {
		path = DefaultRedirectPath
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return "http://" + hostport + path
}

// Run binds, reports Bound and Shutdowner, then serves until the shutdown
// signal fires or ctx ends. Bind failures are reported through Finished and
// returned. The done channel handed to Shutdowner closes once the listener
// is closed, so the port is free when a waiter returns.
func Run(ctx context.Context, cfg Config, exchange Exchanger, events Events, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	ln, hostport, err := Bind(ctx, cfg.Addresses)
	if err != nil {
		events.Finished(err)
		return err
	}

	state, err := generateState()
	if err != nil {
		ln.Close()

		err = fmt.Errorf("authserver: generating state: %w", err)
		events.Finished(err)

		return err
	}

	redirectURL := RedirectURL(hostport, cfg.RedirectPath)

	logger.Info("callback server listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("redirect_url", redirectURL),
	)

	events.Bound(redirectURL, state, ln.Addr())

	h := &callbackHandler{
		state:       state,
		redirectURL: redirectURL,
		exchange:    exchange,
		events:      events,
		logger:      logger,
	}

	srv := &http.Server{
		Handler:           h.routes(cfg.RedirectPath),
		ReadHeaderTimeout: shutdownTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	stop := make(chan struct{})
	done := make(chan struct{})

	var once sync.Once
	events.Shutdowner(func() { once.Do(func() { close(stop) }) }, done)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	defer close(done)

	select {
	case <-stop:
		logger.Debug("callback server shutdown requested")
	case <-ctx.Done():
		logger.Debug("callback server context ended")
	case err := <-serveErr:
		err = fmt.Errorf("authserver: serving: %w", err)
		h.finish(err)

		return err
	}

	shutdown(srv, logger)

	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("callback server stopped with error", slog.String("error", err.Error()))
	}

	return nil
}

func shutdown(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("callback server shutdown error", slog.String("error", err.Error()))
		srv.Close()
	}
}

type callbackHandler struct {
	state       string
	redirectURL string
	exchange    Exchanger
	events      Events
	logger      *slog.Logger
	finished    atomic.Bool
}

func (h *callbackHandler) routes(redirectPath string) *http.ServeMux {
	if redirectPath == "" {
		redirectPath = DefaultRedirectPath
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+PingPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET "+redirectPath, h.serveCallback)

	return mux
}

// finish reports the outcome once; later outcomes are dropped.
func (h *callbackHandler) finish(err error) bool {
	if !h.finished.CompareAndSwap(false, true) {
		return false
	}

	h.events.Finished(err)

	return true
}

// serveCallback validates the state, then handles either the provider's
// error or the authorization code.
func (h *callbackHandler) serveCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("state") != h.state {
		h.logger.Warn("rejected callback with mismatched state",
			slog.String("remote", r.RemoteAddr),
		)
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		h.finish(fmt.Errorf("%w: %w", ErrIncomingRequest, ErrStateMismatch))

		return
	}

	if h.finished.Load() {
		http.Error(w, "Authorization already completed", http.StatusGone)
		return
	}

	if code := q.Get("error"); code != "" {
		http.Error(w, "Authorization failed: "+code, http.StatusBadRequest)
		h.finish(&ProviderError{Code: code, Description: q.Get("error_description")})

		return
	}

	code := q.Get("code")
	if code == "" {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		h.finish(fmt.Errorf("%w: %w", ErrIncomingRequest, ErrMissingCode))

		return
	}

	if err := h.exchange(r.Context(), code, h.redirectURL); err != nil {
		h.logger.Warn("authorization code exchange failed", slog.String("error", err.Error()))
		http.Error(w, "Token exchange failed", http.StatusBadGateway)
		h.finish(err)

		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h1>Authentication successful</h1>"+
		"<p>You can close this window and return to cloudview.</p></body></html>")
	h.finish(nil)
}

// generateState returns a random hex string for CSRF protection.
func generateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

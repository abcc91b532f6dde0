// Package storage ties one configured account together: its credentials,
// message bus, call registry and background tasks. The UI (or a headless CLI
// command) posts intents and pumps ProcessEvents; background tasks report
// through the bus.
//
// ProcessEvents, Wait, View and Close must all be called from the same
// goroutine. Intents may be posted from anywhere; the browsed path they
// resolve against is guarded by its own lock.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/cloudview/internal/authserver"
	"github.com/tonimelisma/cloudview/internal/bus"
	"github.com/tonimelisma/cloudview/internal/calls"
	"github.com/tonimelisma/cloudview/internal/credentials"
	"github.com/tonimelisma/cloudview/internal/dropbox"
	"github.com/tonimelisma/cloudview/internal/tasks"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	maxOutcomes            = 1024
)

var (
	// ErrNotAuthenticated means the account has no token; run login first.
	ErrNotAuthenticated = errors.New("storage: not logged in")
	// ErrBrowserOpen means the authorize page could not be opened.
	ErrBrowserOpen = errors.New("storage: could not open browser")
	// ErrNoDownloadDir means downloads have no configured destination.
	ErrNoDownloadDir = errors.New("storage: no download directory configured")
)

// CloudAPI is the part of the Dropbox client an instance uses.
type CloudAPI interface {
	ListFolder(ctx context.Context, token, path string, progress dropbox.ListProgressFunc) (*dropbox.Listing, error)
	Download(ctx context.Context, token, remotePath, localPath string, observer dropbox.DownloadObserver) (*dropbox.FileMetadata, error)
	AuthorizeURL(app dropbox.App, redirectURL, state string) string
	ExchangeCode(ctx context.Context, app dropbox.App, code, redirectURL string) (*oauth2.Token, error)
	RefreshAccessToken(ctx context.Context, app dropbox.App, refreshToken string) (*oauth2.Token, error)
}

// Options configures an instance.
type Options struct {
	ID          string
	Caption     string
	Credentials credentials.Credentials

	DownloadDir       string
	OpenAfterDownload bool
	InitialPath       string
	ShutdownTimeout   time.Duration

	// OnTokenChange persists the token pair after an exchange or refresh.
	OnTokenChange func(*oauth2.Token)
	// SaveLastPath persists the browsed path at Close.
	SaveLastPath func(path string) error
	// OpenURL shows the authorize page to the user.
	OpenURL func(url string) error
	// OpenFile opens a finished download.
	OpenFile func(path string) error

	ReadyClient  *http.Client
	ReadyOptions authserver.ReadyOptions

	// Strict makes registry contract violations panic.
	Strict bool
	Logger *slog.Logger
}

// Status is the terminal state of a call.
type Status int

const (
	StatusOK Status = iota + 1
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome records how a call ended.
type Outcome struct {
	ID        calls.CallID
	Kind      calls.Kind
	Status    Status
	Err       error
	Listing   *dropbox.Listing
	Meta      *dropbox.FileMetadata
	LocalPath string
	AuthURL   string
}

// Instance is one storage account.
type Instance struct {
	id      string
	caption string

	api       CloudAPI
	store     *credentials.Store
	refresher credentials.Refresher
	bus       *bus.Bus[calls.Event]
	registry  *calls.Registry
	ids       calls.IDGenerator
	runtime   *tasks.Runtime

	downloadDir       string
	openAfterDownload bool
	shutdownTimeout   time.Duration
	saveLastPath      func(string) error
	openURL           func(string) error
	openFile          func(string) error
	readyClient       *http.Client
	readyOptions      authserver.ReadyOptions
	logger            *slog.Logger

	pathMu sync.RWMutex
	path   string

	// View state, owned by the pumping goroutine.
	listing  *dropbox.Listing
	lastErr  error
	outcomes map[calls.CallID]Outcome
	closed   bool
}

// New creates an instance. Background tasks derive from ctx.
func New(ctx context.Context, api CloudAPI, opts Options) *Instance {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With(slog.String("storage", opts.ID))

	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	in := &Instance{
		id:                opts.ID,
		caption:           opts.Caption,
		api:               api,
		bus:               bus.New[calls.Event](),
		runtime:           tasks.NewRuntime(ctx, logger),
		downloadDir:       opts.DownloadDir,
		openAfterDownload: opts.OpenAfterDownload,
		shutdownTimeout:   timeout,
		saveLastPath:      opts.SaveLastPath,
		openURL:           opts.OpenURL,
		openFile:          opts.OpenFile,
		readyClient:       opts.ReadyClient,
		readyOptions:      opts.ReadyOptions,
		logger:            logger,
		path:              dropbox.CleanPath(opts.InitialPath),
		outcomes:          make(map[calls.CallID]Outcome),
	}

	in.store = credentials.NewStore(opts.Credentials, opts.OnTokenChange, logger)
	in.store.SetSpawner(in.runtime)
	in.refresher = credentials.RefresherFunc(
		func(ctx context.Context, clientID, clientSecret, refreshToken string) (*oauth2.Token, error) {
			return api.RefreshAccessToken(ctx, dropbox.App{ClientID: clientID, ClientSecret: clientSecret}, refreshToken)
		})

	in.registry = calls.NewRegistry(&handler{in: in}, in.bus, logger)
	in.registry.SetStrict(opts.Strict)

	return in
}

// ID returns the storage id from the config.
func (in *Instance) ID() string { return in.id }

// Caption returns the display name.
func (in *Instance) Caption() string { return in.caption }

// LoggedIn reports whether a token is stored.
func (in *Instance) LoggedIn() bool { return in.store.HasToken() }

// Token returns a copy of the current token pair.
func (in *Instance) Token() *oauth2.Token { return in.store.Token() }

// Path returns the current browsed path ("" is the root).
func (in *Instance) Path() string {
	in.pathMu.RLock()
	defer in.pathMu.RUnlock()

	return in.path
}

func (in *Instance) setPath(path string) {
	in.pathMu.Lock()
	in.path = path
	in.pathMu.Unlock()
}

func (in *Instance) app() dropbox.App {
	return dropbox.App{ClientID: in.store.ClientID(), ClientSecret: in.store.ClientSecret()}
}

// post enqueues an event from an intent.
func (in *Instance) post(id calls.CallID, p calls.Payload) calls.CallID {
	if !in.bus.Send(calls.Event{CallID: id, Payload: p}) {
		in.logger.Debug("intent after close ignored", slog.String("event", fmt.Sprintf("%T", p)))
	}

	return id
}

// ProcessEvents applies pending events and returns how many were applied.
func (in *Instance) ProcessEvents() int {
	return in.registry.Process(in.bus)
}

// Ready is signaled when events are pending.
func (in *Instance) Ready() <-chan struct{} {
	return in.bus.Ready()
}

// Outcome returns the terminal outcome of a call, if it has ended.
func (in *Instance) Outcome(id calls.CallID) (Outcome, bool) {
	o, ok := in.outcomes[id]
	return o, ok
}

// Wait pumps events until call id ends or ctx is done.
func (in *Instance) Wait(ctx context.Context, id calls.CallID) (Outcome, error) {
	for {
		in.ProcessEvents()

		if o, ok := in.outcomes[id]; ok {
			return o, nil
		}

		if in.bus.Len() > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-in.bus.Ready():
		}
	}
}

func (in *Instance) record(o Outcome) {
	in.outcomes[o.ID] = o

	if len(in.outcomes) <= maxOutcomes {
		return
	}

	ids := slices.Sorted(maps.Keys(in.outcomes))
	for _, old := range ids[:len(ids)-maxOutcomes] {
		delete(in.outcomes, old)
	}
}

// Close removes every call, waits for background tasks within the shutdown
// timeout and saves the browsed path.
func (in *Instance) Close() error {
	if in.closed {
		return nil
	}

	in.closed = true

	in.registry.Clear()
	in.bus.Close()

	if n := len(in.bus.Drain()); n > 0 {
		in.logger.Debug("discarded pending events at close", slog.Int("count", n))
	}

	var errs []error

	if err := in.runtime.Shutdown(in.shutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("storage %s: %w", in.id, err))
	}

	if in.saveLastPath != nil {
		if err := in.saveLastPath(in.Path()); err != nil {
			errs = append(errs, fmt.Errorf("storage %s: saving last path: %w", in.id, err))
		}
	}

	return errors.Join(errs...)
}

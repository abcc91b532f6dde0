package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/tonimelisma/cloudview/internal/authserver"
	"github.com/tonimelisma/cloudview/internal/calls"
	"github.com/tonimelisma/cloudview/internal/credentials"
	"github.com/tonimelisma/cloudview/internal/dropbox"
	"github.com/tonimelisma/cloudview/internal/tasks"
)

// emitter posts a task's events. Once the task is aborted it posts nothing:
// the registry has already forgotten the call.
type emitter struct {
	ctx context.Context
	id  calls.CallID
	in  *Instance
}

func (e emitter) send(p calls.Payload) {
	if e.ctx.Err() != nil {
		return
	}

	e.in.bus.Send(calls.Event{CallID: e.id, Payload: p})
}

// refreshEvents reports token refreshes as call events.
type refreshEvents struct {
	em                emitter
	started, finished calls.Payload
}

func (r refreshEvents) RefreshStarted()  { r.em.send(r.started) }
func (r refreshEvents) RefreshFinished() { r.em.send(r.finished) }

type downloadEvents struct{ em emitter }

func (d downloadEvents) SizeKnown(size int64) { d.em.send(calls.DownloadSizeKnown{Size: size}) }
func (d downloadEvents) Progress(downloaded int64) {
	d.em.send(calls.DownloadProgress{Downloaded: downloaded})
}

type authEvents struct{ em emitter }

func (a authEvents) Bound(redirectURL, state string, addr net.Addr) {
	a.em.send(calls.AuthBound{RedirectURL: redirectURL, State: state, Addr: addr})
}

func (a authEvents) Shutdowner(signal func(), done <-chan struct{}) {
	a.em.send(calls.AuthServerShutdowner{Canceller: calls.NewCanceller(signal, done)})
}

func (a authEvents) Finished(err error) {
	a.em.send(calls.AuthFinished{Err: err})
}

// handler performs the registry's side effects for an instance. Every method
// runs on the pumping goroutine.
type handler struct {
	in *Instance
}

var _ calls.Handler = (*handler)(nil)

func (h *handler) spawn(id calls.CallID, name string, fn func(ctx context.Context, em emitter)) (*tasks.Task, error) {
	return h.in.runtime.Spawn(fmt.Sprintf("%s#%d", name, id), func(ctx context.Context) {
		fn(ctx, emitter{ctx: ctx, id: id, in: h.in})
	})
}

func (h *handler) StartListFolder(id calls.CallID, path string) (*tasks.Task, error) {
	if !h.in.store.HasToken() {
		return nil, ErrNotAuthenticated
	}

	return h.spawn(id, "list_folder", func(ctx context.Context, em emitter) {
		observer := refreshEvents{
			em:       em,
			started:  calls.ListFolderRefreshingToken{},
			finished: calls.ListFolderRefreshTokenComplete{},
		}

		progress := func(count int, note string) {
			em.send(calls.ListFolderProgress{Count: count, Note: note})
		}

		listing, err := credentials.CallWithRefresh(ctx, h.in.store, h.in.refresher, observer,
			func(ctx context.Context, token string) (*dropbox.Listing, error) {
				return h.in.api.ListFolder(ctx, token, path, progress)
			})

		em.send(calls.ListFolderFinished{Listing: listing, Err: err})
	})
}

func (h *handler) ListFolderDone(id calls.CallID, st calls.ListFolderState, listing *dropbox.Listing) {
	o := Outcome{ID: id, Kind: calls.KindListFolder, Listing: listing}

	if st.Err != nil {
		o.Status, o.Err = StatusFailed, st.Err
		h.in.lastErr = st.Err
		h.in.logger.Warn("listing failed", slog.String("path", st.Path), slog.String("error", st.Err.Error()))
	} else {
		o.Status = StatusOK
		h.in.setPath(st.Path)
		h.in.listing, h.in.lastErr = listing, nil
	}

	h.in.record(o)
}

func (h *handler) StartDownload(id calls.CallID, remotePath, localPath string) (*tasks.Task, error) {
	if localPath == "" {
		return nil, ErrNoDownloadDir
	}

	if !h.in.store.HasToken() {
		return nil, ErrNotAuthenticated
	}

	return h.spawn(id, "download", func(ctx context.Context, em emitter) {
		observer := refreshEvents{
			em:       em,
			started:  calls.DownloadRefreshingToken{},
			finished: calls.DownloadRefreshTokenComplete{},
		}

		meta, err := credentials.CallWithRefresh(ctx, h.in.store, h.in.refresher, observer,
			func(ctx context.Context, token string) (*dropbox.FileMetadata, error) {
				return h.in.api.Download(ctx, token, remotePath, localPath, downloadEvents{em: em})
			})

		em.send(calls.DownloadFinished{Meta: meta, Err: err})
	})
}

func (h *handler) DownloadDone(id calls.CallID, st calls.DownloadState, meta *dropbox.FileMetadata) {
	o := Outcome{ID: id, Kind: calls.KindDownload, Meta: meta, LocalPath: st.LocalPath}

	if st.Err != nil {
		o.Status, o.Err = StatusFailed, st.Err
		h.in.lastErr = st.Err
		h.in.logger.Warn("download failed",
			slog.String("remote", st.RemotePath),
			slog.String("error", st.Err.Error()),
		)
		h.in.record(o)

		return
	}

	o.Status = StatusOK
	h.in.record(o)

	if h.in.openAfterDownload && h.in.openFile != nil {
		if err := h.in.openFile(st.LocalPath); err != nil {
			h.in.logger.Warn("could not open download", slog.String("path", st.LocalPath), slog.String("error", err.Error()))
		}
	}
}

func (h *handler) StartAuthServer(id calls.CallID) (*tasks.Task, error) {
	cfg := authserver.Config{Addresses: h.in.store.RedirectAddresses()}

	return h.spawn(id, "auth_server", func(ctx context.Context, em emitter) {
		// Failures are reported through authEvents.Finished.
		_ = authserver.Run(ctx, cfg, h.exchange, authEvents{em: em}, h.in.logger)
	})
}

// exchange runs on the callback server's request goroutine.
func (h *handler) exchange(ctx context.Context, code, redirectURL string) error {
	tok, err := h.in.api.ExchangeCode(ctx, h.in.app(), code, redirectURL)
	if err != nil {
		return err
	}

	h.in.store.SetToken(tok)
	h.in.logger.Info("authorization complete")

	return nil
}

func (h *handler) CheckAuthServer(id calls.CallID, redirectURL string) (*tasks.Task, error) {
	return h.spawn(id, "auth_ready", func(ctx context.Context, em emitter) {
		if err := authserver.WaitReady(ctx, h.in.readyClient, redirectURL, h.in.readyOptions, h.in.logger); err != nil {
			em.send(calls.AuthFinished{Err: err})
			return
		}

		em.send(calls.AuthServerReady{})
	})
}

func (h *handler) OpenAuthPage(_ calls.CallID, redirectURL, state string) (string, error) {
	authURL := h.in.api.AuthorizeURL(h.in.app(), redirectURL, state)

	if h.in.openURL == nil {
		return authURL, ErrBrowserOpen
	}

	if err := h.in.openURL(authURL); err != nil {
		return authURL, fmt.Errorf("%w: %w", ErrBrowserOpen, err)
	}

	return authURL, nil
}

func (h *handler) AuthDone(id calls.CallID, st calls.AuthState) {
	o := Outcome{ID: id, Kind: calls.KindAuth, AuthURL: st.AuthURL}

	if st.Err != nil {
		o.Status, o.Err = StatusFailed, st.Err
		h.in.lastErr = st.Err
		h.in.logger.Warn("authorization failed", slog.String("error", st.Err.Error()))
		h.in.record(o)

		return
	}

	o.Status = StatusOK
	h.in.lastErr = nil
	h.in.record(o)

	// Show the account's root once logged in.
	h.in.post(calls.NoCallID, calls.NavigateTo{Path: ""})
}

func (h *handler) Cancelled(id calls.CallID, kind calls.Kind) {
	h.in.record(Outcome{ID: id, Kind: kind, Status: StatusCancelled})
}

func (h *handler) Navigate(path string) {
	h.in.NavigateTo(path)
}

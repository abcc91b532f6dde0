package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/cloudview/internal/calls"
	"github.com/tonimelisma/cloudview/internal/config"
	"github.com/tonimelisma/cloudview/internal/credentials"
	"github.com/tonimelisma/cloudview/internal/dropbox"
	"github.com/tonimelisma/cloudview/internal/storage"
	"github.com/tonimelisma/cloudview/internal/tokenfile"
)

// errCallCancelled is returned by headless commands whose call was cancelled.
var errCallCancelled = errors.New("cancelled")

// sessionOptions tunes how a storage instance is wired to the terminal.
type sessionOptions struct {
	// rememberPath saves the browsed folder to the token file at close.
	rememberPath bool
	// announceURL prints the authorize URL to stderr before opening it.
	announceURL bool
}

// newDropboxClient builds the API client from the [network] and [transfers]
// sections.
func newDropboxClient(cfg *config.Config, logger *slog.Logger) (*dropbox.Client, error) {
	connect, data, _ := cfg.Network.Durations()

	httpClient, err := dropbox.NewHTTPClient(connect, data, cfg.Network.ForceHTTP11)
	if err != nil {
		return nil, err
	}

	client := dropbox.NewClient(dropbox.DefaultEndpoints(), httpClient, logger, cfg.Network.UserAgent)

	if limit := cfg.BandwidthLimit(); limit > 0 {
		client.SetBandwidthLimiter(dropbox.NewBandwidthLimiter(limit, logger))
	}

	return client, nil
}

// instanceOptions assembles storage.Options for one configured storage. The
// token and last path come from the storage's token file; token changes are
// written back immediately.
func instanceOptions(cc *CLIContext, id string, opts sessionOptions) (storage.Options, error) {
	s, ok := cc.Cfg.Storages[id]
	if !ok {
		return storage.Options{}, fmt.Errorf("storage %q is not configured", id)
	}

	tokenPath := config.TokenPath(id)

	tf, err := tokenfile.Load(tokenPath)
	if err != nil {
		return storage.Options{}, err
	}

	logger := cc.Logger
	_, _, shutdown := cc.Cfg.Network.Durations()

	o := storage.Options{
		ID:      id,
		Caption: s.Caption,
		Credentials: credentials.Credentials{
			ClientID:          s.ClientID,
			ClientSecret:      s.ClientSecret,
			RedirectAddresses: s.RedirectAddresses,
			Token:             tf.Token,
		},
		DownloadDir:       cc.Cfg.DownloadDir(s),
		OpenAfterDownload: cc.Cfg.Transfers.OpenAfterDownload,
		InitialPath:       tf.Meta[tokenfile.MetaLastPath],
		ShutdownTimeout:   shutdown,
		OnTokenChange: func(tok *oauth2.Token) {
			if err := tokenfile.SaveToken(tokenPath, tok); err != nil {
				logger.Error("saving token failed",
					slog.String("storage", id),
					slog.String("error", err.Error()),
				)
			}
		},
		OpenURL:  openBrowser,
		OpenFile: openFile,
		Logger:   logger,
	}

	if opts.rememberPath {
		o.SaveLastPath = func(path string) error {
			return tokenfile.SetMeta(tokenPath, tokenfile.MetaLastPath, path)
		}
	}

	if opts.announceURL {
		o.OpenURL = func(url string) error {
			fmt.Fprintf(stderr, "Open this URL in your browser to authorize:\n  %s\n", url)
			return openBrowser(url)
		}
	}

	return o, nil
}

// openSelected opens the storage chosen by --storage, CLOUDVIEW_STORAGE or
// the single configured one.
func openSelected(ctx context.Context, cc *CLIContext, opts sessionOptions) (*storage.Instance, error) {
	id, _, err := cc.Cfg.Selected()
	if err != nil {
		return nil, err
	}

	client, err := newDropboxClient(cc.Cfg.Config, cc.Logger)
	if err != nil {
		return nil, err
	}

	o, err := instanceOptions(cc, id, opts)
	if err != nil {
		return nil, err
	}

	return storage.New(ctx, client, o), nil
}

// openAll opens every configured storage. They share one API client.
func openAll(ctx context.Context, cc *CLIContext, opts sessionOptions) (*storage.App, error) {
	ids := cc.Cfg.StorageIDs()
	if len(ids) == 0 {
		return nil, config.ErrNoStorage
	}

	client, err := newDropboxClient(cc.Cfg.Config, cc.Logger)
	if err != nil {
		return nil, err
	}

	instances := make([]*storage.Instance, 0, len(ids))

	for _, id := range ids {
		o, err := instanceOptions(cc, id, opts)
		if err != nil {
			for _, in := range instances {
				closeInstance(in, cc.Logger)
			}

			return nil, err
		}

		instances = append(instances, storage.New(ctx, client, o))
	}

	return storage.NewApp(instances...), nil
}

// closeInstance shuts an instance down and logs shutdown problems.
func closeInstance(in *storage.Instance, logger *slog.Logger) {
	if err := in.Close(); err != nil {
		logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
	}
}

// runCall pumps events until the call ends and converts a failed or
// cancelled outcome into an error.
func runCall(ctx context.Context, in *storage.Instance, id calls.CallID) (storage.Outcome, error) {
	out, err := in.Wait(ctx, id)
	if err != nil {
		return out, err
	}

	switch out.Status {
	case storage.StatusOK:
		return out, nil
	case storage.StatusCancelled:
		return out, errCallCancelled
	default:
		return out, out.Err
	}
}

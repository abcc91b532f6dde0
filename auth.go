package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudview/internal/config"
	"github.com/tonimelisma/cloudview/internal/storage"
	"github.com/tonimelisma/cloudview/internal/tokenfile"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authorize a storage",
		Long: `Start a local callback server, open the Dropbox authorize page and
wait for the redirect. The token pair is saved to the storage's token file.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget a storage's tokens",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	in, err := openSelected(ctx, cc, sessionOptions{announceURL: true})
	if err != nil {
		return err
	}
	defer closeInstance(in, cc.Logger)

	id := in.StartAuth()
	cc.Statusf("Waiting for authorization of %s (Ctrl-C to abort)...\n", in.Caption())

	out, err := runCall(ctx, in, id)
	if err != nil {
		if ctx.Err() != nil {
			in.CancelAuth(id)
			return fmt.Errorf("login aborted: %w", ctx.Err())
		}

		if errors.Is(err, storage.ErrBrowserOpen) && out.AuthURL != "" {
			return fmt.Errorf("%w; open this URL manually and retry: %s", err, out.AuthURL)
		}

		return fmt.Errorf("login failed: %w", err)
	}

	cc.Statusf("Logged in to %s (%s).\n", in.Caption(), in.ID())

	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	id, s, err := cc.Cfg.Selected()
	if err != nil {
		return err
	}

	path := config.TokenPath(id)

	if _, statErr := os.Stat(path); errors.Is(statErr, fs.ErrNotExist) {
		cc.Statusf("%s is not logged in.\n", s.Caption)
		return nil
	}

	if err := tokenfile.Remove(path); err != nil {
		return err
	}

	cc.Logger.Info("token file removed", "storage", id, "path", path)
	cc.Statusf("Logged out of %s.\n", s.Caption)

	return nil
}

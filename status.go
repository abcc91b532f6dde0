package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/cloudview/internal/config"
	"github.com/tonimelisma/cloudview/internal/tokenfile"
)

// Token state constants for status reporting.
const (
	tokenStateMissing = "not logged in"
	tokenStateExpired = "access token expired"
	tokenStateValid   = "logged in"
	tokenStateBroken  = "unreadable token file"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configured storages and their login state",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

// statusStorage is one row of the status output.
type statusStorage struct {
	ID          string `json:"id"`
	Caption     string `json:"caption"`
	Selected    bool   `json:"selected"`
	TokenState  string `json:"token_state"`
	LastPath    string `json:"last_path"`
	DownloadDir string `json:"download_dir"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	rows, err := collectStatus(cmd.Context(), cc.Cfg)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No storages configured. Run 'cloudview storage add' to add one.")
		return nil
	}

	fmt.Printf("Config: %s\n\n", cc.Cfg.Path)
	printStatusTable(os.Stdout, rows)

	if pid, ok := runningSession(filepath.Join(config.DefaultDataDir(), sessionLockName)); ok {
		fmt.Printf("\nA browse session is running (PID %d).\n", pid)
	}

	return nil
}

// collectStatus reads every storage's token file in parallel.
func collectStatus(ctx context.Context, cfg *config.Resolved) ([]statusStorage, error) {
	ids := cfg.StorageIDs()
	rows := make([]statusStorage, len(ids))

	g, _ := errgroup.WithContext(ctx)

	for i, id := range ids {
		g.Go(func() error {
			s := cfg.Storages[id]
			row := statusStorage{
				ID:          id,
				Caption:     s.Caption,
				Selected:    id == cfg.StorageID,
				TokenState:  tokenStateMissing,
				LastPath:    "/",
				DownloadDir: cfg.DownloadDir(s),
			}

			tf, err := tokenfile.Load(config.TokenPath(id))

			switch {
			case err != nil:
				row.TokenState = tokenStateBroken
			case tf.Token == nil || tf.Token.AccessToken == "":
			case !tf.Token.Valid() && tf.Token.RefreshToken == "":
				row.TokenState = tokenStateExpired
			default:
				row.TokenState = tokenStateValid
			}

			if err == nil && tf.Meta[tokenfile.MetaLastPath] != "" {
				row.LastPath = tf.Meta[tokenfile.MetaLastPath]
			}

			rows[i] = row

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return rows, nil
}

func printStatusTable(w io.Writer, rows []statusStorage) {
	table := make([][]string, 0, len(rows))

	for _, r := range rows {
		mark := ""
		if r.Selected {
			mark = "*"
		}

		table = append(table, []string{mark, r.ID, r.Caption, r.TokenState, r.LastPath, r.DownloadDir})
	}

	printTable(w, []string{"", "ID", "CAPTION", "LOGIN", "LAST PATH", "DOWNLOADS"}, table)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudview/internal/calls"
	"github.com/tonimelisma/cloudview/internal/dropbox"
	"github.com/tonimelisma/cloudview/internal/storage"
)

// progressInterval is how often get redraws its progress line.
const progressInterval = 200 * time.Millisecond

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List a folder",
		Long:  "List the contents of a Dropbox folder. The root is listed when no path is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLs,
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote> [local-dir]",
		Short: "Download a file",
		Long: `Download a file. It is written to local-dir when given, else to the
storage's download_to or [transfers] download_dir.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runGet,
	}
}

func runLs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	in, err := openSelected(ctx, cc, sessionOptions{})
	if err != nil {
		return err
	}
	defer closeInstance(in, cc.Logger)

	path := ""
	if len(args) > 0 {
		path = args[0]
	}

	out, err := runCall(ctx, in, in.NavigateTo(path))
	if err != nil {
		return fmt.Errorf("listing %q: %w", dropbox.CleanPath(path), err)
	}

	if cc.Flags.JSON {
		return printItemsJSON(os.Stdout, out.Listing.Items)
	}

	printItemsTable(os.Stdout, out.Listing.Items)

	return nil
}

// lsJSONItem is the JSON shape of one listed entry.
type lsJSONItem struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	IsFolder   bool   `json:"is_folder"`
	ModifiedAt string `json:"modified_at,omitempty"`
	ID         string `json:"id"`
}

func printItemsJSON(w io.Writer, items []dropbox.Item) error {
	out := make([]lsJSONItem, 0, len(items))

	for _, it := range items {
		j := lsJSONItem{
			Name:     it.Name,
			Path:     it.PathDisplay,
			Size:     it.Size,
			IsFolder: it.IsFolder,
			ID:       it.ID,
		}

		if !it.Modified.IsZero() {
			j.ModifiedAt = it.Modified.UTC().Format(time.RFC3339)
		}

		out = append(out, j)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func printItemsTable(w io.Writer, items []dropbox.Item) {
	rows := make([][]string, 0, len(items))

	for _, it := range items {
		name, size := it.Name, formatSize(it.Size)
		if it.IsFolder {
			name += "/"
			size = "-"
		}

		rows = append(rows, []string{name, size, formatTime(it.Modified)})
	}

	printTable(w, []string{"NAME", "SIZE", "MODIFIED"}, rows)
}

// getJSONResult is printed by get --json.
type getJSONResult struct {
	Remote string `json:"remote"`
	Local  string `json:"local"`
	Size   int64  `json:"size"`
	Rev    string `json:"rev,omitempty"`
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	in, err := openSelected(ctx, cc, sessionOptions{})
	if err != nil {
		return err
	}
	defer closeInstance(in, cc.Logger)

	remote := dropbox.CleanPath(args[0])

	var id calls.CallID
	if len(args) == 2 {
		id = in.DownloadFileTo(remote, filepath.Join(args[1], dropbox.Base(remote)))
	} else {
		id = in.DownloadFile(remote)
	}

	var out storage.Outcome

	if !cc.Flags.Quiet && !cc.Flags.JSON && isTerminal(os.Stderr) {
		out, err = waitWithProgress(ctx, in, id)
	} else {
		out, err = runCall(ctx, in, id)
	}

	if err != nil {
		if ctx.Err() != nil {
			in.CancelDownload(id)
		}

		return fmt.Errorf("downloading %s: %w", remote, err)
	}

	if cc.Flags.JSON {
		res := getJSONResult{Remote: remote, Local: out.LocalPath}
		if out.Meta != nil {
			res.Size, res.Rev = out.Meta.Size, out.Meta.Rev
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(res)
	}

	size := int64(0)
	if out.Meta != nil {
		size = out.Meta.Size
	}

	cc.Statusf("Downloaded %s to %s (%s)\n", remote, out.LocalPath, formatSize(size))

	return nil
}

// waitWithProgress is runCall with a progress line redrawn on stderr.
func waitWithProgress(ctx context.Context, in *storage.Instance, id calls.CallID) (storage.Outcome, error) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		in.ProcessEvents()

		if _, done := in.Outcome(id); done {
			fmt.Fprint(stderr, "\r\033[K")
			return runCall(ctx, in, id)
		}

		for _, c := range in.View().Downloads() {
			if c.ID != id {
				continue
			}

			if st, ok := c.Data.(*calls.DownloadState); ok {
				fmt.Fprintf(stderr, "\r\033[K%s  %s  %s",
					dropbox.Base(st.RemotePath), c.Phase, formatProgress(st.Downloaded, st.TotalSize, st.SizeKnown))
			}
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(stderr)
			return storage.Outcome{}, ctx.Err()
		case <-in.Ready():
		case <-ticker.C:
		}
	}
}

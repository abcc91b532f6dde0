package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudview/internal/config"
)

func newStorageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Manage configured storages",
	}

	cmd.AddCommand(newStorageAddCmd())

	return cmd
}

func newStorageAddCmd() *cobra.Command {
	var caption, clientID, clientSecret, downloadTo string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a Dropbox storage to the config file",
		Long: `Append a [storage.<id>] table with a generated id. Create a Dropbox app
first and register the redirect URIs http://localhost:7072/dropbox through
http://localhost:7074/dropbox for it.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			return runStorageAdd(cc, config.Storage{
				Caption:           caption,
				ClientID:          clientID,
				ClientSecret:      clientSecret,
				RedirectAddresses: config.DefaultRedirectAddresses(),
				DownloadTo:        downloadTo,
			})
		},
	}

	cmd.Flags().StringVar(&caption, "caption", "Dropbox", "display name")
	cmd.Flags().StringVar(&clientID, "client-id", "", "Dropbox app key")
	cmd.Flags().StringVar(&clientSecret, "client-secret", "", "Dropbox app secret")
	cmd.Flags().StringVar(&downloadTo, "download-to", "", "download directory for this storage")

	if err := cmd.MarkFlagRequired("client-id"); err != nil {
		panic(err)
	}

	return cmd
}

// storageAddResult is printed by storage add --json.
type storageAddResult struct {
	ID     string `json:"id"`
	Config string `json:"config"`
}

func runStorageAdd(cc *CLIContext, s config.Storage) error {
	path := config.ResolvePath(config.ReadEnvOverrides(), config.CLIOverrides{ConfigPath: cc.Flags.ConfigPath})
	id := uuid.NewString()

	if err := config.AppendStorage(path, id, s); err != nil {
		return fmt.Errorf("adding storage: %w", err)
	}

	if cc.Flags.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(storageAddResult{ID: id, Config: path})
	}

	fmt.Println(id)
	cc.Statusf("Added storage %q to %s. Run 'cloudview login --storage %s' next.\n", s.Caption, path, id)

	return nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudview/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagStorage    string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// skipConfigAnnotation marks commands that must run even when the config
// file is broken or absent.
const skipConfigAnnotation = "skipConfig"

// CLIFlags is a snapshot of the persistent flags.
type CLIFlags struct {
	ConfigPath string
	StorageID  string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries everything a subcommand needs. Cfg is nil for commands
// annotated with skipConfigAnnotation.
type CLIContext struct {
	Flags  CLIFlags
	Logger *slog.Logger
	Cfg    *config.Resolved
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the CLIContext installed by the root pre-run hook.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("cli context not initialized")
	}

	return cc
}

// newRootCmd builds the root command with all subcommands registered.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cloudview",
		Short:   "Dropbox browser and downloader",
		Long:    "Browse Dropbox storages, download files and manage logins from the terminal.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupCLIContext(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagStorage, "storage", "", "storage id from the config")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newBrowseCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newStorageCmd())

	return cmd
}

// setupCLIContext resolves configuration (unless the command opts out),
// builds the logger and installs the CLIContext on the command context.
func setupCLIContext(cmd *cobra.Command) error {
	flags := CLIFlags{
		ConfigPath: flagConfigPath,
		StorageID:  flagStorage,
		JSON:       flagJSON,
		Verbose:    flagVerbose,
		Quiet:      flagQuiet,
	}

	cc := &CLIContext{Flags: flags}

	if cmd.Annotations[skipConfigAnnotation] != "true" {
		resolved, err := config.Resolve(config.ReadEnvOverrides(), config.CLIOverrides{
			ConfigPath: flags.ConfigPath,
			StorageID:  flags.StorageID,
		})
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		cc.Cfg = resolved
	}

	configLevel := ""
	if cc.Cfg != nil {
		configLevel = cc.Cfg.Logging.LogLevel
	}

	cc.Logger = buildLogger(stderr, configLevel, flags)
	slog.SetDefault(cc.Logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(withCLIContext(ctx, cc))

	return nil
}

// logLevel is shared by every logger built here so a config reload can
// change the level of a running browse session.
var logLevel = new(slog.LevelVar)

// levelFor maps the config log level and CLI flags to a slog level. The
// config level is the baseline; --verbose and --quiet override it.
func levelFor(configLevel string, flags CLIFlags) slog.Level {
	if flags.Quiet {
		return slog.LevelError
	}

	if flags.Verbose {
		return slog.LevelDebug
	}

	switch configLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildLogger creates a text logger writing to w at the shared level.
func buildLogger(w io.Writer, configLevel string, flags CLIFlags) *slog.Logger {
	logLevel.Set(levelFor(configLevel, flags))

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel}))
}

// exitOnError prints a user-friendly error message to stderr and exits with
// status.
func exitOnError(err error, status int) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(status)
}

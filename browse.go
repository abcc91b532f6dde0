package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudview/internal/config"
	"github.com/tonimelisma/cloudview/internal/storage"
)

// tickInterval is how often the TUI applies pending call events.
const tickInterval = 50 * time.Millisecond

// browseLogName is the log file used while the TUI owns the terminal.
const browseLogName = "browse.log"

func newBrowseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "browse",
		Short: "Browse storages interactively",
		Long: `Open a terminal browser over every configured storage. The selected
storage is shown first; tab switches between storages. The config file is
watched and reloaded while browsing.`,
		Args: cobra.NoArgs,
		RunE: runBrowse,
	}
}

func runBrowse(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	if !isTerminal(os.Stdout) {
		return errors.New("browse needs an interactive terminal; use ls and get instead")
	}

	release, err := acquireSessionLock(filepath.Join(config.DefaultDataDir(), sessionLockName))
	if err != nil {
		return err
	}
	defer release()

	logFile, err := openBrowseLog()
	if err != nil {
		return err
	}
	defer logFile.Close()

	// The TUI owns the terminal; logs go to a file for the session.
	tuiCC := *cc
	tuiCC.Logger = buildLogger(logFile, cc.Cfg.Logging.LogLevel, cc.Flags)

	app, err := openAll(ctx, &tuiCC, sessionOptions{rememberPath: true})
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			tuiCC.Logger.Warn("shutdown incomplete", slog.String("error", closeErr.Error()))
		}
	}()

	model := newBrowseModel(app, cc.Cfg.StorageID)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	holder := config.NewHolder(cc.Cfg.Config, cc.Cfg.Path)

	go func() {
		err := config.Watch(watchCtx, holder, tuiCC.Logger, func(prev, next *config.Config) {
			logLevel.Set(levelFor(next.Logging.LogLevel, cc.Flags))
			program.Send(configReloadedMsg{
				path:            holder.Path(),
				storagesChanged: config.StoragesChanged(prev, next),
			})
		})
		if err != nil {
			tuiCC.Logger.Warn("config watch stopped", slog.String("error", err.Error()))
		}
	}()

	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("browse: %w", err)
	}

	return nil
}

// openBrowseLog opens the append-only session log in the data directory.
func openBrowseLog() (*os.File, error) {
	dir := config.DefaultDataDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, browseLogName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening browse log: %w", err)
	}

	return f, nil
}

type tickMsg time.Time

type configReloadedMsg struct {
	path            string
	storagesChanged bool
}

func tickCmd() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// browseModel renders storage views and turns keys into intents. Update runs
// on the program's event loop, which is the only goroutine pumping the
// instances.
type browseModel struct {
	instances []*storage.Instance
	current   int
	cursors   []int
	views     []storage.View
	spinner   spinner.Model
	styles    browseStyles
	status    string
	width     int
	height    int
}

func newBrowseModel(app *storage.App, selected string) *browseModel {
	instances := app.Instances()

	m := &browseModel{
		instances: instances,
		cursors:   make([]int, len(instances)),
		views:     make([]storage.View, len(instances)),
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot)),
		styles:    newBrowseStyles(),
		height:    24,
	}

	for i, in := range instances {
		if in.ID() == selected {
			m.current = i
		}

		// Reopen the folder from the previous session.
		if in.LoggedIn() {
			in.NavigateTo(in.Path())
		}
	}

	m.pump()

	return m
}

func (m *browseModel) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.spinner.Tick)
}

// pump applies pending events on every instance and refreshes the views.
func (m *browseModel) pump() {
	for i, in := range m.instances {
		in.ProcessEvents()
		m.views[i] = in.View()

		if n := m.itemCount(i); m.cursors[i] >= n {
			m.cursors[i] = max(n-1, 0)
		}
	}
}

func (m *browseModel) itemCount(i int) int {
	if m.views[i].Listing == nil {
		return 0
	}

	return len(m.views[i].Listing.Items)
}

func (m *browseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.pump()
		return m, tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)

		return m, cmd

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case configReloadedMsg:
		m.status = "config reloaded from " + msg.path
		if msg.storagesChanged {
			m.status += "; storage changes apply after restarting browse"
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m *browseModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if len(m.instances) == 0 {
		return m, tea.Quit
	}

	in := m.instances[m.current]
	view := m.views[m.current]
	cursor := &m.cursors[m.current]

	m.status = ""

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "tab":
		m.current = (m.current + 1) % len(m.instances)

	case "shift+tab":
		m.current = (m.current + len(m.instances) - 1) % len(m.instances)

	case "up", "k":
		if *cursor > 0 {
			*cursor--
		}

	case "down", "j":
		if *cursor < m.itemCount(m.current)-1 {
			*cursor++
		}

	case "enter", "right", "l":
		if it, ok := selectedItem(view, *cursor); ok {
			if it.IsFolder {
				in.NavigateInto(it.Name)
			} else {
				in.DownloadFile(it.PathDisplay)
			}
		}

	case "backspace", "left", "h":
		in.NavigateUp()

	case "r":
		in.NavigateTo(view.Path)

	case "d":
		if it, ok := selectedItem(view, *cursor); ok && !it.IsFolder {
			in.DownloadFile(it.PathDisplay)
		}

	case "c":
		downloads := view.Downloads()
		for _, d := range downloads {
			in.CancelDownload(d.ID)
		}

		m.status = fmt.Sprintf("cancelled %d download(s)", len(downloads))

	case "L":
		in.StartAuth()

	case "esc":
		if auth, ok := view.Auth(); ok {
			in.CancelAuth(auth.ID)
			m.status = "login cancelled"
		}
	}

	m.pump()

	return m, nil
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/cloudview/internal/config"
	"github.com/tonimelisma/cloudview/internal/credentials"
	"github.com/tonimelisma/cloudview/internal/dropbox"
	"github.com/tonimelisma/cloudview/internal/storage"
	"github.com/tonimelisma/cloudview/internal/tokenfile"
)

// fakeAPI serves a two-level tree: the root holds Docs/ and a.txt, Docs/
// holds b.txt.
type fakeAPI struct{}

var fakeTree = map[string][]dropbox.Item{
	"": {
		{ID: "id:docs", Name: "Docs", PathDisplay: "/Docs", IsFolder: true},
		{ID: "id:a", Name: "a.txt", PathDisplay: "/a.txt", Size: 2048, Modified: time.Date(2020, 5, 1, 9, 0, 0, 0, time.UTC)},
	},
	"/Docs": {
		{ID: "id:b", Name: "b.txt", PathDisplay: "/Docs/b.txt", Size: 10},
	},
}

func (fakeAPI) ListFolder(_ context.Context, _, path string, progress dropbox.ListProgressFunc) (*dropbox.Listing, error) {
	items, ok := fakeTree[path]
	if !ok {
		return nil, dropbox.ErrPathNotFound
	}

	if progress != nil {
		progress(len(items), "")
	}

	return &dropbox.Listing{Path: path, Items: items}, nil
}

func (fakeAPI) Download(_ context.Context, _, remotePath, localPath string, _ dropbox.DownloadObserver) (*dropbox.FileMetadata, error) {
	if err := os.WriteFile(localPath, []byte("data"), 0o600); err != nil {
		return nil, err
	}

	return &dropbox.FileMetadata{Name: dropbox.Base(remotePath), PathDisplay: remotePath, Size: 4}, nil
}

func (fakeAPI) AuthorizeURL(_ dropbox.App, redirectURL, state string) string {
	return "https://example.invalid/authorize?state=" + state + "&redirect_uri=" + redirectURL
}

func (fakeAPI) ExchangeCode(context.Context, dropbox.App, string, string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "new", RefreshToken: "r"}, nil
}

func (fakeAPI) RefreshAccessToken(context.Context, dropbox.App, string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "new", RefreshToken: "r"}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestInstance(t *testing.T, id string, loggedIn bool) *storage.Instance {
	t.Helper()

	in, _ := newTestInstanceIn(t, id, loggedIn)

	return in
}

// newTestInstanceIn also returns the instance's download directory.
func newTestInstanceIn(t *testing.T, id string, loggedIn bool) (*storage.Instance, string) {
	t.Helper()

	dir := t.TempDir()

	creds := credentials.Credentials{ClientID: "key", RedirectAddresses: []string{"127.0.0.1:0"}}
	if loggedIn {
		creds.Token = &oauth2.Token{AccessToken: "tok", RefreshToken: "r"}
	}

	in := storage.New(context.Background(), fakeAPI{}, storage.Options{
		ID:          id,
		Caption:     strings.ToUpper(id),
		Credentials: creds,
		DownloadDir: dir,
		Strict:      true,
		Logger:      discardLogger(),
	})
	t.Cleanup(func() { _ = in.Close() })

	return in, dir
}

// writeCLIConfig writes a config file and points the token directory at a
// temp dir. CLOUDVIEW_* variables are cleared.
func writeCLIConfig(t *testing.T, content string) string {
	t.Helper()

	t.Setenv("XDG_DATA_HOME", t.TempDir())

	for _, env := range []string{config.EnvConfig, config.EnvStorage, config.EnvClientID, config.EnvClientSecret} {
		t.Setenv(env, "")
	}

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func executeCLI(t *testing.T, args ...string) error {
	t.Helper()

	old := stderr
	stderr = io.Discard
	t.Cleanup(func() { stderr = old })

	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	return cmd.ExecuteContext(context.Background())
}

func resolvedFor(t *testing.T, path, storageID string) *CLIContext {
	t.Helper()

	r, err := config.Resolve(config.EnvOverrides{}, config.CLIOverrides{ConfigPath: path, StorageID: storageID})
	require.NoError(t, err)

	return &CLIContext{Logger: discardLogger(), Cfg: r}
}

// --- logging ---

func TestLevelFor(t *testing.T) {
	tests := []struct {
		name  string
		level string
		flags CLIFlags
		want  slog.Level
	}{
		{"default", "", CLIFlags{}, slog.LevelInfo},
		{"config debug", "debug", CLIFlags{}, slog.LevelDebug},
		{"config warn", "warn", CLIFlags{}, slog.LevelWarn},
		{"config error", "error", CLIFlags{}, slog.LevelError},
		{"verbose beats config", "error", CLIFlags{Verbose: true}, slog.LevelDebug},
		{"quiet beats verbose", "debug", CLIFlags{Verbose: true, Quiet: true}, slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, levelFor(tt.level, tt.flags))
		})
	}
}

func TestBuildLogger_LevelCanChangeLater(t *testing.T) {
	old := logLevel.Level()
	t.Cleanup(func() { logLevel.Set(old) })

	var buf bytes.Buffer
	logger := buildLogger(&buf, "warn", CLIFlags{})

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	logLevel.Set(levelFor("debug", CLIFlags{}))
	logger.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestMustCLIContext(t *testing.T) {
	assert.Panics(t, func() { mustCLIContext(context.Background()) })

	cc := &CLIContext{}
	assert.Same(t, cc, mustCLIContext(withCLIContext(context.Background(), cc)))
}

// --- formatting ---

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1536, "1.5 KiB"},
		{5242880, "5.0 MiB"},
		{1610612736, "1.5 GiB"},
		{-1, "0 B"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, formatSize(tt.bytes))
	}
}

func TestFormatProgress(t *testing.T) {
	assert.Equal(t, "512 B", formatProgress(512, 0, false))
	assert.Equal(t, "512 B / 1.0 KiB (50%)", formatProgress(512, 1024, true))
}

func TestFormatTime(t *testing.T) {
	assert.Empty(t, formatTime(time.Time{}))
	assert.Contains(t, formatTime(time.Date(2020, time.December, 25, 8, 0, 0, 0, time.Local)), "2020")

	thisYear := time.Date(time.Now().Year(), time.March, 15, 10, 30, 0, 0, time.Local)
	assert.Equal(t, "Mar 15 10:30", formatTime(thisYear))
}

func TestPrintItemsTable(t *testing.T) {
	var buf bytes.Buffer
	printItemsTable(&buf, fakeTree[""])

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.True(t, strings.HasPrefix(lines[1], "Docs/"))
	assert.Contains(t, lines[2], "2.0 KiB")
}

func TestPrintItemsJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printItemsJSON(&buf, fakeTree[""]))

	var got []lsJSONItem
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	assert.True(t, got[0].IsFolder)
	assert.Empty(t, got[0].ModifiedAt)
	assert.Equal(t, "/a.txt", got[1].Path)
	assert.Equal(t, "2020-05-01T09:00:00Z", got[1].ModifiedAt)
}

// --- sessions ---

func TestInstanceOptions_FromTokenFile(t *testing.T) {
	path := writeCLIConfig(t, "[storage.a]\nclient_id = \"key\"\nclient_secret = \"s\"\ndownload_to = \"/srv/a\"\n")
	cc := resolvedFor(t, path, "")

	tokenPath := config.TokenPath("a")
	require.NoError(t, tokenfile.Save(tokenPath, &tokenfile.File{
		Token: &oauth2.Token{AccessToken: "tok", RefreshToken: "r"},
		Meta:  map[string]string{tokenfile.MetaLastPath: "/Docs"},
	}))

	o, err := instanceOptions(cc, "a", sessionOptions{})
	require.NoError(t, err)

	assert.Equal(t, "a", o.Caption)
	assert.Equal(t, "key", o.Credentials.ClientID)
	assert.Equal(t, "s", o.Credentials.ClientSecret)
	assert.Equal(t, "tok", o.Credentials.Token.AccessToken)
	assert.Equal(t, config.DefaultRedirectAddresses(), o.Credentials.RedirectAddresses)
	assert.Equal(t, "/Docs", o.InitialPath)
	assert.Equal(t, "/srv/a", o.DownloadDir)
	assert.Nil(t, o.SaveLastPath, "only browse remembers the path")

	o.OnTokenChange(&oauth2.Token{AccessToken: "fresh", RefreshToken: "r2"})

	tf, err := tokenfile.Load(tokenPath)
	require.NoError(t, err)
	assert.Equal(t, "fresh", tf.Token.AccessToken)
	assert.Equal(t, "/Docs", tf.Meta[tokenfile.MetaLastPath])

	o, err = instanceOptions(cc, "a", sessionOptions{rememberPath: true})
	require.NoError(t, err)
	require.NotNil(t, o.SaveLastPath)
	require.NoError(t, o.SaveLastPath("/Photos"))

	tf, err = tokenfile.Load(tokenPath)
	require.NoError(t, err)
	assert.Equal(t, "/Photos", tf.Meta[tokenfile.MetaLastPath])

	_, err = instanceOptions(cc, "zzz", sessionOptions{})
	assert.Error(t, err)
}

func TestOpenSelected_Ambiguous(t *testing.T) {
	path := writeCLIConfig(t, "[storage.a]\nclient_id = \"k\"\n[storage.b]\nclient_id = \"k\"\n")
	cc := resolvedFor(t, path, "")

	_, err := openSelected(context.Background(), cc, sessionOptions{})
	assert.ErrorIs(t, err, config.ErrAmbiguousStorage)
}

func TestOpenAll_OneInstancePerStorage(t *testing.T) {
	path := writeCLIConfig(t, "[storage.b]\nclient_id = \"k\"\n[storage.a]\nclient_id = \"k\"\n")
	cc := resolvedFor(t, path, "")

	app, err := openAll(context.Background(), cc, sessionOptions{})
	require.NoError(t, err)

	ids := make([]string, 0, 2)
	for _, in := range app.Instances() {
		ids = append(ids, in.ID())
		assert.False(t, in.LoggedIn())
	}

	assert.Equal(t, []string{"a", "b"}, ids)
	require.NoError(t, app.Close())
}

func TestRunCall(t *testing.T) {
	ctx := context.Background()

	in := newTestInstance(t, "a", true)

	out, err := runCall(ctx, in, in.NavigateTo("/Docs"))
	require.NoError(t, err)
	require.NotNil(t, out.Listing)
	assert.Equal(t, "b.txt", out.Listing.Items[0].Name)

	_, err = runCall(ctx, in, in.NavigateTo("/missing"))
	assert.ErrorIs(t, err, dropbox.ErrPathNotFound)

	out, err = runCall(ctx, in, in.DownloadFile("/a.txt"))
	require.NoError(t, err)
	assert.FileExists(t, out.LocalPath)

	loggedOut := newTestInstance(t, "b", false)
	_, err = runCall(ctx, loggedOut, loggedOut.NavigateTo(""))
	assert.ErrorIs(t, err, storage.ErrNotAuthenticated)
}

// --- commands ---

func TestStorageAdd_AppendsTableWithGeneratedID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "config.toml")
	writeCLIConfig(t, "")

	require.NoError(t, executeCLI(t, "storage", "add", "--config", path, "--client-id", "key", "--caption", "Work", "--json"))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	ids := cfg.StorageIDs()
	require.Len(t, ids, 1)

	_, err = uuid.Parse(ids[0])
	require.NoError(t, err)

	s := cfg.Storages[ids[0]]
	assert.Equal(t, "Work", s.Caption)
	assert.Equal(t, "key", s.ClientID)
	assert.Equal(t, config.DefaultRedirectAddresses(), s.RedirectAddresses)
}

func TestStorageAdd_RequiresClientID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeCLIConfig(t, "")

	require.Error(t, executeCLI(t, "storage", "add", "--config", path))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestLogout_RemovesTokenFile(t *testing.T) {
	path := writeCLIConfig(t, "[storage.a]\nclient_id = \"k\"\n")

	tokenPath := config.TokenPath("a")
	require.NoError(t, tokenfile.SaveToken(tokenPath, &oauth2.Token{AccessToken: "tok"}))

	require.NoError(t, executeCLI(t, "logout", "--config", path))

	_, err := os.Stat(tokenPath)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, executeCLI(t, "logout", "--config", path), "logging out twice is fine")
}

func TestCommands_RejectBrokenConfig(t *testing.T) {
	path := writeCLIConfig(t, "[loging]\nlog_level = \"info\"\n")

	err := executeCLI(t, "status", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

func TestCollectStatus(t *testing.T) {
	path := writeCLIConfig(t, `
[storage.a]
caption = "Alpha"
client_id = "k"

[storage.b]
client_id = "k"

[storage.c]
client_id = "k"

[storage.d]
client_id = "k"
`)
	cc := resolvedFor(t, path, "a")

	require.NoError(t, tokenfile.Save(config.TokenPath("a"), &tokenfile.File{
		Token: &oauth2.Token{AccessToken: "tok", RefreshToken: "r"},
		Meta:  map[string]string{tokenfile.MetaLastPath: "/Photos"},
	}))

	require.NoError(t, tokenfile.SaveToken(config.TokenPath("c"), &oauth2.Token{
		AccessToken: "old",
		Expiry:      time.Now().Add(-time.Hour),
	}))

	require.NoError(t, os.WriteFile(config.TokenPath("d"), []byte("{broken"), 0o600))

	rows, err := collectStatus(context.Background(), cc.Cfg)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, statusStorage{
		ID: "a", Caption: "Alpha", Selected: true, TokenState: tokenStateValid,
		LastPath: "/Photos", DownloadDir: cc.Cfg.DownloadDir(cc.Cfg.Storages["a"]),
	}, rows[0])
	assert.Equal(t, tokenStateMissing, rows[1].TokenState)
	assert.Equal(t, "/", rows[1].LastPath)
	assert.False(t, rows[1].Selected)
	assert.Equal(t, tokenStateExpired, rows[2].TokenState)
	assert.Equal(t, tokenStateBroken, rows[3].TokenState)

	var buf bytes.Buffer
	printStatusTable(&buf, rows)
	assert.Contains(t, buf.String(), "Alpha")
	assert.Contains(t, buf.String(), "/Photos")
}

// --- browse model ---

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// tickUntil feeds ticks to the model until cond holds.
func tickUntil(t *testing.T, m *browseModel, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}

		m.Update(tickMsg(time.Now()))
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBrowseModel_NavigatesAndDownloads(t *testing.T) {
	in, dir := newTestInstanceIn(t, "a", true)
	m := newBrowseModel(storage.NewApp(in), "a")

	tickUntil(t, m, func() bool { return m.views[0].Listing != nil })
	assert.Contains(t, m.View(), "Docs/")
	assert.Contains(t, m.View(), "a.txt")

	// Down to a.txt and download it.
	m.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, m.cursors[0])

	m.Update(keyRunes("d"))
	tickUntil(t, m, func() bool { return len(m.views[0].Downloads()) == 0 })
	assert.FileExists(t, filepath.Join(dir, "a.txt"))

	// Up to Docs/ and open it.
	m.Update(tea.KeyMsg{Type: tea.KeyUp})
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	tickUntil(t, m, func() bool { return m.views[0].Path == "/Docs" })
	assert.Contains(t, m.View(), "b.txt")

	m.Update(tea.KeyMsg{Type: tea.KeyBackspace})
	tickUntil(t, m, func() bool { return m.views[0].Path == "" })

	_, cmd := m.Update(keyRunes("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestBrowseModel_TabsAndLoggedOutStorage(t *testing.T) {
	a := newTestInstance(t, "a", true)
	b := newTestInstance(t, "b", false)

	m := newBrowseModel(storage.NewApp(b, a), "b")
	assert.Equal(t, 1, m.current, "instances are ordered by id")
	assert.Contains(t, m.View(), "Press L to log in")
	assert.Contains(t, m.View(), "(logged out)")

	m.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, 0, m.current)

	m.Update(tea.KeyMsg{Type: tea.KeyShiftTab})
	assert.Equal(t, 1, m.current)

	m.Update(configReloadedMsg{path: "/etc/cloudview.toml"})
	assert.Contains(t, m.View(), "config reloaded")
	assert.NotContains(t, m.View(), "restarting browse")

	m.Update(configReloadedMsg{path: "/etc/cloudview.toml", storagesChanged: true})
	assert.Contains(t, m.View(), "apply after restarting browse")
}

func TestBrowseModel_LoginCanBeCancelled(t *testing.T) {
	in := newTestInstance(t, "a", false)
	m := newBrowseModel(storage.NewApp(in), "a")

	m.Update(keyRunes("L"))

	_, ok := m.views[0].Auth()
	require.True(t, ok, "auth call started")

	m.Update(tea.KeyMsg{Type: tea.KeyEsc})

	_, ok = m.views[0].Auth()
	assert.False(t, ok)
	assert.Contains(t, m.View(), "login cancelled")
}

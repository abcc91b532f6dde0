package storage

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/cloudview/internal/authserver"
	"github.com/tonimelisma/cloudview/internal/calls"
	"github.com/tonimelisma/cloudview/internal/credentials"
	"github.com/tonimelisma/cloudview/internal/dropbox"
)

const testTimeout = 5 * time.Second

func expired() error {
	return &dropbox.APIError{Kind: dropbox.KindExpiredAccessToken, Action: "test", Status: http.StatusUnauthorized}
}

// fakeAPI stands in for the Dropbox client. Access token "old" is always
// rejected as expired; refreshing yields "new".
type fakeAPI struct {
	mu        sync.Mutex
	listPaths []string

	list     func(ctx context.Context, path string, progress dropbox.ListProgressFunc) (*dropbox.Listing, error)
	download func(ctx context.Context, remotePath, localPath string, obs dropbox.DownloadObserver) (*dropbox.FileMetadata, error)
	exchange func(ctx context.Context, code string) (*oauth2.Token, error)
	refresh  func(ctx context.Context) (*oauth2.Token, error)

	refreshes atomic.Int32
}

func (f *fakeAPI) ListFolder(
	ctx context.Context, token, path string, progress dropbox.ListProgressFunc,
) (*dropbox.Listing, error) {
	if token == "old" {
		return nil, expired()
	}

	f.mu.Lock()
	f.listPaths = append(f.listPaths, path)
	f.mu.Unlock()

	if f.list != nil {
		return f.list(ctx, path, progress)
	}

	progress(1, "1 item")

	return &dropbox.Listing{Path: path, Items: []dropbox.Item{{Name: "a.txt", Size: 3}}}, nil
}

func (f *fakeAPI) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.listPaths...)
}

func (f *fakeAPI) Download(
	ctx context.Context, token, remotePath, localPath string, obs dropbox.DownloadObserver,
) (*dropbox.FileMetadata, error) {
	if token == "old" {
		return nil, expired()
	}

	if f.download != nil {
		return f.download(ctx, remotePath, localPath, obs)
	}

	obs.SizeKnown(5)

	if err := os.WriteFile(localPath, []byte("hello"), 0o600); err != nil {
		return nil, err
	}

	obs.Progress(5)

	return &dropbox.FileMetadata{Name: dropbox.Base(remotePath), PathDisplay: remotePath, Size: 5}, nil
}

func (f *fakeAPI) AuthorizeURL(app dropbox.App, redirectURL, state string) string {
	q := url.Values{"client_id": {app.ClientID}, "redirect_uri": {redirectURL}, "state": {state}}
	return "https://auth.example/oauth2/authorize?" + q.Encode()
}

func (f *fakeAPI) ExchangeCode(ctx context.Context, _ dropbox.App, code, _ string) (*oauth2.Token, error) {
	if f.exchange != nil {
		return f.exchange(ctx, code)
	}

	return &oauth2.Token{AccessToken: "new", RefreshToken: "rt-" + code}, nil
}

func (f *fakeAPI) RefreshAccessToken(ctx context.Context, _ dropbox.App, _ string) (*oauth2.Token, error) {
	f.refreshes.Add(1)

	if f.refresh != nil {
		return f.refresh(ctx)
	}

	return &oauth2.Token{AccessToken: "new"}, nil
}

func newInstance(t *testing.T, api CloudAPI, mutate func(*Options)) *Instance {
	t.Helper()

	opts := Options{
		ID:      "test",
		Caption: "Test",
		Credentials: credentials.Credentials{
			ClientID:          "id",
			ClientSecret:      "secret",
			RedirectAddresses: []string{"127.0.0.1:0"},
			Token:             &oauth2.Token{AccessToken: "new", RefreshToken: "rt"},
		},
		DownloadDir:     t.TempDir(),
		ShutdownTimeout: testTimeout,
		ReadyOptions:    authserver.ReadyOptions{Timeout: testTimeout, Interval: 10 * time.Millisecond},
		Strict:          true,
	}

	if mutate != nil {
		mutate(&opts)
	}

	in := New(context.Background(), api, opts)
	t.Cleanup(func() { _ = in.Close() })

	return in
}

func wait(t *testing.T, in *Instance, id calls.CallID) Outcome {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	o, err := in.Wait(ctx, id)
	require.NoError(t, err, "call %d never finished", id)

	return o
}

// pumpUntil processes events until cond holds.
func pumpUntil(t *testing.T, in *Instance, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never reached")
		}

		in.ProcessEvents()
		time.Sleep(time.Millisecond)
	}
}

func TestNavigateTo_ListsFolder(t *testing.T) {
	in := newInstance(t, &fakeAPI{}, nil)

	o := wait(t, in, in.NavigateTo("docs/"))

	require.Equal(t, StatusOK, o.Status)
	require.NotNil(t, o.Listing)
	assert.Len(t, o.Listing.Items, 1)

	v := in.View()
	assert.Equal(t, "/docs", v.Path)
	assert.Same(t, o.Listing, v.Listing)
	assert.Empty(t, v.Calls)
	assert.NoError(t, v.LastError)
}

func TestNavigateIntoAndUp(t *testing.T) {
	api := &fakeAPI{}
	in := newInstance(t, api, func(o *Options) { o.InitialPath = "/a" })

	wait(t, in, in.NavigateInto("b"))
	assert.Equal(t, "/a/b", in.Path())

	wait(t, in, in.NavigateUp())
	assert.Equal(t, "/a", in.Path())

	wait(t, in, in.NavigateUp())
	assert.Empty(t, in.Path())

	assert.Equal(t, []string{"/a/b", "/a", ""}, api.paths())
}

func TestNavigateTo_NotLoggedIn(t *testing.T) {
	in := newInstance(t, &fakeAPI{}, func(o *Options) { o.Credentials.Token = nil })

	o := wait(t, in, in.NavigateTo(""))

	assert.Equal(t, StatusFailed, o.Status)
	require.ErrorIs(t, o.Err, ErrNotAuthenticated)
	assert.ErrorIs(t, in.View().LastError, ErrNotAuthenticated)
}

func TestNavigateTo_RefreshesExpiredToken(t *testing.T) {
	api := &fakeAPI{}

	var saved atomic.Pointer[oauth2.Token]

	in := newInstance(t, api, func(o *Options) {
		o.Credentials.Token = &oauth2.Token{AccessToken: "old", RefreshToken: "rt"}
		o.OnTokenChange = func(tok *oauth2.Token) { saved.Store(tok) }
	})

	o := wait(t, in, in.NavigateTo("/"))

	require.Equal(t, StatusOK, o.Status)
	assert.EqualValues(t, 1, api.refreshes.Load())
	assert.Equal(t, "new", in.Token().AccessToken)
	assert.Equal(t, "rt", in.Token().RefreshToken)

	require.NotNil(t, saved.Load())
	assert.Equal(t, "new", saved.Load().AccessToken)
}

func TestNavigateTo_RefreshFailureReportsBoth(t *testing.T) {
	refreshErr := errors.New("token endpoint down")
	api := &fakeAPI{refresh: func(context.Context) (*oauth2.Token, error) { return nil, refreshErr }}

	in := newInstance(t, api, func(o *Options) {
		o.Credentials.Token = &oauth2.Token{AccessToken: "old", RefreshToken: "rt"}
	})

	o := wait(t, in, in.NavigateTo(""))

	require.Equal(t, StatusFailed, o.Status)
	assert.ErrorIs(t, o.Err, dropbox.ErrExpiredAccessToken)
	assert.ErrorIs(t, o.Err, refreshErr)

	var apiErr *dropbox.APIError
	require.ErrorAs(t, o.Err, &apiErr)
	assert.Equal(t, refreshErr, apiErr.RefreshErr)
}

func TestConcurrentCallsShareOneRefresh(t *testing.T) {
	api := &fakeAPI{refresh: func(context.Context) (*oauth2.Token, error) {
		time.Sleep(20 * time.Millisecond)
		return &oauth2.Token{AccessToken: "new"}, nil
	}}

	in := newInstance(t, api, func(o *Options) {
		o.Credentials.Token = &oauth2.Token{AccessToken: "old", RefreshToken: "rt"}
	})

	ids := []calls.CallID{
		in.NavigateTo(""),
		in.DownloadFile("/one.txt"),
		in.DownloadFile("/two.txt"),
		in.DownloadFile("/three.txt"),
	}

	for _, id := range ids {
		assert.Equal(t, StatusOK, wait(t, in, id).Status)
	}

	assert.EqualValues(t, 1, api.refreshes.Load())
}

func TestDownloadFile_WritesAndOpens(t *testing.T) {
	var opened []string

	in := newInstance(t, &fakeAPI{}, func(o *Options) {
		o.OpenAfterDownload = true
		o.OpenFile = func(path string) error {
			opened = append(opened, path)
			return nil
		}
	})

	o := wait(t, in, in.DownloadFile("/docs/report.txt"))

	require.Equal(t, StatusOK, o.Status, "err: %v", o.Err)
	assert.Equal(t, "report.txt", filepath.Base(o.LocalPath))
	assert.Equal(t, int64(5), o.Meta.Size)

	data, err := os.ReadFile(o.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, []string{o.LocalPath}, opened)
}

func TestDownloadFile_ProgressVisibleInView(t *testing.T) {
	release := make(chan struct{})

	api := &fakeAPI{download: func(ctx context.Context, _, _ string, obs dropbox.DownloadObserver) (*dropbox.FileMetadata, error) {
		obs.SizeKnown(10)
		obs.Progress(4)

		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		return &dropbox.FileMetadata{Size: 10}, nil
	}}

	in := newInstance(t, api, nil)
	id := in.DownloadFile("/big.bin")

	var st *calls.DownloadState

	pumpUntil(t, in, func() bool {
		downloads := in.View().Downloads()
		if len(downloads) != 1 {
			return false
		}

		st = downloads[0].Data.(*calls.DownloadState)

		return st.Downloaded == 4
	})

	assert.Equal(t, id, in.View().Downloads()[0].ID)
	assert.True(t, st.SizeKnown)
	assert.Equal(t, int64(10), st.TotalSize)
	assert.Equal(t, calls.DownloadPhaseInProgress, st.Phase)

	close(release)
	assert.Equal(t, StatusOK, wait(t, in, id).Status)
}

func TestDownloadFile_NoDownloadDir(t *testing.T) {
	in := newInstance(t, &fakeAPI{}, func(o *Options) { o.DownloadDir = "" })

	o := wait(t, in, in.DownloadFile("/a.txt"))
	assert.ErrorIs(t, o.Err, ErrNoDownloadDir)
}

func TestCancelDownload_AbortsTask(t *testing.T) {
	started := make(chan struct{})
	aborted := make(chan struct{})

	api := &fakeAPI{download: func(ctx context.Context, _, _ string, _ dropbox.DownloadObserver) (*dropbox.FileMetadata, error) {
		close(started)
		<-ctx.Done()
		close(aborted)

		return nil, ctx.Err()
	}}

	in := newInstance(t, api, nil)
	id := in.DownloadFile("/slow.bin")

	pumpUntil(t, in, func() bool {
		select {
		case <-started:
			return true
		default:
			return false
		}
	})

	in.CancelDownload(id)

	o := wait(t, in, id)
	assert.Equal(t, StatusCancelled, o.Status)

	select {
	case <-aborted:
	case <-time.After(testTimeout):
		t.Fatal("download task never saw cancellation")
	}

	// The aborted task's failure is never reported.
	in.ProcessEvents()

	o, ok := in.Outcome(id)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, o.Status)
	assert.Empty(t, in.View().Calls)
}

func TestNavigateTo_SupersedesRunningListing(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	api := &fakeAPI{list: func(ctx context.Context, path string, _ dropbox.ListProgressFunc) (*dropbox.Listing, error) {
		if path == "/slow" {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		return &dropbox.Listing{Path: path}, nil
	}}

	in := newInstance(t, api, nil)

	first := in.NavigateTo("/slow")
	pumpUntil(t, in, func() bool { return len(api.paths()) == 1 })

	second := in.NavigateTo("/fast")

	assert.Equal(t, StatusOK, wait(t, in, second).Status)

	o, ok := in.Outcome(first)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, o.Status)
	assert.Equal(t, "/fast", in.Path())
}

// browser simulates the user approving access in a browser.
func browser(t *testing.T, query func(authURL *url.URL) url.Values) func(string) error {
	return func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}

		go func() {
			redirect := u.Query().Get("redirect_uri")

			resp, err := http.Get(redirect + "?" + query(u).Encode())
			if err != nil {
				t.Errorf("callback request: %v", err)
				return
			}
			resp.Body.Close()
		}()

		return nil
	}
}

func TestStartAuth_FullFlow(t *testing.T) {
	api := &fakeAPI{}

	var saved atomic.Pointer[oauth2.Token]

	in := newInstance(t, api, func(o *Options) {
		o.Credentials.Token = nil
		o.OnTokenChange = func(tok *oauth2.Token) { saved.Store(tok) }
		o.OpenURL = browser(t, func(u *url.URL) url.Values {
			return url.Values{"state": {u.Query().Get("state")}, "code": {"c0de"}}
		})
	})

	require.False(t, in.LoggedIn())

	o := wait(t, in, in.StartAuth())

	require.Equal(t, StatusOK, o.Status, "err: %v", o.Err)
	assert.Contains(t, o.AuthURL, "client_id=id")
	assert.True(t, in.LoggedIn())
	assert.Equal(t, "rt-c0de", in.Token().RefreshToken)
	require.NotNil(t, saved.Load())

	// Logging in navigates to the root.
	pumpUntil(t, in, func() bool { return len(api.paths()) == 1 })
	assert.Equal(t, []string{""}, api.paths())
}

func TestStartAuth_StateMismatchFails(t *testing.T) {
	api := &fakeAPI{exchange: func(context.Context, string) (*oauth2.Token, error) {
		t.Error("code must not be exchanged")
		return nil, errors.New("unexpected")
	}}

	in := newInstance(t, api, func(o *Options) {
		o.OpenURL = browser(t, func(*url.URL) url.Values {
			return url.Values{"state": {"forged"}, "code": {"c0de"}}
		})
	})

	o := wait(t, in, in.StartAuth())

	assert.Equal(t, StatusFailed, o.Status)
	assert.ErrorIs(t, o.Err, authserver.ErrStateMismatch)
}

func TestStartAuth_BrowserOpenFailureReleasesPort(t *testing.T) {
	in := newInstance(t, &fakeAPI{}, func(o *Options) {
		o.OpenURL = func(string) error { return errors.New("no display") }
	})

	o := wait(t, in, in.StartAuth())

	require.Equal(t, StatusFailed, o.Status)
	require.ErrorIs(t, o.Err, ErrBrowserOpen)
	require.NotEmpty(t, o.AuthURL)

	u, err := url.Parse(o.AuthURL)
	require.NoError(t, err)

	redirect, err := url.Parse(u.Query().Get("redirect_uri"))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", redirect.Host)
	require.NoError(t, err, "callback port must be released")
	ln.Close()
}

func TestStartAuth_BindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	in := newInstance(t, &fakeAPI{}, func(o *Options) {
		o.Credentials.RedirectAddresses = []string{busy.Addr().String()}
	})

	o := wait(t, in, in.StartAuth())

	var bindErr *authserver.BindError
	assert.ErrorAs(t, o.Err, &bindErr)
}

func TestCancelAuth(t *testing.T) {
	in := newInstance(t, &fakeAPI{}, func(o *Options) {
		o.OpenURL = func(string) error { return nil }
	})

	id := in.StartAuth()

	pumpUntil(t, in, func() bool {
		auth, ok := in.View().Auth()
		return ok && auth.Data.(*calls.AuthState).Phase == calls.AuthPhaseBrowserOpened
	})

	auth, _ := in.View().Auth()
	redirect, err := url.Parse(auth.Data.(*calls.AuthState).RedirectURL)
	require.NoError(t, err)

	in.CancelAuth(id)

	assert.Equal(t, StatusCancelled, wait(t, in, id).Status)

	ln, err := net.Listen("tcp", redirect.Host)
	require.NoError(t, err, "callback port must be released")
	ln.Close()
}

func TestClose_SavesPathAndStopsTasks(t *testing.T) {
	var savedPath string

	aborted := make(chan struct{})

	api := &fakeAPI{list: func(ctx context.Context, path string, _ dropbox.ListProgressFunc) (*dropbox.Listing, error) {
		if path == "/hang" {
			<-ctx.Done()
			close(aborted)

			return nil, ctx.Err()
		}

		return &dropbox.Listing{Path: path}, nil
	}}

	in := newInstance(t, api, func(o *Options) {
		o.SaveLastPath = func(p string) error {
			savedPath = p
			return nil
		}
	})

	wait(t, in, in.NavigateTo("/kept"))

	in.NavigateTo("/hang")
	pumpUntil(t, in, func() bool { return len(api.paths()) == 2 })

	require.NoError(t, in.Close())
	assert.Equal(t, "/kept", savedPath)

	select {
	case <-aborted:
	default:
		t.Fatal("running task was not stopped")
	}

	// Closing again is a no-op; intents after close are ignored.
	require.NoError(t, in.Close())
	in.NavigateTo("/late")
	assert.Zero(t, in.ProcessEvents())
}

func TestApp_CloseAll(t *testing.T) {
	var closed atomic.Int32

	save := func(o *Options) {
		o.SaveLastPath = func(string) error {
			closed.Add(1)
			return nil
		}
	}

	a := newInstance(t, &fakeAPI{}, func(o *Options) { o.ID = "b"; save(o) })
	b := newInstance(t, &fakeAPI{}, func(o *Options) { o.ID = "a"; save(o) })

	app := NewApp(a, b)

	require.Len(t, app.Instances(), 2)
	assert.Equal(t, "a", app.Instances()[0].ID())

	got, err := app.Get("b")
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = app.Get("missing")
	assert.Error(t, err)

	require.NoError(t, app.Close())
	assert.EqualValues(t, 2, closed.Load())
}

func TestWait_ContextCanceled(t *testing.T) {
	in := newInstance(t, &fakeAPI{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := in.Wait(ctx, 42)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClose_AbortsSharedRefresh(t *testing.T) {
	var (
		running atomic.Bool
		changes atomic.Int32
	)

	api := &fakeAPI{refresh: func(ctx context.Context) (*oauth2.Token, error) {
		running.Store(true)
		defer running.Store(false)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(3 * time.Second):
			return &oauth2.Token{AccessToken: "new"}, nil
		}
	}}

	in := newInstance(t, api, func(o *Options) {
		o.Credentials.Token = &oauth2.Token{AccessToken: "old", RefreshToken: "rt"}
		o.OnTokenChange = func(*oauth2.Token) { changes.Add(1) }
	})

	in.NavigateTo("/docs")
	pumpUntil(t, in, func() bool { return api.refreshes.Load() == 1 })

	start := time.Now()
	require.NoError(t, in.Close())

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, running.Load(), "refresh must not outlive Close")
	assert.Zero(t, changes.Load())
	assert.Equal(t, "old", in.Token().AccessToken)
}

func TestStartAuth_RestartOnSingleAddressRebinds(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	in := newInstance(t, &fakeAPI{}, func(o *Options) {
		o.Credentials.RedirectAddresses = []string{addr}
		o.OpenURL = func(string) error { return nil }
	})

	first := in.StartAuth()
	second := in.StartAuth()

	pumpUntil(t, in, func() bool {
		if _, done := in.Outcome(second); done {
			return true
		}

		auth, ok := in.View().Auth()

		return ok && auth.ID == second && auth.Data.(*calls.AuthState).Phase == calls.AuthPhaseBrowserOpened
	})

	o, done := in.Outcome(second)
	require.False(t, done, "second flow ended early: %v", o.Err)
	assert.Equal(t, StatusCancelled, wait(t, in, first).Status)

	in.CancelAuth(second)
	assert.Equal(t, StatusCancelled, wait(t, in, second).Status)

	ln, err = net.Listen("tcp", addr)
	require.NoError(t, err, "callback port must be released")
	ln.Close()
}

func TestNavigateInto_FromOtherGoroutine(t *testing.T) {
	in := newInstance(t, &fakeAPI{}, func(o *Options) { o.InitialPath = "/a" })

	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			in.NavigateInto("b")
		}()
	}

	for range 20 {
		in.ProcessEvents()
		time.Sleep(time.Millisecond)
	}

	wg.Wait()

	// The listing started last is never superseded, so it lands.
	pumpUntil(t, in, func() bool {
		_, listing := in.View().ListingCall()
		return !listing && in.Path() != "/a"
	})

	assert.True(t, strings.HasPrefix(in.Path(), "/a/b"), in.Path())
}

func TestClose_DiscardsPendingIntents(t *testing.T) {
	api := &fakeAPI{}
	in := newInstance(t, api, nil)

	in.NavigateTo("/never")
	require.NoError(t, in.Close())

	assert.Zero(t, in.ProcessEvents())
	assert.Empty(t, api.paths())
}

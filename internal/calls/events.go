// Package calls tracks the lifecycle of user-initiated calls (folder
// listing, file download, authorization) as per-call state machines fed by
// events from background tasks.
package calls

import (
	"fmt"
	"net"
	"sync"

	"github.com/tonimelisma/cloudview/internal/dropbox"
)

// CallID identifies one call within a storage instance. IDs start at 1 and
// are never reused.
type CallID uint64

// NoCallID marks an event as a registry directive rather than an update for
// an existing call.
const NoCallID CallID = 0

// IDGenerator hands out increasing call ids.
type IDGenerator struct {
	mu   sync.Mutex
	last CallID
}

// Next returns a fresh id.
func (g *IDGenerator) Next() CallID {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.last++

	return g.last
}

// Kind is the call kind an event or state belongs to.
type Kind int

const (
	KindListFolder Kind = iota + 1
	KindDownload
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindListFolder:
		return "list_folder"
	case KindDownload:
		return "download"
	case KindAuth:
		return "auth"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Payload is the body of an event.
type Payload interface {
	Kind() Kind
}

// Event travels on the message bus from tasks and intents to the registry.
type Event struct {
	CallID  CallID
	Payload Payload
}

func (e Event) String() string {
	return fmt.Sprintf("call %d: %T", e.CallID, e.Payload)
}

// List folder events.
type (
	// ListFolderStart creates the call and spawns the listing task.
	ListFolderStart struct{ Path string }
	// ListFolderRefreshingToken reports that the call is waiting on a token refresh.
	ListFolderRefreshingToken struct{}
	// ListFolderRefreshTokenComplete reports that the refresh succeeded and the call is retried.
	ListFolderRefreshTokenComplete struct{}
	// ListFolderProgress carries the running item count.
	ListFolderProgress struct {
		Count int
		Note  string
	}
	// ListFolderFinished is terminal: Err is nil on success.
	ListFolderFinished struct {
		Listing *dropbox.Listing
		Err     error
	}
	// NavigateTo is a directive (NoCallID) that starts a new listing of Path.
	NavigateTo struct{ Path string }
)

func (ListFolderStart) Kind() Kind                { return KindListFolder }
func (ListFolderRefreshingToken) Kind() Kind      { return KindListFolder }
func (ListFolderRefreshTokenComplete) Kind() Kind { return KindListFolder }
func (ListFolderProgress) Kind() Kind             { return KindListFolder }
func (ListFolderFinished) Kind() Kind             { return KindListFolder }
func (NavigateTo) Kind() Kind                     { return KindListFolder }

// Download events.
type (
	// DownloadStart creates the call and spawns the download task.
	DownloadStart struct {
		RemotePath string
		LocalPath  string
	}
	DownloadRefreshingToken      struct{}
	DownloadRefreshTokenComplete struct{}
	// DownloadSizeKnown arrives once the response metadata has been decoded.
	DownloadSizeKnown struct{ Size int64 }
	// DownloadProgress carries the running byte count.
	DownloadProgress struct{ Downloaded int64 }
	// DownloadFinished is terminal: Err is nil on success.
	DownloadFinished struct {
		Meta *dropbox.FileMetadata
		Err  error
	}
	// DownloadCancel is terminal: the task is aborted and no outcome is reported.
	DownloadCancel struct{}
)

func (DownloadStart) Kind() Kind                { return KindDownload }
func (DownloadRefreshingToken) Kind() Kind      { return KindDownload }
func (DownloadRefreshTokenComplete) Kind() Kind { return KindDownload }
func (DownloadSizeKnown) Kind() Kind            { return KindDownload }
func (DownloadProgress) Kind() Kind             { return KindDownload }
func (DownloadFinished) Kind() Kind             { return KindDownload }
func (DownloadCancel) Kind() Kind               { return KindDownload }

// Auth events.
type (
	// AuthStart creates the call and spawns the callback server.
	AuthStart struct{}
	// AuthBound reports the bound callback server.
	AuthBound struct {
		RedirectURL string
		State       string
		Addr        net.Addr
	}
	// AuthServerShutdowner hands over the server's shutdown pair.
	AuthServerShutdowner struct{ Canceller Canceller }
	// AuthCheckAvailability asks for the readiness check to be spawned.
	AuthCheckAvailability struct{}
	// AuthServerReady reports that the check reached the server.
	AuthServerReady struct{}
	// AuthCancel is terminal: the server is shut down and no outcome is reported.
	AuthCancel struct{}
	// AuthFinished is terminal: Err is nil on success.
	AuthFinished struct{ Err error }
)

func (AuthStart) Kind() Kind             { return KindAuth }
func (AuthBound) Kind() Kind             { return KindAuth }
func (AuthServerShutdowner) Kind() Kind  { return KindAuth }
func (AuthCheckAvailability) Kind() Kind { return KindAuth }
func (AuthServerReady) Kind() Kind       { return KindAuth }
func (AuthCancel) Kind() Kind            { return KindAuth }
func (AuthFinished) Kind() Kind          { return KindAuth }

// isStart reports whether p may create a call state.
func isStart(p Payload) bool {
	switch p.(type) {
	case ListFolderStart, DownloadStart, AuthStart:
		return true
	default:
		return false
	}
}

// Canceller is a shutdown pair: Signal asks the owner to stop, Done closes
// once it has.
type Canceller struct {
	signal func()
	done   <-chan struct{}
}

// NewCanceller builds a pair.
func NewCanceller(signal func(), done <-chan struct{}) Canceller {
	return Canceller{signal: signal, done: done}
}

// cancelAndWait signals and blocks until the owner reports it has stopped.
func (c Canceller) cancelAndWait() {
	if c.signal != nil {
		c.signal()
	}

	if c.done != nil {
		<-c.done
	}
}

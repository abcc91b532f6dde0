package calls

import (
	"slices"
	"time"

	"github.com/tonimelisma/cloudview/internal/tasks"
)

// Data is the kind-specific part of a call state.
type Data interface {
	Kind() Kind
	PhaseName() string
}

// joinTimeout bounds how long drain waits for a joined task to return.
const joinTimeout = 5 * time.Second

// CallState is one registry entry. It owns the call's task handles and
// shutdown pairs; both are drained when the entry is removed.
type CallState struct {
	ID   CallID
	Data Data

	tasks      []*tasks.Task
	joined     []*tasks.Task
	cancellers []Canceller
}

// Tasks returns the task handles owned by the call.
func (s *CallState) Tasks() []*tasks.Task {
	return slices.Clone(s.tasks)
}

func (s *CallState) addTask(t *tasks.Task) {
	if t != nil {
		s.tasks = append(s.tasks, t)
	}
}

// join marks a task that holds an OS resource, such as a listening socket,
// until it returns. drain waits for it.
func (s *CallState) join(t *tasks.Task) {
	if t != nil {
		s.joined = append(s.joined, t)
	}
}

// drain aborts every task, waits for every shutdown pair and then for the
// joined tasks.
func (s *CallState) drain() {
	for _, t := range s.tasks {
		t.Abort()
	}

	for _, c := range s.cancellers {
		c.cancelAndWait()
	}

	if len(s.joined) > 0 {
		timer := time.NewTimer(joinTimeout)
		defer timer.Stop()

		for _, t := range s.joined {
			t.Abort()

			select {
			case <-t.Done():
			case <-timer.C:
				s.tasks, s.joined, s.cancellers = nil, nil, nil
				return
			}
		}
	}

	s.tasks = nil
	s.joined = nil
	s.cancellers = nil
}

// ListFolderPhase is the phase of a listing call.
type ListFolderPhase int

const (
	ListFolderPhaseInProgress ListFolderPhase = iota
	ListFolderPhaseRefreshingToken
	ListFolderPhaseRefreshTokenComplete
	ListFolderPhaseOK
	ListFolderPhaseFailed
)

var listFolderPhaseNames = [...]string{"in progress", "refreshing token", "token refreshed", "ok", "failed"}

func (p ListFolderPhase) String() string { return listFolderPhaseNames[p] }

// ListFolderState tracks a folder listing.
type ListFolderState struct {
	Phase ListFolderPhase
	Path  string
	Count int
	Note  string
	Err   error
}

func (*ListFolderState) Kind() Kind          { return KindListFolder }
func (s *ListFolderState) PhaseName() string { return s.Phase.String() }

// DownloadPhase is the phase of a download call.
type DownloadPhase int

const (
	DownloadPhaseStarted DownloadPhase = iota
	DownloadPhaseSizeKnown
	DownloadPhaseInProgress
	DownloadPhaseRefreshingToken
	DownloadPhaseRefreshTokenComplete
	DownloadPhaseOK
	DownloadPhaseFailed
)

var downloadPhaseNames = [...]string{
	"started", "size known", "in progress", "refreshing token", "token refreshed", "ok", "failed",
}

func (p DownloadPhase) String() string { return downloadPhaseNames[p] }

// DownloadState tracks a file download.
type DownloadState struct {
	Phase      DownloadPhase
	RemotePath string
	LocalPath  string
	TotalSize  int64
	SizeKnown  bool
	Downloaded int64
	Err        error
}

func (*DownloadState) Kind() Kind          { return KindDownload }
func (s *DownloadState) PhaseName() string { return s.Phase.String() }

// AuthPhase is the phase of an authorization call.
type AuthPhase int

const (
	AuthPhaseStartingLocalServer AuthPhase = iota
	AuthPhaseBound
	AuthPhaseWaitingForServerUp
	AuthPhaseBrowserLaunchPending
	AuthPhaseBrowserOpened
	AuthPhaseOK
	AuthPhaseFailed
)

var authPhaseNames = [...]string{
	"starting local server", "bound", "waiting for server", "launching browser", "browser opened", "ok", "failed",
}

func (p AuthPhase) String() string { return authPhaseNames[p] }

// AuthState tracks an authorization flow.
type AuthState struct {
	Phase       AuthPhase
	RedirectURL string
	State       string
	AuthURL     string
	Err         error
}

func (*AuthState) Kind() Kind          { return KindAuth }
func (s *AuthState) PhaseName() string { return s.Phase.String() }

package calls

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/tonimelisma/cloudview/internal/bus"
	"github.com/tonimelisma/cloudview/internal/dropbox"
	"github.com/tonimelisma/cloudview/internal/tasks"
)

// maxEventsPerTick bounds one Process call so a chatty task cannot stall
// the consumer.
const maxEventsPerTick = 10_000

// Handler performs the side effects of transitions. Start methods spawn the
// call's background work; Done methods receive terminal outcomes. All methods
// run on the draining goroutine and must not block on I/O.
type Handler interface {
	StartListFolder(id CallID, path string) (*tasks.Task, error)
	ListFolderDone(id CallID, st ListFolderState, listing *dropbox.Listing)

	StartDownload(id CallID, remotePath, localPath string) (*tasks.Task, error)
	DownloadDone(id CallID, st DownloadState, meta *dropbox.FileMetadata)

	StartAuthServer(id CallID) (*tasks.Task, error)
	CheckAuthServer(id CallID, redirectURL string) (*tasks.Task, error)
	OpenAuthPage(id CallID, redirectURL, state string) (authURL string, err error)
	AuthDone(id CallID, st AuthState)

	// Cancelled reports a call removed by a cancel event or superseded by a
	// newer call of the same kind.
	Cancelled(id CallID, kind Kind)
	// Navigate handles the NavigateTo directive.
	Navigate(path string)
}

// Source is the consumer side of the message bus.
type Source interface {
	TryRecv() (Event, bool)
}

// Registry maps call ids to call states. It is not safe for concurrent use:
// all methods run on the single goroutine that drains the bus.
type Registry struct {
	states  map[CallID]*CallState
	handler Handler
	out     bus.Sender[Event]
	logger  *slog.Logger
	strict  bool
}

// NewRegistry creates an empty registry. out is used for events the registry
// posts to itself (for example the readiness check request after a bind).
func NewRegistry(handler Handler, out bus.Sender[Event], logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		states:  make(map[CallID]*CallState),
		handler: handler,
		out:     out,
		logger:  logger,
	}
}

// SetStrict makes contract violations panic instead of being logged.
// Tests run strict.
func (r *Registry) SetStrict(strict bool) {
	r.strict = strict
}

// Process drains pending events from src and applies them in order. It
// returns the number of events applied and never blocks.
func (r *Registry) Process(src Source) int {
	n := 0
	for n < maxEventsPerTick {
		ev, ok := src.TryRecv()
		if !ok {
			break
		}

		r.Apply(ev)
		n++
	}

	return n
}

// Get returns the state of a call.
func (r *Registry) Get(id CallID) (*CallState, bool) {
	st, ok := r.states[id]
	return st, ok
}

// Calls returns all states ordered by id.
func (r *Registry) Calls() []*CallState {
	ids := slices.Sorted(maps.Keys(r.states))

	out := make([]*CallState, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.states[id])
	}

	return out
}

// Len returns the number of tracked calls.
func (r *Registry) Len() int {
	return len(r.states)
}

// Clear removes every call, draining each one. Used at shutdown.
func (r *Registry) Clear() {
	for _, id := range slices.Sorted(maps.Keys(r.states)) {
		r.remove(id)
	}
}

// Apply routes one event by (known id?, event kind):
//   - directive (NoCallID): handled directly;
//   - unknown id + start event: creates the call;
//   - unknown id + other event: logged and dropped;
//   - known id + matching kind: transition;
//   - known id + other kind, or a second start: contract violation.
func (r *Registry) Apply(ev Event) {
	if ev.Payload == nil {
		r.violation("event without payload for call %d", ev.CallID)
		return
	}

	if ev.CallID == NoCallID {
		r.applyDirective(ev.Payload)
		return
	}

	st, known := r.states[ev.CallID]

	switch {
	case !known && isStart(ev.Payload):
		r.start(ev.CallID, ev.Payload)
	case !known:
		r.logger.Debug("dropping event for unknown call",
			slog.Uint64("call_id", uint64(ev.CallID)),
			slog.String("event", fmt.Sprintf("%T", ev.Payload)),
		)
	case isStart(ev.Payload) || st.Data.Kind() != ev.Payload.Kind():
		r.violation("call %d (%s) got %T", ev.CallID, st.Data.Kind(), ev.Payload)
	default:
		r.transition(st, ev.Payload)
	}
}

func (r *Registry) violation(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if r.strict {
		panic("calls: contract violation: " + msg)
	}

	r.logger.Error("call contract violation", slog.String("detail", msg))
}

func (r *Registry) applyDirective(p Payload) {
	switch d := p.(type) {
	case NavigateTo:
		r.handler.Navigate(d.Path)
	default:
		r.violation("directive %T is not supported", p)
	}
}

// removeKind removes every call of the given kind.
func (r *Registry) removeKind(kind Kind) {
	for _, id := range slices.Sorted(maps.Keys(r.states)) {
		if r.states[id].Data.Kind() == kind {
			r.logger.Debug("superseding call",
				slog.Uint64("call_id", uint64(id)),
				slog.String("kind", kind.String()),
			)
			r.remove(id)
			r.handler.Cancelled(id, kind)
		}
	}
}

// remove drains a call and deletes it.
func (r *Registry) remove(id CallID) {
	st, ok := r.states[id]
	if !ok {
		return
	}

	st.drain()
	delete(r.states, id)
}

func (r *Registry) start(id CallID, p Payload) {
	switch s := p.(type) {
	case ListFolderStart:
		// At most one listing at a time.
		r.removeKind(KindListFolder)

		data := &ListFolderState{Phase: ListFolderPhaseInProgress, Path: s.Path}

		task, err := r.handler.StartListFolder(id, s.Path)
		if err != nil {
			data.Phase, data.Err = ListFolderPhaseFailed, err
			r.handler.ListFolderDone(id, *data, nil)

			return
		}

		r.install(id, data, task)
	case DownloadStart:
		data := &DownloadState{Phase: DownloadPhaseStarted, RemotePath: s.RemotePath, LocalPath: s.LocalPath}

		task, err := r.handler.StartDownload(id, s.RemotePath, s.LocalPath)
		if err != nil {
			data.Phase, data.Err = DownloadPhaseFailed, err
			r.handler.DownloadDone(id, *data, nil)

			return
		}

		r.install(id, data, task)
	case AuthStart:
		// At most one auth flow; the old server releases its port first.
		r.removeKind(KindAuth)

		data := &AuthState{Phase: AuthPhaseStartingLocalServer}

		task, err := r.handler.StartAuthServer(id)
		if err != nil {
			data.Phase, data.Err = AuthPhaseFailed, err
			r.handler.AuthDone(id, *data)

			return
		}

		// The server task owns the listener until it returns.
		r.install(id, data, task).join(task)
	}
}

func (r *Registry) install(id CallID, data Data, task *tasks.Task) *CallState {
	st := &CallState{ID: id, Data: data}
	st.addTask(task)
	r.states[id] = st

	r.logger.Debug("call started",
		slog.Uint64("call_id", uint64(id)),
		slog.String("kind", data.Kind().String()),
	)

	return st
}

func (r *Registry) transition(st *CallState, p Payload) {
	switch data := st.Data.(type) {
	case *ListFolderState:
		r.transitionListFolder(st, data, p)
	case *DownloadState:
		r.transitionDownload(st, data, p)
	case *AuthState:
		r.transitionAuth(st, data, p)
	}
}

func (r *Registry) transitionListFolder(st *CallState, data *ListFolderState, p Payload) {
	switch e := p.(type) {
	case ListFolderRefreshingToken:
		data.Phase = ListFolderPhaseRefreshingToken
	case ListFolderRefreshTokenComplete:
		data.Phase = ListFolderPhaseRefreshTokenComplete
	case ListFolderProgress:
		data.Phase, data.Count, data.Note = ListFolderPhaseInProgress, e.Count, e.Note
	case ListFolderFinished:
		if e.Err != nil {
			data.Phase, data.Err = ListFolderPhaseFailed, e.Err
		} else {
			data.Phase = ListFolderPhaseOK
			if e.Listing != nil {
				data.Count = len(e.Listing.Items)
			}
		}

		r.remove(st.ID)
		r.handler.ListFolderDone(st.ID, *data, e.Listing)
	default:
		r.violation("list_folder call %d cannot handle %T", st.ID, p)
	}
}

func (r *Registry) transitionDownload(st *CallState, data *DownloadState, p Payload) {
	switch e := p.(type) {
	case DownloadRefreshingToken:
		data.Phase = DownloadPhaseRefreshingToken
	case DownloadRefreshTokenComplete:
		data.Phase = DownloadPhaseRefreshTokenComplete
	case DownloadSizeKnown:
		data.Phase, data.TotalSize, data.SizeKnown = DownloadPhaseSizeKnown, e.Size, true
	case DownloadProgress:
		data.Phase, data.Downloaded = DownloadPhaseInProgress, e.Downloaded
	case DownloadFinished:
		if e.Err != nil {
			data.Phase, data.Err = DownloadPhaseFailed, e.Err
		} else {
			data.Phase = DownloadPhaseOK
		}

		r.remove(st.ID)
		r.handler.DownloadDone(st.ID, *data, e.Meta)
	case DownloadCancel:
		r.remove(st.ID)
		r.handler.Cancelled(st.ID, KindDownload)
	default:
		r.violation("download call %d cannot handle %T", st.ID, p)
	}
}

func (r *Registry) transitionAuth(st *CallState, data *AuthState, p Payload) {
	switch e := p.(type) {
	case AuthBound:
		data.Phase, data.RedirectURL, data.State = AuthPhaseBound, e.RedirectURL, e.State
		r.out.Send(Event{CallID: st.ID, Payload: AuthCheckAvailability{}})
	case AuthServerShutdowner:
		st.cancellers = append(st.cancellers, e.Canceller)
	case AuthCheckAvailability:
		task, err := r.handler.CheckAuthServer(st.ID, data.RedirectURL)
		if err != nil {
			r.out.Send(Event{CallID: st.ID, Payload: AuthFinished{Err: err}})
			return
		}

		st.addTask(task)
		data.Phase = AuthPhaseWaitingForServerUp
	case AuthServerReady:
		data.Phase = AuthPhaseBrowserLaunchPending

		authURL, err := r.handler.OpenAuthPage(st.ID, data.RedirectURL, data.State)
		data.AuthURL = authURL

		if err != nil {
			r.out.Send(Event{CallID: st.ID, Payload: AuthFinished{Err: err}})
			return
		}

		data.Phase = AuthPhaseBrowserOpened
	case AuthFinished:
		if e.Err != nil {
			data.Phase, data.Err = AuthPhaseFailed, e.Err
		} else {
			data.Phase = AuthPhaseOK
		}

		r.remove(st.ID)
		r.handler.AuthDone(st.ID, *data)
	case AuthCancel:
		r.remove(st.ID)
		r.handler.Cancelled(st.ID, KindAuth)
	default:
		r.violation("auth call %d cannot handle %T", st.ID, p)
	}
}

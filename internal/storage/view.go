package storage

import (
	"github.com/tonimelisma/cloudview/internal/calls"
	"github.com/tonimelisma/cloudview/internal/dropbox"
)

// CallView is a copy of one active call's state.
type CallView struct {
	ID    calls.CallID
	Kind  calls.Kind
	Phase string
	Data  calls.Data
}

// View is the read-only snapshot the UI renders.
type View struct {
	StorageID string
	Caption   string
	LoggedIn  bool
	Path      string
	Listing   *dropbox.Listing
	Calls     []CallView
	LastError error
}

// View returns a snapshot of the instance state. Call data is copied, so the
// snapshot stays valid after further ProcessEvents calls.
func (in *Instance) View() View {
	v := View{
		StorageID: in.id,
		Caption:   in.caption,
		LoggedIn:  in.store.HasToken(),
		Path:      in.Path(),
		Listing:   in.listing,
		LastError: in.lastErr,
	}

	for _, st := range in.registry.Calls() {
		v.Calls = append(v.Calls, CallView{
			ID:    st.ID,
			Kind:  st.Data.Kind(),
			Phase: st.Data.PhaseName(),
			Data:  copyData(st.Data),
		})
	}

	return v
}

// Downloads returns the active download calls.
func (v View) Downloads() []CallView {
	return v.callsOf(calls.KindDownload)
}

// Auth returns the active authorization call, if any.
func (v View) Auth() (CallView, bool) {
	auth := v.callsOf(calls.KindAuth)
	if len(auth) == 0 {
		return CallView{}, false
	}

	return auth[0], true
}

// ListingCall returns the active listing call, if any.
func (v View) ListingCall() (CallView, bool) {
	lists := v.callsOf(calls.KindListFolder)
	if len(lists) == 0 {
		return CallView{}, false
	}

	return lists[0], true
}

func (v View) callsOf(kind calls.Kind) []CallView {
	var out []CallView

	for _, c := range v.Calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}

	return out
}

func copyData(d calls.Data) calls.Data {
	switch s := d.(type) {
	case *calls.ListFolderState:
		c := *s
		return &c
	case *calls.DownloadState:
		c := *s
		return &c
	case *calls.AuthState:
		c := *s
		return &c
	default:
		return d
	}
}

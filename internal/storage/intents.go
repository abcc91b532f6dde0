package storage

import (
	"path/filepath"

	"github.com/tonimelisma/cloudview/internal/calls"
	"github.com/tonimelisma/cloudview/internal/dropbox"
)

// NavigateTo starts listing path. A listing already running is superseded.
func (in *Instance) NavigateTo(path string) calls.CallID {
	return in.post(in.ids.Next(), calls.ListFolderStart{Path: dropbox.CleanPath(path)})
}

// NavigateUp lists the parent of the current path.
func (in *Instance) NavigateUp() calls.CallID {
	return in.NavigateTo(dropbox.Parent(in.Path()))
}

// NavigateInto lists the child folder name of the current path.
func (in *Instance) NavigateInto(name string) calls.CallID {
	return in.NavigateTo(dropbox.Join(in.Path(), name))
}

// DownloadFile downloads remotePath into the download directory.
func (in *Instance) DownloadFile(remotePath string) calls.CallID {
	remotePath = dropbox.CleanPath(remotePath)

	local := ""
	if in.downloadDir != "" {
		local = filepath.Join(in.downloadDir, dropbox.Base(remotePath))
	}

	return in.DownloadFileTo(remotePath, local)
}

// DownloadFileTo downloads remotePath into localPath.
func (in *Instance) DownloadFileTo(remotePath, localPath string) calls.CallID {
	return in.post(in.ids.Next(), calls.DownloadStart{
		RemotePath: dropbox.CleanPath(remotePath),
		LocalPath:  localPath,
	})
}

// CancelDownload aborts a running download.
func (in *Instance) CancelDownload(id calls.CallID) {
	in.post(id, calls.DownloadCancel{})
}

// StartAuth begins the authorization flow. A flow already running is shut
// down first.
func (in *Instance) StartAuth() calls.CallID {
	return in.post(in.ids.Next(), calls.AuthStart{})
}

// CancelAuth shuts the callback server down and ends the flow.
func (in *Instance) CancelAuth(id calls.CallID) {
	in.post(id, calls.AuthCancel{})
}

package dropbox

import (
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Item is a normalized folder entry.
type Item struct {
	ID          string
	Name        string
	PathDisplay string
	IsFolder    bool
	Size        int64     // zero for folders
	Modified    time.Time // server modification time, zero for folders
	Rev         string
}

// Listing is the complete content of one folder.
type Listing struct {
	Path  string
	Items []Item
}

// FileMetadata describes a downloaded file, decoded from the
// Dropbox-API-Result response header.
type FileMetadata struct {
	ID             string
	Name           string
	PathDisplay    string
	PathLower      string
	Rev            string
	Size           int64
	ClientModified time.Time
	ServerModified time.Time
}

// Entry tags of the metadata union.
const (
	tagFile    = "file"
	tagFolder  = "folder"
	tagDeleted = "deleted"
)

// metadataEntry mirrors the Dropbox Metadata JSON. Unexported: callers get
// Item or FileMetadata.
type metadataEntry struct {
	Tag            string `json:".tag"`
	Name           string `json:"name"`
	ID             string `json:"id"`
	PathDisplay    string `json:"path_display"`
	PathLower      string `json:"path_lower"`
	Rev            string `json:"rev"`
	Size           int64  `json:"size"`
	ClientModified string `json:"client_modified"`
	ServerModified string `json:"server_modified"`
}

type listFolderArg struct {
	Path           string `json:"path"`
	Recursive      bool   `json:"recursive"`
	IncludeDeleted bool   `json:"include_deleted"`
	Limit          int    `json:"limit"`
}

type listFolderContinueArg struct {
	Cursor string `json:"cursor"`
}

type listFolderResult struct {
	Entries []metadataEntry `json:"entries"`
	Cursor  string          `json:"cursor"`
	HasMore bool            `json:"has_more"`
}

type downloadArg struct {
	Path string `json:"path"`
}

// toItem converts a wire entry. Deleted and unknown tags report false.
func toItem(e metadataEntry, logger *slog.Logger) (Item, bool) {
	item := Item{
		ID:          e.ID,
		Name:        norm.NFC.String(e.Name),
		PathDisplay: norm.NFC.String(e.PathDisplay),
	}

	switch e.Tag {
	case tagFolder:
		item.IsFolder = true
	case tagFile:
		item.Size = e.Size
		item.Rev = e.Rev
		item.Modified = parseTimestamp(e.ServerModified, "server_modified", e.ID, logger)
	case tagDeleted:
		return Item{}, false
	default:
		logger.Warn("skipping entry with unknown tag",
			slog.String("tag", e.Tag),
			slog.String("name", e.Name),
		)

		return Item{}, false
	}

	return item, true
}

func toFileMetadata(e metadataEntry, logger *slog.Logger) *FileMetadata {
	return &FileMetadata{
		ID:             e.ID,
		Name:           norm.NFC.String(e.Name),
		PathDisplay:    norm.NFC.String(e.PathDisplay),
		PathLower:      e.PathLower,
		Rev:            e.Rev,
		Size:           e.Size,
		ClientModified: parseTimestamp(e.ClientModified, "client_modified", e.ID, logger),
		ServerModified: parseTimestamp(e.ServerModified, "server_modified", e.ID, logger),
	}
}

// parseTimestamp parses a Dropbox timestamp ("2015-05-12T15:50:38Z").
// Missing or invalid values yield the zero time with a warning.
func parseTimestamp(raw, field, itemID string, logger *slog.Logger) time.Time {
	if raw == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		logger.Warn("invalid timestamp",
			slog.String("field", field),
			slog.String("item_id", itemID),
			slog.String("raw", raw),
			slog.String("error", err.Error()),
		)

		return time.Time{}
	}

	return t.UTC()
}

// CleanPath normalizes a display path: the root is "", everything else is
// "/a/b" without a trailing slash, NFC-normalized.
func CleanPath(p string) string {
	p = strings.Trim(norm.NFC.String(strings.TrimSpace(p)), "/")
	if p == "" {
		return ""
	}

	return "/" + p
}

// Parent returns the parent of a clean path. The parent of the root is the root.
func Parent(p string) string {
	p = CleanPath(p)

	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return ""
	}

	return p[:i]
}

// Join appends a child name to a folder path.
func Join(dir, name string) string {
	return CleanPath(CleanPath(dir) + "/" + name)
}

// Base returns the last element of a path, "" for the root.
func Base(p string) string {
	p = CleanPath(p)

	return p[strings.LastIndexByte(p, '/')+1:]
}

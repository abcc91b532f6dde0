package dropbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
)

// listFolderLimit is the page size requested from list_folder. Dropbox treats
// it as an upper bound and may return fewer entries.
const listFolderLimit = 1000

// ListProgressFunc receives the running item count after every page, with a
// short human-readable note.
type ListProgressFunc func(count int, note string)

// ListFolder returns every entry of a folder, following the cursor until
// has_more is false. progress may be nil.
func (c *Client) ListFolder(ctx context.Context, token, path string, progress ListProgressFunc) (*Listing, error) {
	path = CleanPath(path)
	convert := lookupConverter(path, ErrPathNotFound)

	page, err := callJSON[listFolderResult](ctx, c, "list_folder", c.endpoints.API+"/files/list_folder", token,
		listFolderArg{Path: path, Limit: listFolderLimit}, convert)
	if err != nil {
		return nil, err
	}

	listing := &Listing{Path: path}
	pages := 0

	for {
		pages++

		for _, e := range page.Entries {
			if item, ok := toItem(e, c.logger); ok {
				listing.Items = append(listing.Items, item)
			}
		}

		if progress != nil {
			progress(len(listing.Items), fmt.Sprintf("%s items (page %d)",
				humanize.Comma(int64(len(listing.Items))), pages))
		}

		if !page.HasMore {
			break
		}

		if page.Cursor == "" {
			return nil, &APIError{
				Kind: KindResponseBodyDeserialization, Action: "list_folder/continue",
				Summary: "has_more without cursor",
			}
		}

		page, err = callJSON[listFolderResult](ctx, c, "list_folder/continue",
			c.endpoints.API+"/files/list_folder/continue", token,
			listFolderContinueArg{Cursor: page.Cursor}, convert)
		if err != nil {
			return nil, err
		}
	}

	c.logger.Debug("listed folder",
		slog.String("path", path),
		slog.Int("items", len(listing.Items)),
		slog.Int("pages", pages),
	)

	return listing, nil
}

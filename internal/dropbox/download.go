package dropbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
)

const (
	downloadChunkSize = 64 * 1024
	partialSuffix     = ".partial"
	resultHeader      = "Dropbox-API-Result"
	argHeader         = "Dropbox-API-Arg"
)

// DownloadObserver receives download progress. SizeKnown is called once,
// before the first Progress call.
type DownloadObserver interface {
	SizeKnown(size int64)
	Progress(downloaded int64)
}

// Download streams remotePath into localPath. The body is written to
// localPath+".partial", synced, then renamed into place; the partial file is
// removed on any failure. observer may be nil.
func (c *Client) Download(
	ctx context.Context, token, remotePath, localPath string, observer DownloadObserver,
) (*FileMetadata, error) {
	const action = "download"

	remotePath = CleanPath(remotePath)

	arg, err := json.Marshal(downloadArg{Path: remotePath})
	if err != nil {
		return nil, fmt.Errorf("dropbox: encoding download arg: %w", err)
	}

	header := make(http.Header)
	header.Set(argHeader, string(arg))

	resp, err := c.post(ctx, action, c.endpoints.Content+"/files/download", token, nil, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, errorFromResponse(c, action, resp, lookupConverter(remotePath, ErrFileNotFound))
	}

	meta, err := c.parseResultHeader(resp)
	if err != nil {
		return nil, err
	}

	if observer != nil {
		observer.SizeKnown(meta.Size)
	}

	written, err := c.writeBody(ctx, resp.Body, localPath, observer)
	if err != nil {
		return nil, err
	}

	c.logger.Info("download complete",
		slog.String("remote", remotePath),
		slog.String("local", localPath),
		slog.Int64("bytes", written),
	)

	return meta, nil
}

func (c *Client) parseResultHeader(resp *http.Response) (*FileMetadata, error) {
	raw := resp.Header.Get(resultHeader)
	if raw == "" {
		return nil, &APIError{
			Kind: KindResponseBodyDeserialization, Action: "download", Status: resp.StatusCode,
			Cause: ErrMissingResultHdr,
		}
	}

	var entry metadataEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, &APIError{
			Kind: KindResponseBodyDeserialization, Action: "download", Status: resp.StatusCode,
			Raw: raw, Cause: err,
		}
	}

	return toFileMetadata(entry, c.logger), nil
}

// writeBody copies body into the partial file chunk by chunk, reporting the
// running byte count after each chunk.
func (c *Client) writeBody(ctx context.Context, body io.Reader, localPath string, observer DownloadObserver) (int64, error) {
	partial := localPath + partialSuffix

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, &DownloadError{Stage: StageCreate, Path: localPath, Err: err}
	}

	f, err := os.Create(partial)
	if err != nil {
		return 0, &DownloadError{Stage: StageCreate, Path: partial, Err: err}
	}

	fail := func(stage DownloadStage, offset int64, cause error) (int64, error) {
		f.Close()

		if rmErr := os.Remove(partial); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			c.logger.Warn("failed to remove partial download",
				slog.String("path", partial),
				slog.String("error", rmErr.Error()),
			)
		}

		return offset, &DownloadError{Stage: stage, Path: localPath, Offset: offset, Err: cause}
	}

	src := c.limiter.WrapReader(ctx, body)
	buf := make([]byte, downloadChunkSize)

	var total int64

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return fail(StageWrite, total, err)
			}

			total += int64(n)

			if observer != nil {
				observer.Progress(total)
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}

		if readErr != nil {
			return fail(StageChunkRead, total, readErr)
		}
	}

	if err := f.Sync(); err != nil {
		return fail(StageSync, total, err)
	}

	if err := f.Close(); err != nil {
		return fail(StageSync, total, err)
	}

	if err := os.Rename(partial, localPath); err != nil {
		return fail(StageRename, total, err)
	}

	return total, nil
}

package dropbox

import (
	"context"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

// maxThrottleChunk caps a single throttled read so progress events keep
// flowing under high limits.
const maxThrottleChunk = 256 * 1024

// BandwidthLimiter caps aggregate download throughput. One limiter is shared
// by every download of a client.
type BandwidthLimiter struct {
	limiter *rate.Limiter
	chunk   int
}

// NewBandwidthLimiter returns a limiter for bytesPerSec, or nil (unlimited)
// when bytesPerSec is zero or negative.
func NewBandwidthLimiter(bytesPerSec int64, logger *slog.Logger) *BandwidthLimiter {
	if bytesPerSec <= 0 {
		return nil
	}

	if logger == nil {
		logger = slog.Default()
	}

	chunk := int(min(bytesPerSec, maxThrottleChunk))

	logger.Info("download bandwidth limited",
		slog.String("limit", humanize.IBytes(uint64(bytesPerSec))+"/s"),
		slog.Int("chunk", chunk),
	)

	return &BandwidthLimiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), chunk),
		chunk:   chunk,
	}
}

// Limit returns the configured rate in bytes per second (0 when unlimited).
func (bl *BandwidthLimiter) Limit() int64 {
	if bl == nil {
		return 0
	}

	return int64(bl.limiter.Limit())
}

// WrapReader throttles reads from r until ctx ends. A nil limiter returns r.
func (bl *BandwidthLimiter) WrapReader(ctx context.Context, r io.Reader) io.Reader {
	if bl == nil {
		return r
	}

	return &throttledReader{ctx: ctx, src: r, bl: bl}
}

// throttledReader reads at most one chunk per call and pays for the bytes
// before returning them. A chunk never exceeds the bucket size.
type throttledReader struct {
	ctx context.Context
	src io.Reader
	bl  *BandwidthLimiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if len(p) > t.bl.chunk {
		p = p[:t.bl.chunk]
	}

	n, err := t.src.Read(p)
	if n > 0 {
		if waitErr := t.bl.limiter.WaitN(t.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

package azstore

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// ThrottledWriter wraps an io.Writer with a token-bucket rate limit,
// grounded on nishisan-dev-n-backup/internal/agent/throttle.go's
// ThrottledWriter, used here to cap the upload bandwidth the archival
// sinks in this package spend against Azure Storage — the same role
// golang.org/x/time/rate plays for backup uploads in that repo.
type ThrottledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledWriter wraps w with a limiter allowing bytesPerSec
// sustained throughput and a burst of the same size.
func NewThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int) *ThrottledWriter {
	if bytesPerSec <= 0 {
		return &ThrottledWriter{w: w, ctx: ctx}
	}
	return &ThrottledWriter{w: w, limiter: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec), ctx: ctx}
}

func (t *ThrottledWriter) Write(p []byte) (int, error) {
	if t.limiter == nil {
		return t.w.Write(p)
	}
	burst := t.limiter.Burst()
	written := 0
	for len(p) > 0 {
		chunk := len(p)
		if chunk > burst {
			chunk = burst
		}
		if err := t.limiter.WaitN(t.ctx, chunk); err != nil {
			return written, err
		}
		n, err := t.w.Write(p[:chunk])
		written += n
		if err != nil {
			return written, err
		}
		p = p[chunk:]
	}
	return written, nil
}

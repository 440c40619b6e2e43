// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ratelimit wraps golang.org/x/time/rate around io.Reader/io.Writer,
// generalizing internal/agent/throttle.go's ThrottledWriter (a write-side
// token bucket) to also cover the read side, since the reference client
// throttles outbound chunk sends while the reference server throttles
// inbound ingestion under storage pressure (spec.md §6 rate_limit / the
// DOMAIN STACK's golang.org/x/time/rate binding).
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Writer is an io.Writer that limits write throughput to a token-bucket
// rate, splitting large writes into burst-sized pieces so tokens drain
// gradually instead of in one large reservation.
type Writer struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewWriter wraps w with a limiter allowing bytesPerSec bytes/second and a
// burst of burstSize bytes. bytesPerSec <= 0 disables throttling entirely
// and returns w unwrapped.
func NewWriter(ctx context.Context, w io.Writer, bytesPerSec, burstSize int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}
	if burstSize <= 0 {
		burstSize = bytesPerSec
	}
	return &Writer{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), int(burstSize)),
		ctx:     ctx,
	}
}

// Write implements io.Writer with rate limiting.
func (tw *Writer) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := len(p)
		if burst := tw.limiter.Burst(); chunk > burst {
			chunk = burst
		}
		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return total, err
		}
		n, err := tw.w.Write(p[:chunk])
		total += n
		if err != nil {
			return total, err
		}
		p = p[n:]
	}
	return total, nil
}

// Reader is an io.Reader that limits read throughput to a token-bucket
// rate, used to throttle ingestion on the server side when storage is
// under disk pressure (see internal/monitor).
type Reader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

// NewReader wraps r with a limiter allowing bytesPerSec bytes/second and a
// burst of burstSize bytes. bytesPerSec <= 0 disables throttling entirely
// and returns r unwrapped.
func NewReader(ctx context.Context, r io.Reader, bytesPerSec, burstSize int64) io.Reader {
	if bytesPerSec <= 0 {
		return r
	}
	if burstSize <= 0 {
		burstSize = bytesPerSec
	}
	return &Reader{
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), int(burstSize)),
		ctx:     ctx,
	}
}

// Read implements io.Reader with rate limiting.
func (tr *Reader) Read(p []byte) (int, error) {
	max := len(p)
	if burst := tr.limiter.Burst(); max > burst {
		max = burst
	}
	n, err := tr.r.Read(p[:max])
	if n <= 0 {
		return n, err
	}
	if waitErr := tr.limiter.WaitN(tr.ctx, n); waitErr != nil {
		return n, waitErr
	}
	return n, err
}

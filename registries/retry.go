// Copyright (c) 2024 The MINDS Project and its Contributors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package registries

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy is the bounded retry-with-backoff policy applied to registry
// calls: a fixed number of attempts with exponentially growing waits plus
// random jitter. Retry is always an explicit loop with a maximum attempt
// count, never recursion.
type RetryPolicy struct {
	// total number of attempts (not retries) before the last error is
	// surfaced
	Tries int
	// wait before the first retry
	Delay time.Duration
	// multiplier applied to the wait after each attempt
	Backoff float64
	// bounds of the random jitter added to each wait
	JitterMin, JitterMax time.Duration
	// sleep function, replaceable in tests; nil means time.Sleep honoring
	// context cancellation
	Sleep func(ctx context.Context, d time.Duration)
}

// the policy applied to every registry metadata call and file download
var DefaultRetryPolicy = RetryPolicy{
	Tries:     5,
	Delay:     5 * time.Second,
	Backoff:   2,
	JitterMin: 2 * time.Second,
	JitterMax: 9 * time.Second,
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Do invokes op until it succeeds or the policy's attempts are exhausted,
// returning the last error. A canceled context stops further attempts.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	tries := p.Tries
	if tries < 1 {
		tries = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	wait := p.Delay
	for attempt := 0; attempt < tries; attempt++ {
		if attempt > 0 {
			jitter := p.JitterMin
			if p.JitterMax > p.JitterMin {
				jitter += time.Duration(rand.Int63n(int64(p.JitterMax - p.JitterMin)))
			}
			sleep(ctx, wait+jitter)
			wait = time.Duration(float64(wait) * p.Backoff)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err = op(); err == nil {
			return nil
		}
	}
	return err
}

package gateway

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// newUpstreamClient returns a client tuned for slow inference servers: the
// timeout bounds dialing and waiting for response headers, while the body is
// governed by idleDeadline instead of an overall client timeout.
func newUpstreamClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.ResponseHeaderTimeout = timeout

	return &http.Client{
		Transport: transport,
		// Redirects are relayed to the caller, not followed.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// idleDeadline cancels a context once no read has made progress for timeout.
type idleDeadline struct {
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func withIdleDeadline(parent context.Context, timeout time.Duration) (context.Context, *idleDeadline, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	d := &idleDeadline{timeout: timeout}
	d.timer = time.AfterFunc(timeout, func() {
		d.expired.Store(true)
		cancel()
	})
	return ctx, d, func() {
		d.timer.Stop()
		cancel()
	}
}

// Expired reports whether the deadline fired.
func (d *idleDeadline) Expired() bool {
	return d.expired.Load()
}

// Reader wraps r so that every read pushes the deadline back.
func (d *idleDeadline) Reader(r io.Reader) io.Reader {
	return &idleReader{r: r, d: d}
}

type idleReader struct {
	r io.Reader
	d *idleDeadline
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 && !ir.d.Expired() {
		ir.d.timer.Reset(ir.d.timeout)
	}
	return n, err
}

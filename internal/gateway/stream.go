package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

const chunkSize = 32 * 1024

var chunkPool = sync.Pool{
	New: func() any {
		b := make([]byte, chunkSize)
		return &b
	},
}

// errClientWrite marks a relay that stopped because the caller went away.
var errClientWrite = errors.New("client write failed")

// relay copies src to w one read at a time. Every chunk is written and
// flushed to the client before it is handed to tap, so parsing never delays
// delivery. tap may be nil. It returns nil only when src reached EOF.
func relay(w io.Writer, src io.Reader, tap io.Writer) (int64, error) {
	flusher, _ := w.(http.Flusher)

	bufp := chunkPool.Get().(*[]byte)
	defer chunkPool.Put(bufp)
	buf := *bufp

	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, fmt.Errorf("%w: %w", errClientWrite, werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
			if tap != nil {
				_, _ = tap.Write(buf[:n])
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

package buffer

import (
	"context"
	"io"
	"net/http"

	"github.com/valyala/bytebufferpool"
)

// BufferPool is a thread-safe pool of byte slices that reuses buffers to
// reduce allocation overhead through valyala/bytebufferpool integration.
// Relay loops grab a buffer per request and return it when the stream ends.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a new BufferPool that manages byte slices of the
// specified size. The pool is immediately ready for use after creation.
func NewBufferPool(bufferSize int64) *BufferPool {
	return &BufferPool{
		bufferSize: int(bufferSize),
		pool:       &bytebufferpool.Pool{},
	}
}

// Get retrieves a buffer from the pool, grown to the configured size and
// sliced to full length so it can be handed straight to io.Reader.Read.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	buf.Reset()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, 0, bp.bufferSize)
	}
	buf.B = buf.B[:bp.bufferSize]
	return buf
}

// Put returns a buffer to the pool.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}

// Flusher pairs io.Writer with http.Flusher; http.ResponseWriter satisfies
// it when the underlying connection supports streaming.
type Flusher interface {
	io.Writer
	Flush()
}

// CopyFlush relays src to dst chunk by chunk, flushing after every write so
// live streams reach the client without buffering delay. Each chunk is read
// into a pooled buffer, so a slow client applies backpressure to the
// upstream read rather than growing memory. Copying stops when src ends,
// dst rejects a write, or ctx is cancelled. Returns the byte count relayed
// and the terminating error, nil on clean EOF.
func CopyFlush(ctx context.Context, dst io.Writer, src io.Reader, pool *BufferPool) (int64, error) {
	buf := pool.Get()
	defer pool.Put(buf)

	flusher, _ := dst.(http.Flusher)

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := src.Read(buf.B)
		if n > 0 {
			wn, writeErr := dst.Write(buf.B[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, writeErr
			}
			if wn < n {
				return written, io.ErrShortWrite
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, nil
			}
			return written, readErr
		}
	}
}

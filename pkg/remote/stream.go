package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fruitsalade/remotefs/pkg/metrics"
	"github.com/fruitsalade/remotefs/pkg/models"
	"github.com/fruitsalade/remotefs/pkg/retry"
)

// DefaultChunkSize is the streaming window used when none is configured.
const DefaultChunkSize = 4 << 20

// Chunk is one window of streamed file content.
type Chunk struct {
	Offset int64
	Data   []byte
}

// End returns the offset just past the chunk.
func (ch Chunk) End() int64 {
	return ch.Offset + int64(len(ch.Data))
}

// Stream is a lazy, finite sequence of chunks read from one GET. Data is
// pulled from the connection only when Next is called, so a slow consumer
// applies TCP backpressure. A Stream cannot seek or restart; open a new one.
// It is not safe for concurrent use.
type Stream struct {
	path      string
	body      io.ReadCloser
	cancel    context.CancelFunc
	timeout   time.Duration
	chunkSize int
	next      int64
	done      bool
}

// OpenStream starts streaming path from offset in chunkSize windows. Only
// opening the stream is retried. ctx bounds the whole stream, not just the
// call; each Next is additionally bounded by the client timeout.
func (c *Client) OpenStream(ctx context.Context, path string, offset int64, chunkSize int) (*Stream, error) {
	path = models.CleanPath(path)
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return retry.DoWithResult(ctx, c.retryFor(OpRead), func(int) (*Stream, error) {
		sctx, cancel := context.WithCancel(ctx)
		headerTimer := time.AfterFunc(c.timeout, cancel)
		resp, err := c.get(sctx, path, offset, 0)
		headerTimer.Stop()
		if err != nil {
			cancel()
			return nil, err
		}

		s := &Stream{
			path:      path,
			cancel:    cancel,
			timeout:   c.timeout,
			chunkSize: chunkSize,
			next:      offset,
		}
		if resp == nil {
			s.done = true
			cancel()
			return s, nil
		}
		if _, err := rangeBody(resp, offset); err != nil {
			resp.Body.Close()
			cancel()
			return nil, retry.Retryable(transportError(OpRead, path, err))
		}
		s.body = resp.Body
		return s, nil
	})
}

// Offset returns the file offset of the next chunk.
func (s *Stream) Offset() int64 {
	return s.next
}

// Next returns the next chunk, or io.EOF once the file is exhausted. Each
// chunk owns its Data slice.
func (s *Stream) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	buf := make([]byte, s.chunkSize)
	idle := time.AfterFunc(s.timeout, s.cancel)
	n, err := io.ReadFull(s.body, buf)
	timedOut := !idle.Stop()

	switch {
	case errors.Is(err, io.EOF):
		s.Close()
		return Chunk{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.Close()
	case err != nil:
		s.Close()
		if timedOut {
			err = fmt.Errorf("no data for %s: %w", s.timeout, context.DeadlineExceeded)
		}
		return Chunk{}, transportError(OpRead, s.path, err)
	}

	ch := Chunk{Offset: s.next, Data: buf[:n]}
	s.next += int64(n)
	metrics.RecordDownload(int64(n))
	return ch, nil
}

// Close releases the connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.done = true
	var err error
	if s.body != nil {
		err = s.body.Close()
		s.body = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

// Package mediasocket wraps the raw-PCM WebSocket connections the capture
// and playback pipelines open to the switch's external-media endpoints.
// Both pipelines connect with the same "media" subprotocol and exchange
// binary PCM frames, so the socket plumbing — dial, an async write queue
// whose depth stands in for buffered-outbound-bytes, and liveness checks —
// lives here once: Dial with a context deadline, Read/Write against a
// *websocket.Conn, StatusNormalClosure on planned close.
package mediasocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/callmedia/orchestrator/pkg/callerr"
)

type writeJob struct {
	frame []byte
	done  chan error
}

// Socket is a client connection to one switch external-media endpoint.
// Outbound frames are queued to a background writer goroutine rather than
// written synchronously, so BufferedOutbound reflects how far the producer
// has gotten ahead of the wire — the signal the playback scheduler's
// backpressure check needs.
type Socket struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool

	bufferedOutbound atomic.Int64

	writeCh chan writeJob
	wg      sync.WaitGroup
}

// Dial connects to url as a client using the "media" subprotocol, with the
// given deadline.
func Dial(ctx context.Context, url string, deadline time.Duration) (*Socket, error) {
	dialCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		Subprotocols: []string{"media"},
	})
	if err != nil {
		return nil, callerr.New(callerr.KindUnavailable, "mediasocket.dial", err)
	}
	conn.SetReadLimit(1 << 20)

	s := &Socket{conn: conn, writeCh: make(chan writeJob, 256)}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

func (s *Socket) writeLoop() {
	defer s.wg.Done()
	for job := range s.writeCh {
		err := s.conn.Write(context.Background(), websocket.MessageBinary, job.frame)
		s.bufferedOutbound.Add(-int64(len(job.frame)))
		if job.done != nil {
			job.done <- err
		}
	}
}

// WriteFrame queues one binary PCM frame for send and returns immediately;
// the frame counts toward BufferedOutbound until the background writer
// goroutine has flushed it.
func (s *Socket) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return callerr.New(callerr.KindCancelled, "mediasocket.write", nil)
	}
	s.bufferedOutbound.Add(int64(len(frame)))
	select {
	case s.writeCh <- writeJob{frame: frame}:
		return nil
	default:
		s.bufferedOutbound.Add(-int64(len(frame)))
		return callerr.New(callerr.KindUnavailable, "mediasocket.write", nil)
	}
}

// ReadFrame reads one binary PCM frame.
func (s *Socket) ReadFrame(ctx context.Context) ([]byte, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, callerr.New(callerr.KindProtocolError, "mediasocket.read", err)
	}
	if typ != websocket.MessageBinary {
		return nil, callerr.New(callerr.KindProtocolError, "mediasocket.read", nil)
	}
	return data, nil
}

// BufferedOutbound returns the approximate number of bytes currently queued
// for send, used by the playback scheduler's backpressure check.
func (s *Socket) BufferedOutbound() int {
	return int(s.bufferedOutbound.Load())
}

// Alive reports whether the socket is still open.
func (s *Socket) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close stops accepting new writes, drains the write queue, and closes the
// underlying connection with a normal-closure status.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.writeCh)
	s.mu.Unlock()

	s.wg.Wait()
	return s.conn.Close(websocket.StatusNormalClosure, "done")
}

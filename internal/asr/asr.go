// Package asr implements the per-call streaming ASR client: one
// WebSocket to the ASR server per call, binary PCM frames out, JSON
// transcriptions in, with flush-on-close ordering and bounded-retry
// reconnection, tailored to this project's single fixed ASR endpoint.
package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/callmedia/orchestrator/internal/observe"
	"github.com/callmedia/orchestrator/pkg/callerr"
)

// Transcript is one ASR result.
type Transcript struct {
	Text      string
	IsPartial bool
	IsFinal   bool
}

// Config configures a [Session].
type Config struct {
	// URL is the ASR server's WebSocket endpoint.
	URL string
	// Language is sent as the lock-language config message.
	Language string
	// ReconnectBaseDelay is the delay before the first reconnect attempt,
	// doubling is NOT used — each attempt waits the same base delay.
	ReconnectBaseDelay time.Duration
	// MaxReconnectAttempts bounds reconnection; 0 means infinite.
	MaxReconnectAttempts int
	// OnTranscript is invoked for every transcription result (partial and
	// final); OnTerminal is invoked once reconnection is exhausted.
	OnTranscript func(Transcript)
	OnTerminal   func(error)
	// Metrics records ASR round-trip latency and reconnect counts; nil
	// disables recording.
	Metrics *observe.Metrics
}

func (c Config) reconnectDelay() time.Duration {
	if c.ReconnectBaseDelay <= 0 {
		return 2 * time.Second
	}
	return c.ReconnectBaseDelay
}

type configMessage struct {
	Action   string `json:"action"`
	Language string `json:"language"`
}

type controlMessage struct {
	Action string `json:"action"`
}

type serverMessage struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	Text      string `json:"text"`
	IsPartial bool   `json:"is_partial"`
	IsFinal   bool   `json:"is_final"`
}

// Session is a live per-call ASR client. Only one Session exists per callID
// at a time.
type Session struct {
	cfg Config

	mu             sync.Mutex
	conn           *websocket.Conn
	closed         bool
	reconnects     int
	flushWaiters   []chan Transcript
	lastFlushFinal *Transcript
	lastAudioSent  time.Time

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Dial opens a new ASR session: connects, sends the config message, and
// starts the read loop.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	s := &Session{cfg: cfg, done: make(chan struct{})}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.cfg.URL, nil)
	if err != nil {
		return callerr.New(callerr.KindUnavailable, "asr.dial", err)
	}

	cfgMsg, _ := json.Marshal(configMessage{Action: "config", Language: s.cfg.Language})
	if err := conn.Write(ctx, websocket.MessageText, cfgMsg); err != nil {
		conn.Close(websocket.StatusInternalError, "config write failed")
		return callerr.New(callerr.KindProtocolError, "asr.config", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop()
	return nil
}

// SendAudio writes one binary PCM frame to the ASR server.
func (s *Session) SendAudio(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()
	if closed || conn == nil {
		return callerr.New(callerr.KindCancelled, "asr.send_audio", nil)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return callerr.New(callerr.KindProtocolError, "asr.send_audio", err)
	}
	s.mu.Lock()
	s.lastAudioSent = time.Now()
	s.mu.Unlock()
	return nil
}

// Reset sends the reset control action, discarding server-side buffered state.
func (s *Session) Reset(ctx context.Context) error {
	return s.sendControl(ctx, "reset")
}

func (s *Session) sendControl(ctx context.Context, action string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return callerr.New(callerr.KindCancelled, "asr."+action, nil)
	}
	msg, _ := json.Marshal(controlMessage{Action: action})
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return callerr.New(callerr.KindProtocolError, "asr."+action, err)
	}
	return nil
}

// Close implements the flush-and-wait-for-final close sequence:
// send flush, wait up to 2s for an is_final=true transcription, deliver it
// to OnTranscript, then close the socket. Resolves without error if the
// deadline elapses or the socket closes first.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		waiter := make(chan Transcript, 1)
		s.flushWaiters = append(s.flushWaiters, waiter)
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			flushMsg, _ := json.Marshal(controlMessage{Action: "flush"})
			_ = conn.Write(ctx, websocket.MessageText, flushMsg)
		}

		flushDeadline := time.NewTimer(2 * time.Second)
		defer flushDeadline.Stop()

		// deliver() already forwards the final transcript to OnTranscript as
		// soon as it arrives; this wait only blocks Close from returning
		// before that has happened.
		select {
		case <-waiter:
		case <-flushDeadline.C:
		case <-s.done:
		}

		close(s.done)
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "session closed")
		}
		s.wg.Wait()
	})
	return nil
}

// readLoop receives JSON messages and dispatches them, reconnecting on
// unintentional socket drops.
func (s *Session) readLoop() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(context.Background())
		if err != nil {
			s.mu.Lock()
			intentional := s.closed
			s.mu.Unlock()
			if intentional {
				return
			}
			// reconnect() spawns a fresh readLoop goroutine on success; this
			// one's job ends here either way.
			if !s.reconnect() && s.cfg.OnTerminal != nil {
				s.cfg.OnTerminal(fmt.Errorf("asr: reconnect attempts exhausted"))
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("asr: malformed server message", "err", err)
			continue
		}

		switch {
		case msg.Error != "":
			slog.Error("asr: server reported error", "error", msg.Error)
		case msg.Status != "":
			slog.Info("asr: server status", "status", msg.Status)
		default:
			t := Transcript{Text: msg.Text, IsPartial: msg.IsPartial, IsFinal: msg.IsFinal}
			s.deliver(t)
		}
	}
}

func (s *Session) deliver(t Transcript) {
	if s.cfg.Metrics != nil {
		s.mu.Lock()
		sentAt := s.lastAudioSent
		s.mu.Unlock()
		if !sentAt.IsZero() {
			s.cfg.Metrics.ASRRoundTripDuration.Record(context.Background(), time.Since(sentAt).Seconds())
		}
	}
	if t.IsFinal {
		s.mu.Lock()
		waiters := s.flushWaiters
		s.flushWaiters = nil
		s.mu.Unlock()
		for _, w := range waiters {
			select {
			case w <- t:
			default:
			}
		}
	}
	if s.cfg.OnTranscript != nil {
		s.cfg.OnTranscript(t)
	}
}

// reconnect retries until it succeeds or exhausts MaxReconnectAttempts
// (0 = infinite), waiting the configured base delay between attempts.
// Returns false once attempts are exhausted. The attempts counter resets on
// success. On success, connect() has already started a fresh readLoop
// goroutine for the new connection.
func (s *Session) reconnect() bool {
	for {
		s.mu.Lock()
		max := s.cfg.MaxReconnectAttempts
		attempt := s.reconnects + 1
		s.mu.Unlock()

		if max > 0 && attempt > max {
			return false
		}

		select {
		case <-time.After(s.cfg.reconnectDelay()):
		case <-s.done:
			return false
		}

		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ASRReconnects.Add(context.Background(), 1)
		}

		if err := s.connect(context.Background()); err != nil {
			s.mu.Lock()
			s.reconnects = attempt
			s.mu.Unlock()
			slog.Warn("asr: reconnect attempt failed", "attempt", attempt, "err", err)
			continue
		}

		s.mu.Lock()
		s.reconnects = 0
		s.mu.Unlock()
		slog.Info("asr: reconnected", "attempt", attempt)
		return true
	}
}

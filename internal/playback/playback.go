package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/callmedia/orchestrator/internal/callregistry"
	"github.com/callmedia/orchestrator/internal/mediasocket"
	"github.com/callmedia/orchestrator/internal/observe"
	"github.com/callmedia/orchestrator/internal/switchclient"
	"github.com/callmedia/orchestrator/pkg/callerr"
	"github.com/callmedia/orchestrator/pkg/types"
)

// socketDeadline bounds connecting the outbound socket.
const socketDeadline = 5 * time.Second

// bridgeStepDeadline bounds bridge creation/membership calls, matching
// capture's budget.
const bridgeStepDeadline = 10 * time.Second

// Params configures one playback session.
type Params struct {
	CallID     string
	ChannelID  string // the call's own channel, joined to the playback bridge
	Format     string
	SampleRate int
	Metrics    *observe.Metrics
}

// Handle is the live resources backing one playback session.
type Handle struct {
	callID                 string
	channelID              string
	externalMediaChannelID string
	bridgeID               string
	socket                 *mediasocket.Socket
	format                 string
	sampleRate             int

	switchc *switchclient.Client
	reg     *callregistry.Registry
	metrics *observe.Metrics

	mu         sync.Mutex
	current    *Scheduler
	streaming  bool

	stopOnce sync.Once
}

// Info is the registry-visible projection of a playback Handle.
func (h *Handle) Info() types.PlaybackHandle {
	h.mu.Lock()
	streaming := h.streaming
	h.mu.Unlock()
	return types.PlaybackHandle{
		ExternalMediaChannelID: h.externalMediaChannelID,
		BridgeID:               h.bridgeID,
		Format:                 h.format,
		SampleRate:             h.sampleRate,
		Streaming:              streaming,
	}
}

// Start acquires the external-media channel and mixing bridge for outbound
// playback: connect the outbound socket before bridging, then bridge the
// call's own channel together with the external-media channel.
func Start(ctx context.Context, sc *switchclient.Client, reg *callregistry.Registry, p Params) (*Handle, error) {
	if p.Format == "" {
		p.Format = "slin16"
	}
	if p.SampleRate == 0 {
		p.SampleRate = 16000
	}

	h := &Handle{
		callID:     p.CallID,
		channelID:  p.ChannelID,
		format:     p.Format,
		sampleRate: p.SampleRate,
		switchc:    sc,
		reg:        reg,
		metrics:    p.Metrics,
	}

	emCtx, cancel := context.WithTimeout(ctx, bridgeStepDeadline)
	em, err := sc.CreateExternalMedia(emCtx, switchclient.ExternalMediaParams{
		Format:         p.Format,
		Encapsulation:  "audiosocket",
		Transport:      "tcp",
		ConnectionType: "server",
	})
	cancel()
	if err != nil {
		return nil, callerr.New(callerr.KindUpstreamError, "playback.external_media", err)
	}
	h.externalMediaChannelID = em.ID

	sockCtx, cancel := context.WithTimeout(ctx, socketDeadline)
	sock, err := mediasocket.Dial(sockCtx, em.MediaWebsocketConnectionID, socketDeadline)
	cancel()
	if err != nil {
		h.teardown(ctx)
		return nil, callerr.New(callerr.KindUnavailable, "playback.socket", err)
	}
	h.socket = sock

	bridgeCtx, cancel := context.WithTimeout(ctx, bridgeStepDeadline)
	bridge, err := sc.CreateBridge(bridgeCtx, "playback-"+p.CallID)
	cancel()
	if err != nil {
		h.teardown(ctx)
		return nil, callerr.New(callerr.KindUpstreamError, "playback.bridge", err)
	}
	h.bridgeID = bridge.ID

	for _, chID := range []string{p.ChannelID, h.externalMediaChannelID} {
		addCtx, cancel := context.WithTimeout(ctx, bridgeStepDeadline)
		err := sc.AddChannelToBridge(addCtx, h.bridgeID, chID)
		cancel()
		if err != nil {
			h.teardown(ctx)
			return nil, callerr.New(callerr.KindUpstreamError, "playback.bridge_add", err)
		}
	}

	if reg != nil {
		reg.Emit(types.CallEvent{Type: types.EventPlaybackStreamStarted, CallID: p.CallID, Data: h.Info()})
	}
	if h.metrics != nil {
		h.metrics.ActivePlaybackPipelines.Add(ctx, 1)
	}

	return h, nil
}

// Stream hands pcm to the real-time scheduler. Any scheduler already
// running for this Handle is cancelled first. Emits playback_stream_finished
// or playback_stream_error on completion.
func (h *Handle) Stream(ctx context.Context, pcm []byte) error {
	h.mu.Lock()
	if h.current != nil {
		h.current.Cancel()
	}
	sched := NewScheduler(h.socket, h.sampleRate, h.metrics)
	h.current = sched
	h.streaming = true
	h.mu.Unlock()

	err := sched.Stream(ctx, pcm)

	h.mu.Lock()
	if h.current == sched {
		h.streaming = false
	}
	h.mu.Unlock()

	if h.reg != nil {
		if err != nil {
			h.reg.Emit(types.CallEvent{Type: types.EventPlaybackStreamError, CallID: h.callID, Data: map[string]any{"error": err.Error()}})
		} else {
			h.reg.Emit(types.CallEvent{Type: types.EventPlaybackStreamFinished, CallID: h.callID})
		}
	}
	return err
}

// Cancel stops any in-flight scheduler without error, used when the owning call ends mid-stream.
func (h *Handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current != nil {
		h.current.Cancel()
	}
}

// Stop runs the teardown sequence for the playback bridge/channel/socket,
// best-effort and concurrent, mirroring capture's teardown shape. Idempotent.
func (h *Handle) Stop(ctx context.Context) {
	h.stopOnce.Do(func() {
		h.Cancel()
		h.teardown(ctx)
		if h.metrics != nil {
			h.metrics.ActivePlaybackPipelines.Add(ctx, -1)
		}
	})
}

func (h *Handle) teardown(ctx context.Context) {
	var g errgroup.Group

	if h.socket != nil {
		sock := h.socket
		g.Go(func() error {
			if err := sock.Close(); err != nil {
				slog.Warn("playback teardown: socket close failed", "call_id", h.callID, "err", err)
			}
			return nil
		})
	}
	if h.bridgeID != "" && h.externalMediaChannelID != "" {
		bridgeID, chID := h.bridgeID, h.externalMediaChannelID
		g.Go(func() error {
			rmCtx, cancel := context.WithTimeout(context.Background(), bridgeStepDeadline)
			defer cancel()
			if err := h.switchc.RemoveChannelFromBridge(rmCtx, bridgeID, chID); err != nil {
				slog.Warn("playback teardown: remove channel from bridge failed", "call_id", h.callID, "err", err)
			}
			return nil
		})
	}
	if h.bridgeID != "" {
		bridgeID := h.bridgeID
		g.Go(func() error {
			destroyCtx, cancel := context.WithTimeout(context.Background(), bridgeStepDeadline)
			defer cancel()
			if err := h.switchc.DestroyBridge(destroyCtx, bridgeID); err != nil {
				slog.Warn("playback teardown: destroy bridge failed", "call_id", h.callID, "err", err)
			}
			return nil
		})
	}
	if h.externalMediaChannelID != "" {
		chID := h.externalMediaChannelID
		g.Go(func() error {
			hangupCtx, cancel := context.WithTimeout(context.Background(), bridgeStepDeadline)
			defer cancel()
			if err := h.switchc.Hangup(hangupCtx, chID, ""); err != nil {
				slog.Debug("playback teardown: external-media hangup failed (channel may already be gone)", "call_id", h.callID, "err", err)
			}
			return nil
		})
	}

	_ = g.Wait()
}

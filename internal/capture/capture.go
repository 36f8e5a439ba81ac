// Package capture implements the audio capture pipeline: acquires a mirror channel, an external-media
// channel, and a mixing bridge on the switch, connects the inbound PCM
// socket, and fans captured frames out to the call registry's event stream
// and the ASR client.
package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/callmedia/orchestrator/internal/asr"
	"github.com/callmedia/orchestrator/internal/callregistry"
	"github.com/callmedia/orchestrator/internal/mediasocket"
	"github.com/callmedia/orchestrator/internal/observe"
	"github.com/callmedia/orchestrator/internal/switchclient"
	"github.com/callmedia/orchestrator/pkg/callerr"
	"github.com/callmedia/orchestrator/pkg/types"
)

// socketDeadline bounds connecting to the external-media socket.
const socketDeadline = 5 * time.Second

// bridgeStepDeadline bounds each bridge-creation/membership call.
const bridgeStepDeadline = 10 * time.Second

// entryPollInterval is how often step 1(c), while waiting for the
// external-media channel's StasisStart event, wakes to re-check its
// deadline and cancellation.
const entryPollInterval = 100 * time.Millisecond

// entryPollDeadline bounds the whole of step 1(c) (falls under the same 10s
// per-step budget as the rest of acquisition).
const entryPollDeadline = 10 * time.Second

// Params configures one capture session.
type Params struct {
	CallID     string
	ChannelID  string
	Direction  string // mirror direction; default "in" applied by Start
	Format     string // default "slin16"
	SampleRate int    // default 16000
	Metrics    *observe.Metrics
}

// Handle is the live resources backing one capture session; call [Handle.Stop]
// to tear it all down.
type Handle struct {
	callID                 string
	snoopChannelID         string
	externalMediaChannelID string
	bridgeID               string
	socket                 *mediasocket.Socket
	format                 string
	sampleRate             int
	startedAt              time.Time

	switchc *switchclient.Client
	asrSess *asr.Session
	reg     *callregistry.Registry
	metrics *observe.Metrics

	stopOnce sync.Once
	done     chan struct{}
}

// Info is the registry-visible projection of a capture Handle.
func (h *Handle) Info() types.CaptureHandle {
	return types.CaptureHandle{
		SnoopChannelID:         h.snoopChannelID,
		ExternalMediaChannelID: h.externalMediaChannelID,
		BridgeID:               h.bridgeID,
		Format:                 h.format,
		SampleRate:             h.sampleRate,
		StartedAt:              h.startedAt,
	}
}

// Start acquires the switch resources, connects the inbound socket, and
// begins fanning frames out; on any failure it tears down whatever was
// already acquired before returning the error.
func Start(ctx context.Context, sc *switchclient.Client, reg *callregistry.Registry, asrSess *asr.Session, p Params) (*Handle, error) {
	if p.Direction == "" {
		p.Direction = "in"
	}
	if p.Format == "" {
		p.Format = "slin16"
	}
	if p.SampleRate == 0 {
		p.SampleRate = 16000
	}

	h := &Handle{
		callID:     p.CallID,
		format:     p.Format,
		sampleRate: p.SampleRate,
		switchc:    sc,
		asrSess:    asrSess,
		reg:        reg,
		metrics:    p.Metrics,
		done:       make(chan struct{}),
	}

	// Step 1(a): mirror (snoop) channel.
	snoopCtx, cancel := context.WithTimeout(ctx, bridgeStepDeadline)
	mirror, err := sc.CreateMirrorChannel(snoopCtx, p.ChannelID, p.Direction)
	cancel()
	if err != nil {
		return nil, callerr.New(callerr.KindUpstreamError, "capture.mirror", err)
	}
	h.snoopChannelID = mirror.ID

	// Step 1(b): external-media channel in server mode.
	emCtx, cancel := context.WithTimeout(ctx, bridgeStepDeadline)
	em, err := sc.CreateExternalMedia(emCtx, switchclient.ExternalMediaParams{
		Format:         p.Format,
		Encapsulation:  "audiosocket",
		Transport:      "tcp",
		ConnectionType: "server",
	})
	cancel()
	if err != nil {
		h.teardown(ctx)
		return nil, callerr.New(callerr.KindUpstreamError, "capture.external_media", err)
	}
	h.externalMediaChannelID = em.ID

	// Step 1(c): wait for the external-media channel to enter the app.
	if err := h.waitForAppEntry(ctx); err != nil {
		h.teardown(ctx)
		return nil, err
	}

	// Step 2: connect the inbound socket as a client.
	sockCtx, cancel := context.WithTimeout(ctx, socketDeadline)
	sock, err := mediasocket.Dial(sockCtx, em.MediaWebsocketConnectionID, socketDeadline)
	cancel()
	if err != nil {
		h.teardown(ctx)
		return nil, callerr.New(callerr.KindUnavailable, "capture.socket", err)
	}
	h.socket = sock

	// Step 3: create the bridge and add both channels.
	bridgeCtx, cancel := context.WithTimeout(ctx, bridgeStepDeadline)
	bridge, err := sc.CreateBridge(bridgeCtx, "capture-"+p.CallID)
	cancel()
	if err != nil {
		h.teardown(ctx)
		return nil, callerr.New(callerr.KindUpstreamError, "capture.bridge", err)
	}
	h.bridgeID = bridge.ID

	for _, chID := range []string{h.snoopChannelID, h.externalMediaChannelID} {
		addCtx, cancel := context.WithTimeout(ctx, bridgeStepDeadline)
		err := sc.AddChannelToBridge(addCtx, h.bridgeID, chID)
		cancel()
		if err != nil {
			h.teardown(ctx)
			return nil, callerr.New(callerr.KindUpstreamError, "capture.bridge_add", err)
		}
	}

	h.startedAt = time.Now()

	go h.fanOut()

	if reg != nil {
		reg.Emit(types.CallEvent{
			Type:   types.EventCaptureStarted,
			CallID: p.CallID,
			Data:   h.Info(),
		})
	}
	if h.metrics != nil {
		h.metrics.ActiveCapturePipelines.Add(ctx, 1)
	}

	return h, nil
}

// waitForAppEntry blocks until the external-media channel reports
// StasisStart — mandatory because server-mode channels will not accept
// bridging until the inbound socket has connected. It listens for the
// switch's own event rather than polling channel state, falling back to
// entryPollInterval ticks only to re-check the deadline/cancellation.
func (h *Handle) waitForAppEntry(ctx context.Context) error {
	entered := make(chan struct{}, 1)
	remove := h.switchc.AddListener(func(evt switchclient.Event) {
		if evt.Type == "StasisStart" && evt.ChannelID == h.externalMediaChannelID {
			select {
			case entered <- struct{}{}:
			default:
			}
		}
	})
	defer remove()

	deadline := time.Now().Add(entryPollDeadline)
	ticker := time.NewTicker(entryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-entered:
			return nil
		case <-ctx.Done():
			return callerr.New(callerr.KindCancelled, "capture.wait_app_entry", ctx.Err())
		case <-ticker.C:
			if time.Now().After(deadline) {
				return callerr.New(callerr.KindTimeout, "capture.wait_app_entry", nil)
			}
		}
	}
}

// fanOut reads PCM frames from the inbound socket and dispatches them to
// the event registry (as call.audio_frame) and the ASR client, until the
// socket closes. An unexpected error sending a frame to the ASR client is
// logged and emitted as call.audio_capture_error; the call continues.
func (h *Handle) fanOut() {
	for {
		select {
		case <-h.done:
			return
		default:
		}

		frame, err := h.socket.ReadFrame(context.Background())
		if err != nil {
			return
		}

		if h.reg != nil {
			h.reg.Emit(types.CallEvent{
				Type:   types.EventAudioFrame,
				CallID: h.callID,
				Data: types.AudioFrameEventData{
					Data:       frame,
					Format:     h.format,
					SampleRate: h.sampleRate,
					Channels:   1,
				},
			})
		}

		if h.asrSess != nil {
			sendCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := h.asrSess.SendAudio(sendCtx, frame)
			cancel()
			if err != nil {
				slog.Warn("capture: asr send failed", "call_id", h.callID, "err", err)
				if h.reg != nil {
					h.reg.Emit(types.CallEvent{
						Type:   types.EventCaptureError,
						CallID: h.callID,
						Data:   map[string]any{"error": err.Error()},
					})
				}
			}
		}
	}
}

// Stop runs the teardown sequence:
// close the inbound socket; remove external-media channel from bridge;
// destroy bridge; hang up mirror channel; hang up external-media channel —
// all concurrently, waiting for all to settle. Idempotent.
func (h *Handle) Stop(ctx context.Context) {
	h.stopOnce.Do(func() {
		close(h.done)
		h.teardown(ctx)
		if h.reg != nil {
			h.reg.Emit(types.CallEvent{Type: types.EventCaptureStopped, CallID: h.callID})
		}
		if h.metrics != nil {
			h.metrics.ActiveCapturePipelines.Add(ctx, -1)
		}
	})
}

// teardown releases every switch resource acquired so far, best-effort:
// every release is attempted concurrently; individual failures are logged
// but never abort the others.
func (h *Handle) teardown(ctx context.Context) {
	var g errgroup.Group

	if h.socket != nil {
		sock := h.socket
		g.Go(func() error {
			if err := sock.Close(); err != nil {
				slog.Warn("capture teardown: socket close failed", "call_id", h.callID, "err", err)
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
				slog.Warn("capture teardown: remove channel from bridge failed", "call_id", h.callID, "err", err)
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
				slog.Warn("capture teardown: destroy bridge failed", "call_id", h.callID, "err", err)
			}
			return nil
		})
	}
	if h.snoopChannelID != "" {
		chID := h.snoopChannelID
		g.Go(func() error {
			hangupCtx, cancel := context.WithTimeout(context.Background(), bridgeStepDeadline)
			defer cancel()
			if err := h.switchc.Hangup(hangupCtx, chID, ""); err != nil {
				slog.Debug("capture teardown: mirror hangup failed (channel may already be gone)", "call_id", h.callID, "err", err)
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
				slog.Debug("capture teardown: external-media hangup failed (channel may already be gone)", "call_id", h.callID, "err", err)
			}
			return nil
		})
	}

	_ = g.Wait()
}

package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/callmedia/orchestrator/internal/asr"
	"github.com/callmedia/orchestrator/internal/capture"
	"github.com/callmedia/orchestrator/internal/playback"
	"github.com/callmedia/orchestrator/internal/switchclient"
	"github.com/callmedia/orchestrator/internal/ttsclient"
	"github.com/callmedia/orchestrator/pkg/callerr"
	"github.com/callmedia/orchestrator/pkg/types"
)

// operationDeadline bounds the individual switch calls each public
// operation makes, matching the adapter's own 10s setup-path convention.
const operationDeadline = 10 * time.Second

// defaultTransferTimeout is used when Transfer's Timeout field is zero.
const defaultTransferTimeout = 30 * time.Second

// OriginateRequest is the input to [Orchestrator.Originate].
type OriginateRequest struct {
	Endpoint string
	CallerID string
	Timeout  time.Duration
	Vars     map[string]string
}

// SpeakRequest is the input to [Orchestrator.Speak].
type SpeakRequest struct {
	Text     string
	Voice    string
	Language string
	Speed    float64
}

// SpeakResult is the output of a successful [Orchestrator.Speak] call.
type SpeakResult struct {
	Voice           string
	Language        string
	DurationSeconds float64
}

// TransferRequest is the input to [Orchestrator.Transfer].
type TransferRequest struct {
	Endpoint string
	CallerID string
	Timeout  time.Duration
}

// TransferResult is the output of a successful [Orchestrator.Transfer] call.
type TransferResult struct {
	NewBridgeID string
	NewCallID   string
}

// Originate places an outbound call.
func (o *Orchestrator) Originate(ctx context.Context, req OriginateRequest) (*types.CallRecord, error) {
	tech, resource, ok := strings.Cut(req.Endpoint, "/")
	if !ok {
		return nil, callerr.Newf(callerr.KindValidation, "orchestrator.originate", "endpoint %q must be TECH/RESOURCE", req.Endpoint)
	}

	epCtx, cancel := context.WithTimeout(ctx, operationDeadline)
	_, err := o.sc.GetEndpoint(epCtx, tech, resource)
	cancel()
	if err != nil {
		return nil, callerr.New(callerr.KindNotFound, "orchestrator.originate", err)
	}

	if !o.allow.AllowOutbound(req.Endpoint) {
		return nil, callerr.Newf(callerr.KindForbidden, "orchestrator.originate", "endpoint %q is not on the outbound allowlist", req.Endpoint)
	}

	originateCtx, cancel := context.WithTimeout(ctx, operationDeadline)
	timeoutSecs := int(req.Timeout / time.Second)
	info, err := o.sc.Originate(originateCtx, switchclient.OriginateParams{
		Endpoint:  req.Endpoint,
		CallerID:  req.CallerID,
		Timeout:   timeoutSecs,
		Variables: req.Vars,
	})
	cancel()
	if err != nil {
		return nil, callerr.New(callerr.KindUpstreamError, "orchestrator.originate", err)
	}

	callID := info.ID
	rec := &types.CallRecord{
		CallID:       callID,
		ChannelID:    info.ID,
		Direction:    types.Outbound,
		CallerNumber: req.CallerID,
		CalleeNumber: req.Endpoint,
		CreatedAt:    time.Now(),
		State:        types.StateInitiating,
	}
	o.reg.Create(rec)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ActiveCalls.Add(ctx, 1)
	}
	snap, _ := o.reg.Transition(callID, types.StateRinging, false)
	return snap, nil
}

// Hangup ends a call. Switch errors are swallowed — the channel may already
// be gone.
func (o *Orchestrator) Hangup(ctx context.Context, callID, reason string) error {
	rec := o.reg.Get(callID)
	if rec == nil {
		return callerr.New(callerr.KindNotFound, "orchestrator.hangup", nil)
	}

	hangupCtx, cancel := context.WithTimeout(ctx, operationDeadline)
	if err := o.sc.Hangup(hangupCtx, rec.ChannelID, reason); err != nil {
		slog.Debug("orchestrator: switch hangup failed (channel may already be gone)", "call_id", callID, "err", err)
	}
	cancel()

	o.teardownCall(context.Background(), callID, reason)
	return nil
}

// PlayMedia plays one or more media URIs sequentially; playback fails fast
// on the first error. On completion (success or failure) the call returns
// to whichever state it held before playback started.
func (o *Orchestrator) PlayMedia(ctx context.Context, callID string, media ...string) error {
	rec := o.reg.Get(callID)
	if rec == nil {
		return callerr.New(callerr.KindNotFound, "orchestrator.play_media", nil)
	}

	var opErr error
	o.withCallLock(callID, func(cs *callState) {
		o.reg.Transition(callID, types.StatePlaying, true)

		for _, m := range media {
			playCtx, cancel := context.WithTimeout(ctx, operationDeadline)
			err := o.sc.Play(playCtx, rec.ChannelID, m)
			cancel()
			if err != nil {
				opErr = callerr.New(callerr.KindUpstreamError, "orchestrator.play_media", err)
				break
			}
		}

		o.reg.Return(callID)
	})
	if opErr != nil {
		o.reg.Emit(types.CallEvent{Type: types.EventCallPlaybackFinished, CallID: callID, Data: map[string]any{"error": opErr.Error()}})
	} else {
		o.reg.Emit(types.CallEvent{Type: types.EventCallPlaybackFinished, CallID: callID})
	}
	return opErr
}

// Speak synthesizes text via the TTS server and streams it into the call.
// A previous in-flight speak for the same call is cancelled first — most
// recent wins.
func (o *Orchestrator) Speak(ctx context.Context, callID string, req SpeakRequest) (SpeakResult, error) {
	rec := o.reg.Get(callID)
	if rec == nil {
		return SpeakResult{}, callerr.New(callerr.KindNotFound, "orchestrator.speak", nil)
	}
	if !o.tts.Configured() {
		return SpeakResult{}, callerr.New(callerr.KindNotImplemented, "orchestrator.speak", nil)
	}

	voice := req.Voice
	if voice == "" {
		voice = o.cfg.DefaultVoice
	}
	language := req.Language
	if language == "" {
		language = o.cfg.DefaultLanguage
	}

	o.reg.Transition(callID, types.StateSpeaking, true)
	o.reg.Emit(types.CallEvent{Type: types.EventSpeakStarted, CallID: callID})

	start := time.Now()
	pcm, rate, codec, err := o.tts.Synthesize(ctx, callID, ttsclient.Request{
		Text: req.Text, Voice: voice, Language: language, Speed: req.Speed,
	})
	if err != nil {
		o.reg.Emit(types.CallEvent{Type: types.EventSpeakError, CallID: callID, Data: map[string]any{"error": err.Error()}})
		o.reg.Return(callID)
		return SpeakResult{}, err
	}

	pb, err := o.playbackFor(ctx, callID, rec.ChannelID, codec, rate)
	if err != nil {
		opErr := callerr.New(callerr.KindUpstreamError, "orchestrator.speak", err)
		o.reg.Emit(types.CallEvent{Type: types.EventSpeakError, CallID: callID, Data: map[string]any{"error": opErr.Error()}})
		o.reg.Return(callID)
		return SpeakResult{}, opErr
	}

	// pb.Stream runs with no per-call lock held: it blocks for the
	// duration of the utterance, and teardownCall must be able to reach
	// pb.Cancel()/pb.Stop() immediately on a hangup arriving mid-speak.
	streamErr := pb.Stream(ctx, pcm)

	var result SpeakResult
	if streamErr != nil {
		o.reg.Emit(types.CallEvent{Type: types.EventSpeakError, CallID: callID, Data: map[string]any{"error": streamErr.Error()}})
	} else {
		result = SpeakResult{Voice: voice, Language: language, DurationSeconds: time.Since(start).Seconds()}
		o.reg.Emit(types.CallEvent{Type: types.EventSpeakFinished, CallID: callID, Data: result})
	}
	o.reg.Return(callID)

	return result, streamErr
}

// playbackFor returns the call's playback Handle, starting one if none
// exists yet. The per-call lock is held only to get-or-create the pointer,
// never across the Handle's own blocking calls.
func (o *Orchestrator) playbackFor(ctx context.Context, callID, channelID, codec string, rate int) (*playback.Handle, error) {
	cs := o.stateFor(callID)

	cs.mu.Lock()
	pb := cs.playback
	cs.mu.Unlock()
	if pb != nil {
		return pb, nil
	}

	pb, err := playback.Start(ctx, o.sc, o.reg, playback.Params{
		CallID: callID, ChannelID: channelID, Format: codec, SampleRate: rate, Metrics: o.cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	cs.mu.Lock()
	if cs.playback == nil {
		cs.playback = pb
	} else {
		// Another Speak/PlayMedia call raced us and already installed a
		// Handle; drop the one we just started and use theirs.
		existing := cs.playback
		cs.mu.Unlock()
		pb.Stop(ctx)
		return existing, nil
	}
	cs.mu.Unlock()

	return pb, nil
}

// StartCapture explicitly starts the capture pipeline for callID. The
// inbound flow already auto-starts capture on reaching ready; this is for
// starting it again after StopCapture, or on calls whose flow does not
// auto-start it.
func (o *Orchestrator) StartCapture(ctx context.Context, callID string) (types.CaptureHandle, error) {
	return o.startCapture(ctx, callID)
}

func (o *Orchestrator) startCapture(ctx context.Context, callID string) (types.CaptureHandle, error) {
	rec := o.reg.Get(callID)
	if rec == nil {
		return types.CaptureHandle{}, callerr.New(callerr.KindNotFound, "orchestrator.start_capture", nil)
	}

	var info types.CaptureHandle
	var opErr error

	o.withCallLock(callID, func(cs *callState) {
		if cs.capture != nil {
			opErr = callerr.Newf(callerr.KindValidation, "orchestrator.start_capture", "capture already active for call %s", callID)
			return
		}

		asrSess, err := asr.Dial(ctx, asr.Config{
			URL:                   o.cfg.ASRURL,
			Language:              o.cfg.ASRLanguage,
			ReconnectBaseDelay:    o.cfg.ASRReconnectDelay,
			MaxReconnectAttempts:  o.cfg.ASRMaxReconnects,
			OnTranscript: func(t asr.Transcript) {
				o.reg.Emit(types.CallEvent{
					Type:   types.EventTranscription,
					CallID: callID,
					Data:   types.AudioTranscriptData{Text: t.Text, IsPartial: t.IsPartial, IsFinal: t.IsFinal},
				})
			},
			OnTerminal: func(err error) {
				slog.Error("orchestrator: asr session exhausted reconnect attempts", "call_id", callID, "err", err)
			},
			Metrics: o.cfg.Metrics,
		})
		if err != nil {
			opErr = err
			return
		}

		capHandle, err := capture.Start(ctx, o.sc, o.reg, asrSess, capture.Params{CallID: callID, ChannelID: rec.ChannelID, Metrics: o.cfg.Metrics})
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = asrSess.Close(closeCtx)
			cancel()
			opErr = err
			return
		}

		cs.capture = capHandle
		cs.asrSess = asrSess

		capInfo := capHandle.Info()
		o.reg.Mutate(callID, func(r *types.CallRecord) { r.CaptureHandle = &capInfo })
		info = capInfo
	})

	return info, opErr
}

// StopCapture stops the capture pipeline for callID. Idempotent: a no-op if
// capture is not active.
func (o *Orchestrator) StopCapture(ctx context.Context, callID string) error {
	if o.reg.Get(callID) == nil {
		return nil
	}
	o.withCallLock(callID, func(cs *callState) {
		if cs.capture == nil {
			return
		}
		cs.capture.Stop(ctx)
		if cs.asrSess != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_ = cs.asrSess.Close(closeCtx)
			cancel()
		}
		cs.capture = nil
		cs.asrSess = nil
		o.reg.Mutate(callID, func(r *types.CallRecord) { r.CaptureHandle = nil })
	})
	return nil
}

// SendDTMF sends DTMF digits to callID's channel.
func (o *Orchestrator) SendDTMF(ctx context.Context, callID, digits string) error {
	rec := o.reg.Get(callID)
	if rec == nil {
		return callerr.New(callerr.KindNotFound, "orchestrator.send_dtmf", nil)
	}
	dtmfCtx, cancel := context.WithTimeout(ctx, operationDeadline)
	defer cancel()
	if err := o.sc.SendDTMF(dtmfCtx, rec.ChannelID, digits); err != nil {
		return callerr.New(callerr.KindUpstreamError, "orchestrator.send_dtmf", err)
	}
	return nil
}

// Transfer originates a call to endpoint and, once it answers within
// timeout, bridges callID's channel with the new leg. If the target never
// answers in time, the transfer attempt (and the target leg) is torn down
// and no bridge is ever created — there is nothing to orphan.
func (o *Orchestrator) Transfer(ctx context.Context, callID string, req TransferRequest) (TransferResult, error) {
	rec := o.reg.Get(callID)
	if rec == nil {
		return TransferResult{}, callerr.New(callerr.KindNotFound, "orchestrator.transfer", nil)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTransferTimeout
	}

	targetRec, err := o.Originate(ctx, OriginateRequest{Endpoint: req.Endpoint, CallerID: req.CallerID})
	if err != nil {
		return TransferResult{}, err
	}

	deadline := time.Now().Add(timeout)
	for {
		cur := o.reg.Get(targetRec.CallID)
		if cur == nil || cur.State.Terminal() {
			return TransferResult{}, callerr.Newf(callerr.KindUpstreamError, "orchestrator.transfer", "transfer target ended before answering")
		}
		if cur.State == types.StateAnswered {
			break
		}
		if time.Now().After(deadline) {
			_ = o.Hangup(context.Background(), targetRec.CallID, "no_answer")
			return TransferResult{}, callerr.TransferTimeout("orchestrator.transfer", nil)
		}
		select {
		case <-ctx.Done():
			_ = o.Hangup(context.Background(), targetRec.CallID, "cancelled")
			return TransferResult{}, callerr.New(callerr.KindCancelled, "orchestrator.transfer", ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}

	bridgeCtx, cancel := context.WithTimeout(ctx, operationDeadline)
	bridge, err := o.sc.CreateBridge(bridgeCtx, "transfer-"+callID)
	cancel()
	if err != nil {
		_ = o.Hangup(context.Background(), targetRec.CallID, "transfer_failed")
		return TransferResult{}, callerr.New(callerr.KindUpstreamError, "orchestrator.transfer", err)
	}

	for _, ch := range []string{rec.ChannelID, targetRec.ChannelID} {
		addCtx, cancel := context.WithTimeout(ctx, operationDeadline)
		err := o.sc.AddChannelToBridge(addCtx, bridge.ID, ch)
		cancel()
		if err != nil {
			destroyCtx, dcancel := context.WithTimeout(context.Background(), operationDeadline)
			_ = o.sc.DestroyBridge(destroyCtx, bridge.ID)
			dcancel()
			_ = o.Hangup(context.Background(), targetRec.CallID, "transfer_failed")
			return TransferResult{}, callerr.New(callerr.KindUpstreamError, "orchestrator.transfer", err)
		}
	}

	o.reg.Transition(callID, types.StateBridged, true)
	o.reg.Mutate(callID, func(r *types.CallRecord) { r.BridgeID = bridge.ID })
	o.reg.Emit(types.CallEvent{Type: types.EventBridgeCreated, CallID: callID, Data: map[string]string{"bridge_id": bridge.ID}})

	return TransferResult{NewBridgeID: bridge.ID, NewCallID: targetRec.CallID}, nil
}

// Package orchestrator implements the call lifecycle state machine: it
// ties together the switch adapter, call registry, allowlist
// gate, ASR client, TTS client, and the capture/playback pipelines for
// every live call.
//
// To avoid cyclic references, the orchestrator holds the only live
// pointers to capture/playback handles and ASR sessions; the call registry
// stores value-type projections only, and pipelines never hold a
// back-reference to the orchestrator — they are handed a callID and the
// collaborators they need directly.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/callmedia/orchestrator/internal/allowlist"
	"github.com/callmedia/orchestrator/internal/asr"
	"github.com/callmedia/orchestrator/internal/callregistry"
	"github.com/callmedia/orchestrator/internal/capture"
	"github.com/callmedia/orchestrator/internal/observe"
	"github.com/callmedia/orchestrator/internal/playback"
	"github.com/callmedia/orchestrator/internal/switchclient"
	"github.com/callmedia/orchestrator/internal/ttsclient"
	"github.com/callmedia/orchestrator/pkg/types"
)

// Config holds the fixed (non-hot-reloadable) settings the orchestrator
// needs beyond its collaborators.
type Config struct {
	RingDelay          time.Duration
	GreetingMedia      string // e.g. "sound:hello-world"
	BeepMedia          string // e.g. "sound:beep"
	ASRURL             string
	ASRLanguage        string
	ASRReconnectDelay  time.Duration
	ASRMaxReconnects   int
	DefaultVoice       string
	DefaultLanguage    string
	Metrics            *observe.Metrics
}

// callState holds the orchestrator's exclusive, live per-call resources —
// never stored in the registry, never referenced by the pipelines
// themselves. mu serialises every operation against one call; cross-call
// operations never contend.
type callState struct {
	mu sync.Mutex

	capture  *capture.Handle
	playback *playback.Handle
	asrSess  *asr.Session

	ringTimer *time.Timer
}

// Orchestrator is the call lifecycle state machine. The zero
// value is not usable; construct with [New].
type Orchestrator struct {
	sc    *switchclient.Client
	reg   *callregistry.Registry
	allow *allowlist.Gate
	tts   *ttsclient.Client
	cfg   Config

	mu     sync.Mutex
	states map[string]*callState
}

// New constructs an Orchestrator wired to its collaborators and registers
// itself as the switch adapter's event listener.
func New(sc *switchclient.Client, reg *callregistry.Registry, allow *allowlist.Gate, tts *ttsclient.Client, cfg Config) *Orchestrator {
	o := &Orchestrator{
		sc:     sc,
		reg:    reg,
		allow:  allow,
		tts:    tts,
		cfg:    cfg,
		states: make(map[string]*callState),
	}
	sc.AddListener(o.handleSwitchEvent)
	return o
}

// stateFor returns (creating if necessary) the live callState for callID.
func (o *Orchestrator) stateFor(callID string) *callState {
	o.mu.Lock()
	defer o.mu.Unlock()
	cs, ok := o.states[callID]
	if !ok {
		cs = &callState{}
		o.states[callID] = cs
	}
	return cs
}

// peekState returns the live callState for callID without creating one.
func (o *Orchestrator) peekState(callID string) (*callState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cs, ok := o.states[callID]
	return cs, ok
}

func (o *Orchestrator) dropState(callID string) {
	o.mu.Lock()
	delete(o.states, callID)
	o.mu.Unlock()
}

// handleSwitchEvent is the switchclient.Client listener callback. Events
// about reserved synthetic channels (mirror/external-media channels the
// capture and playback pipelines own) also arrive here; onStasisStart is
// the only case that must filter them out itself.
func (o *Orchestrator) handleSwitchEvent(evt switchclient.Event) {
	switch evt.Type {
	case "StasisStart":
		o.onStasisStart(evt)
	case "ChannelDtmfReceived":
		o.onDTMF(evt)
	case "StasisEnd":
		o.onStasisEnd(evt)
	case "ChannelStateChange":
		o.onChannelStateChange(evt)
	default:
		// Other event types (BridgeCreated, etc.) carry no field this
		// orchestrator needs beyond what the above cases already read.
	}
}

// onStasisStart handles a channel entering the Stasis app: for a channel
// the orchestrator has never seen, this is a new inbound call. Reserved
// synthetic channels and channels already tracked (e.g. re-entry after an
// internal redirect) are ignored here — their lifecycle is driven by the
// operation that created them.
func (o *Orchestrator) onStasisStart(evt switchclient.Event) {
	if switchclient.IsReservedChannel(evt.ChannelID) {
		return
	}
	if o.reg.Get(evt.ChannelID) != nil {
		return
	}
	o.handleInboundCall(evt.ChannelID, evt.CallerNumber, evt.DialplanExten)
}

// onChannelStateChange drives the outbound ringing → answered transition:
// an inbound leg is answered explicitly by onRingTimerFired, but an
// outbound leg (originated by Originate/Transfer) only ever reports its
// remote answer through the switch's own channel-state event.
func (o *Orchestrator) onChannelStateChange(evt switchclient.Event) {
	if evt.State != "Up" {
		return
	}
	rec := o.reg.Get(evt.ChannelID)
	if rec == nil || rec.Direction != types.Outbound || rec.State != types.StateRinging {
		return
	}
	o.reg.Transition(rec.CallID, types.StateAnswered, false)
	o.reg.Emit(types.CallEvent{Type: types.EventCallAnswered, CallID: rec.CallID})
}

func (o *Orchestrator) onDTMF(evt switchclient.Event) {
	rec := o.reg.Get(evt.ChannelID)
	if rec == nil {
		return
	}
	o.reg.Emit(types.CallEvent{
		Type:   types.EventCallDTMF,
		CallID: rec.CallID,
		Data:   map[string]string{"digit": evt.Digit},
	})
}

// onStasisEnd handles the switch reporting the channel gone — either the
// remote party hung up or the switch itself dropped the channel. Mirrors
// the Hangup operation's teardown without going through the public API
// (there is no admin-surface caller in this path).
func (o *Orchestrator) onStasisEnd(evt switchclient.Event) {
	rec := o.reg.Get(evt.ChannelID)
	if rec == nil || rec.State.Terminal() {
		return
	}
	o.teardownCall(context.Background(), rec.CallID, "remote_hangup")
}

// handleInboundCall implements inbound state machine: allowlist
// check, ringing CallRecord, ring-delay timer, then answer → greeting →
// beep → ready → auto-start capture + ASR.
func (o *Orchestrator) handleInboundCall(channelID, callerNumber, calleeExten string) {
	if !o.allow.AllowInbound(callerNumber) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = o.sc.Hangup(ctx, channelID, "forbidden")
		cancel()
		slog.Info("orchestrator: inbound call denied by allowlist", "channel_id", channelID, "caller", callerNumber)
		return
	}

	callID := channelID
	now := time.Now()
	rec := &types.CallRecord{
		CallID:       callID,
		ChannelID:    channelID,
		Direction:    types.Inbound,
		CallerNumber: callerNumber,
		CalleeNumber: calleeExten,
		CreatedAt:    now,
		State:        types.StateRinging,
	}
	o.reg.Create(rec)
	o.reg.Emit(types.CallEvent{Type: types.EventCallInbound, CallID: callID, Data: rec.Clone()})
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ActiveCalls.Add(context.Background(), 1)
	}

	cs := o.stateFor(callID)
	cs.mu.Lock()
	cs.ringTimer = time.AfterFunc(o.ringDelay(), func() { o.onRingTimerFired(callID) })
	cs.mu.Unlock()
}

func (o *Orchestrator) ringDelay() time.Duration {
	if o.cfg.RingDelay <= 0 {
		return 3 * time.Second
	}
	return o.cfg.RingDelay
}

// onRingTimerFired answers the call if it is still live, then runs the
// greeting → beep → ready → auto-capture sequence.
func (o *Orchestrator) onRingTimerFired(callID string) {
	rec := o.reg.Get(callID)
	if rec == nil || rec.State != types.StateRinging {
		// Call ended before the timer fired — no answer is attempted.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := o.sc.Answer(ctx, rec.ChannelID); err != nil {
		slog.Error("orchestrator: answer failed", "call_id", callID, "err", err)
		o.failCall(callID, "answer_failed")
		return
	}
	o.reg.Transition(callID, types.StateAnswered, false)
	o.reg.Emit(types.CallEvent{Type: types.EventCallAnswered, CallID: callID})

	if o.cfg.GreetingMedia != "" {
		if err := o.sc.Play(ctx, rec.ChannelID, o.cfg.GreetingMedia); err != nil {
			slog.Warn("orchestrator: greeting playback failed", "call_id", callID, "err", err)
		}
	}
	if o.cfg.BeepMedia != "" {
		if err := o.sc.Play(ctx, rec.ChannelID, o.cfg.BeepMedia); err != nil {
			slog.Warn("orchestrator: beep playback failed", "call_id", callID, "err", err)
		}
	}

	o.reg.Transition(callID, types.StateReady, false)
	o.reg.Emit(types.CallEvent{Type: types.EventCallReady, CallID: callID})

	if _, err := o.startCapture(context.Background(), callID); err != nil {
		slog.Error("orchestrator: auto-start capture failed", "call_id", callID, "err", err)
		o.reg.Emit(types.CallEvent{Type: types.EventCaptureError, CallID: callID, Data: map[string]any{"error": err.Error()}})
	}
}

func (o *Orchestrator) failCall(callID, cause string) {
	o.reg.End(context.Background(), callID, types.StateFailed, cause)
	o.dropState(callID)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ActiveCalls.Add(context.Background(), -1)
		o.cfg.Metrics.RecordCallEnded(context.Background(), string(types.StateFailed), cause)
	}
}

// teardownCall is the single path every call-ending flow (hangup, remote
// hangup, transfer-out) funnels through: it cancels in-flight TTS,
// drains/cancels the playback scheduler, issues the ASR flush-and-close,
// tears down capture/playback pipelines, and finally marks the
// CallRecord ended.
func (o *Orchestrator) teardownCall(ctx context.Context, callID, cause string) {
	o.tts.Cancel(callID)

	cs, ok := o.peekState(callID)
	if ok {
		cs.mu.Lock()
		if cs.ringTimer != nil {
			cs.ringTimer.Stop()
		}
		pb := cs.playback
		captureH := cs.capture
		asrSess := cs.asrSess
		cs.mu.Unlock()

		if pb != nil {
			pb.Cancel()
			pb.Stop(ctx)
		}
		if asrSess != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_ = asrSess.Close(closeCtx)
			cancel()
		}
		if captureH != nil {
			captureH.Stop(ctx)
		}
	}

	o.reg.End(ctx, callID, types.StateEnded, cause)
	o.dropState(callID)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ActiveCalls.Add(context.Background(), -1)
		o.cfg.Metrics.RecordCallEnded(context.Background(), string(types.StateEnded), cause)
	}
}

// withCallLock serialises fn against every other operation on callID. It
// creates call state for a callID it has not seen before, so callers check
// the registry first.
func (o *Orchestrator) withCallLock(callID string, fn func(*callState)) {
	cs := o.stateFor(callID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	fn(cs)
}

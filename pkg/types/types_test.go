package types_test

import (
	"testing"
	"time"

	"github.com/callmedia/orchestrator/pkg/types"
)

func TestState_Terminal(t *testing.T) {
	t.Parallel()
	for _, s := range []types.State{types.StateEnded, types.StateFailed} {
		if !s.Terminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
	for _, s := range []types.State{types.StateInitiating, types.StateRinging, types.StateAnswered, types.StateReady} {
		if s.Terminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
}

func TestState_Transient(t *testing.T) {
	t.Parallel()
	for _, s := range []types.State{types.StatePlaying, types.StateSpeaking, types.StateRecording, types.StateBridged} {
		if !s.Transient() {
			t.Errorf("%q should be transient", s)
		}
	}
	for _, s := range []types.State{types.StateReady, types.StateAnswered, types.StateEnded} {
		if s.Transient() {
			t.Errorf("%q should not be transient", s)
		}
	}
}

func TestCallRecord_Clone_IsIndependent(t *testing.T) {
	t.Parallel()
	now := time.Now()
	rec := &types.CallRecord{
		CallID:    "call-1",
		State:     types.StateReady,
		CreatedAt: now,
		CaptureHandle: &types.CaptureHandle{
			SnoopChannelID: "snoop-1",
			Format:         "slin16",
		},
		PlaybackHandle: &types.PlaybackHandle{
			ExternalMediaChannelID: "em-1",
		},
		AsrSession: &types.AsrSessionInfo{ReconnectAttempts: 2},
	}

	clone := rec.Clone()

	if clone == rec {
		t.Fatal("Clone must return a distinct pointer")
	}
	if clone.CaptureHandle == rec.CaptureHandle {
		t.Error("Clone must copy CaptureHandle by value, not share the pointer")
	}
	if clone.PlaybackHandle == rec.PlaybackHandle {
		t.Error("Clone must copy PlaybackHandle by value, not share the pointer")
	}
	if clone.AsrSession == rec.AsrSession {
		t.Error("Clone must copy AsrSession by value, not share the pointer")
	}

	clone.State = types.StateEnded
	clone.CaptureHandle.SnoopChannelID = "mutated"
	if rec.State != types.StateReady {
		t.Error("mutating the clone's State must not affect the original")
	}
	if rec.CaptureHandle.SnoopChannelID != "snoop-1" {
		t.Error("mutating the clone's CaptureHandle must not affect the original")
	}
}

func TestCallRecord_Clone_Nil(t *testing.T) {
	t.Parallel()
	var rec *types.CallRecord
	if got := rec.Clone(); got != nil {
		t.Errorf("Clone() of a nil CallRecord = %v, want nil", got)
	}
}

func TestCallRecord_Clone_NilHandles(t *testing.T) {
	t.Parallel()
	rec := &types.CallRecord{CallID: "call-2", State: types.StateRinging}
	clone := rec.Clone()
	if clone.CaptureHandle != nil || clone.PlaybackHandle != nil || clone.AsrSession != nil {
		t.Error("Clone must leave nil handle fields nil")
	}
}

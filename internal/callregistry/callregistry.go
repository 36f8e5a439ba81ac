// Package callregistry is the concurrency-safe CallID → CallRecord store
// and totally-ordered event emitter. It is a pure value store and event
// bus owned by the orchestrator — it never itself drives switch, ASR, or
// TTS calls.
//
// Readers obtain snapshots via [Registry.Get]/[Registry.List]; the returned
// *types.CallRecord is a clone and mutating it has no effect on registry
// state. Mutators go through [Registry.Transition] and [Registry.Mutate],
// both of which serialise per-callID so concurrent operations on the same
// call never race, while operations on different calls run independently.
package callregistry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/callmedia/orchestrator/pkg/types"
)

// gcDelay is how long an ended/failed CallRecord remains queryable before
// it is removed from the registry.
const gcDelay = 5 * time.Minute

// Subscriber receives every CallEvent the registry emits, in the order
// they occur for a given CallID. Delivery is synchronous and must not
// block — a slow subscriber (the event broadcaster collaborator) is
// expected to buffer or drop on its own side.
type Subscriber func(types.CallEvent)

// Registry is the in-memory call store. The zero value is not usable; call
// [New].
type Registry struct {
	mu      sync.Mutex
	calls   map[string]*types.CallRecord
	subs    []Subscriber
	timers  map[string]*time.Timer
	closed  bool
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		calls:  make(map[string]*types.CallRecord),
		timers: make(map[string]*time.Timer),
	}
}

// Subscribe registers fn to receive every future CallEvent. There is no
// unsubscribe — subscribers are expected to live for the process lifetime
// (the event broadcaster and webhook dispatcher). Registration is explicit
// and singular per collaborator, not accumulated per-connection.
func (r *Registry) Subscribe(fn Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// Snapshot returns a clone of every currently tracked CallRecord, for the
// event stream's subscription-time initial snapshot.
func (r *Registry) Snapshot() []*types.CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.CallRecord, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.Clone())
	}
	return out
}

// Get returns a clone of the CallRecord for callID, or nil if not found.
func (r *Registry) Get(callID string) *types.CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return nil
	}
	return c.Clone()
}

// Create inserts a new CallRecord and emits call.created. Returns a clone
// of the stored record.
func (r *Registry) Create(rec *types.CallRecord) *types.CallRecord {
	r.mu.Lock()
	r.calls[rec.CallID] = rec
	r.mu.Unlock()

	r.emit(types.CallEvent{Type: types.EventCallCreated, CallID: rec.CallID, Timestamp: time.Now(), Data: rec.Clone()})
	return rec.Clone()
}

// Mutate serialises an in-place edit of the CallRecord for callID under the
// registry lock and returns a clone of the result. fn must not retain the
// pointer it is given beyond the call. Returns false if callID is unknown.
func (r *Registry) Mutate(callID string, fn func(*types.CallRecord)) (*types.CallRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return nil, false
	}
	fn(c)
	return c.Clone(), true
}

// Transition moves the CallRecord for callID to newState, stashing the
// current state as PriorState first if the caller asks to (entering a
// transient work state) and emits call.state_changed. Returns false if
// callID is unknown, or if the record is already in a terminal state
// (ended/failed); such a record is left unchanged and no event is emitted.
func (r *Registry) Transition(callID string, newState types.State, stashPrior bool) (*types.CallRecord, bool) {
	r.mu.Lock()
	c, ok := r.calls[callID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	from := c.State
	if from.Terminal() {
		snap := c.Clone()
		r.mu.Unlock()
		return snap, false
	}
	if stashPrior {
		c.PriorState = c.State
	}
	c.State = newState
	if newState == types.StateAnswered && c.AnsweredAt == nil {
		now := time.Now()
		c.AnsweredAt = &now
	}
	snap := c.Clone()
	r.mu.Unlock()

	r.emit(types.CallEvent{
		Type:      types.EventCallStateChanged,
		CallID:    callID,
		Timestamp: time.Now(),
		Data:      map[string]any{"from": from, "to": newState},
	})
	return snap, true
}

// Return restores the CallRecord's state to the PriorState it held before a
// transient work state was entered.
func (r *Registry) Return(callID string) (*types.CallRecord, bool) {
	r.mu.Lock()
	c, ok := r.calls[callID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	prior := c.PriorState
	r.mu.Unlock()
	return r.Transition(callID, prior, false)
}

// End marks the CallRecord for callID as ended (or failed), records the
// hangup cause and EndedAt timestamp, emits call.ended, and arms the
// delayed-GC timer. Calling End on an already-ended call is a no-op —
// ended records accept no further mutation except the GC timer itself.
func (r *Registry) End(ctx context.Context, callID string, finalState types.State, hangupCause string) {
	r.mu.Lock()
	c, ok := r.calls[callID]
	if !ok || c.State.Terminal() {
		r.mu.Unlock()
		return
	}
	now := time.Now()
	c.State = finalState
	c.EndedAt = &now
	c.HangupCause = hangupCause
	snap := c.Clone()
	closed := r.closed
	r.mu.Unlock()

	r.emit(types.CallEvent{Type: types.EventCallEnded, CallID: callID, Timestamp: now, Data: snap})

	if closed {
		return
	}
	r.armGC(callID)
}

func (r *Registry) armGC(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	t := time.AfterFunc(gcDelay, func() {
		r.mu.Lock()
		delete(r.calls, callID)
		delete(r.timers, callID)
		r.mu.Unlock()
		slog.Debug("callregistry: garbage collected ended call", "call_id", callID)
	})
	if old, ok := r.timers[callID]; ok {
		old.Stop()
	}
	r.timers[callID] = t
}

// Emit publishes an arbitrary CallEvent to subscribers. Exposed for
// collaborators (capture/playback pipelines, ASR client) that produce
// events the registry itself doesn't generate internally (e.g.
// call.audio_frame, call.transcription).
func (r *Registry) Emit(evt types.CallEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	r.emit(evt)
}

func (r *Registry) emit(evt types.CallEvent) {
	r.mu.Lock()
	subs := append([]Subscriber{}, r.subs...)
	r.mu.Unlock()
	for _, s := range subs {
		s(evt)
	}
}

// Shutdown cancels every pending GC timer so ended calls do not keep the
// process alive.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

// Package webhook delivers fire-and-forget JSON notifications to a single
// configured URL for a fixed subset of call events (call.inbound,
// call.answered, call.ready, call.dtmf, call.ended, call.speak_finished,
// and call.transcription filtered to is_final=true). Delivery failures are
// logged and never surface to the orchestrator.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/callmedia/orchestrator/pkg/types"
)

// deliveryTimeout bounds each individual POST; the webhook collaborator is
// explicitly not part of the orchestrator's ordering/latency contract,
// so this is generous rather than tight.
const deliveryTimeout = 10 * time.Second

// forwardedEvents is the fixed event-type allowlist for the webhook
// collaborator. call.transcription is additionally filtered to is_final
// results at the call site.
var forwardedEvents = map[types.EventType]bool{
	types.EventCallInbound:   true,
	types.EventCallAnswered:  true,
	types.EventCallReady:     true,
	types.EventCallDTMF:      true,
	types.EventCallEnded:     true,
	types.EventSpeakFinished: true,
	types.EventTranscription: true,
}

// body is the JSON shape POSTed to the configured URL.
type body struct {
	Event     types.EventType `json:"event"`
	Data      any             `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Dispatcher posts CallEvents to a single webhook URL.
type Dispatcher struct {
	url    string
	http   *http.Client
}

// New constructs a Dispatcher. An empty url means the webhook collaborator
// is not configured; [Dispatcher.Handle] becomes a no-op.
func New(url string) *Dispatcher {
	return &Dispatcher{
		url:  url,
		http: &http.Client{Timeout: deliveryTimeout},
	}
}

// Configured reports whether a webhook URL was set.
func (d *Dispatcher) Configured() bool { return d.url != "" }

// Handle is a [callregistry.Subscriber] suitable for direct registration:
// it filters to the forwarded event subset (plus the is_final transcription
// filter) and delivers matching events asynchronously, fire-and-forget.
func (d *Dispatcher) Handle(evt types.CallEvent) {
	if !d.Configured() || !forwardedEvents[evt.Type] {
		return
	}
	if evt.Type == types.EventTranscription {
		t, ok := evt.Data.(types.AudioTranscriptData)
		if ok && !t.IsFinal {
			return
		}
	}
	go d.deliver(evt)
}

func (d *Dispatcher) deliver(evt types.CallEvent) {
	payload, err := json.Marshal(body{Event: evt.Type, Data: evt.Data, Timestamp: evt.Timestamp})
	if err != nil {
		slog.Error("webhook: marshal event failed", "event", evt.Type, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		slog.Error("webhook: build request failed", "event", evt.Type, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		slog.Warn("webhook: delivery failed", "event", evt.Type, "call_id", evt.CallID, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		slog.Warn("webhook: target returned error status", "event", evt.Type, "call_id", evt.CallID, "status", resp.StatusCode)
	}
}

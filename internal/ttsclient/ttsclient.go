// Package ttsclient implements the per-call TTS synth HTTP client: a POST
// request per utterance, with most-recent-wins cancellation keyed by
// callID.
package ttsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/callmedia/orchestrator/internal/observe"
	"github.com/callmedia/orchestrator/pkg/callerr"
	"github.com/callmedia/orchestrator/pkg/pcm"
)

// Request describes one synthesis request.
type Request struct {
	Text     string
	Voice    string
	Language string
	Speed    float64
}

type synthesizeBody struct {
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed,omitempty"`
	Language       string  `json:"language,omitempty"`
}

// pendingRequest identifies one in-flight Synthesize call. Its address, not
// its cancel func, is what Synthesize's deferred cleanup compares against
// the map entry before deleting — func values are not comparable, and
// comparing by callID alone would let an older request's cleanup delete a
// newer one's entry.
type pendingRequest struct {
	cancel context.CancelFunc
}

// Client is a TTS synth HTTP client. One Client is shared across calls; it
// tracks the most recent in-flight request per callID so a new speak()
// cancels any still-running one for the same call.
type Client struct {
	baseURL string
	http    *http.Client

	mu      sync.Mutex
	pending map[string]*pendingRequest

	metrics *observe.Metrics
}

// New constructs a Client. timeout bounds every synth request.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		pending: make(map[string]*pendingRequest),
	}
}

// WithMetrics attaches metrics recording to the client; a nil argument
// leaves recording disabled.
func (c *Client) WithMetrics(m *observe.Metrics) *Client {
	c.metrics = m
	return c
}

// Configured reports whether a TTS server URL was set at construction.
func (c *Client) Configured() bool { return c.baseURL != "" }

// Synthesize posts req to the TTS server for callID, cancelling any
// in-flight request for the same callID first, and returns the normalised
// mono slin PCM alongside the resolved sample rate and codec name.
func (c *Client) Synthesize(ctx context.Context, callID string, req Request) (data []byte, rate int, codec string, err error) {
	if !c.Configured() {
		return nil, 0, "", callerr.New(callerr.KindNotImplemented, "tts.synthesize", nil)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	this := &pendingRequest{cancel: cancel}
	c.mu.Lock()
	if prev, ok := c.pending[callID]; ok {
		prev.cancel()
	}
	c.pending[callID] = this
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending[callID] == this {
			delete(c.pending, callID)
		}
		c.mu.Unlock()
		cancel()
	}()

	body, _ := json.Marshal(synthesizeBody{
		Input:          req.Text,
		Voice:          req.Voice,
		ResponseFormat: "wav",
		Speed:          req.Speed,
		Language:       req.Language,
	})

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, "", callerr.New(callerr.KindValidation, "tts.synthesize", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if c.metrics != nil {
		c.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if reqCtx.Err() != nil {
			return nil, 0, "", callerr.New(callerr.KindCancelled, "tts.synthesize", err)
		}
		return nil, 0, "", callerr.New(callerr.KindTimeout, "tts.synthesize", err)
	}
	defer resp.Body.Close()

	wavBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, "", callerr.New(callerr.KindProtocolError, "tts.synthesize", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, "", callerr.WithNativeCode(
			callerr.New(callerr.KindUpstreamError, "tts.synthesize", fmt.Errorf("tts server returned %d", resp.StatusCode)),
			resp.StatusCode,
		)
	}

	wav, err := pcm.Parse(wavBytes)
	if err != nil {
		return nil, 0, "", callerr.New(callerr.KindProtocolError, "tts.synthesize", err)
	}

	data, rate, codec = pcm.ToSlinPCM(wav)
	return data, rate, codec, nil
}

// Cancel cancels any in-flight synthesis request for callID. A no-op if
// none is in flight.
func (c *Client) Cancel(callID string) {
	c.mu.Lock()
	req, ok := c.pending[callID]
	delete(c.pending, callID)
	c.mu.Unlock()
	if ok {
		req.cancel()
	}
}

// Package switchclient is a thin typed wrapper over the telephony switch's
// REST + event-stream call-control interface. It exposes only
// the narrow set of operations and raw protocol fields the orchestrator
// actually reads, normalises every
// switch error into {statusCode, message}, enforces a 10s deadline on every
// setup-path call, and auto-reconnects the event channel.
//
// The REST half uses net/http directly — no ecosystem library fits a
// generic ARI-style REST client, so there is nothing idiomatic to delegate
// to here (see DESIGN.md). The event channel reuses coder/websocket, the
// same library the ASR and media sockets use.
package switchclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/callmedia/orchestrator/internal/observe"
	"github.com/callmedia/orchestrator/pkg/callerr"
)

// setupDeadline bounds every REST call.
const setupDeadline = 10 * time.Second

// reservedPrefixes are channel-ID prefixes for internally created synthetic
// channels; see IsReservedChannel.
var reservedPrefixes = []string{"snoop-", "audiocap-", "ttsplay-"}

// IsReservedChannel reports whether channelID names one of this system's
// own synthetic channels rather than a real call. Events about reserved
// channels are still dispatched to listeners — the capture/playback
// pipelines need to observe their own external-media channels — callers
// that treat an unrecognised channel as a new call must check this
// themselves.
func IsReservedChannel(channelID string) bool {
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(channelID, p) {
			return true
		}
	}
	return false
}

// Event is the narrow, typed projection of a switch event: only the raw
// protocol fields the orchestrator reads. Digit carries the DTMF digit for
// a received-DTMF event, which the orchestrator needs to emit call.dtmf
// and has no other source.
type Event struct {
	Type                 string
	ChannelID            string
	State                string
	CallerNumber         string
	DialplanExten        string
	MediaWebsocketConnID string
	BridgeID             string
	Digit                string
	Raw                  json.RawMessage
}

// Client is a connection to one switch instance.
type Client struct {
	baseURL  string
	username string
	password string
	app      string
	http     *http.Client

	reconnectDelay time.Duration

	mu             sync.Mutex
	eventConn      *websocket.Conn
	listeners      map[int]func(Event)
	nextListenerID int
	closed         bool
	done           chan struct{}

	metrics *observe.Metrics
}

// Option configures a [Client].
type Option func(*Client)

// WithReconnectDelay overrides the fixed event-channel reconnect delay
// (default 5s).
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.reconnectDelay = d
		}
	}
}

// New constructs a Client bound to baseURL/username/password/app. It does
// not connect the event channel; call [Client.Connect] to do so.
func New(baseURL, username, password, app string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		username:       username,
		password:       password,
		app:            app,
		http:           &http.Client{Timeout: setupDeadline},
		reconnectDelay: 5 * time.Second,
		done:           make(chan struct{}),
		listeners:      make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithMetrics attaches metrics recording to the client; a nil argument
// leaves recording disabled.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// AddListener registers a callback invoked for every inbound event,
// including ones about this system's own reserved/synthetic channels, and
// returns a function that removes it. Safe to call before or after
// Connect.
func (c *Client) AddListener(fn func(Event)) (remove func()) {
	c.mu.Lock()
	id := c.nextListenerID
	c.nextListenerID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Connected reports whether the event WebSocket is currently established.
// It is false before the first [Client.Connect] call, during a reconnect
// gap, and after [Client.Close].
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.eventConn != nil
}

// Connect opens the event WebSocket and starts dispatching events to
// registered listeners, reconnecting automatically on drop.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.readLoop()
	return nil
}

func (c *Client) eventsURL() string {
	u, _ := url.Parse(c.baseURL)
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"
	q := u.Query()
	q.Set("app", c.app)
	q.Set("api_key", c.username+":"+c.password)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, setupDeadline)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.eventsURL(), nil)
	if err != nil {
		return callerr.New(callerr.KindUnavailable, "switchclient.connect", err)
	}

	c.mu.Lock()
	c.eventConn = conn
	c.mu.Unlock()
	return nil
}

// readLoop dispatches inbound events and reconnects on unintentional drop.
// On reconnect, every listener from the old connection would normally need
// to be detached before reattaching — this implementation never attaches
// listeners to the connection itself (only to the Client), so there is
// nothing to re-remove.
func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.eventConn
		closed := c.closed
		c.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.mu.Lock()
			intentional := c.closed
			c.mu.Unlock()
			if intentional {
				return
			}
			c.mu.Lock()
			c.eventConn = nil
			c.mu.Unlock()
			slog.Warn("switchclient: event channel dropped, scheduling reconnect", "err", err)
			if !c.scheduleReconnect() {
				return
			}
			continue
		}

		evt := parseEvent(data)

		c.mu.Lock()
		listeners := make([]func(Event), 0, len(c.listeners))
		for _, fn := range c.listeners {
			listeners = append(listeners, fn)
		}
		c.mu.Unlock()
		for _, fn := range listeners {
			fn(evt)
		}
	}
}

func (c *Client) scheduleReconnect() bool {
	select {
	case <-time.After(c.reconnectDelay):
	case <-c.done:
		return false
	}
	if c.metrics != nil {
		c.metrics.SwitchReconnects.Add(context.Background(), 1)
	}
	if err := c.dial(context.Background()); err != nil {
		slog.Error("switchclient: reconnect failed", "err", err)
		return c.scheduleReconnect()
	}
	slog.Info("switchclient: event channel reconnected")
	return true
}

// Close stops the event channel and any pending reconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.eventConn
	c.mu.Unlock()
	close(c.done)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "done")
	}
	return nil
}

func parseEvent(data []byte) Event {
	var raw struct {
		Type    string `json:"type"`
		Channel struct {
			ID    string `json:"id"`
			State string `json:"state"`
			Caller struct {
				Number string `json:"number"`
			} `json:"caller"`
			Dialplan struct {
				Exten string `json:"exten"`
			} `json:"dialplan"`
			ChannelVars struct {
				MediaWebsocketConnectionID string `json:"MEDIA_WEBSOCKET_CONNECTION_ID"`
			} `json:"channelvars"`
		} `json:"channel"`
		Bridge struct {
			ID string `json:"id"`
		} `json:"bridge"`
		Digit string `json:"digit"`
	}
	_ = json.Unmarshal(data, &raw)
	return Event{
		Type:                 raw.Type,
		ChannelID:            raw.Channel.ID,
		State:                raw.Channel.State,
		CallerNumber:         raw.Channel.Caller.Number,
		DialplanExten:        raw.Channel.Dialplan.Exten,
		MediaWebsocketConnID: raw.Channel.ChannelVars.MediaWebsocketConnectionID,
		BridgeID:             raw.Bridge.ID,
		Digit:                raw.Digit,
		Raw:                  data,
	}
}

// ---- REST operations ----

// do issues one REST call. op names the operation for errors and metrics —
// kept separate from path so dynamic IDs in the path never become a metric
// label.
func (c *Client) do(ctx context.Context, method, path, op string, body any, out any) (retErr error) {
	if c.metrics != nil {
		start := time.Now()
		defer func() {
			c.metrics.RecordSwitchOp(context.Background(), op, time.Since(start).Seconds(), retErr == nil)
		}()
	}

	reqCtx, cancel := context.WithTimeout(ctx, setupDeadline)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return callerr.New(callerr.KindValidation, "switchclient."+op, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reqBody)
	if err != nil {
		return callerr.New(callerr.KindValidation, "switchclient."+op, err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return callerr.New(callerr.KindTimeout, "switchclient."+op, err)
		}
		return callerr.New(callerr.KindUnavailable, "switchclient."+op, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return callerr.WithNativeCode(
			callerr.New(kindForStatus(resp.StatusCode), "switchclient."+op, fmt.Errorf("%s", normalizeErrorMessage(respBody))),
			resp.StatusCode,
		)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return callerr.New(callerr.KindProtocolError, "switchclient."+op, err)
		}
	}
	return nil
}

func kindForStatus(status int) callerr.Kind {
	switch status {
	case http.StatusNotFound:
		return callerr.KindNotFound
	case http.StatusForbidden, http.StatusUnauthorized:
		return callerr.KindForbidden
	case http.StatusRequestTimeout:
		return callerr.KindTimeout
	default:
		return callerr.KindUpstreamError
	}
}

// normalizeErrorMessage attempts to parse body as {"message": "..."} or
// {"error": "..."}, falling back to the raw body text.
func normalizeErrorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	return string(body)
}

// ChannelInfo is the response shape for channel-creating operations.
type ChannelInfo struct {
	ID                         string `json:"id"`
	State                      string `json:"state"`
	MediaWebsocketConnectionID string `json:"channelvars.MEDIA_WEBSOCKET_CONNECTION_ID"`
}

// OriginateParams are the parameters for placing an outbound call.
type OriginateParams struct {
	Endpoint  string            `json:"endpoint"`
	CallerID  string            `json:"callerId,omitempty"`
	App       string            `json:"app"`
	Timeout   int               `json:"timeout,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Originate places an outbound call.
func (c *Client) Originate(ctx context.Context, p OriginateParams) (ChannelInfo, error) {
	if p.App == "" {
		p.App = c.app
	}
	var out ChannelInfo
	err := c.do(ctx, http.MethodPost, "/channels", "originate", p, &out)
	return out, err
}

// Answer answers a ringing channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/answer", "answer", nil, nil)
}

// Hangup hangs up a channel. Switch errors are intentionally swallowed by
// callers of this method — this method still reports the raw error so callers can choose.
func (c *Client) Hangup(ctx context.Context, channelID, reason string) error {
	path := "/channels/" + channelID
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	return c.do(ctx, http.MethodDelete, path, "hangup", nil, nil)
}

// Play starts media playback on a channel.
func (c *Client) Play(ctx context.Context, channelID, media string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/play", "play", map[string]string{"media": media}, nil)
}

// Record starts a recording on a channel.
func (c *Client) Record(ctx context.Context, channelID, name, format string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/record", "record", map[string]string{"name": name, "format": format}, nil)
}

// SendDTMF sends DTMF digits to a channel.
func (c *Client) SendDTMF(ctx context.Context, channelID, digits string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/dtmf", "send_dtmf", map[string]string{"dtmf": digits}, nil)
}

// CreateMirrorChannel creates a snoop (mirror) channel on sourceChannelID,
// mirroring direction ("in", "out", or "both").
func (c *Client) CreateMirrorChannel(ctx context.Context, sourceChannelID, direction string) (ChannelInfo, error) {
	var out ChannelInfo
	body := map[string]string{"spy": direction, "app": c.app}
	err := c.do(ctx, http.MethodPost, "/channels/"+sourceChannelID+"/snoop", "create_mirror_channel", body, &out)
	return out, err
}

// ExternalMediaParams configures an external-media channel.
type ExternalMediaParams struct {
	App            string `json:"app"`
	Format         string `json:"format"`
	Encapsulation  string `json:"encapsulation"`
	Transport      string `json:"transport"`
	ConnectionType string `json:"connection_type"` // "server" by default
}

// CreateExternalMedia creates an external-media channel in server mode.
func (c *Client) CreateExternalMedia(ctx context.Context, p ExternalMediaParams) (ChannelInfo, error) {
	if p.App == "" {
		p.App = c.app
	}
	if p.ConnectionType == "" {
		p.ConnectionType = "server"
	}
	var out ChannelInfo
	err := c.do(ctx, http.MethodPost, "/channels/externalMedia", "create_external_media", p, &out)
	return out, err
}

// BridgeInfo describes a mixing bridge.
type BridgeInfo struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	ChannelIDs []string `json:"channels"`
}

// CreateBridge creates a new mixing bridge.
func (c *Client) CreateBridge(ctx context.Context, name string) (BridgeInfo, error) {
	var out BridgeInfo
	err := c.do(ctx, http.MethodPost, "/bridges", "create_bridge", map[string]string{"name": name, "type": "mixing"}, &out)
	return out, err
}

// GetBridge fetches a bridge by ID.
func (c *Client) GetBridge(ctx context.Context, bridgeID string) (BridgeInfo, error) {
	var out BridgeInfo
	err := c.do(ctx, http.MethodGet, "/bridges/"+bridgeID, "get_bridge", nil, &out)
	return out, err
}

// ListBridges lists all bridges.
func (c *Client) ListBridges(ctx context.Context) ([]BridgeInfo, error) {
	var out []BridgeInfo
	err := c.do(ctx, http.MethodGet, "/bridges", "list_bridges", nil, &out)
	return out, err
}

// DestroyBridge destroys a bridge.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodDelete, "/bridges/"+bridgeID, "destroy_bridge", nil, nil)
}

// AddChannelToBridge adds a channel to a bridge.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	return c.do(ctx, http.MethodPost, "/bridges/"+bridgeID+"/addChannel", "add_channel_to_bridge", map[string]string{"channel": channelID}, nil)
}

// RemoveChannelFromBridge removes a channel from a bridge.
func (c *Client) RemoveChannelFromBridge(ctx context.Context, bridgeID, channelID string) error {
	return c.do(ctx, http.MethodPost, "/bridges/"+bridgeID+"/removeChannel", "remove_channel_from_bridge", map[string]string{"channel": channelID}, nil)
}

// RecordingInfo describes a stored recording.
type RecordingInfo struct {
	Name   string `json:"name"`
	Format string `json:"format"`
}

// ListStoredRecordings lists all stored recordings.
func (c *Client) ListStoredRecordings(ctx context.Context) ([]RecordingInfo, error) {
	var out []RecordingInfo
	err := c.do(ctx, http.MethodGet, "/recordings/stored", "list_stored_recordings", nil, &out)
	return out, err
}

// GetStoredRecordingMetadata fetches metadata for one stored recording.
func (c *Client) GetStoredRecordingMetadata(ctx context.Context, name string) (RecordingInfo, error) {
	var out RecordingInfo
	err := c.do(ctx, http.MethodGet, "/recordings/stored/"+name, "get_stored_recording_metadata", nil, &out)
	return out, err
}

// GetStoredRecordingBytes downloads the raw bytes of a stored recording.
func (c *Client) GetStoredRecordingBytes(ctx context.Context, name string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, setupDeadline)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/recordings/stored/"+name+"/file", nil)
	if err != nil {
		return nil, callerr.New(callerr.KindValidation, "switchclient.recording_bytes", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, callerr.New(callerr.KindUnavailable, "switchclient.recording_bytes", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, callerr.WithNativeCode(
			callerr.New(kindForStatus(resp.StatusCode), "switchclient.recording_bytes", fmt.Errorf("%s", normalizeErrorMessage(data))),
			resp.StatusCode,
		)
	}
	return data, nil
}

// DeleteStoredRecording deletes a stored recording.
func (c *Client) DeleteStoredRecording(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/recordings/stored/"+name, "delete_stored_recording", nil, nil)
}

// CopyStoredRecording copies a stored recording to a new name.
func (c *Client) CopyStoredRecording(ctx context.Context, name, destination string) (RecordingInfo, error) {
	var out RecordingInfo
	err := c.do(ctx, http.MethodPost, "/recordings/stored/"+name+"/copy", "copy_stored_recording", map[string]string{"destinationRecordingName": destination}, &out)
	return out, err
}

// EndpointInfo describes a switch endpoint (e.g. a SIP peer).
type EndpointInfo struct {
	Technology string `json:"technology"`
	Resource   string `json:"resource"`
	State      string `json:"state"`
}

// ListEndpoints lists all known endpoints.
func (c *Client) ListEndpoints(ctx context.Context) ([]EndpointInfo, error) {
	var out []EndpointInfo
	err := c.do(ctx, http.MethodGet, "/endpoints", "list_endpoints", nil, &out)
	return out, err
}

// GetEndpoint fetches one endpoint by technology/resource.
func (c *Client) GetEndpoint(ctx context.Context, technology, resource string) (EndpointInfo, error) {
	var out EndpointInfo
	err := c.do(ctx, http.MethodGet, "/endpoints/"+technology+"/"+resource, "get_endpoint", nil, &out)
	return out, err
}

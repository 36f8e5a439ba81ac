package switchclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/callmedia/orchestrator/internal/switchclient"
	"github.com/callmedia/orchestrator/pkg/callerr"
)

func TestIsReservedChannel(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"snoop-1234":     true,
		"audiocap-abcd":  true,
		"ttsplay-wxyz":   true,
		"1234567890.123": false,
		"":                false,
	}
	for id, want := range cases {
		if got := switchclient.IsReservedChannel(id); got != want {
			t.Errorf("IsReservedChannel(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestDo_NormalisesErrorBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"no such channel"}`))
	}))
	t.Cleanup(srv.Close)

	c := switchclient.New(srv.URL, "user", "pass", "myapp")
	_, err := c.GetEndpoint(context.Background(), "PJSIP", "9999")
	if err == nil {
		t.Fatal("expected an error")
	}
	if callerr.KindOf(err) != callerr.KindNotFound {
		t.Errorf("got kind %v, want NotFound", callerr.KindOf(err))
	}
	if !strings.Contains(err.Error(), "no such channel") {
		t.Errorf("got error %q, want it to contain the normalised message body", err.Error())
	}
}

func TestDo_FallsBackToRawBodyWhenUnstructured(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("switch fell over"))
	}))
	t.Cleanup(srv.Close)

	c := switchclient.New(srv.URL, "user", "pass", "myapp")
	err := c.Answer(context.Background(), "chan-1")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "switch fell over") {
		t.Errorf("got error %q, want the raw body as fallback message", err.Error())
	}
}

func TestOriginate_SendsAppAndReturnsChannel(t *testing.T) {
	t.Parallel()
	var seen struct {
		Endpoint string `json:"endpoint"`
		App      string `json:"app"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&seen)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"chan-42","state":"Down"}`))
	}))
	t.Cleanup(srv.Close)

	c := switchclient.New(srv.URL, "user", "pass", "myapp")
	info, err := c.Originate(context.Background(), switchclient.OriginateParams{Endpoint: "PJSIP/1000"})
	if err != nil {
		t.Fatalf("Originate: %v", err)
	}
	if info.ID != "chan-42" {
		t.Errorf("got ID %q, want chan-42", info.ID)
	}
	if seen.App != "myapp" {
		t.Errorf("got app %q, want the client's configured app to be the default", seen.App)
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
}

func TestEventDispatch_IncludesReservedChannels(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		send := func(channelID string) {
			payload, _ := json.Marshal(map[string]any{
				"type":    "StasisStart",
				"channel": map[string]any{"id": channelID},
			})
			_ = conn.Write(context.Background(), websocket.MessageText, payload)
		}
		send("snoop-internal-1")
		send("1700000000.1")
		<-context.Background().Done()
	}))
	t.Cleanup(srv.Close)

	c := switchclient.New(strings.TrimSuffix(srv.URL, "/events"), "u", "p", "app")
	var got []switchclient.Event
	done := make(chan struct{}, 1)
	c.AddListener(func(e switchclient.Event) {
		got = append(got, e)
		if len(got) == 2 {
			done <- struct{}{}
		}
	})

	// The client builds its own events URL from baseURL; point it at srv
	// directly by overriding via Connect against the same test server path.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("never received both the reserved and the non-reserved channel's events")
	}
	if len(got) != 2 {
		t.Fatalf("got %d dispatched events, want 2 (reserved-channel events are dispatched too)", len(got))
	}
	if got[0].ChannelID != "snoop-internal-1" || got[1].ChannelID != "1700000000.1" {
		t.Errorf("got channels %q, %q; want snoop-internal-1, 1700000000.1", got[0].ChannelID, got[1].ChannelID)
	}
}

func TestConnected_ReflectsEventChannelLifecycle(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		<-context.Background().Done()
	}))
	t.Cleanup(srv.Close)

	c := switchclient.New(strings.TrimSuffix(srv.URL, "/events"), "u", "p", "app")
	if c.Connected() {
		t.Error("Connected() = true before Connect, want false")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.Connected() {
		t.Error("Connected() = false after a successful Connect, want true")
	}

	c.Close()
	if c.Connected() {
		t.Error("Connected() = true after Close, want false")
	}
}

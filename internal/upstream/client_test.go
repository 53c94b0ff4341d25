package upstream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlink-labs/voxlink/internal/config"
	"github.com/voxlink-labs/voxlink/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBuildURLCarriesSessionParameters(t *testing.T) {
	cfg := config.Default().Upstream
	endpoint, err := BuildURL(cfg, "aura-2-orion-en")
	if err != nil {
		t.Fatalf("BuildURL: %v", err)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		t.Fatalf("parse result: %v", err)
	}
	q := u.Query()
	for key, want := range map[string]string{
		"model":       "aura-2-orion-en",
		"encoding":    cfg.Encoding,
		"sample_rate": "48000",
		"container":   "none",
	} {
		if got := q.Get(key); got != want {
			t.Errorf("query %s = %q, want %q", key, got, want)
		}
	}
}

func TestBuildURLRejectsBadBase(t *testing.T) {
	cfg := config.Default().Upstream
	cfg.URL = "://not-a-url"
	if _, err := BuildURL(cfg, "m"); err == nil {
		t.Fatal("expected error for unparseable base URL")
	}
}

func TestDecodeProviderFrames(t *testing.T) {
	c := &Client{log: testLogger()}

	tests := []struct {
		name string
		raw  string
		want Event
	}{
		{
			name: "metadata",
			raw:  `{"type":"Metadata","request_id":"r1","model_name":"aura","model_version":"1.0","model_uuid":"u1","extra":"dropped"}`,
			want: Event{Kind: EventMetadata, Metadata: Metadata{RequestID: "r1", ModelName: "aura", ModelVersion: "1.0", ModelUUID: "u1"}},
		},
		{
			name: "flushed",
			raw:  `{"type":"Flushed","sequence_id":3}`,
			want: Event{Kind: EventFlushed, SequenceID: 3},
		},
		{
			name: "cleared",
			raw:  `{"type":"Cleared","sequence_id":4}`,
			want: Event{Kind: EventCleared, SequenceID: 4},
		},
		{
			name: "error with description",
			raw:  `{"type":"Error","description":"voice not found"}`,
			want: Event{Kind: EventError, Message: "voice not found"},
		},
		{
			name: "error falls back to message",
			raw:  `{"type":"Error","message":"internal"}`,
			want: Event{Kind: EventError, Message: "internal"},
		},
		{
			name: "warning is ignored",
			raw:  `{"type":"Warning","description":"slow"}`,
			want: Event{Kind: EventIgnored},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.decode([]byte(tt.raw))
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("decode(%s) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestDecodeUndecodableFrameIsError(t *testing.T) {
	c := &Client{log: testLogger()}
	ev := c.decode([]byte("{broken"))
	if ev.Kind != EventError {
		t.Fatalf("expected EventError for broken frame, got %+v", ev)
	}
}

// fakeProviderServer runs a websocket endpoint that records the handshake and
// echoes scripted frames, standing in for the real TTS provider.
type fakeProviderServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	gotAuth  chan string
	gotQuery chan url.Values
	received chan protocol.ClientMessage
	conn     chan *websocket.Conn
}

func newFakeProviderServer(t *testing.T) (*fakeProviderServer, config.UpstreamConfig) {
	f := &fakeProviderServer{
		t:        t,
		gotAuth:  make(chan string, 1),
		gotQuery: make(chan url.Values, 1),
		received: make(chan protocol.ClientMessage, 16),
		conn:     make(chan *websocket.Conn, 1),
	}
	ts := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(ts.Close)

	cfg := config.Default().Upstream
	cfg.URL = "ws" + strings.TrimPrefix(ts.URL, "http")
	cfg.APIKey = "sk-test-credential"
	cfg.DialTimeoutMS = 2000
	return f, cfg
}

func (f *fakeProviderServer) handle(w http.ResponseWriter, r *http.Request) {
	f.gotAuth <- r.Header.Get("Authorization")
	f.gotQuery <- r.URL.Query()

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("provider upgrade: %v", err)
		return
	}
	f.conn <- conn

	for {
		var msg protocol.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		f.received <- msg
	}
}

func (f *fakeProviderServer) nextReceived() protocol.ClientMessage {
	f.t.Helper()
	select {
	case msg := <-f.received:
		return msg
	case <-time.After(2 * time.Second):
		f.t.Fatal("timed out waiting for provider-side message")
		return protocol.ClientMessage{}
	}
}

func TestDialPresentsCredentialAndSignalsReady(t *testing.T) {
	f, cfg := newFakeProviderServer(t)

	client, err := Dial(context.Background(), cfg, "aura-2-thalia-en", testLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close(protocol.CloseNormal)

	if auth := <-f.gotAuth; auth != "Token sk-test-credential" {
		t.Fatalf("unexpected Authorization header %q", auth)
	}
	if q := <-f.gotQuery; q.Get("model") != "aura-2-thalia-en" {
		t.Fatalf("model not in query, got %v", q)
	}

	select {
	case ev := <-client.Events():
		if ev.Kind != EventOpen {
			t.Fatalf("first event must be EventOpen, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ready event after dial")
	}
}

func TestClientStreamsProviderFrames(t *testing.T) {
	f, cfg := newFakeProviderServer(t)

	client, err := Dial(context.Background(), cfg, "m", testLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close(protocol.CloseNormal)

	<-f.gotAuth
	<-f.gotQuery
	providerConn := <-f.conn

	if ev := <-client.Events(); ev.Kind != EventOpen {
		t.Fatalf("expected EventOpen, got %+v", ev)
	}

	meta, _ := json.Marshal(map[string]string{
		"type": protocol.TypeMetadata, "request_id": "r9", "model_name": "m",
	})
	if err := providerConn.WriteMessage(websocket.TextMessage, meta); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	if err := providerConn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	ev := <-client.Events()
	if ev.Kind != EventMetadata || ev.Metadata.RequestID != "r9" {
		t.Fatalf("expected metadata event, got %+v", ev)
	}
	ev = <-client.Events()
	if ev.Kind != EventAudio || string(ev.Audio) != string([]byte{1, 2, 3}) {
		t.Fatalf("expected verbatim audio event, got %+v", ev)
	}
}

func TestClientWritesControlMessages(t *testing.T) {
	f, cfg := newFakeProviderServer(t)

	client, err := Dial(context.Background(), cfg, "m", testLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := client.SendText("hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := client.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if msg := f.nextReceived(); msg.Type != protocol.TypeSpeak || msg.Text != "hello" {
		t.Fatalf("expected Speak hello, got %+v", msg)
	}
	if msg := f.nextReceived(); msg.Type != protocol.TypeFlush {
		t.Fatalf("expected Flush, got %+v", msg)
	}
	if msg := f.nextReceived(); msg.Type != protocol.TypeClear {
		t.Fatalf("expected Clear, got %+v", msg)
	}

	// Close is idempotent and announces itself before the control frame.
	if err := client.Close(protocol.CloseNormal); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.Close(protocol.CloseNormal); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if msg := f.nextReceived(); msg.Type != protocol.TypeClose {
		t.Fatalf("expected single Close announcement, got %+v", msg)
	}
}

func TestDialFailureSurfacesStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(ts.Close)

	cfg := config.Default().Upstream
	cfg.URL = "ws" + strings.TrimPrefix(ts.URL, "http")
	cfg.APIKey = "bad"
	cfg.DialTimeoutMS = 1000

	if _, err := Dial(context.Background(), cfg, "m", testLogger()); err == nil {
		t.Fatal("expected dial failure on 401")
	}
}

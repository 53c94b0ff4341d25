// Package upstream implements the provider-facing socket leg: dialing the
// streaming TTS endpoint with the session's model and credential, decoding
// provider events into a typed stream, and writing control messages.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlink-labs/voxlink/internal/config"
	"github.com/voxlink-labs/voxlink/internal/protocol"
)

// EventKind discriminates provider events delivered to the relay session.
type EventKind int

const (
	// EventOpen is synthesized once the handshake completes; it is the
	// upstream "ready" signal and is always the first event.
	EventOpen EventKind = iota
	EventMetadata
	EventAudio
	EventFlushed
	EventCleared
	EventClosed
	EventError
	// EventIgnored marks provider frames with no downstream translation,
	// such as warnings. The session skips them.
	EventIgnored
)

// Metadata carries the provider descriptors the relay passes through.
type Metadata struct {
	RequestID    string
	ModelName    string
	ModelVersion string
	ModelUUID    string
}

// Event is one provider-side occurrence. Fields beyond Kind are populated
// depending on the kind.
type Event struct {
	Kind       EventKind
	Audio      []byte
	Metadata   Metadata
	SequenceID int64
	Code       int
	Message    string
}

// Client is the provider-facing websocket leg of one relay session.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	events chan Event
	done   chan struct{}

	closeOnce sync.Once
}

// BuildURL derives the provider endpoint for one session from the configured
// base URL plus model, encoding, sample rate and container query parameters.
func BuildURL(cfg config.UpstreamConfig, model string) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	q := u.Query()
	q.Set("model", model)
	q.Set("encoding", cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("container", cfg.Container)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects the upstream leg. The credential is presented as a header and
// is never logged or echoed downstream.
func Dial(ctx context.Context, cfg config.UpstreamConfig, model string, log *slog.Logger) (*Client, error) {
	endpoint, err := BuildURL(cfg, model)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+cfg.APIKey)

	dialer := websocket.Dialer{
		HandshakeTimeout: time.Duration(cfg.DialTimeoutMS) * time.Millisecond,
	}
	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.DialTimeoutMS)*time.Millisecond)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, endpoint, header)
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("dial upstream (status %d): %w", status, err)
	}

	c := &Client{
		conn:   conn,
		log:    log.With(slog.String("component", "upstream")),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	// Ready signal: the provider accepts text once the stream is established.
	c.deliver(Event{Kind: EventOpen})

	go c.readLoop()
	return c, nil
}

// Events returns the provider event stream. The channel is closed after a
// terminal EventClosed or EventError has been delivered.
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				c.deliver(Event{Kind: EventClosed, Code: closeErr.Code, Message: closeErr.Text})
			} else {
				select {
				case <-c.done:
					// Local close; the session already knows.
				default:
					c.deliver(Event{Kind: EventClosed, Code: websocket.CloseAbnormalClosure, Message: err.Error()})
				}
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			c.deliver(Event{Kind: EventAudio, Audio: data})
		case websocket.TextMessage:
			c.deliver(c.decode(data))
		}
	}
}

// providerMessage is the superset of structured frames the provider emits.
// Fields outside the passed-through metadata set are deliberately absent.
type providerMessage struct {
	Type         string `json:"type"`
	RequestID    string `json:"request_id"`
	ModelName    string `json:"model_name"`
	ModelVersion string `json:"model_version"`
	ModelUUID    string `json:"model_uuid"`
	SequenceID   int64  `json:"sequence_id"`
	Description  string `json:"description"`
	Message      string `json:"message"`
}

func (c *Client) decode(data []byte) Event {
	var msg providerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{Kind: EventError, Message: fmt.Sprintf("undecodable provider frame: %v", err)}
	}

	switch msg.Type {
	case protocol.TypeMetadata:
		return Event{Kind: EventMetadata, Metadata: Metadata{
			RequestID:    msg.RequestID,
			ModelName:    msg.ModelName,
			ModelVersion: msg.ModelVersion,
			ModelUUID:    msg.ModelUUID,
		}}
	case protocol.TypeFlushed:
		return Event{Kind: EventFlushed, SequenceID: msg.SequenceID}
	case protocol.TypeCleared:
		return Event{Kind: EventCleared, SequenceID: msg.SequenceID}
	case protocol.TypeError:
		text := msg.Description
		if text == "" {
			text = msg.Message
		}
		return Event{Kind: EventError, Message: text}
	default:
		c.log.Debug("ignoring provider frame", slog.String("type", msg.Type))
		return Event{Kind: EventIgnored}
	}
}

func (c *Client) deliver(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// SendText submits text for synthesis.
func (c *Client) SendText(text string) error {
	return c.writeJSON(protocol.ClientMessage{Type: protocol.TypeSpeak, Text: text})
}

// Flush asks the provider to synthesize everything submitted so far and
// report completion.
func (c *Client) Flush() error {
	return c.writeJSON(protocol.ClientMessage{Type: protocol.TypeFlush})
}

// Clear discards any in-flight text and audio on the provider side.
func (c *Client) Clear() error {
	return c.writeJSON(protocol.ClientMessage{Type: protocol.TypeClear})
}

// Close tears the upstream leg down with the given close code. Safe to call
// more than once; only the first call takes effect.
func (c *Client) Close(code int) error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.writeJSON(protocol.ClientMessage{Type: protocol.TypeClose})
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.SanitizeCloseCode(code), ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}

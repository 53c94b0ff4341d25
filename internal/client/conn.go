package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlink-labs/voxlink/internal/protocol"
)

// Handler receives decoded relay events. *Queue satisfies it.
type Handler interface {
	OnOpen(message string)
	OnMetadata(md Metadata)
	OnAudioChunk(data []byte)
	OnFlushed()
	OnCleared(sequenceID int64)
	OnError(payload protocol.ErrorPayload)
	OnClose(message string)
}

// Conn is one downstream websocket connection to a relay.
type Conn struct {
	ws  *websocket.Conn
	log *slog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// DialRelay connects to a relay endpoint, carrying the voice model as a query
// parameter when set.
func DialRelay(ctx context.Context, relayURL, model string, log *slog.Logger) (*Conn, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	return &Conn{
		ws:   ws,
		log:  log.With(slog.String("component", "relay-conn")),
		done: make(chan struct{}),
	}, nil
}

// Run reads relay frames and dispatches them to the handler until the
// connection closes. It blocks; run it on its own goroutine when the caller
// also writes.
func (c *Conn) Run(handler Handler) error {
	defer c.closeSocket()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if closeErr, ok := err.(*websocket.CloseError); ok && closeErr.Code == websocket.CloseNormalClosure {
				return nil
			}
			return fmt.Errorf("read relay frame: %w", err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			handler.OnAudioChunk(data)
		case websocket.TextMessage:
			c.dispatch(handler, data)
		}
	}
}

func (c *Conn) dispatch(handler Handler, data []byte) {
	var envelope struct {
		Type       string                 `json:"type"`
		Message    string                 `json:"message"`
		SequenceID int64                  `json:"sequence_id"`
		RequestID  string                 `json:"request_id"`
		ModelName  string                 `json:"model_name"`
		ModelVer   string                 `json:"model_version"`
		ModelUUID  string                 `json:"model_uuid"`
		Error      *protocol.ErrorPayload `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.log.Warn("undecodable relay frame", slog.String("error", err.Error()))
		return
	}

	switch envelope.Type {
	case protocol.TypeOpen:
		handler.OnOpen(envelope.Message)
	case protocol.TypeMetadata:
		handler.OnMetadata(Metadata{
			RequestID:    envelope.RequestID,
			ModelName:    envelope.ModelName,
			ModelVersion: envelope.ModelVer,
			ModelUUID:    envelope.ModelUUID,
		})
	case protocol.TypeFlushed:
		handler.OnFlushed()
	case protocol.TypeCleared:
		handler.OnCleared(envelope.SequenceID)
	case protocol.TypeError:
		if envelope.Error != nil {
			handler.OnError(*envelope.Error)
		}
	case protocol.TypeClose:
		handler.OnClose(envelope.Message)
	default:
		c.log.Debug("ignoring relay frame", slog.String("type", envelope.Type))
	}
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// Speak submits text for synthesis.
func (c *Conn) Speak(text string) error {
	return c.writeJSON(protocol.ClientMessage{Type: protocol.TypeSpeak, Text: text})
}

// Flush asks the relay to synthesize everything submitted so far.
func (c *Conn) Flush() error {
	return c.writeJSON(protocol.ClientMessage{Type: protocol.TypeFlush})
}

// Clear cancels the in-flight generation.
func (c *Conn) Clear() error {
	return c.writeJSON(protocol.ClientMessage{Type: protocol.TypeClear})
}

// Close announces the close to the relay and tears the socket down. Safe to
// call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.writeJSON(protocol.ClientMessage{Type: protocol.TypeClose})
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) closeSocket() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

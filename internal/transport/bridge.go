package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rendis/voxflow/pkg/schema"
)

const (
	defaultConnectTimeout = 15 * time.Second
	closeWriteTimeout     = 2 * time.Second
)

// Hello is the first frame sent to the bridge, binding the connection to a room.
type Hello struct {
	Type      string `json:"type"`
	RoomURL   string `json:"room_url"`
	RoomName  string `json:"room_name,omitempty"`
	Token     string `json:"token,omitempty"`
	BotName   string `json:"bot_name,omitempty"`
	VoiceID   string `json:"voice_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type helloAck struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

type command struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id,omitempty"`
	Text          string `json:"text,omitempty"`
	Data          any    `json:"data,omitempty"`
}

// Bridge is a Transport over a websocket connection to the media bridge.
type Bridge struct {
	conn *websocket.Conn

	events chan Event
	stop   chan struct{}
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// Dial connects to the bridge at url and performs the hello handshake.
func Dial(ctx context.Context, url string, hello Hello, header http.Header) (*Bridge, error) {
	if strings.TrimSpace(url) == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "bridge url is required")
	}
	hello.Type = "hello"

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, url, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExternalService, "connect media bridge: %v", err).WithCause(err)
	}

	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, schema.NewErrorf(schema.ErrCodeExternalService, "send bridge hello: %v", err).WithCause(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(defaultConnectTimeout))
	var ack helloAck
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return nil, schema.NewErrorf(schema.ErrCodeExternalService, "read bridge hello_ack: %v", err).WithCause(err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch ack.Type {
	case "hello_ack":
	case EventError:
		_ = conn.Close()
		return nil, schema.NewErrorf(schema.ErrCodeExternalService, "bridge rejected session: %s", ack.Message)
	default:
		_ = conn.Close()
		return nil, schema.NewErrorf(schema.ErrCodeExternalService, "unexpected first bridge frame %q", ack.Type)
	}

	b := &Bridge{
		conn:   conn,
		events: make(chan Event, 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

func (b *Bridge) Events() <-chan Event { return b.events }

func (b *Bridge) StartTranscription(ctx context.Context, participantID string) error {
	return b.send(ctx, command{Type: "start_transcription", ParticipantID: participantID})
}

func (b *Bridge) Say(ctx context.Context, text string) error {
	return b.send(ctx, command{Type: "say", Text: text})
}

func (b *Bridge) EndConversation(ctx context.Context) error {
	return b.send(ctx, command{Type: "end_conversation"})
}

func (b *Bridge) SendAppMessage(ctx context.Context, data any) error {
	return b.send(ctx, command{Type: EventAppMessage, Data: data})
}

func (b *Bridge) send(ctx context.Context, v command) error {
	if b.closed.Load() {
		return schema.NewError(schema.ErrCodeExternalService, "bridge connection is closed")
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = b.conn.SetWriteDeadline(deadline)
	if err := b.conn.WriteJSON(v); err != nil {
		return schema.NewErrorf(schema.ErrCodeExternalService, "bridge %s: %v", v.Type, err).WithCause(err)
	}
	return nil
}

// Close sends a normal closure and waits for the read loop to exit.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.stop)
		b.writeMu.Lock()
		_ = b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteTimeout))
		b.writeMu.Unlock()
		_ = b.conn.Close()
	})
	<-b.done
	return nil
}

// Err returns the error that ended the read loop, if any.
func (b *Bridge) Err() error {
	<-b.done
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

func (b *Bridge) setErr(err error) {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	if b.err == nil {
		b.err = err
	}
}

func (b *Bridge) readLoop() {
	defer close(b.done)
	defer close(b.events)

	for {
		messageType, data, err := b.conn.ReadMessage()
		if err != nil {
			if !b.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.setErr(err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			continue
		}
		// Participant state changes must not be dropped.
		select {
		case b.events <- ev:
		case <-b.stop:
			return
		}
	}
}

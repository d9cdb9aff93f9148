// Package media joins the meeting platform's real-time media stream and
// delivers decoded audio frames to a callback. The platform speaks a small
// signaling protocol over WebSocket: a signed handshake, keep-alive pings,
// and JSON-framed audio data.
package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Frame is one decoded audio frame with its speaker label.
type Frame struct {
	Speaker string
	Data    []byte
}

// JoinParams carries the join material from the rtms_started webhook payload.
type JoinParams struct {
	MeetingUUID string
	StreamID    string
	ServerURL   string
	Signature   string
}

// Session is an active media-session membership.
type Session interface {
	// Leave closes the media connection. Safe to call more than once.
	Leave() error
	// Done is closed when the session ends, either by Leave or remotely.
	Done() <-chan struct{}
}

// Joiner joins media sessions. The WebSocket client below is the production
// implementation; tests substitute their own.
type Joiner interface {
	Join(ctx context.Context, p JoinParams, onFrame func(Frame)) (Session, error)
}

// Signaling message types on the media connection.
const (
	msgHandshakeReq  = "SIGNALING_HAND_SHAKE_REQ"
	msgHandshakeResp = "SIGNALING_HAND_SHAKE_RESP"
	msgKeepAliveReq  = "KEEP_ALIVE_REQ"
	msgKeepAliveResp = "KEEP_ALIVE_RESP"
	msgAudioData     = "MEDIA_DATA_AUDIO"
)

type signalingMessage struct {
	MsgType string `json:"msg_type"`
	Content struct {
		MeetingUUID string `json:"meeting_uuid,omitempty"`
		StreamID    string `json:"rtms_stream_id,omitempty"`
		Signature   string `json:"signature,omitempty"`
		UserName    string `json:"user_name,omitempty"`
		Data        string `json:"data,omitempty"`
	} `json:"content"`
}

// Client joins media sessions over WebSocket.
type Client struct {
	dialer *websocket.Dialer
	log    *zap.Logger
}

// NewClient creates a media client.
func NewClient(log *zap.Logger) *Client {
	return &Client{dialer: websocket.DefaultDialer, log: log}
}

// Join dials the media server, performs the signed handshake, and starts the
// read loop. onFrame is invoked from the read goroutine for every audio
// frame; it must not block.
func (c *Client) Join(ctx context.Context, p JoinParams, onFrame func(Frame)) (Session, error) {
	conn, _, err := c.dialer.DialContext(ctx, p.ServerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("media: dial %s: %w", p.ServerURL, err)
	}

	handshake := signalingMessage{MsgType: msgHandshakeReq}
	handshake.Content.MeetingUUID = p.MeetingUUID
	handshake.Content.StreamID = p.StreamID
	handshake.Content.Signature = p.Signature
	if err := conn.WriteJSON(handshake); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("media: handshake: %w", err)
	}

	s := &wsSession{conn: conn, log: c.log, done: make(chan struct{})}
	go s.readPump(onFrame)

	c.log.Info("media session joined",
		zap.String("stream_id", p.StreamID),
		zap.String("meeting_uuid", p.MeetingUUID))
	return s, nil
}

type wsSession struct {
	conn *websocket.Conn
	log  *zap.Logger

	mu      sync.Mutex
	left    bool
	done    chan struct{}
	doneSet sync.Once
}

func (s *wsSession) readPump(onFrame func(Frame)) {
	defer s.doneSet.Do(func() { close(s.done) })
	defer s.conn.Close()

	for {
		var msg signalingMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.mu.Lock()
			left := s.left
			s.mu.Unlock()
			if !left && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("media connection lost", zap.Error(err))
			}
			return
		}

		switch msg.MsgType {
		case msgHandshakeResp:
			// Nothing to do; media data follows.
		case msgKeepAliveReq:
			resp := signalingMessage{MsgType: msgKeepAliveResp}
			s.mu.Lock()
			err := s.conn.WriteJSON(resp)
			s.mu.Unlock()
			if err != nil {
				return
			}
		case msgAudioData:
			data, err := base64.StdEncoding.DecodeString(msg.Content.Data)
			if err != nil {
				s.log.Warn("media frame decode failed", zap.Error(err))
				continue
			}
			onFrame(Frame{Speaker: msg.Content.UserName, Data: data})
		}
	}
}

// Leave closes the media connection.
func (s *wsSession) Leave() error {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return nil
	}
	s.left = true
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *wsSession) Done() <-chan struct{} { return s.done }

package media

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type mediaServer struct {
	handshakes chan signalingMessage
	keepalives chan signalingMessage
	conns      chan *websocket.Conn
}

func newMediaServer() *mediaServer {
	return &mediaServer{
		handshakes: make(chan signalingMessage, 4),
		keepalives: make(chan signalingMessage, 4),
		conns:      make(chan *websocket.Conn, 4),
	}
}

func (m *mediaServer) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		m.conns <- conn

		for {
			var msg signalingMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.MsgType {
			case msgHandshakeReq:
				m.handshakes <- msg
				_ = conn.WriteJSON(signalingMessage{MsgType: msgHandshakeResp})
			case msgKeepAliveResp:
				m.keepalives <- msg
			}
		}
	}
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestJoinHandshakeAndAudio(t *testing.T) {
	server := newMediaServer()
	srv := httptest.NewServer(server.handler(t))
	defer srv.Close()

	frames := make(chan Frame, 16)
	client := NewClient(zap.NewNop())
	sess, err := client.Join(context.Background(), JoinParams{
		MeetingUUID: "M1",
		StreamID:    "S1",
		ServerURL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		Signature:   "sig-1",
	}, func(f Frame) { frames <- f })
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer sess.Leave()

	hs := waitFor(t, server.handshakes, "handshake")
	if hs.Content.MeetingUUID != "M1" || hs.Content.StreamID != "S1" || hs.Content.Signature != "sig-1" {
		t.Errorf("handshake content = %+v", hs.Content)
	}

	conn := waitFor(t, server.conns, "server conn")
	pcm := []byte{10, 20, 30}
	audio := signalingMessage{MsgType: msgAudioData}
	audio.Content.UserName = "Alice"
	audio.Content.Data = base64.StdEncoding.EncodeToString(pcm)
	if err := conn.WriteJSON(audio); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	f := waitFor(t, frames, "frame")
	if f.Speaker != "Alice" || string(f.Data) != string(pcm) {
		t.Errorf("frame = %+v", f)
	}
}

func TestKeepAliveAnswered(t *testing.T) {
	server := newMediaServer()
	srv := httptest.NewServer(server.handler(t))
	defer srv.Close()

	client := NewClient(zap.NewNop())
	sess, err := client.Join(context.Background(), JoinParams{
		MeetingUUID: "M1",
		StreamID:    "S1",
		ServerURL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		Signature:   "sig",
	}, func(Frame) {})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer sess.Leave()

	conn := waitFor(t, server.conns, "server conn")
	if err := conn.WriteJSON(signalingMessage{MsgType: msgKeepAliveReq}); err != nil {
		t.Fatalf("write keepalive: %v", err)
	}
	waitFor(t, server.keepalives, "keepalive response")
}

func TestLeaveClosesSession(t *testing.T) {
	server := newMediaServer()
	srv := httptest.NewServer(server.handler(t))
	defer srv.Close()

	client := NewClient(zap.NewNop())
	sess, err := client.Join(context.Background(), JoinParams{
		MeetingUUID: "M1",
		StreamID:    "S1",
		ServerURL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		Signature:   "sig",
	}, func(Frame) {})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	if err := sess.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done not closed after Leave")
	}
	// Second Leave is a no-op.
	if err := sess.Leave(); err != nil {
		t.Fatalf("second Leave: %v", err)
	}
}

package worker

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jcarpenter-uam/calc-translation-sub000/internal/errs"
	"github.com/jcarpenter-uam/calc-translation-sub000/internal/model"
)

// LinkState is the backend connection state.
type LinkState string

const (
	LinkConnecting LinkState = "connecting"
	LinkOpen       LinkState = "open"
	LinkClosed     LinkState = "closed"
)

const maxBackoff = 30 * time.Second

// Backoff returns the delay before reconnect attempt i (0-indexed):
// min(1s * 2^i, 30s).
func Backoff(i int) time.Duration {
	if i < 0 {
		i = 0
	}
	if i >= 5 {
		return maxBackoff
	}
	d := time.Second << uint(i)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// TokenSource mints a fresh credential per connection attempt.
type TokenSource interface {
	Issue(operatorID string) (string, error)
}

// Link is one worker's persistent connection to the transcription backend.
// It reconnects with capped exponential backoff until Shutdown; the first
// successful open sends session_start, every later one session_reconnected.
// A link opened in resume mode skips session_start entirely: the meeting's
// backend session was already announced by an earlier primary.
type Link struct {
	url        string
	tokens     TokenSource
	operatorID string
	ident      model.SessionPayload
	log        *zap.Logger
	dialer     *websocket.Dialer

	mu        sync.Mutex
	conn      *websocket.Conn
	state     LinkState
	startSent bool
	stopping  bool
	started   bool
	dropWarn  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewLink builds a link for one stream. base is the backend ws base URL
// (ws://host/ws/transcribe); the meeting UUID is appended url-escaped.
func NewLink(base string, tokens TokenSource, operatorID string, ident model.SessionPayload, log *zap.Logger) *Link {
	return &Link{
		url:        fmt.Sprintf("%s/zoom/%s", base, url.PathEscape(ident.MeetingID)),
		tokens:     tokens,
		operatorID: operatorID,
		ident:      ident,
		log:        log,
		dialer:     websocket.DefaultDialer,
		state:      LinkClosed,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Open starts the connect loop. resume marks the backend session as already
// announced, so the first open reports session_reconnected instead of
// session_start. Calling Open twice is a no-op.
func (l *Link) Open(resume bool) {
	l.mu.Lock()
	if l.started || l.stopping {
		l.mu.Unlock()
		return
	}
	if resume {
		l.startSent = true
	}
	l.started = true
	l.state = LinkConnecting
	l.mu.Unlock()
	go l.connectLoop()
}

// State returns the current connection state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) connectLoop() {
	defer close(l.doneCh)
	retries := 0
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		conn, err := l.dial()
		if err != nil {
			delay := Backoff(retries)
			l.log.Warn("backend connect failed",
				zap.Error(err),
				zap.Duration("retry_in", delay))
			retries++
			select {
			case <-time.After(delay):
				continue
			case <-l.stopCh:
				return
			}
		}
		retries = 0

		// Read until the connection drops; the backend does not push
		// anything the worker acts on, but reading surfaces closes.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		l.mu.Lock()
		stopping := l.stopping
		l.conn = nil
		if !stopping {
			l.state = LinkConnecting
		}
		l.mu.Unlock()
		_ = conn.Close()

		if stopping {
			return
		}
		l.log.Warn("backend connection lost, reconnecting")
	}
}

func (l *Link) dial() (*websocket.Conn, error) {
	tok, err := l.tokens.Issue(l.operatorID)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	header := http.Header{"Authorization": {"Bearer " + tok}}

	conn, _, err := l.dialer.Dial(l.url, header)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		_ = conn.Close()
		return nil, errs.ErrLinkNotOpen
	}
	msgType := model.MsgSessionStart
	if l.startSent {
		msgType = model.MsgSessionReconnected
	}
	ident := l.ident
	if err := conn.WriteJSON(model.SessionMessage{Type: msgType, Payload: &ident}); err != nil {
		l.mu.Unlock()
		_ = conn.Close()
		return nil, fmt.Errorf("send %s: %w", msgType, err)
	}
	l.startSent = true
	l.conn = conn
	l.state = LinkOpen
	l.dropWarn = false
	l.mu.Unlock()

	l.log.Info("backend link open",
		zap.String("lifecycle", msgType),
		zap.String("stream_id", l.ident.StreamID))
	return conn, nil
}

// SendAudio forwards one frame. Returns ErrLinkNotOpen while the link is
// down; the caller drops the frame.
func (l *Link) SendAudio(msg model.AudioMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LinkOpen || l.conn == nil {
		return errs.ErrLinkNotOpen
	}
	return l.conn.WriteJSON(msg)
}

// WarnDropOnce returns true the first time it is called after the link went
// down, so frame drops log once instead of flooding.
func (l *Link) WarnDropOnce() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dropWarn {
		return false
	}
	l.dropWarn = true
	return true
}

// Shutdown closes the link without scheduling a reconnect. When sendEnd is
// set and the link is open, session_end is written and flushed first.
func (l *Link) Shutdown(sendEnd bool) {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return
	}
	l.stopping = true
	conn := l.conn
	open := l.state == LinkOpen
	started := l.started
	l.state = LinkClosed
	l.mu.Unlock()

	close(l.stopCh)

	if conn != nil {
		if sendEnd && open {
			_ = conn.WriteJSON(model.SessionMessage{Type: model.MsgSessionEnd})
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}

	if started {
		<-l.doneCh
	}
}

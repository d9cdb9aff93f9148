package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jcarpenter-uam/calc-translation-sub000/internal/config"
	"github.com/jcarpenter-uam/calc-translation-sub000/internal/errs"
	"github.com/jcarpenter-uam/calc-translation-sub000/internal/media"
	"github.com/jcarpenter-uam/calc-translation-sub000/internal/model"
)

type fakeSession struct {
	leaveOnce sync.Once
	left      chan struct{}
	done      chan struct{}
}

func (s *fakeSession) Leave() error {
	s.leaveOnce.Do(func() { close(s.left) })
	return nil
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

type fakeJoiner struct {
	mu      sync.Mutex
	onFrame func(media.Frame)
	session *fakeSession
	joined  chan struct{}
}

func newFakeJoiner() *fakeJoiner {
	return &fakeJoiner{
		session: &fakeSession{left: make(chan struct{}), done: make(chan struct{})},
		joined:  make(chan struct{}),
	}
}

func (j *fakeJoiner) Join(ctx context.Context, p media.JoinParams, onFrame func(media.Frame)) (media.Session, error) {
	j.mu.Lock()
	j.onFrame = onFrame
	j.mu.Unlock()
	close(j.joined)
	return j.session, nil
}

func (j *fakeJoiner) emit(f media.Frame) {
	j.mu.Lock()
	fn := j.onFrame
	j.mu.Unlock()
	fn(f)
}

type fakeLink struct {
	mu       sync.Mutex
	opened   bool
	resume   bool
	openCh   chan struct{}
	audio    chan model.AudioMessage
	shutdown chan bool // value: sendEnd
	failSend bool
	warned   bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		openCh:   make(chan struct{}),
		audio:    make(chan model.AudioMessage, 16),
		shutdown: make(chan bool, 1),
	}
}

func (l *fakeLink) Open(resume bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.opened {
		l.opened = true
		l.resume = resume
		close(l.openCh)
	}
}

func (l *fakeLink) openedAsResume() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resume
}

func (l *fakeLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.opened {
		return LinkOpen
	}
	return LinkClosed
}

func (l *fakeLink) SendAudio(msg model.AudioMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failSend {
		return errs.ErrLinkNotOpen
	}
	l.audio <- msg
	return nil
}

func (l *fakeLink) WarnDropOnce() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.warned {
		return false
	}
	l.warned = true
	return true
}

func (l *fakeLink) Shutdown(sendEnd bool) {
	select {
	case l.shutdown <- sendEnd:
	default:
	}
}

type workerHarness struct {
	joiner *fakeJoiner
	link   *fakeLink
	links  chan *fakeLink
	in     *io.PipeWriter
	enc    *json.Encoder
	done   chan error
}

func startInstructionPayload() *model.RTMSPayload {
	return &model.RTMSPayload{
		StreamID:    "S1",
		MeetingUUID: "M1",
		OperatorID:  "op-1",
		ServerURLs:  "wss://media.example.com",
		Signature:   "sig",
	}
}

func startWorker(t *testing.T, role model.Role) *workerHarness {
	t.Helper()
	pr, pw := io.Pipe()

	h := &workerHarness{
		joiner: newFakeJoiner(),
		link:   newFakeLink(),
		links:  make(chan *fakeLink, 1),
		in:     pw,
		enc:    json.NewEncoder(pw),
		done:   make(chan error, 1),
	}

	cfg := &config.Config{
		BackendBaseURL:  "ws://localhost:0/ws/transcribe",
		MetricsInterval: time.Hour, // keep the reporter quiet in tests
		StopGrace:       time.Second,
	}
	opts := Options{
		Config: cfg,
		Log:    zap.NewNop(),
		In:     pr,
		Out:    &bytes.Buffer{},
		Joiner: h.joiner,
		Tokens: staticTokens{token: "tok"},
		NewLink: func(base string, tokens TokenSource, operatorID string, ident model.SessionPayload, log *zap.Logger) ForwardLink {
			h.links <- h.link
			return h.link
		},
	}

	go func() { h.done <- Run(opts) }()

	h.send(t, model.Instruction{
		Op:       model.OpStart,
		StreamID: "S1",
		Role:     role,
		Payload:  startInstructionPayload(),
	})

	select {
	case <-h.joiner.joined:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never joined the media session")
	}
	return h
}

func (h *workerHarness) send(t *testing.T, in model.Instruction) {
	t.Helper()
	if err := h.enc.Encode(in); err != nil {
		t.Fatalf("send instruction: %v", err)
	}
}

func (h *workerHarness) wait(t *testing.T) {
	t.Helper()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("worker returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestPrimaryForwardsFrames(t *testing.T) {
	h := startWorker(t, model.RolePrimary)

	// Primary opens a link right at start; a fresh session, not a resumed one.
	recv(t, h.links, "link creation")
	recv(t, h.link.openCh, "link open")
	if h.link.openedAsResume() {
		t.Error("initial primary must announce a new session, not a resume")
	}

	pcm := []byte{1, 2, 3, 4}
	h.joiner.emit(media.Frame{Speaker: "Alice", Data: pcm})

	msg := recv(t, h.link.audio, "forwarded audio")
	if msg.UserName != "Alice" {
		t.Errorf("userName = %q, want Alice", msg.UserName)
	}
	if msg.Audio != base64.StdEncoding.EncodeToString(pcm) {
		t.Errorf("audio = %q, want base64 of frame", msg.Audio)
	}

	h.send(t, model.Instruction{Op: model.OpStop})
	h.wait(t)

	if sendEnd := recv(t, h.link.shutdown, "link shutdown"); !sendEnd {
		t.Error("primary stop must send session_end")
	}
	recv(t, h.joiner.session.left, "media leave")
}

func TestPrimaryUsesFallbackSpeakerLabel(t *testing.T) {
	h := startWorker(t, model.RolePrimary)
	recv(t, h.links, "link creation")

	h.joiner.emit(media.Frame{Speaker: "", Data: []byte{9}})
	msg := recv(t, h.link.audio, "forwarded audio")
	if msg.UserName != "Zoom RTMS" {
		t.Errorf("userName = %q, want fallback label", msg.UserName)
	}

	h.send(t, model.Instruction{Op: model.OpStop})
	h.wait(t)
}

func TestStandbyDiscardsFramesAndOpensNoLink(t *testing.T) {
	h := startWorker(t, model.RoleStandby)

	h.joiner.emit(media.Frame{Speaker: "Alice", Data: []byte{1}})
	h.joiner.emit(media.Frame{Speaker: "Bob", Data: []byte{2}})

	select {
	case <-h.links:
		t.Fatal("standby created a backend link")
	case <-time.After(50 * time.Millisecond):
	}

	h.send(t, model.Instruction{Op: model.OpStop})
	h.wait(t)

	// No link existed, so no session_end and no shutdown call.
	select {
	case <-h.link.shutdown:
		t.Fatal("standby stop must not touch a link")
	default:
	}
	recv(t, h.joiner.session.left, "media leave")
}

func TestPromoteOpensLinkAndForwards(t *testing.T) {
	h := startWorker(t, model.RoleStandby)

	h.send(t, model.Instruction{Op: model.OpPromote})
	recv(t, h.links, "link creation after promote")
	recv(t, h.link.openCh, "link open after promote")
	if !h.link.openedAsResume() {
		t.Error("promoted standby must resume the session the old primary announced")
	}

	h.joiner.emit(media.Frame{Speaker: "Alice", Data: []byte{7}})
	recv(t, h.link.audio, "forwarded audio after promote")

	h.send(t, model.Instruction{Op: model.OpStop})
	h.wait(t)

	if sendEnd := recv(t, h.link.shutdown, "link shutdown"); !sendEnd {
		t.Error("promoted worker was forwarding; stop must send session_end")
	}
}

func TestLinkDownDropsWithSingleWarning(t *testing.T) {
	h := startWorker(t, model.RolePrimary)
	recv(t, h.links, "link creation")

	h.link.mu.Lock()
	h.link.failSend = true
	h.link.mu.Unlock()

	h.joiner.emit(media.Frame{Speaker: "Alice", Data: []byte{1}})
	h.joiner.emit(media.Frame{Speaker: "Alice", Data: []byte{2}})

	// Only the warn latch matters here: the second drop must not warn again.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.link.mu.Lock()
		warned := h.link.warned
		h.link.mu.Unlock()
		if warned {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.link.WarnDropOnce() {
		t.Error("warn latch was not set after a dropped frame")
	}

	h.send(t, model.Instruction{Op: model.OpStop})
	h.wait(t)
}

func TestParentPipeClosureStopsWorker(t *testing.T) {
	h := startWorker(t, model.RolePrimary)
	recv(t, h.links, "link creation")

	// Orchestrator died: stdin reaches EOF and the worker must stop on its
	// own rather than forward to a backend nobody owns.
	_ = h.in.Close()
	h.wait(t)
	recv(t, h.joiner.session.left, "media leave")
}

func TestPrimaryWithoutSigningKeyDropsWithSingleWarning(t *testing.T) {
	// No Tokens and no key in config: openLink fails and the link stays nil.
	// Frames still must not pile up warnings.
	core, logs := observer.New(zap.WarnLevel)
	joiner := newFakeJoiner()
	pr, pw := io.Pipe()
	enc := json.NewEncoder(pw)
	done := make(chan error, 1)

	opts := Options{
		Config: &config.Config{
			BackendBaseURL:  "ws://localhost:0/ws/transcribe",
			MetricsInterval: time.Hour,
			StopGrace:       time.Second,
		},
		Log:    zap.New(core),
		In:     pr,
		Out:    &bytes.Buffer{},
		Joiner: joiner,
	}
	go func() { done <- Run(opts) }()

	if err := enc.Encode(model.Instruction{
		Op:       model.OpStart,
		StreamID: "S1",
		Role:     model.RolePrimary,
		Payload:  startInstructionPayload(),
	}); err != nil {
		t.Fatalf("send start: %v", err)
	}
	select {
	case <-joiner.joined:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never joined the media session")
	}

	joiner.emit(media.Frame{Speaker: "Alice", Data: []byte{1}})
	joiner.emit(media.Frame{Speaker: "Alice", Data: []byte{2}})

	drops := func() int {
		return logs.FilterMessageSnippet("dropping audio").Len()
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && drops() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := drops(); n != 1 {
		t.Fatalf("%d drop warnings after two frames, want exactly 1", n)
	}

	_ = pw.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestRemoteMediaEndStopsWorker(t *testing.T) {
	h := startWorker(t, model.RolePrimary)
	recv(t, h.links, "link creation")

	close(h.joiner.session.done)
	h.wait(t)
	recv(t, h.joiner.session.left, "media leave")
}

// Package worker is the per-stream execution unit. One worker process joins
// the meeting's media session and, while holding the primary role, forwards
// audio over a backend link. Instructions arrive on stdin, resource reports
// leave on stdout; a crash here takes down this stream only.
package worker

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/jcarpenter-uam/calc-translation-sub000/internal/config"
	"github.com/jcarpenter-uam/calc-translation-sub000/internal/media"
	"github.com/jcarpenter-uam/calc-translation-sub000/internal/model"
	"github.com/jcarpenter-uam/calc-translation-sub000/internal/token"
)

const frameBuffer = 256

// Options bundle the worker's collaborators so tests can substitute them.
type Options struct {
	Config *config.Config
	Log    *zap.Logger

	// In/Out default to stdin/stdout (the parent IPC pipes).
	In  io.Reader
	Out io.Writer

	// Joiner defaults to the WebSocket media client.
	Joiner media.Joiner

	// Tokens defaults to an RS256 issuer built from Config.
	Tokens TokenSource

	// NewLink defaults to NewLink; tests swap in a recording link.
	NewLink func(base string, tokens TokenSource, operatorID string, ident model.SessionPayload, log *zap.Logger) ForwardLink
}

// ForwardLink is what the worker needs from its backend link.
type ForwardLink interface {
	Open(resume bool)
	State() LinkState
	SendAudio(msg model.AudioMessage) error
	WarnDropOnce() bool
	Shutdown(sendEnd bool)
}

// Run executes the worker loop until a stop instruction or stdin EOF (the
// parent died). The first instruction must be a start.
func Run(opts Options) error {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Joiner == nil {
		opts.Joiner = media.NewClient(opts.Log)
	}
	if opts.NewLink == nil {
		opts.NewLink = func(base string, tokens TokenSource, operatorID string, ident model.SessionPayload, log *zap.Logger) ForwardLink {
			return NewLink(base, tokens, operatorID, ident, log)
		}
	}

	w := &runtime{opts: opts, log: opts.Log, frames: make(chan media.Frame, frameBuffer)}
	return w.run()
}

type runtime struct {
	opts   Options
	log    *zap.Logger
	frames chan media.Frame

	outMu sync.Mutex
	out   *json.Encoder

	role       model.Role
	streamID   string
	payload    *model.RTMSPayload
	session    media.Session
	link       ForwardLink
	stopping   bool
	noLinkWarn bool
}

func (w *runtime) run() error {
	w.out = json.NewEncoder(w.opts.Out)

	instr := make(chan model.Instruction)
	readErr := make(chan error, 1)
	go w.readInstructions(instr, readErr)

	// Block until START arrives; nothing else is valid first.
	var start model.Instruction
	select {
	case start = <-instr:
	case err := <-readErr:
		return fmt.Errorf("worker: no start instruction: %w", err)
	}
	if start.Op != model.OpStart || start.Payload == nil {
		return fmt.Errorf("worker: expected start instruction, got %q", start.Op)
	}
	if err := w.handleStart(start); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if rep, err := newReporter(w.opts.Config.MetricsInterval, w.sendReport, w.log); err == nil {
		go rep.run(ctx)
	} else {
		w.log.Warn("resource reporter unavailable", zap.Error(err))
	}

	for {
		select {
		case in := <-instr:
			switch in.Op {
			case model.OpPromote:
				w.handlePromote()
			case model.OpStop:
				w.handleStop()
				return nil
			case model.OpStart:
				// Already started; duplicate delivery, ignore.
				w.log.Warn("duplicate start instruction ignored")
			}
		case err := <-readErr:
			// Parent closed the pipe: orchestrator is gone or killed us
			// softly. Treat as stop.
			if !errors.Is(err, io.EOF) {
				w.log.Warn("instruction channel failed", zap.Error(err))
			}
			w.handleStop()
			return nil
		case f := <-w.frames:
			w.handleFrame(f)
		case <-w.sessionDone():
			w.log.Warn("media session ended remotely, exiting")
			w.handleStop()
			return nil
		}
	}
}

func (w *runtime) readInstructions(out chan<- model.Instruction, readErr chan<- error) {
	scanner := bufio.NewScanner(w.opts.In)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var in model.Instruction
		if err := json.Unmarshal(line, &in); err != nil {
			w.log.Warn("bad instruction line", zap.Error(err))
			continue
		}
		out <- in
	}
	if err := scanner.Err(); err != nil {
		readErr <- err
		return
	}
	readErr <- io.EOF
}

func (w *runtime) handleStart(in model.Instruction) error {
	w.role = in.Role
	w.streamID = in.StreamID
	w.payload = in.Payload

	w.log.Info("worker starting",
		zap.String("stream_id", in.StreamID),
		zap.String("meeting_uuid", in.Payload.MeetingUUID),
		zap.String("role", string(in.Role)))

	sess, err := w.opts.Joiner.Join(context.Background(), media.JoinParams{
		MeetingUUID: in.Payload.MeetingUUID,
		StreamID:    in.StreamID,
		ServerURL:   in.Payload.ServerURLs,
		Signature:   in.Payload.Signature,
	}, w.onFrame)
	if err != nil {
		return fmt.Errorf("worker: join media session: %w", err)
	}
	w.session = sess

	// Standby joins media but never opens a link until promoted.
	if w.role == model.RolePrimary {
		w.openLink(false)
	}
	return nil
}

func (w *runtime) openLink(resume bool) {
	if w.link == nil {
		tokens := w.opts.Tokens
		if tokens == nil {
			pem, err := w.opts.Config.PrivateKey()
			if err != nil {
				w.log.Error("no signing key, audio will not be forwarded", zap.Error(err))
				return
			}
			issuer, err := token.NewIssuer(pem)
			if err != nil {
				w.log.Error("signing key invalid, audio will not be forwarded", zap.Error(err))
				return
			}
			tokens = issuer
		}
		ident := model.SessionPayload{
			MeetingID: w.payload.MeetingUUID,
			StreamID:  w.streamID,
			WorkerID:  os.Getpid(),
		}
		w.link = w.opts.NewLink(w.opts.Config.BackendBaseURL, tokens, w.payload.OperatorID, ident, w.log)
	}
	w.link.Open(resume)
}

func (w *runtime) handlePromote() {
	if w.stopping {
		// Promote racing a stop loses; the orchestrator will pick another
		// candidate when this process exits.
		w.log.Info("promote ignored, worker is stopping")
		return
	}
	if w.role == model.RolePrimary {
		return
	}
	w.role = model.RolePrimary
	w.log.Info("promoted to primary", zap.String("stream_id", w.streamID))
	// The old primary already announced this session; the backend sees a
	// reconnect, not a new session.
	w.openLink(true)
}

func (w *runtime) handleStop() {
	if w.stopping {
		return
	}
	w.stopping = true
	w.log.Info("worker stopping", zap.String("stream_id", w.streamID))

	if w.session != nil {
		if err := w.session.Leave(); err != nil {
			w.log.Warn("media leave failed", zap.Error(err))
		}
	}
	if w.link != nil {
		// session_end only for a stream that was actually forwarding.
		w.link.Shutdown(w.role == model.RolePrimary)
	}
}

// onFrame runs on the media read goroutine. Frames queue into a buffered
// channel; when the consumer lags the frame is dropped rather than blocking
// the media connection.
func (w *runtime) onFrame(f media.Frame) {
	select {
	case w.frames <- f:
	default:
	}
}

func (w *runtime) handleFrame(f media.Frame) {
	if w.role != model.RolePrimary {
		return
	}
	if w.link == nil {
		// A primary without a link means the signing key was unusable.
		if !w.noLinkWarn {
			w.noLinkWarn = true
			w.log.Warn("no backend link, dropping audio",
				zap.String("stream_id", w.streamID))
		}
		return
	}
	speaker := f.Speaker
	if speaker == "" {
		speaker = "Zoom RTMS"
	}
	msg := model.AudioMessage{
		UserName: speaker,
		Audio:    base64.StdEncoding.EncodeToString(f.Data),
	}
	if err := w.link.SendAudio(msg); err != nil {
		if w.link.WarnDropOnce() {
			w.log.Warn("backend link down, dropping audio until it reopens",
				zap.String("stream_id", w.streamID))
		}
	}
}

func (w *runtime) sendReport(r model.Report) {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	if err := w.out.Encode(r); err != nil {
		w.log.Warn("report write failed", zap.Error(err))
	}
}

func (w *runtime) sessionDone() <-chan struct{} {
	if w.session == nil {
		return nil
	}
	return w.session.Done()
}

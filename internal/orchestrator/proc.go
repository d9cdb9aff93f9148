package orchestrator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/jcarpenter-uam/calc-translation-sub000/internal/model"
)

// ProcLauncher spawns stream workers as child processes: the orchestrator's
// own executable re-invoked with the "worker" subcommand. Instructions go
// down stdin, reports come back on stdout, worker logs pass through stderr.
type ProcLauncher struct {
	execPath string
	log      *zap.Logger
}

// NewProcLauncher resolves the current executable as the worker binary.
func NewProcLauncher(log *zap.Logger) (*ProcLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolve executable: %w", err)
	}
	return &ProcLauncher{execPath: exe, log: log}, nil
}

// Launch starts one worker process. onReport fires for every report line the
// worker writes; onExit fires exactly once when the process ends.
func (l *ProcLauncher) Launch(streamID string, onReport func(model.Report), onExit func()) (WorkerHandle, error) {
	cmd := exec.Command(l.execPath, "worker")
	cmd.Env = os.Environ()
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("orchestrator: spawn worker: %w", err)
	}

	h := &procHandle{cmd: cmd, stdin: stdin, enc: json.NewEncoder(stdin)}
	go l.watch(streamID, cmd, stdout, onReport, onExit)
	return h, nil
}

// watch drains the worker's stdout, decoding report lines, then reaps the
// process and signals exit.
func (l *ProcLauncher) watch(streamID string, cmd *exec.Cmd, stdout io.Reader, onReport func(model.Report), onExit func()) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r model.Report
		if err := json.Unmarshal(line, &r); err != nil {
			l.log.Warn("unreadable worker report",
				zap.String("stream_id", streamID), zap.Error(err))
			continue
		}
		onReport(r)
	}

	err := cmd.Wait()
	if err != nil {
		l.log.Warn("worker process ended",
			zap.String("stream_id", streamID), zap.Error(err))
	}
	onExit()
}

type procHandle struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu  sync.Mutex
	enc *json.Encoder
}

// Send writes one instruction line. The pipe gives in-order delivery; the
// mutex keeps concurrent senders from interleaving lines.
func (h *procHandle) Send(in model.Instruction) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enc.Encode(in)
}

func (h *procHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *procHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Package orchestrator owns the active-stream table and the per-meeting
// primary assignment. It spawns one isolated worker process per stream,
// decides primary/standby at start, and promotes a standby when the primary
// disappears. No other component reads or writes these maps.
package orchestrator

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jcarpenter-uam/calc-translation-sub000/internal/errs"
	"github.com/jcarpenter-uam/calc-translation-sub000/internal/model"
)

// WorkerHandle is the orchestrator's grip on one worker process.
type WorkerHandle interface {
	// Send delivers one instruction; delivery is in-order per worker.
	Send(in model.Instruction) error
	// Kill force-terminates the process. Used after the stop grace period.
	Kill() error
	// PID identifies the process for logs and metrics.
	PID() int
}

// Launcher spawns worker processes. The exec-based launcher in this package
// is the production implementation; tests substitute a fake.
type Launcher interface {
	Launch(streamID string, onReport func(model.Report), onExit func()) (WorkerHandle, error)
}

type streamRecord struct {
	streamID    string
	meetingID   string
	role        model.Role
	handle      WorkerHandle
	startedAt   time.Time
	lastMetrics *model.WorkerMetrics
}

// Orchestrator maps meetings to worker sets and executes the failover
// protocol. All map access is serialized by one mutex.
type Orchestrator struct {
	launcher Launcher
	log      *zap.Logger
	grace    time.Duration
	now      func() time.Time

	mu          sync.Mutex
	streams     map[string]*streamRecord // stream_id -> record
	assignments map[string]string        // meeting_id -> primary stream_id
	exits       map[string]chan struct{} // stream_id -> closed on process exit
}

// New creates an orchestrator. grace is how long a stopped worker gets to
// exit cleanly before it is killed.
func New(launcher Launcher, grace time.Duration, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		launcher:    launcher,
		log:         log,
		grace:       grace,
		now:         time.Now,
		streams:     make(map[string]*streamRecord),
		assignments: make(map[string]string),
		exits:       make(map[string]chan struct{}),
	}
}

// StartStream handles a verified rtms_started event: assigns a role, spawns
// a worker, and sends it the start instruction. A stream id that already has
// an active record is a duplicate delivery and returns ErrDuplicateStream
// without spawning a second worker.
func (o *Orchestrator) StartStream(p *model.RTMSPayload) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.streams[p.StreamID]; ok {
		return errs.ErrDuplicateStream
	}

	// First stream for a meeting is primary; later ones stand by.
	role := model.RoleStandby
	if _, ok := o.assignments[p.MeetingUUID]; !ok {
		role = model.RolePrimary
	}

	streamID := p.StreamID
	handle, err := o.launcher.Launch(streamID,
		func(r model.Report) { o.onReport(streamID, r) },
		func() { o.onExit(streamID) },
	)
	if err != nil {
		return err
	}

	rec := &streamRecord{
		streamID:  streamID,
		meetingID: p.MeetingUUID,
		role:      role,
		handle:    handle,
		startedAt: o.now(),
	}
	o.streams[streamID] = rec
	o.exits[streamID] = make(chan struct{})
	if role == model.RolePrimary {
		o.assignments[p.MeetingUUID] = streamID
	}

	if err := handle.Send(model.Instruction{
		Op:       model.OpStart,
		StreamID: streamID,
		Role:     role,
		Payload:  p,
	}); err != nil {
		o.log.Error("start instruction failed",
			zap.String("stream_id", streamID), zap.Error(err))
	}

	o.log.Info("worker spawned",
		zap.String("stream_id", streamID),
		zap.String("meeting_uuid", p.MeetingUUID),
		zap.String("role", string(role)),
		zap.Int("pid", handle.PID()))
	return nil
}

// StopStream handles rtms_stopped: the record is removed immediately so new
// lookups miss it, a stop instruction goes to the worker, and the process is
// killed if it outlives the grace period. A stopped primary promotes a
// standby right away.
func (o *Orchestrator) StopStream(streamID string) error {
	o.mu.Lock()
	rec, ok := o.streams[streamID]
	if !ok {
		o.mu.Unlock()
		return errs.ErrStreamNotFound
	}
	delete(o.streams, streamID)
	wasPrimary := o.assignments[rec.meetingID] == streamID
	if wasPrimary {
		o.promoteLocked(rec.meetingID)
	}
	o.mu.Unlock()

	if err := rec.handle.Send(model.Instruction{Op: model.OpStop}); err != nil {
		o.log.Warn("stop instruction failed, killing worker",
			zap.String("stream_id", streamID), zap.Error(err))
		_ = rec.handle.Kill()
		return nil
	}

	handle := rec.handle
	time.AfterFunc(o.grace, func() {
		// No-op if the process already exited.
		if err := handle.Kill(); err == nil {
			o.log.Warn("worker killed after grace period",
				zap.String("stream_id", streamID))
		}
	})

	o.log.Info("worker stop requested",
		zap.String("stream_id", streamID),
		zap.Bool("was_primary", wasPrimary))
	return nil
}

// onExit handles a worker process exiting. For an expected stop the record
// is already gone; anything else is an unexpected termination and the
// failover protocol runs.
func (o *Orchestrator) onExit(streamID string) {
	o.mu.Lock()
	if ch, ok := o.exits[streamID]; ok {
		delete(o.exits, streamID)
		close(ch)
	}
	rec, ok := o.streams[streamID]
	if !ok {
		o.mu.Unlock()
		o.log.Debug("worker exited after stop", zap.String("stream_id", streamID))
		return
	}
	delete(o.streams, streamID)
	wasPrimary := o.assignments[rec.meetingID] == streamID
	if wasPrimary {
		o.promoteLocked(rec.meetingID)
	}
	o.mu.Unlock()

	o.log.Warn("worker exited unexpectedly",
		zap.String("stream_id", streamID),
		zap.String("meeting_uuid", rec.meetingID),
		zap.Bool("was_primary", wasPrimary))
}

// promoteLocked reassigns the meeting's primary to any surviving stream, or
// clears the assignment when none is left. Candidate selection is first
// found; no ordering is promised. Caller holds o.mu.
func (o *Orchestrator) promoteLocked(meetingID string) {
	for id, rec := range o.streams {
		if rec.meetingID != meetingID {
			continue
		}
		rec.role = model.RolePrimary
		o.assignments[meetingID] = id
		if err := rec.handle.Send(model.Instruction{Op: model.OpPromote}); err != nil {
			o.log.Error("promote instruction failed",
				zap.String("stream_id", id), zap.Error(err))
		}
		o.log.Info("standby promoted to primary",
			zap.String("stream_id", id),
			zap.String("meeting_uuid", meetingID))
		return
	}
	delete(o.assignments, meetingID)
	o.log.Warn("no standby left, meeting has no live feed",
		zap.String("meeting_uuid", meetingID))
}

func (o *Orchestrator) onReport(streamID string, r model.Report) {
	if r.Type != model.ReportMetrics || r.Metrics == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec, ok := o.streams[streamID]; ok {
		rec.lastMetrics = r.Metrics
	}
}

// Snapshot returns a read-only copy of every active stream for the metrics
// surface.
func (o *Orchestrator) Snapshot() []model.StreamStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	out := make([]model.StreamStatus, 0, len(o.streams))
	for _, rec := range o.streams {
		var metrics *model.WorkerMetrics
		if rec.lastMetrics != nil {
			m := *rec.lastMetrics
			metrics = &m
		}
		out = append(out, model.StreamStatus{
			StreamID:            rec.streamID,
			MeetingID:           rec.meetingID,
			Role:                rec.role,
			StartedAt:           rec.startedAt,
			UptimeSeconds:       int64(now.Sub(rec.startedAt).Seconds()),
			Metrics:             metrics,
			AwaitingFirstReport: metrics == nil,
		})
	}
	return out
}

// Shutdown stops every worker and waits for the processes to exit, up to
// the grace period; stragglers are killed. Called once on process shutdown.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	handles := make([]WorkerHandle, 0, len(o.streams))
	exited := make([]chan struct{}, 0, len(o.streams))
	for id, rec := range o.streams {
		handles = append(handles, rec.handle)
		if ch, ok := o.exits[id]; ok {
			exited = append(exited, ch)
		}
		delete(o.streams, id)
	}
	o.assignments = make(map[string]string)
	o.mu.Unlock()

	for _, h := range handles {
		if err := h.Send(model.Instruction{Op: model.OpStop}); err != nil {
			_ = h.Kill()
		}
	}
	if len(handles) == 0 {
		return
	}

	// One grace period shared across all workers, not one per worker.
	deadline := time.NewTimer(o.grace)
	defer deadline.Stop()
wait:
	for _, ch := range exited {
		select {
		case <-ch:
		case <-deadline.C:
			break wait
		}
	}
	for _, h := range handles {
		_ = h.Kill()
	}
}

package model

// Parent → worker instructions and worker → parent reports travel as
// line-delimited JSON over the worker's stdin/stdout pipes. Stdin gives
// in-order delivery per worker; stderr stays free for worker logs.

// InstructionOp names a worker instruction.
type InstructionOp string

const (
	OpStart   InstructionOp = "start"
	OpPromote InstructionOp = "promote"
	OpStop    InstructionOp = "stop"
)

// Instruction is one message from the orchestrator to a worker.
// StreamID, Role and Payload are set only for OpStart.
type Instruction struct {
	Op       InstructionOp `json:"op"`
	StreamID string        `json:"stream_id,omitempty"`
	Role     Role          `json:"role,omitempty"`
	Payload  *RTMSPayload  `json:"payload,omitempty"`
}

// Report types sent by a worker to its parent.
const (
	ReportMetrics = "metrics"
)

// Report is one message from a worker to the orchestrator.
type Report struct {
	Type    string         `json:"type"`
	Metrics *WorkerMetrics `json:"metrics,omitempty"`
}

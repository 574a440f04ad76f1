package agent

import "github.com/agor-dev/agor/pkg/claudecode"

// EventType enumerates the driver's typed event stream.
type EventType string

const (
	EventSessionIDCaptured EventType = "session_id_captured"
	EventPartial           EventType = "partial"
	EventToolStart         EventType = "tool_start"
	EventToolComplete      EventType = "tool_complete"
	EventMessageStart      EventType = "message_start"
	EventMessageComplete   EventType = "message_complete"
	EventComplete          EventType = "complete"
	EventResult            EventType = "result"
	EventEnd               EventType = "end"
)

// EndReason says why the event stream terminated.
type EndReason string

const (
	EndResult        EndReason = "result"
	EndTimeout       EndReason = "timeout"
	EndStopRequested EndReason = "stop_requested"
	EndError         EndReason = "error"
)

// Event is one element of the driver's output stream. Type selects the
// populated fields.
type Event struct {
	Type EventType

	// session_id_captured
	Handle string

	// partial
	Text string

	// tool_start / tool_complete
	ToolName  string
	ToolUseID string

	// complete
	Role   string
	Blocks []claudecode.ContentBlock

	// result
	Result *ResultInfo

	// end
	Reason EndReason
	Err    error
}

// ResultInfo is the final accounting frame of a prompt run.
type ResultInfo struct {
	Subtype      string
	IsError      bool
	DurationMS   int64
	CostUSD      float64
	NumTurns     int
	InputTokens  int64
	OutputTokens int64
	Text         string
}

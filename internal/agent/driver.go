// Package agent runs one coding-agent subprocess per prompt and turns
// its stream-json output into a typed event stream.
package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/config"
	"github.com/agor-dev/agor/internal/common/logger"
	"github.com/agor-dev/agor/pkg/claudecode"
)

// idleArmAfterMessages is how many frames arrive before the idle
// timeout starts counting.
const idleArmAfterMessages = 5

// PermissionFunc resolves a can_use_tool control request. It blocks
// until a decision exists or ctx is cancelled.
type PermissionFunc func(ctx context.Context, toolName string, input map[string]any, toolUseID string) *claudecode.PermissionResult

// RunSpec is one prompt run, fully assembled by the kernel.
type RunSpec struct {
	SessionID string
	TaskID    string

	Prompt  string
	CWD     string
	Env     []string
	Variant Variant
	Params  SpawnParams

	Credential *Credential

	// OnPermission handles can_use_tool requests. Nil denies.
	OnPermission PermissionFunc
}

// Driver owns the subprocess for the duration of one prompt.
type Driver struct {
	spawner ProcessSpawner
	cfg     config.AgentsConfig
	logger  *logger.Logger

	mu     sync.Mutex
	stderr *stderrBuffer
	cancel context.CancelFunc
}

// NewDriver creates a driver bound to a spawner.
func NewDriver(spawner ProcessSpawner, cfg config.AgentsConfig, log *logger.Logger) *Driver {
	return &Driver{
		spawner: spawner,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "agent-driver")),
	}
}

// GetStderr returns the captured stderr of the most recent run.
func (d *Driver) GetStderr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stderr == nil {
		return ""
	}
	return d.stderr.String()
}

// Stop cancels the in-flight run, if any.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}

// Run spawns the agent, sends the prompt, and streams typed events
// until the run ends. The returned channel closes after the terminal
// end event. The subprocess and its pipes are released on every exit
// path.
func (d *Driver) Run(ctx context.Context, spec RunSpec) (<-chan Event, error) {
	if err := d.validateCWD(spec.CWD); err != nil {
		return nil, err
	}

	args, err := spec.Variant.BuildSpawnArgs(spec.Params)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)

	proc, err := d.spawner.Spawn(runCtx, SpawnSpec{
		Path:       spec.Variant.Binary(d.cfg),
		Args:       args,
		Env:        spec.Env,
		Dir:        spec.CWD,
		Credential: spec.Credential,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("spawn agent: %w", err)
	}

	stderr := newStderrBuffer()
	d.mu.Lock()
	d.stderr = stderr
	d.cancel = cancel
	d.mu.Unlock()

	log := d.logger.WithFields(
		zap.String("session_id", spec.SessionID),
		zap.String("task_id", spec.TaskID),
		zap.Int("pid", proc.PID()))
	log.Info("agent spawned", zap.String("agent", string(spec.Variant.Kind)))

	go stderr.consume(proc.Stderr(), log)

	client := claudecode.NewClient(proc.Stdin(), proc.Stdout(), d.logger)

	events := make(chan Event, 64)
	frames := make(chan *claudecode.CLIMessage, 64)

	client.SetMessageHandler(func(msg *claudecode.CLIMessage) {
		select {
		case frames <- msg:
		case <-runCtx.Done():
		}
	})
	client.SetRequestHandler(func(requestID string, req *claudecode.ControlRequest) {
		go d.handleControlRequest(runCtx, client, spec, requestID, req)
	})

	<-client.Start(runCtx)

	// A dead subprocess closes stdout; surface that as a closed frame
	// stream instead of hanging until the idle timeout.
	go func() {
		<-client.Done()
		close(frames)
	}()

	go func() {
		defer close(events)
		defer cancel()
		defer client.Stop()

		d.pump(runCtx, spec, client, proc, frames, events)

		d.terminate(proc, log)
	}()

	if err := client.SendUserMessage(spec.Prompt); err != nil {
		cancel()
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	return events, nil
}

// validateCWD checks the worktree path. Missing .git or an empty
// directory is a warning, not a failure.
func (d *Driver) validateCWD(cwd string) error {
	info, err := os.Stat(cwd)
	if err != nil {
		return fmt.Errorf("worktree path %s: %w", cwd, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("worktree path %s is not a directory", cwd)
	}

	if _, err := os.Stat(filepath.Join(cwd, ".git")); err != nil {
		d.logger.Warn("worktree_missing_git", zap.String("path", cwd))
	}
	if entries, err := os.ReadDir(cwd); err == nil && len(entries) == 0 {
		d.logger.Warn("worktree_empty", zap.String("path", cwd))
	}
	return nil
}

// pump is the classification loop: frames in, events out.
func (d *Driver) pump(ctx context.Context, spec RunSpec, client *claudecode.Client, proc Process, frames <-chan *claudecode.CLIMessage, events chan<- Event) {
	idleTimeout := d.cfg.IdleTimeout()
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	idle := time.NewTimer(idleTimeout)
	idle.Stop()
	defer idle.Stop()

	var (
		frameCount  int
		capturedID  string
		toolByIndex = map[int]claudecode.ContentBlock{}
	)

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			// The run was stopped mid-stream; the end event must still
			// land so the outcome is settled as a stop, not a crash.
			emitTerminal(events, Event{Type: EventEnd, Reason: EndStopRequested})
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			emitTerminal(events, Event{Type: EventEnd, Reason: EndStopRequested})
			return

		case <-idle.C:
			d.logger.Warn("agent idle timeout",
				zap.String("session_id", spec.SessionID),
				zap.Duration("timeout", idleTimeout))
			emitTerminal(events, Event{Type: EventEnd, Reason: EndTimeout})
			return

		case msg, ok := <-frames:
			if !ok {
				emitTerminal(events, Event{Type: EventEnd, Reason: EndError, Err: fmt.Errorf("agent stream closed")})
				return
			}

			frameCount++
			if frameCount >= idleArmAfterMessages {
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(idleTimeout)
			}

			if msg.SessionID != "" && msg.SessionID != capturedID {
				capturedID = msg.SessionID
				if !emit(Event{Type: EventSessionIDCaptured, Handle: msg.SessionID}) {
					return
				}
			}

			switch msg.Type {
			case claudecode.MessageTypeSystem:
				// init and compact_boundary carry no further events

			case claudecode.MessageTypeStreamEvent:
				if msg.Event == nil {
					continue
				}
				if !d.handleStreamEvent(spec, msg.Event, toolByIndex, emit) {
					return
				}

			case claudecode.MessageTypeAssistant:
				if msg.Message == nil {
					continue
				}
				if !emit(Event{Type: EventComplete, Role: "assistant", Blocks: msg.Message.Blocks()}) {
					return
				}

			case claudecode.MessageTypeUser:
				if msg.IsReplay || msg.Message == nil {
					continue
				}
				blocks := msg.Message.Blocks()
				if len(blocks) == 0 && msg.Message.Text() == "" {
					continue
				}
				if len(blocks) == 0 {
					blocks = []claudecode.ContentBlock{{Type: "text", Text: msg.Message.Text()}}
				}
				if !emit(Event{Type: EventComplete, Role: "user", Blocks: blocks}) {
					return
				}

			case claudecode.MessageTypeResult:
				result := &ResultInfo{
					Subtype:      msg.Subtype,
					IsError:      msg.IsError,
					DurationMS:   msg.DurationMS,
					CostUSD:      msg.CostUSD,
					NumTurns:     msg.NumTurns,
					InputTokens:  msg.TotalInputTokens,
					OutputTokens: msg.TotalOutputTokens,
				}
				if data := msg.GetResultData(); data != nil {
					result.Text = data.Text
				} else {
					result.Text = msg.GetResultString()
				}
				if !emit(Event{Type: EventResult, Result: result}) {
					return
				}
				emitTerminal(events, Event{Type: EventEnd, Reason: EndResult})
				return
			}
		}
	}
}

// handleStreamEvent maintains the content-block stack and produces the
// delta-level events. Returns false when ctx ended mid-emit.
func (d *Driver) handleStreamEvent(spec RunSpec, ev *claudecode.StreamEvent, toolByIndex map[int]claudecode.ContentBlock, emit func(Event) bool) bool {
	switch ev.Type {
	case claudecode.EventMessageStart:
		return emit(Event{Type: EventMessageStart})

	case claudecode.EventContentBlockStart:
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			toolByIndex[ev.Index] = *ev.ContentBlock
			return emit(Event{Type: EventToolStart, ToolName: ev.ContentBlock.Name, ToolUseID: ev.ContentBlock.ID})
		}

	case claudecode.EventContentBlockDelta:
		if spec.Params.StreamPartials && ev.Delta != nil && ev.Delta.Type == claudecode.DeltaText {
			return emit(Event{Type: EventPartial, Text: ev.Delta.Text})
		}

	case claudecode.EventContentBlockStop:
		if block, open := toolByIndex[ev.Index]; open {
			delete(toolByIndex, ev.Index)
			return emit(Event{Type: EventToolComplete, ToolName: block.Name, ToolUseID: block.ID})
		}

	case claudecode.EventMessageStop:
		for index := range toolByIndex {
			delete(toolByIndex, index)
		}
		return emit(Event{Type: EventMessageComplete})
	}
	return true
}

// handleControlRequest routes a can_use_tool request to the arbiter and
// answers everything else with an error.
func (d *Driver) handleControlRequest(ctx context.Context, client *claudecode.Client, spec RunSpec, requestID string, req *claudecode.ControlRequest) {
	if req.Subtype != claudecode.SubtypeCanUseTool {
		d.respond(client, requestID, &claudecode.ControlResponse{
			Subtype: "error",
			Error:   fmt.Sprintf("unsupported control request %q", req.Subtype),
		})
		return
	}

	result := &claudecode.PermissionResult{
		Behavior: claudecode.BehaviorDeny,
		Message:  "no permission handler configured",
	}
	if spec.OnPermission != nil {
		if r := spec.OnPermission(ctx, req.ToolName, req.Input, req.ToolUseID); r != nil {
			result = r
		}
	}

	d.respond(client, requestID, &claudecode.ControlResponse{
		Subtype: "success",
		Result:  result,
	})
}

func (d *Driver) respond(client *claudecode.Client, requestID string, resp *claudecode.ControlResponse) {
	if err := client.SendControlResponse(&claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response:  resp,
	}); err != nil {
		d.logger.Warn("failed to send control response",
			zap.String("request_id", requestID), zap.Error(err))
	}
}

// terminate shuts the subprocess down: graceful signal, bounded grace
// period, then KILL.
func (d *Driver) terminate(proc Process, log *logger.Logger) {
	grace := d.cfg.TerminationGrace()
	if grace <= 0 {
		grace = 5 * time.Second
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Likely already exited
		_ = proc.Wait()
		return
	}

	done := make(chan struct{})
	go func() {
		_ = proc.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		log.Warn("agent did not exit in grace period, killing")
		_ = proc.Kill()
		<-done
	}
}

// emitTerminal delivers the end event even under backpressure. The
// consumer drains the channel until it closes, so a blocked send
// resolves as soon as it catches up; dropping the end event would
// misreport the run as an abnormal exit.
func emitTerminal(events chan<- Event, ev Event) {
	events <- ev
}

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/agor-dev/agor/pkg/claudecode"
)

// incomingFrame covers every frame the daemon writes to the agent's
// stdin: user prompts, SDK control requests, and answers to our
// permission requests.
type incomingFrame struct {
	Type      string                             `json:"type"`
	RequestID string                             `json:"request_id,omitempty"`
	Request   *claudecode.SDKControlRequestBody  `json:"request,omitempty"`
	Message   *claudecode.UserMessageBody        `json:"message,omitempty"`
	Response  *claudecode.ControlResponse        `json:"response,omitempty"`
}

type mock struct {
	enc       *json.Encoder
	opts      options
	sessionID string
	requestN  int
}

func newMock(out io.Writer, opts options) *mock {
	sessionID := fmt.Sprintf("mock-session-%d", os.Getpid())
	// Resuming continues the stored conversation under the same handle;
	// forking branches it under a fresh one.
	if opts.Resume != "" && !opts.ForkSession {
		sessionID = opts.Resume
	}
	return &mock{
		enc:       json.NewEncoder(out),
		opts:      opts,
		sessionID: sessionID,
	}
}

// serve reads frames until stdin closes.
func (m *mock) serve(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	m.emitInit()

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame incomingFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case claudecode.MessageTypeControlRequest:
			m.answerControlRequest(&frame)
		case claudecode.MessageTypeUser:
			if frame.Message != nil {
				m.runScenario(scanner, frame.Message.Content)
			}
		}
	}
	return scanner.Err()
}

func (m *mock) emit(frame any) {
	_ = m.enc.Encode(frame)
}

func (m *mock) emitInit() {
	m.emit(&claudecode.CLIMessage{
		Type:      claudecode.MessageTypeSystem,
		Subtype:   claudecode.SystemSubtypeInit,
		SessionID: m.sessionID,
	})
}

// answerControlRequest acknowledges initialize, interrupt, and
// set_permission_mode. The request id rides inside the response object.
func (m *mock) answerControlRequest(frame *incomingFrame) {
	m.emit(&claudecode.CLIMessage{
		Type: claudecode.MessageTypeControlResponse,
		Response: &claudecode.IncomingControlResponse{
			Subtype:   "success",
			RequestID: frame.RequestID,
		},
	})
}

// requestPermission sends a can_use_tool control request and blocks
// reading frames until the matching response arrives. Other control
// requests arriving in the meantime are acknowledged inline.
func (m *mock) requestPermission(scanner *bufio.Scanner, toolName string, input map[string]any, toolUseID string) *claudecode.PermissionResult {
	m.requestN++
	requestID := fmt.Sprintf("%s-req-%d", m.sessionID, m.requestN)

	m.emit(&claudecode.CLIMessage{
		Type:      claudecode.MessageTypeControlRequest,
		RequestID: requestID,
		Request: &claudecode.ControlRequest{
			Subtype:   claudecode.SubtypeCanUseTool,
			ToolName:  toolName,
			Input:     input,
			ToolUseID: toolUseID,
		},
	})

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame incomingFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case claudecode.MessageTypeControlRequest:
			m.answerControlRequest(&frame)
		case claudecode.MessageTypeControlResponse:
			if frame.RequestID != requestID || frame.Response == nil {
				continue
			}
			if frame.Response.Result != nil {
				return frame.Response.Result
			}
			return &claudecode.PermissionResult{Behavior: claudecode.BehaviorDeny, Message: frame.Response.Error}
		}
	}
	return &claudecode.PermissionResult{Behavior: claudecode.BehaviorDeny, Message: "stdin closed"}
}

func (m *mock) emitAssistantBlocks(blocks []claudecode.ContentBlock) {
	content, _ := json.Marshal(blocks)
	m.emit(&claudecode.CLIMessage{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.MessageBody{
			Role:    "assistant",
			Model:   m.opts.Model,
			Content: content,
		},
		SessionID: m.sessionID,
	})
}

func (m *mock) emitAssistantText(text string) {
	m.emitAssistantBlocks([]claudecode.ContentBlock{{Type: "text", Text: text}})
}

func (m *mock) emitToolResult(toolUseID, content string) {
	raw, _ := json.Marshal(content)
	blocks := []claudecode.ContentBlock{{
		Type:      "tool_result",
		ToolUseID: toolUseID,
		Content:   raw,
	}}
	body, _ := json.Marshal(blocks)
	m.emit(&claudecode.CLIMessage{
		Type:      claudecode.MessageTypeUser,
		Message:   &claudecode.MessageBody{Role: "user", Content: body},
		SessionID: m.sessionID,
	})
}

// emitPartials streams a text response as delta frames the way the real
// CLI does with --include-partial-messages.
func (m *mock) emitPartials(text string) {
	if !m.opts.Partials {
		return
	}
	m.emit(&claudecode.CLIMessage{
		Type:  claudecode.MessageTypeStreamEvent,
		Event: &claudecode.StreamEvent{Type: claudecode.EventMessageStart},
	})
	m.emit(&claudecode.CLIMessage{
		Type: claudecode.MessageTypeStreamEvent,
		Event: &claudecode.StreamEvent{
			Type:         claudecode.EventContentBlockStart,
			ContentBlock: &claudecode.ContentBlock{Type: "text"},
		},
	})

	const chunkSize = 16
	for start := 0; start < len(text); start += chunkSize {
		end := start + chunkSize
		if end > len(text) {
			end = len(text)
		}
		m.emit(&claudecode.CLIMessage{
			Type: claudecode.MessageTypeStreamEvent,
			Event: &claudecode.StreamEvent{
				Type:  claudecode.EventContentBlockDelta,
				Delta: &claudecode.Delta{Type: claudecode.DeltaText, Text: text[start:end]},
			},
		})
	}

	m.emit(&claudecode.CLIMessage{
		Type:  claudecode.MessageTypeStreamEvent,
		Event: &claudecode.StreamEvent{Type: claudecode.EventContentBlockStop},
	})
	m.emit(&claudecode.CLIMessage{
		Type:  claudecode.MessageTypeStreamEvent,
		Event: &claudecode.StreamEvent{Type: claudecode.EventMessageStop},
	})
}

func (m *mock) emitResult(text string, isError bool, numTurns int) {
	var raw json.RawMessage
	if isError {
		raw, _ = json.Marshal(text)
	} else {
		raw, _ = json.Marshal(&claudecode.ResultData{Text: text, SessionID: m.sessionID})
	}
	subtype := "success"
	if isError {
		subtype = "error_during_execution"
	}
	m.emit(&claudecode.CLIMessage{
		Type:       claudecode.MessageTypeResult,
		Subtype:    subtype,
		Result:     raw,
		IsError:    isError,
		SessionID:  m.sessionID,
		CostUSD:    0.0042,
		DurationMS: 1200,
		NumTurns:   numTurns,
	})
}

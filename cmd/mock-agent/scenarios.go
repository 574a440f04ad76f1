package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/agor-dev/agor/pkg/claudecode"
)

// Prompt markers selecting a simulated behavior. Anything else gets the
// plain text response.
const (
	markerError      = "::error"
	markerPermission = "::permission"
	markerThinking   = "::thinking"
)

func (m *mock) runScenario(scanner *bufio.Scanner, prompt string) {
	switch {
	case strings.Contains(prompt, markerError):
		m.runError()
	case strings.Contains(prompt, markerPermission):
		m.runPermission(scanner)
	case strings.Contains(prompt, markerThinking):
		m.runThinking(prompt)
	default:
		m.runText(prompt)
	}
}

func (m *mock) runText(prompt string) {
	reply := fmt.Sprintf("Mock response to: %s", strings.TrimSpace(prompt))
	m.emitPartials(reply)
	m.emitAssistantText(reply)
	m.emitResult(reply, false, 1)
}

func (m *mock) runThinking(prompt string) {
	m.emitAssistantBlocks([]claudecode.ContentBlock{
		{Type: "thinking", Thinking: "Considering the request before answering."},
		{Type: "text", Text: "Thought it through."},
	})
	m.emitResult("Thought it through.", false, 1)
}

func (m *mock) runError() {
	m.emitAssistantText("Something is about to go wrong.")
	m.emitResult("mock execution failure", true, 1)
}

// runPermission exercises the full tool round trip: tool_use block,
// can_use_tool request, decision, tool_result, final text.
func (m *mock) runPermission(scanner *bufio.Scanner) {
	const toolUseID = "toolu_mock_1"
	input := map[string]any{
		"file_path": "notes.txt",
		"content":   "mock content",
	}

	m.emitAssistantBlocks([]claudecode.ContentBlock{
		{Type: "text", Text: "I'll write that file."},
		{Type: "tool_use", ID: toolUseID, Name: claudecode.ToolWrite, Input: input},
	})

	decision := m.requestPermission(scanner, claudecode.ToolWrite, input, toolUseID)
	if decision == nil || decision.Behavior != claudecode.BehaviorAllow {
		reason := "permission denied"
		if decision != nil && decision.Message != "" {
			reason = decision.Message
		}
		m.emitToolResult(toolUseID, reason)
		m.emitAssistantText("I couldn't write the file: " + reason)
		m.emitResult("Stopped after a denied tool use.", false, 2)
		return
	}

	m.emitToolResult(toolUseID, "File written successfully.")
	m.emitAssistantText("Done, the file is written.")
	m.emitResult("Done, the file is written.", false, 2)
}

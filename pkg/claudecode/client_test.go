package claudecode

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agor-dev/agor/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

func TestClient_SendUserMessage(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), newTestLogger())

	if err := client.SendUserMessage("Hello there"); err != nil {
		t.Fatalf("SendUserMessage() error = %v", err)
	}

	var msg UserMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg); err != nil {
		t.Fatalf("failed to parse sent message: %v", err)
	}
	if msg.Type != MessageTypeUser {
		t.Errorf("Type = %q, want %q", msg.Type, MessageTypeUser)
	}
	if msg.Message.Role != "user" {
		t.Errorf("Message.Role = %q, want user", msg.Message.Role)
	}
	if msg.Message.Content != "Hello there" {
		t.Errorf("Message.Content = %q, want %q", msg.Message.Content, "Hello there")
	}
}

func TestClient_SendControlResponse(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), newTestLogger())

	resp := &ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: "req123",
		Response: &ControlResponse{
			Subtype: "success",
			Result:  &PermissionResult{Behavior: BehaviorAllow},
		},
	}
	if err := client.SendControlResponse(resp); err != nil {
		t.Fatalf("SendControlResponse() error = %v", err)
	}

	var parsed ControlResponseMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &parsed); err != nil {
		t.Fatalf("failed to parse sent message: %v", err)
	}
	if parsed.RequestID != "req123" {
		t.Errorf("RequestID = %q, want req123", parsed.RequestID)
	}
	if parsed.Response == nil || parsed.Response.Result == nil || parsed.Response.Result.Behavior != BehaviorAllow {
		t.Errorf("Response = %+v, want allow result", parsed.Response)
	}
}

func TestClient_HandleMessages(t *testing.T) {
	messages := []string{
		`{"type":"system","subtype":"init","session_id":"sess123"}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hello"}]}}`,
	}
	input := strings.Join(messages, "\n") + "\n"

	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(input), newTestLogger())

	var received []CLIMessage
	var mu sync.Mutex
	client.SetMessageHandler(func(msg *CLIMessage) {
		mu.Lock()
		received = append(received, *msg)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	client.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 3 {
		t.Fatalf("received %d messages, want 3", len(received))
	}
	if received[0].SessionID != "sess123" {
		t.Errorf("SessionID = %q, want sess123", received[0].SessionID)
	}
	if received[1].Event == nil || received[1].Event.Delta == nil || received[1].Event.Delta.Text != "Hel" {
		t.Errorf("stream event = %+v, want text delta Hel", received[1].Event)
	}
	if blocks := received[2].Message.Blocks(); len(blocks) != 1 || blocks[0].Text != "Hello" {
		t.Errorf("assistant blocks = %+v, want one text block Hello", blocks)
	}
}

func TestClient_HandleControlRequest(t *testing.T) {
	input := `{"type":"control_request","request_id":"req123","request":{"subtype":"can_use_tool","tool_name":"Bash"}}` + "\n"

	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(input), newTestLogger())

	var receivedReq *ControlRequest
	var receivedID string
	var mu sync.Mutex

	client.SetRequestHandler(func(requestID string, req *ControlRequest) {
		mu.Lock()
		receivedID = requestID
		receivedReq = req
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	client.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if receivedID != "req123" {
		t.Errorf("requestID = %q, want req123", receivedID)
	}
	if receivedReq == nil {
		t.Fatal("receivedReq is nil")
	}
	if receivedReq.Subtype != SubtypeCanUseTool {
		t.Errorf("Subtype = %q, want %q", receivedReq.Subtype, SubtypeCanUseTool)
	}
}

func TestClient_Initialize(t *testing.T) {
	// Feed the CLI side: read the initialize request off stdin, answer
	// on stdout with a matching request_id.
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	client := NewClient(stdinW, stdoutR, newTestLogger())
	ctx := context.Background()
	<-client.Start(ctx)
	defer client.Stop()

	go func() {
		dec := json.NewDecoder(stdinR)
		var req SDKControlRequest
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := map[string]any{
			"type": MessageTypeControlResponse,
			"response": map[string]any{
				"subtype":    "success",
				"request_id": req.RequestID,
				"response": map[string]any{
					"commands": []map[string]any{{"name": "compact"}},
				},
			},
		}
		data, _ := json.Marshal(resp)
		stdoutW.Write(append(data, '\n'))
	}()

	info, err := client.Initialize(ctx, time.Second)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if len(info.Commands) != 1 || info.Commands[0].Name != "compact" {
		t.Errorf("Commands = %+v, want single compact", info.Commands)
	}
}

func TestClient_InitializeTimeout(t *testing.T) {
	var buf bytes.Buffer
	pr, _ := io.Pipe()
	client := NewClient(&buf, pr, newTestLogger())

	ctx := context.Background()
	<-client.Start(ctx)
	defer client.Stop()

	_, err := client.Initialize(ctx, 20*time.Millisecond)
	if err == nil {
		t.Fatal("Initialize() should time out with no response")
	}
}

func TestClient_Stop(t *testing.T) {
	pr, _ := io.Pipe()

	var buf bytes.Buffer
	client := NewClient(&buf, pr, newTestLogger())

	client.Start(context.Background())

	// Stop must be idempotent
	client.Stop()
	client.Stop()
}

func TestClient_NoHandlerAutoReject(t *testing.T) {
	input := `{"type":"control_request","request_id":"req123","request":{"subtype":"can_use_tool","tool_name":"Bash"}}` + "\n"

	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(input), newTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	client.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	if buf.Len() == 0 {
		t.Fatal("expected error response to be sent")
	}

	var resp ControlResponseMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Response == nil || resp.Response.Subtype != "error" {
		t.Error("expected error response")
	}
}

func TestClient_EmptyLines(t *testing.T) {
	input := "\n\n{\"type\":\"system\",\"session_id\":\"abc\"}\n\n"

	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(input), newTestLogger())

	var count int
	var mu sync.Mutex
	client.SetMessageHandler(func(msg *CLIMessage) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	client.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestClient_InvalidJSON(t *testing.T) {
	input := "{invalid json}\n{\"type\":\"system\"}\n"

	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(input), newTestLogger())

	var count int
	var mu sync.Mutex
	client.SetMessageHandler(func(msg *CLIMessage) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	client.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

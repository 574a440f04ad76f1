package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agor-dev/agor/internal/common/ids"
	"github.com/agor-dev/agor/internal/store"
)

func (s *Server) registerTools(srv *server.MCPServer) {
	srv.AddTool(
		mcp.NewTool("session_info",
			mcp.WithDescription("Describe the session you are running in: status, worktree, genealogy, and activity counters."),
		),
		s.sessionInfoHandler(),
	)

	srv.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List the prompts already run in this session, with their status and final report."),
		),
		s.listTasksHandler(),
	)

	srv.AddTool(
		mcp.NewTool("list_children",
			mcp.WithDescription("List sessions spawned or forked from this one, with their current status."),
		),
		s.listChildrenHandler(),
	)

	srv.AddTool(
		mcp.NewTool("spawn_session",
			mcp.WithDescription(
				"Spawn a subagent session from this session and start it on a prompt. "+
					"The child shares this session's worktree and agent configuration and "+
					"runs independently; use list_children to check on it.",
			),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The prompt the subagent starts with"),
			),
		),
		s.spawnSessionHandler(),
	)

	s.logger.Info("registered self-access MCP tools", zap.Int("count", 4))
}

func (s *Server) sessionInfoHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess, err := s.callerSession(ctx)
		if err != nil {
			return mcp.NewToolResultError("unauthorized: unknown session token"), nil
		}

		info := map[string]any{
			"session_id":     sess.ID,
			"short_id":       ids.Short(sess.ID),
			"status":         sess.Status,
			"agentic_tool":   sess.AgenticTool,
			"worktree_id":    sess.WorktreeID,
			"created_by":     sess.CreatedBy,
			"message_count":  sess.MessageCount,
			"tool_use_count": sess.ToolUseCount,
			"created_at":     sess.CreatedAt,
		}
		if g := sess.Genealogy; g != nil && !g.IsFresh() {
			info["genealogy"] = g
		}
		return jsonResult(info)
	}
}

func (s *Server) listTasksHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess, err := s.callerSession(ctx)
		if err != nil {
			return mcp.NewToolResultError("unauthorized: unknown session token"), nil
		}

		tasks, err := s.tasks.FindBySession(ctx, sess.ID)
		if err != nil {
			s.logger.Error("Failed to list tasks", zap.String("session_id", sess.ID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
		}

		out := make([]map[string]any, 0, len(tasks))
		for _, t := range tasks {
			entry := map[string]any{
				"task_id":        t.ID,
				"description":    t.Description,
				"status":         t.Status,
				"tool_use_count": t.ToolUseCount,
				"created_at":     t.CreatedAt,
			}
			if t.Report != "" {
				entry["report"] = t.Report
			}
			out = append(out, entry)
		}
		return jsonResult(out)
	}
}

func (s *Server) listChildrenHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess, err := s.callerSession(ctx)
		if err != nil {
			return mcp.NewToolResultError("unauthorized: unknown session token"), nil
		}

		children, err := s.sessions.FindChildren(ctx, sess.ID)
		if err != nil {
			s.logger.Error("Failed to list children", zap.String("session_id", sess.ID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to list children: %v", err)), nil
		}

		out := make([]map[string]any, 0, len(children))
		for _, c := range children {
			out = append(out, map[string]any{
				"session_id": c.ID,
				"short_id":   ids.Short(c.ID),
				"status":     c.Status,
				"genealogy":  c.Genealogy,
				"created_at": c.CreatedAt,
			})
		}
		return jsonResult(out)
	}
}

func (s *Server) spawnSessionHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess, err := s.callerSession(ctx)
		if err != nil {
			return mcp.NewToolResultError("unauthorized: unknown session token"), nil
		}

		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		atTaskID := latestTaskID(sess)
		if atTaskID == "" {
			return mcp.NewToolResultError("session has no task to spawn from"), nil
		}

		child, err := s.kernel.Spawn(ctx, sess.ID, atTaskID)
		if err != nil {
			s.logger.Error("Failed to spawn session", zap.String("parent_id", sess.ID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to spawn session: %v", err)), nil
		}

		taskID, err := s.kernel.SendPrompt(ctx, child.ID, prompt)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("spawned %s but failed to start prompt: %v", ids.Short(child.ID), err)), nil
		}

		return jsonResult(map[string]any{
			"session_id": child.ID,
			"short_id":   ids.Short(child.ID),
			"task_id":    taskID,
		})
	}
}

// latestTaskID is the spawn point: the most recently created task.
func latestTaskID(sess *store.Session) string {
	if len(sess.TaskIDs) == 0 {
		return ""
	}
	return sess.TaskIDs[len(sess.TaskIDs)-1]
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}

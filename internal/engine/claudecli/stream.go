package claudecli

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"agentcrew/internal/core"
)

const maxEventText = 2000

type streamEvent struct {
	Type         string          `json:"type"`
	Subtype      string          `json:"subtype"`
	SessionID    string          `json:"session_id"`
	Model        string          `json:"model"`
	Message      *streamMessage  `json:"message"`
	Result       string          `json:"result"`
	IsError      bool            `json:"is_error"`
	NumTurns     int             `json:"num_turns"`
	DurationMs   int64           `json:"duration_ms"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	MCPServers   []mcpServerInfo `json:"mcp_servers"`
}

type mcpServerInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

type streamMessage struct {
	Model   string         `json:"model"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// streamParser folds stream-json lines into progress events and a final result.
type streamParser struct {
	emit      func(core.ProgressEvent)
	sessionID string
	model     string
	lastText  string
	result    *core.RunResult
}

func newStreamParser(emit func(core.ProgressEvent)) *streamParser {
	return &streamParser{emit: emit}
}

// Line handles one line of engine stdout.
func (p *streamParser) Line(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	var ev streamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		p.emit(core.ProgressEvent{Kind: core.ProgressNotice, Message: clip(line)})
		return
	}
	if ev.SessionID != "" {
		p.sessionID = ev.SessionID
	}
	switch ev.Type {
	case "system":
		if ev.Model != "" {
			p.model = ev.Model
		}
		servers := make([]string, 0, len(ev.MCPServers))
		for _, s := range ev.MCPServers {
			servers = append(servers, s.Name+":"+s.Status)
		}
		p.emit(core.ProgressEvent{
			Kind:    core.ProgressInit,
			Message: "session " + ev.Subtype,
			Metadata: map[string]any{
				"session_id":  ev.SessionID,
				"model":       ev.Model,
				"mcp_servers": servers,
			},
		})
	case "assistant":
		p.assistant(ev.Message)
	case "user":
		p.toolResults(ev.Message)
	case "result":
		p.finish(ev)
	default:
		p.emit(core.ProgressEvent{Kind: core.ProgressNotice, Message: "unhandled event " + ev.Type})
	}
}

func (p *streamParser) assistant(msg *streamMessage) {
	if msg == nil {
		return
	}
	if msg.Model != "" {
		p.model = msg.Model
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text := strings.TrimSpace(block.Text)
			if text == "" {
				continue
			}
			p.lastText = text
			p.emit(core.ProgressEvent{Kind: core.ProgressAssistant, Message: clip(text)})
		case "tool_use":
			p.emit(core.ProgressEvent{
				Kind:     core.ProgressToolUse,
				Message:  block.Name,
				Metadata: map[string]any{"tool_use_id": block.ID, "input": clip(string(block.Input))},
			})
		}
	}
}

func (p *streamParser) toolResults(msg *streamMessage) {
	if msg == nil {
		return
	}
	for _, block := range msg.Content {
		if block.Type != "tool_result" {
			continue
		}
		level := core.LogInfo
		if block.IsError {
			level = core.LogWarn
		}
		p.emit(core.ProgressEvent{
			Kind:     core.ProgressToolResult,
			Level:    level,
			Message:  clip(toolResultText(block.Content)),
			Metadata: map[string]any{"tool_use_id": block.ToolUseID, "is_error": block.IsError},
		})
	}
}

// toolResultText flattens a tool_result content field, which is either a
// string or a list of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func (p *streamParser) finish(ev streamEvent) {
	res := &core.RunResult{
		Success:    !ev.IsError && (ev.Subtype == "" || ev.Subtype == "success"),
		Output:     ev.Result,
		SessionID:  p.sessionID,
		TurnCount:  ev.NumTurns,
		CostUSD:    ev.TotalCostUSD,
		DurationMs: ev.DurationMs,
		Model:      p.model,
	}
	if res.Output == "" {
		res.Output = p.lastText
	}
	if !res.Success {
		res.Error = strings.TrimSpace(ev.Result)
		if res.Error == "" {
			res.Error = "engine finished with " + ev.Subtype
		}
	}
	p.result = res
	level := core.LogInfo
	if !res.Success {
		level = core.LogError
	}
	p.emit(core.ProgressEvent{
		Kind:    core.ProgressResult,
		Level:   level,
		Message: ev.Subtype,
		Metadata: map[string]any{
			"success":     res.Success,
			"session_id":  res.SessionID,
			"turns":       res.TurnCount,
			"cost_usd":    res.CostUSD,
			"duration_ms": res.DurationMs,
		},
	})
}

func clip(s string) string {
	if len(s) <= maxEventText {
		return s
	}
	cut := maxEventText
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

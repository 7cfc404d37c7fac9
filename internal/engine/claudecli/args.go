package claudecli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"agentcrew/internal/capability"
	"agentcrew/internal/core"
)

// BuildArgs builds the claude CLI arguments for one non-interactive run:
// -p runs the prompt and exits, stream-json emits one JSON event per line
// (which requires --verbose), and --mcp-config points at the run's providers.
func BuildArgs(prompt string, ro core.RunOptions, mcpConfigPath string, skipPermissions bool) []string {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if ro.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(ro.MaxTurns))
	}
	if ro.Model != "" {
		args = append(args, "--model", ro.Model)
	}
	if mcpConfigPath != "" {
		args = append(args, "--mcp-config", mcpConfigPath)
	}
	if ro.ResumeSessionID != "" {
		args = append(args, "--resume", ro.ResumeSessionID)
	}
	if skipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	return args
}

type mcpConfig struct {
	MCPServers map[string]capability.Descriptor `json:"mcpServers"`
}

// writeMCPConfig writes the run's provider descriptors into a fresh file under
// the working directory and returns its path. No file is written for an
// empty set.
func writeMCPConfig(workDir string, descriptors map[string]capability.Descriptor) (string, error) {
	if len(descriptors) == 0 {
		return "", nil
	}
	dir := filepath.Join(workDir, ".agentcrew")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create mcp config dir: %w", err)
	}
	data, err := json.MarshalIndent(mcpConfig{MCPServers: descriptors}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode mcp config: %w", err)
	}
	path := filepath.Join(dir, "mcp-"+uuid.NewString()+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write mcp config: %w", err)
	}
	return path, nil
}

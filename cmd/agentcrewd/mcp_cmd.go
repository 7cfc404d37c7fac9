package main

import (
	"errors"

	"github.com/spf13/cobra"

	"agentcrew/internal/core"
	"agentcrew/internal/logging"
	"agentcrew/internal/mcp"
	"agentcrew/internal/store"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the task-management capability on stdio",
	Long:  `Serve the task-management MCP tools for one agent on stdin/stdout. Agents get this command through their per-run capability config.`,
	RunE:  runMCP,
}

var (
	mcpUserID  string
	mcpAgentID int64
)

func init() {
	mcpCmd.Flags().StringVar(&mcpUserID, "user-id", "", "user the agent belongs to")
	mcpCmd.Flags().Int64Var(&mcpAgentID, "agent-id", 0, "calling agent id")
}

func runMCP(cmd *cobra.Command, _ []string) error {
	if mcpUserID == "" || mcpAgentID <= 0 {
		return errors.New("--user-id and --agent-id are required")
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// stdout carries the protocol.
	logger := logging.NewStderr(cfg.Log.Level, cfg.Log.Format)

	st, err := store.Open(cmd.Context(), cfg.StateDir)
	if err != nil {
		return err
	}
	defer st.Close()

	server := mcp.NewTaskServer(st, core.NewTaskLifecycle(st, logger), logger, mcp.Identity{UserID: mcpUserID, AgentID: mcpAgentID}, version)
	return server.ServeStdio()
}

// Command rlm-tool-code-runner serves one sandbox session's execute_code
// tool over stdio MCP.
//
// The context file comes from RLM_CONTEXT_FILE. RLM_CONFIG optionally
// points at an rlm.yaml for sandbox defaults and model providers.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/michaelbrown/rlm/internal/config"
	"github.com/michaelbrown/rlm/internal/ingest"
	"github.com/michaelbrown/rlm/internal/observability"
	"github.com/michaelbrown/rlm/internal/sandbox"
	"github.com/michaelbrown/rlm/internal/tools"
)

const version = "0.1.0"

func main() {
	// stdout carries the MCP stream
	logrus.SetOutput(os.Stderr)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rlm-tool-code-runner: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("RLM_CONFIG"))
	if err != nil {
		return err
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logrus.SetLevel(level)
	}

	path := os.Getenv("RLM_CONTEXT_FILE")
	if path == "" {
		return fmt.Errorf("RLM_CONTEXT_FILE is not set")
	}
	payload, err := ingest.Load(path)
	if err != nil {
		return err
	}

	log := logrus.StandardLogger()
	manager := sandbox.NewManager(
		sandbox.WithCompleters(config.NewResolver(cfg, log)),
		sandbox.WithObserver(observability.LogObserver{Log: log}),
		sandbox.WithScratchRoot(cfg.Server.ScratchDir),
		sandbox.WithLogger(log),
	)
	defer manager.CloseAll()

	id, err := manager.Create(payload, cfg.Sandbox)
	if err != nil {
		return err
	}

	return server.ServeStdio(tools.NewMCPServer(tools.NewCodeTool(manager, id), version))
}

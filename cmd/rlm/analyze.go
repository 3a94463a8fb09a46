package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/rlm/internal/agent"
	"github.com/michaelbrown/rlm/internal/config"
	"github.com/michaelbrown/rlm/internal/grounding"
	"github.com/michaelbrown/rlm/internal/ingest"
	"github.com/michaelbrown/rlm/internal/sandbox"
)

var (
	analyzeContextFlag string
	modelFlag          string
	groundedFlag       bool
	groundingModeFlag  string
	instructionsFlag   string
	maxIterFlag        int
	jsonFlag           bool
	quietFlag          bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <question>",
	Short: "Answer a question about a context file",
	Long: `Let the directing model answer a question about a context file by writing
Lua against a sandbox session bound to it.

Examples:
  rlm analyze -c book.txt "Who is the narrator's sister?"
  rlm analyze -c report.json --grounded "How did revenue change?"
  cat logs.txt | rlm analyze --sub-model ollama:small "Summarize the errors"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	f := analyzeCmd.Flags()
	f.StringVarP(&analyzeContextFlag, "context", "c", "-", "Context file (.txt, .json, .yaml); - reads stdin")
	f.StringVar(&modelFlag, "model", "", "Directing model (overrides agent.model)")
	f.BoolVar(&groundedFlag, "grounded", false, "Require citations that quote the context verbatim")
	f.StringVar(&groundingModeFlag, "grounding-mode", "", "drop or reject unverified citations (overrides config)")
	f.StringVar(&instructionsFlag, "instructions", "", "Extra instructions for the directing model")
	f.IntVar(&maxIterFlag, "max-iterations", 0, "Max model round trips (overrides agent.max_iterations)")
	f.BoolVar(&jsonFlag, "json", false, "Print the result as JSON")
	f.BoolVarP(&quietFlag, "quiet", "q", false, "Do not show tool calls")
	addSessionFlags(analyzeCmd)
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	payload, err := ingest.Load(analyzeContextFlag)
	if err != nil {
		return err
	}

	sbCfg, err := sessionConfig(cfg.Sandbox)
	if err != nil {
		return err
	}
	if groundedFlag {
		sbCfg.Grounded = true
	}
	if groundingModeFlag != "" {
		sbCfg.GroundingMode = sandbox.GroundingMode(groundingModeFlag)
	}
	if instructionsFlag != "" {
		sbCfg.CustomInstructions = instructionsFlag
	}

	ref := cfg.Agent.Model
	if modelFlag != "" {
		ref = modelFlag
	}
	client, err := config.NewResolver(cfg, nil).Client(ref)
	if err != nil {
		return fmt.Errorf("directing model: %w", err)
	}

	maxIter := cfg.Agent.MaxIterations
	if maxIterFlag > 0 {
		maxIter = maxIterFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStoreOptional(ctx, cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	manager, closeManager := newManager(cfg, store)
	defer closeManager()

	registry := newRegistry(cfg)
	defer registry.Close()

	z := &agent.Analyzer{Manager: manager, Client: client}
	if !quietFlag {
		z.OnToolCall = func(name string, args map[string]any) {
			fmt.Fprintf(os.Stderr, "\033[33m⚡ %s\033[0m\n", name)
			if code, ok := args["code"].(string); ok {
				printPreview(code, "\033[90m│ ", 12)
			}
		}
		z.OnToolResult = func(name, result string) {
			printPreview(result, "\033[90m→ ", 8)
			fmt.Fprintln(os.Stderr)
		}
	}

	// Plain answers stream as they are generated; JSON and grounded output
	// need the complete answer first.
	streamed := !jsonFlag && !sbCfg.Grounded
	if streamed {
		z.OnTextDelta = func(delta string) { fmt.Print(delta) }
	}

	res, err := z.Analyze(ctx, agent.AnalysisRequest{
		Query:         strings.Join(args, " "),
		Payload:       payload,
		Config:        sbCfg,
		MaxIterations: maxIter,
		Registry:      registry,
	})
	if err != nil {
		if res != nil && res.Answer != "" {
			fmt.Fprintf(os.Stderr, "raw answer:\n%s\n\n", res.Answer)
		}
		return err
	}

	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	if res.Grounded != nil {
		printGrounded(res.Grounded)
		return nil
	}
	if streamed {
		fmt.Println()
		return nil
	}
	fmt.Println(res.Answer)
	return nil
}

func printGrounded(g *grounding.Result) {
	fmt.Println(g.Info)
	fmt.Println()
	for _, m := range grounding.Markers(g.Info) {
		if quote, ok := g.Grounding[m]; ok {
			fmt.Printf("[%s] %q\n", m, quote)
		}
	}
	if len(g.Dropped) > 0 {
		fmt.Printf("\n\033[31munverified citations dropped: %s\033[0m\n", strings.Join(g.Dropped, ", "))
	}
}

func printPreview(text, prefix string, maxLines int) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	shown := lines
	if len(shown) > maxLines {
		shown = shown[:maxLines]
	}
	for _, line := range shown {
		fmt.Fprintf(os.Stderr, "  %s%s\033[0m\n", prefix, line)
	}
	if len(lines) > maxLines {
		fmt.Fprintf(os.Stderr, "  %s... (%d more lines)\033[0m\n", prefix, len(lines)-maxLines)
	}
}

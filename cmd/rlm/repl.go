package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/rlm/internal/ingest"
	"github.com/michaelbrown/rlm/internal/sandbox"
	"github.com/michaelbrown/rlm/internal/tools"
)

var (
	replContextFlag string
	subModelFlag    string
	timeoutFlag     string
)

// previewLimit caps each value in the variables listing printed after a
// snippet runs.
const previewLimit = 200

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Drive a sandbox session interactively",
	Long: `Open a session over a context file and type Lua snippets against it.
Globals persist between snippets. End a line with \ to continue it.

Examples:
  rlm repl --context book.txt
  rlm repl --context data.json --sub-model ollama:small`,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().StringVarP(&replContextFlag, "context", "c", "", "Context file (.txt, .json, .yaml)")
	replCmd.MarkFlagRequired("context")
	addSessionFlags(replCmd)
	rootCmd.AddCommand(replCmd)
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&subModelFlag, "sub-model", "", "Secondary model for llm_query (overrides config)")
	cmd.Flags().StringVar(&timeoutFlag, "timeout", "", "Per-snippet timeout, e.g. 30s (overrides config)")
}

// sessionConfig applies the shared command-line overrides to the
// configured sandbox defaults.
func sessionConfig(base sandbox.Config) (sandbox.Config, error) {
	cfg := base
	if subModelFlag != "" {
		cfg.SubModel = subModelFlag
	}
	if timeoutFlag != "" {
		d, err := time.ParseDuration(timeoutFlag)
		if err != nil {
			return cfg, fmt.Errorf("--timeout: %w", err)
		}
		cfg.CodeTimeout = d
	}
	return cfg, nil
}

func runRepl(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	payload, err := ingest.Load(replContextFlag)
	if err != nil {
		return err
	}
	sbCfg, err := sessionConfig(cfg.Sandbox)
	if err != nil {
		return err
	}

	store, err := openStoreOptional(context.Background(), cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	manager, closeManager := newManager(cfg, store)
	defer closeManager()

	id, err := manager.Create(payload, sbCfg)
	if err != nil {
		return err
	}
	sess, err := manager.Get(id)
	if err != nil {
		return err
	}
	info := sess.Info()

	fmt.Printf("rlm - Interactive Session %s\n", id[:8])
	fmt.Printf("Context: %s (%d) | Timeout: %s", info.ContextKind, info.ContextSize, sess.Config().CodeTimeout)
	if info.SubModel != "" {
		fmt.Printf(" | Sub model: %s", info.SubModel)
	}
	fmt.Printf("\nType /help for commands, /quit to exit\n\n")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mlua>\033[0m ",
		HistoryFile:     filepath.Join(os.TempDir(), "rlm_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C while a snippet runs cancels that snippet only.
	var reqCancel context.CancelFunc
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if reqCancel != nil {
				reqCancel()
			}
		}
	}()

	var pending []string
	for {
		if len(pending) > 0 {
			rl.SetPrompt("\033[36m...>\033[0m ")
		} else {
			rl.SetPrompt("\033[36mlua>\033[0m ")
		}
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		if strings.HasSuffix(line, `\`) {
			pending = append(pending, strings.TrimSuffix(line, `\`))
			continue
		}
		code := strings.Join(append(pending, line), "\n")
		pending = nil

		trimmed := strings.TrimSpace(code)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "/") {
			if quit := handleReplCommand(trimmed, manager, sess); quit {
				return nil
			}
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		reqCancel = cancel
		res, err := manager.Execute(ctx, sandbox.ExecutionRequest{SessionID: id, Code: code})
		cancel()
		reqCancel = nil
		if err != nil {
			return err
		}
		preview, err := sess.Preview(context.Background(), previewLimit)
		if err != nil {
			return err
		}
		fmt.Printf("%s\n\n", tools.FormatWithVariables(tools.FromExecution(res), preview))
	}
}

func handleReplCommand(input string, m *sandbox.Manager, sess *sandbox.Session) (quit bool) {
	switch strings.ToLower(strings.Fields(input)[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		return true
	case "/reset":
		if err := m.Reset(context.Background(), sess.ID()); err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
			return false
		}
		fmt.Println("Session reset.")
		fmt.Println()
	case "/vars":
		vars, err := sess.Variables(context.Background())
		if err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
			return false
		}
		data, _ := json.MarshalIndent(vars, "", "  ")
		fmt.Println(string(data))
		fmt.Println()
	case "/history":
		for _, h := range sess.History() {
			fmt.Printf("\033[90m[%d] %s (%s)\033[0m\n%s\n", h.Seq, h.Result.Status, h.Result.Elapsed, h.Code)
		}
		fmt.Println()
	case "/info":
		data, _ := json.MarshalIndent(sess.Info(), "", "  ")
		fmt.Println(string(data))
		fmt.Println()
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help     - Show this help")
		fmt.Println("  /vars     - Show session variables")
		fmt.Println("  /history  - Show executed snippets")
		fmt.Println("  /info     - Show session info")
		fmt.Println("  /reset    - Clear session variables")
		fmt.Println("  /quit     - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return false
}

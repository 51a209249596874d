// Command coda is the CLI entry point: it wires together a Backend, a
// tools.Registry, an llm.Client, and an Executor, then exposes them
// through subcommands for running a task, managing saved sessions, and
// (eventually) serving the TUI/HTTP frontends.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/codalabs/coda"
	"github.com/codalabs/coda/backend"
	"github.com/codalabs/coda/internal/config"
	"github.com/codalabs/coda/llm"
	"github.com/codalabs/coda/observer"
	"github.com/codalabs/coda/store"
	"github.com/codalabs/coda/tools"
)

func main() {
	root := &cobra.Command{
		Use:   "coda",
		Short: "An interactive coding agent runtime",
	}

	root.AddCommand(newRunCmd(), newSessionsCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRunCmd() *cobra.Command {
	var sessionName string
	var maxIter int

	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Run a task to completion in the current working directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runTask(ctx, args[0], sessionName, maxIter)
		},
	}
	cmd.Flags().StringVar(&sessionName, "session", "", "name to save this run's session under")
	cmd.Flags().IntVar(&maxIter, "max-iterations", 0, "override the executor's iteration budget")
	return cmd
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sessions", Short: "Inspect and manage saved sessions"}
	cmd.AddCommand(newSessionsListCmd(), newSessionsRmCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions saved for the current working directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			sessions, err := st.List(wd)
			if err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Printf("%s\t%s\t%s\n", s.SessionID, s.Name, s.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newSessionsRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm [sessionId]",
		Short: "Delete a saved session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			return st.Delete(args[0])
		},
	}
}

func openStore() (*store.SessionStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return store.NewSessionStore(home + "/.coda/sessions")
}

// runTask wires a single Executor.Run invocation: Bedrock LLM client over
// the local filesystem backend, the default tool registry, and an otel
// tracer + prometheus metrics registry for observability.
func runTask(ctx context.Context, input, sessionName string, maxIter int) error {
	cfg := config.Load("")

	wd, err := os.Getwd()
	if err != nil {
		return err
	}

	be, err := backend.NewLocal(wd)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	client, err := llm.New(ctx, llm.WithModelID(cfg.Model.ModelID), llm.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("llm client: %w", err)
	}

	shutdownTracing, err := observer.Init(ctx, "coda")
	if err != nil {
		return fmt.Errorf("observer init: %w", err)
	}
	defer shutdownTracing(ctx)

	metrics := observer.NewMetrics(nil)
	metrics.SessionStarted()
	defer metrics.SessionEnded()

	registry := tools.NewDefaultRegistry(nil, nil)

	executor := coda.NewExecutor(coda.ExecutorConfig{
		Backend: be,
		Tools:   registry,
		LLM:     client,
		Tracer:  observer.NewTracer(),
		SystemPrompt: "You are coda, an interactive coding agent. Work in the current " +
			"repository, using the available tools to read, edit, and verify changes.",
		ModelConfig: llm.Config{
			MaxTokens:      cfg.Model.MaxTokens,
			ThroughputMode: cfg.Model.ThroughputMode,
			EnableThinking: cfg.Model.EnableThinking,
			ThinkingBudget: cfg.Model.ThinkingBudget,
		},
	})

	sink := coda.EventSink(func(ev coda.AgentEvent) {
		printEvent(ev)
		if ev.Type == coda.EventToolCall {
			metrics.RecordToolCall(ev.Content, "ok", 0)
		}
	})

	task := coda.Task{Input: input, WorkingDir: wd}
	result, err := executor.Run(ctx, task, nil, sink, coda.RunOptions{MaxIterations: maxIter, EnableScout: cfg.ScoutEnabled})
	if err != nil {
		return err
	}
	metrics.RecordTokens(cfg.Model.ModelID, result.Usage.InputTokens, result.Usage.OutputTokens)

	if sessionName != "" {
		st, err := openStore()
		if err != nil {
			return err
		}
		sess := coda.Session{
			SessionID:        store.SessionID(wd, sessionName),
			Name:             sessionName,
			WorkingDirectory: wd,
			ModelID:          cfg.Model.ModelID,
			CreatedAt:        time.Now(),
			History:          result.History,
		}
		if err := st.Save(sess); err != nil {
			return fmt.Errorf("saving session: %w", err)
		}
	}

	return nil
}

func printEvent(ev coda.AgentEvent) {
	switch ev.Type {
	case coda.EventTextDelta, coda.EventThinking:
		fmt.Print(ev.Content)
	case coda.EventToolCall:
		fmt.Printf("\n[tool] %s\n", ev.Content)
	case coda.EventError:
		fmt.Fprintf(os.Stderr, "\n[error] %s\n", ev.Content)
	case coda.EventDone:
		fmt.Println()
	}
}

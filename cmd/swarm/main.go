// Command swarm runs several coding agents in parallel against one
// repository, each in an isolated workspace, and reconciles their results.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/QwenLM/qwen-code-sub006/internal/backend"
	"github.com/QwenLM/qwen-code-sub006/internal/config"
	"github.com/QwenLM/qwen-code-sub006/internal/events"
	"github.com/QwenLM/qwen-code-sub006/internal/orchestrator"
	"github.com/QwenLM/qwen-code-sub006/internal/session"
	"github.com/QwenLM/qwen-code-sub006/internal/status"
	"github.com/QwenLM/qwen-code-sub006/internal/watch"
	"github.com/QwenLM/qwen-code-sub006/internal/workspace"
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:           "swarm",
		Short:         "Run multiple coding agents in parallel against one repository",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newRunCmd(),
		newSessionsCmd(),
		newStatusCmd(),
		newDiffCmd(),
		newApplyCmd(),
		newCleanupCmd(),
		newDoctorCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	if verbose {
		log, _ := zap.NewDevelopment()
		return log
	}
	log, _ := zap.NewProduction()
	return log
}

func newRunCmd() *cobra.Command {
	opts := config.Options{}
	keep := false

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a session: one workspace and one agent per model",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Validate(); err != nil {
				return err
			}
			log := newLogger()
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			orch := orchestrator.New(log)
			ch, unsubscribe := orch.Events().Subscribe(128)
			defer unsubscribe()
			go printEvents(ch)

			agents := make([]orchestrator.AgentSpec, 0, len(opts.Models))
			for _, m := range opts.Models {
				agents = append(agents, orchestrator.AgentSpec{Model: m, Launcher: opts.Launcher})
			}
			req := orchestrator.Request{
				Agents:     agents,
				Task:       opts.Task,
				SourcePath: opts.Repo,
				BaseRef:    opts.BaseRef,
				TimeBudget: opts.TimeBudget(),
				Backend:    opts.Backend,
			}

			err := orch.Start(ctx, req)
			if err != nil {
				_ = orch.Cleanup(context.WithoutCancel(ctx))
				return err
			}

			fmt.Printf("session %s finished: %s\n", orch.GetSessionID(), orch.GetStatus())
			for id, rec := range orch.AgentStatuses() {
				fmt.Printf("  %-24s %s\n", id, rec.State)
			}
			if keep {
				fmt.Printf("workspaces kept; inspect with: swarm status %s\n", orch.GetSessionID())
				return nil
			}
			return orch.Cleanup(context.WithoutCancel(ctx))
		},
	}

	cmd.Flags().StringVar(&opts.Repo, "repo", "", "repository path (default: enclosing git repo)")
	cmd.Flags().StringVar(&opts.Task, "task", "", "task prompt given to every agent")
	cmd.Flags().StringArrayVar(&opts.Models, "model", nil, "model identifier (repeat per agent, 2-5)")
	cmd.Flags().StringVar(&opts.Launcher, "launcher", "qwen", "agent CLI launcher: qwen, claude, codex, gemini")
	cmd.Flags().StringVar(&opts.Backend, "backend", "auto", "execution backend: auto, tmux, exec")
	cmd.Flags().StringVar(&opts.BaseRef, "base", "", "base ref for workspaces (default: current branch)")
	cmd.Flags().IntVar(&opts.Minutes, "minutes", 0, "advisory time budget in minutes")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep workspaces after the session for inspection")
	return cmd
}

func printEvents(ch <-chan events.Event) {
	for ev := range ch {
		switch e := ev.(type) {
		case events.SessionUpdate:
			fmt.Printf("[%s] %s\n", e.Level, e.Message)
		case events.SessionError:
			fmt.Printf("[error] %s\n", e.Message)
		case events.AgentStatusChanged:
			fmt.Printf("[agent] %s -> %s\n", e.AgentID, e.State)
		case events.AgentExited:
			fmt.Printf("[agent] %s exited (code %d)\n", e.AgentID, e.ExitCode)
		}
	}
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List known sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := workspace.NewManager(newLogger())
			infos, err := mgr.ListSessions()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tWORKSPACES\tSOURCE")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					info.ID, info.Created.Format(time.RFC3339), info.Workspaces, info.SourcePath)
			}
			return w.Flush()
		},
	}
}

func newStatusCmd() *cobra.Command {
	follow := false
	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show the last published status of every agent in a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			store := session.NewStore("")
			sess, err := store.Load(args[0])
			if err != nil {
				return err
			}

			if follow {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				w := watch.New(sess.Path, log)
				if err := w.Start(ctx, printRecord); err != nil {
					return err
				}
				defer w.Stop()
				<-ctx.Done()
				return nil
			}

			ch := status.NewChannel(sess.Path, log)
			for _, rec := range ch.ReadAll() {
				printRecord(rec)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream status updates as they are published")
	return cmd
}

func printRecord(rec status.Record) {
	fmt.Printf("%-24s %-10s round=%d tokens=%d tools=%d/%d %s\n",
		rec.AgentID, rec.State, rec.Round,
		rec.Stats.TotalTokens, rec.Stats.ToolSuccess, rec.Stats.ToolCalls,
		rec.Activity)
	if rec.Summary != "" {
		out, err := glamour.Render(rec.Summary, "auto")
		if err != nil {
			out = rec.Summary
		}
		fmt.Println(out)
	}
	if rec.Error != "" {
		fmt.Printf("  error: %s\n", rec.Error)
	}
}

func newDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <session-id> <agent>",
		Short: "Show an agent's changes relative to its baseline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := workspace.NewManager(newLogger())
			sess, err := mgr.Store().Load(args[0])
			if err != nil {
				return err
			}
			patch, err := mgr.Diff(cmd.Context(), sess.WorkspacePath(args[1]), "")
			if err != nil {
				return err
			}
			if patch == "" {
				fmt.Println("no changes")
				return nil
			}
			fmt.Print(patch)
			return nil
		},
	}
}

func newApplyCmd() *cobra.Command {
	target := ""
	cmd := &cobra.Command{
		Use:   "apply <session-id> <agent>",
		Short: "Apply an agent's changes onto the source repository",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := workspace.NewManager(newLogger())
			sess, err := mgr.Store().Load(args[0])
			if err != nil {
				return err
			}
			if err := mgr.Apply(cmd.Context(), sess.WorkspacePath(args[1]), target); err != nil {
				return err
			}
			fmt.Println("applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "apply onto this path instead of the source repository")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup <session-id>",
		Short: "Remove a session's workspaces, branches, and metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := workspace.NewManager(newLogger())
			return mgr.CleanupSession(cmd.Context(), args[0])
		},
	}
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check which backends and agent CLIs are installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOOL\tINSTALLED\tVERSION\tPATH")
			for _, res := range backend.Probe() {
				installed := "no"
				detail := res.Error
				if res.Installed {
					installed = "yes"
					detail = res.Version
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", res.Name, installed, detail, res.Executable)
			}
			return w.Flush()
		},
	}
}

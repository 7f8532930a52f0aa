package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mpataki/autodev/internal/config"
	"github.com/mpataki/autodev/internal/logging"
	"github.com/mpataki/autodev/internal/models"
	"github.com/mpataki/autodev/internal/sandbox"
	"github.com/mpataki/autodev/internal/session"
	"github.com/mpataki/autodev/internal/storage"
	"github.com/mpataki/autodev/internal/team"
	"github.com/mpataki/autodev/internal/telemetry"
	"github.com/mpataki/autodev/internal/tui"
	"github.com/mpataki/autodev/internal/workspace"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "autodev",
		Short:        "Multi-agent full-stack app generator",
		Long:         "autodev turns one application request into a frontend, a backend, tests and a README with a team of model-driven agents.",
		Version:      version,
		SilenceUsage: true,
		RunE:         runTUI,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newLogCommand())
	rootCmd.AddCommand(newFilesCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newTeamsCommand())
	rootCmd.AddCommand(newDoctorCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is what every command opens: config, logger, store and workspace.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *storage.Storage
	ws     *workspace.Workspace
}

func openEnv() (*env, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logger, err := logging.New(logging.Options{Path: cfg.LogPath(), Level: cfg.LogLevel})
	if err != nil {
		return nil, err
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ws, err := workspace.New(".", cfg.OutputDir)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &env{cfg: cfg, logger: logger, store: store, ws: ws}, nil
}

func (e *env) Close() {
	e.store.Close()
	_ = e.logger.Sync()
}

func (e *env) loadTeam(name string) (*team.Team, error) {
	teams, err := team.LoadAll([]string{e.cfg.UserTeamDir, e.cfg.ProjectTeamDir})
	if err != nil {
		return nil, fmt.Errorf("failed to load teams: %w", err)
	}
	if name == "" {
		name = e.cfg.DefaultTeam
	}
	t, ok := teams[name]
	if !ok {
		return nil, fmt.Errorf("team %q not found", name)
	}
	return t, nil
}

func (e *env) driver(t *team.Team) (*session.Driver, error) {
	provider, err := sandbox.NewDockerProvider(sandbox.DockerOptions{
		Image: e.cfg.Sandbox.Image,
		Host:  e.cfg.Sandbox.DockerHost,
	}, e.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrSandboxUnavailable, err)
	}

	return session.NewDriver(session.Deps{
		Team:           t,
		Credentials:    e.cfg.Credentials,
		Sandbox:        provider,
		Workspace:      e.ws,
		Storage:        e.store,
		ExecTimeout:    e.cfg.Sandbox.ExecTimeout,
		InstallTimeout: e.cfg.Sandbox.InstallTimeout,
		Logger:         e.logger,
	}), nil
}

func parseRunID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid run ID: %w", err)
	}
	return id, nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	app := tui.NewApp(e.store, e.ws)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Generate an application from a task description",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := strings.Join(args, " ")
			teamName, _ := cmd.Flags().GetString("team")
			useTUI, _ := cmd.Flags().GetBool("tui")
			showTools, _ := cmd.Flags().GetBool("tools")

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			shutdown, err := telemetry.Init(cmd.Context(), telemetry.Config{
				ServiceName:    "autodev",
				ServiceVersion: version,
				OTLPEndpoint:   e.cfg.Telemetry.OTLPEndpoint,
			})
			if err != nil {
				return fmt.Errorf("failed to init telemetry: %w", err)
			}
			defer shutdown(context.Background())

			if n, err := e.store.MarkInterrupted(); err == nil && n > 0 {
				e.logger.Warn("marked interrupted runs as failed", zap.Int64("count", n))
			}

			t, err := e.loadTeam(teamName)
			if err != nil {
				return err
			}

			driver, err := e.driver(t)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			s, err := driver.Start(ctx, task)
			if err != nil {
				return explain(err)
			}

			if useTUI {
				live := tui.NewLive(s.Run().ID, task, s.Updates(), e.ws, cancel)
				if _, err := tea.NewProgram(live, tea.WithAltScreen()).Run(); err != nil {
					return err
				}
				if live.Err() != nil {
					return live.Err()
				}
			} else {
				fmt.Printf("Run #%d (team %s)\n\n", s.Run().ID, t.Name)
				for u, err := range s.Updates() {
					if err != nil {
						return fmt.Errorf("run failed: %w", err)
					}
					entries := make([]tui.Entry, 0, len(u.Messages))
					for _, m := range u.Messages {
						entries = append(entries, tui.Entry{Node: u.Node, Message: m})
					}
					fmt.Print(tui.RenderTranscript(entries, showTools))
				}
			}

			run, err := e.store.GetRun(s.Run().ID)
			if err != nil {
				return err
			}
			fmt.Printf("\nRun #%d finished with status: %s\n", run.ID, run.Status)
			if run.Error != "" {
				fmt.Printf("Problems: %s\n", run.Error)
			}
			return printFiles(e.ws)
		},
	}

	cmd.Flags().StringP("team", "t", "", "Team to run (default from config)")
	cmd.Flags().Bool("tui", false, "Follow the run in the terminal UI")
	cmd.Flags().Bool("tools", false, "Show tool call payloads in the log")
	return cmd
}

// explain adds a hint to precondition failures.
func explain(err error) error {
	switch {
	case errors.Is(err, session.ErrEmptyTask):
		return fmt.Errorf("%w: describe the application to build", err)
	case errors.Is(err, config.ErrMissingCredentials):
		return fmt.Errorf("%w (set them in the environment or a .env file)", err)
	case errors.Is(err, session.ErrSandboxUnavailable):
		return fmt.Errorf("%w (is the Docker daemon running?)", err)
	}
	return err
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			runs, err := e.store.ListRuns(20)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				fmt.Printf("#%d %s [%s] %s %s\n",
					run.ID, run.TeamName, run.Status,
					storage.FormatTimeAgo(run.CreatedAt),
					truncate(run.Task, 50))
			}

			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show run status (latest run by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			run, err := e.findRun(args)
			if err != nil {
				return err
			}

			fmt.Printf("Run #%d: %s\n", run.ID, run.TeamName)
			fmt.Printf("Status: %s\n", run.Status)
			fmt.Printf("Stage: %s\n", run.Stage)
			fmt.Printf("Task: %s\n", run.Task)
			fmt.Printf("Output: %s\n", run.OutputDir)
			if run.Error != "" {
				fmt.Printf("Problems: %s\n", run.Error)
			}

			execs, err := e.store.GetExecutionsForRun(run.ID)
			if err != nil {
				return err
			}

			if len(execs) > 0 {
				fmt.Println("\nDelegations:")
				for _, exec := range execs {
					line := fmt.Sprintf("  %d. %s [%s] %d turns, %d tool calls",
						exec.SequenceNum, exec.AgentName, exec.Status, exec.Turns, exec.ToolCalls)
					if exec.Error != "" {
						line += ": " + exec.Error
					}
					fmt.Println(line)
				}
			}

			return nil
		},
	}
}

func (e *env) findRun(args []string) (*models.Run, error) {
	if len(args) == 1 {
		id, err := parseRunID(args[0])
		if err != nil {
			return nil, err
		}
		run, err := e.store.GetRun(id)
		if err != nil {
			return nil, fmt.Errorf("failed to get run: %w", err)
		}
		return run, nil
	}

	run, err := e.store.LatestRun()
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, errors.New("no runs yet")
	}
	return run, nil
}

func newLogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log [run-id]",
		Short: "Print the message log of a run (latest run by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			showTools, _ := cmd.Flags().GetBool("tools")

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			run, err := e.findRun(args)
			if err != nil {
				return err
			}

			stored, err := e.store.GetMessagesForRun(run.ID)
			if err != nil {
				return err
			}
			if len(stored) == 0 {
				fmt.Println("No messages recorded.")
				return nil
			}

			fmt.Print(tui.RenderTranscript(tui.EntriesFromStored(stored), showTools))
			return nil
		},
	}

	cmd.Flags().Bool("tools", false, "Expand tool calls and results")
	return cmd
}

func newFilesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "files",
		Short: "Show the generated files of the last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			meta, err := e.ws.ReadRunMetadata()
			if err != nil {
				return err
			}
			if meta != nil {
				fmt.Printf("Output of run #%d: %s\n\n", meta.RunID, truncate(meta.Task, 60))
			}

			bundle, err := e.ws.ReadBundle()
			if err != nil {
				return err
			}
			for _, a := range bundle.Artifacts {
				fmt.Printf("==> %s <==\n%s\n\n", a.Name, tui.RenderArtifact(a))
			}
			return nil
		},
	}
}

func printFiles(ws *workspace.Workspace) error {
	bundle, err := ws.ReadBundle()
	if err != nil {
		return err
	}
	fmt.Println("\nFiles:")
	for _, a := range bundle.Artifacts {
		if a.Present {
			fmt.Printf("  ✓ %s\n", a.Path)
		} else {
			fmt.Printf("  ⚠ %s was not generated.\n", a.Name)
		}
	}
	return nil
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run from the history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := parseRunID(args[0])
			if err != nil {
				return err
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.store.DeleteRun(runID); err != nil {
				return fmt.Errorf("failed to delete run: %w", err)
			}

			fmt.Printf("Deleted run #%d\n", runID)
			return nil
		},
	}
}

func newTeamsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "teams",
		Short: "List the available teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			teams, err := team.LoadAll([]string{e.cfg.UserTeamDir, e.cfg.ProjectTeamDir})
			if err != nil {
				return err
			}

			names := make([]string, 0, len(teams))
			for name := range teams {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				t := teams[name]
				source := t.Path
				if source == "" {
					source = "built-in"
				}
				marker := " "
				if name == e.cfg.DefaultTeam {
					marker = "*"
				}
				fmt.Printf("%s %s (%s)\n", marker, name, source)
				if t.Description != "" {
					fmt.Printf("    %s\n", t.Description)
				}
				if t.Router == nil {
					fmt.Println("    router: none")
				} else if t.Router.Script != "" {
					fmt.Printf("    router: script %s\n", t.Router.Script)
				} else {
					fmt.Printf("    router: %s/%s\n", t.Router.Provider, t.Router.Model)
				}
				for _, agent := range sortedAgents(t) {
					a := t.Agents[agent]
					fmt.Printf("    %-15s %s/%s, %d turns\n", agent, a.Provider, a.Model, a.TurnBudget)
				}
				if err := team.Validate(t); err != nil {
					fmt.Printf("    invalid: %v\n", err)
				}
			}
			return nil
		},
	}
}

func sortedAgents(t *team.Team) []string {
	names := make([]string, 0, len(t.Agents))
	for name := range t.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newDoctorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check credentials and the sandbox without starting a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			teamName, _ := cmd.Flags().GetString("team")

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			t, err := e.loadTeam(teamName)
			if err != nil {
				return err
			}

			ok := true
			check := func(name string, err error) {
				if err != nil {
					ok = false
					fmt.Printf("✗ %s: %v\n", name, explain(err))
					return
				}
				fmt.Printf("✓ %s\n", name)
			}

			check("team "+t.Name, team.Validate(t))
			check("credentials", e.cfg.Credentials.Validate(t.Providers()...))

			driver, err := e.driver(t)
			if err != nil {
				check("sandbox", err)
			} else {
				check("sandbox", driver.CheckSandbox(cmd.Context()))
			}

			if !ok {
				return errors.New("some checks failed")
			}
			return nil
		},
	}

	cmd.Flags().StringP("team", "t", "", "Team to check (default from config)")
	return cmd
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}

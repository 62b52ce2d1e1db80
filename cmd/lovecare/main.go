package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stellarlinkco/lovecare/internal/analytics"
	"github.com/stellarlinkco/lovecare/internal/config"
	"github.com/stellarlinkco/lovecare/internal/cron"
	"github.com/stellarlinkco/lovecare/internal/gateway"
	"github.com/stellarlinkco/lovecare/internal/insight"
	"github.com/stellarlinkco/lovecare/internal/logging"
)

// Options holds injectable dependencies for testing.
type Options struct {
	AssistantFactory insight.Factory
	Logger           *zap.Logger
}

type app struct {
	opts   Options
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd(opts Options) *cobra.Command {
	a := &app{opts: opts}

	root := &cobra.Command{
		Use:           "lovecare",
		Short:         "lovecare - mood journal analytics and wellness insights",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a.cfg = cfg
			if a.opts.Logger != nil {
				a.logger = a.opts.Logger
				return nil
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("create logger: %w", err)
			}
			a.logger = logger
			zap.ReplaceGlobals(logger)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server, scheduler and Telegram notifier",
		Args:  cobra.NoArgs,
		RunE:  a.runServe,
	}

	analyzeCmd := &cobra.Command{
		Use:   "analyze [file]",
		Short: "Compute wellness scores for a JSON batch of daily logs (stdin when no file)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  a.runAnalyze,
	}
	analyzeCmd.Flags().Bool("explain", false, "Include the score breakdown and reasons")
	analyzeCmd.Flags().Bool("strict", false, "Reject logs with out-of-range values")

	askCmd := &cobra.Command{
		Use:   "ask",
		Short: "Ask the insight assistant about a batch of logs (REPL when no message)",
		Args:  cobra.NoArgs,
		RunE:  a.runAsk,
	}
	askCmd.Flags().StringP("message", "m", "", "Single question to ask")
	askCmd.Flags().StringP("file", "f", "", "JSON file with daily logs")

	onboardCmd := &cobra.Command{
		Use:   "onboard",
		Short: "Initialize config, data directory and workspace",
		Args:  cobra.NoArgs,
		RunE:  a.runOnboard,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show lovecare status",
		Args:  cobra.NoArgs,
		RunE:  a.runStatus,
	}

	root.AddCommand(serveCmd, analyzeCmd, askCmd, onboardCmd, statusCmd)
	return root
}

func main() {
	root := newRootCmd(Options{})
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (a *app) runServe(cmd *cobra.Command, args []string) error {
	gw, err := gateway.NewWithOptions(a.cfg, gateway.Options{
		AssistantFactory: a.opts.AssistantFactory,
		Logger:           a.logger,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(cmd.Context())
}

type analyzeOutput struct {
	Results     analytics.Results    `json:"results"`
	Explanation *analytics.Breakdown `json:"explanation,omitempty"`
}

func (a *app) runAnalyze(cmd *cobra.Command, args []string) error {
	in := cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open logs: %w", err)
		}
		defer f.Close()
		in = f
	}

	logs, err := readLogs(in)
	if err != nil {
		return err
	}

	if strict, _ := cmd.Flags().GetBool("strict"); strict || a.cfg.Server.StrictValidation {
		if err := analytics.ValidateBatch(logs); err != nil {
			return err
		}
	}

	results, err := analytics.Compute(logs)
	if err != nil {
		return err
	}
	out := analyzeOutput{Results: results}
	if explain, _ := cmd.Flags().GetBool("explain"); explain {
		b, err := analytics.Explain(logs)
		if err != nil {
			return err
		}
		out.Explanation = &b
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// readLogs accepts either a bare JSON array of logs or an object with a
// "logs" field, the shape the HTTP API takes.
func readLogs(r io.Reader) ([]analytics.DailyLog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read logs: %w", err)
	}
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 {
		return nil, errors.New("no logs provided")
	}

	var logs []analytics.DailyLog
	if data[0] == '[' {
		if err := json.Unmarshal(data, &logs); err != nil {
			return nil, fmt.Errorf("parse logs: %w", err)
		}
		return logs, nil
	}
	var wrapped struct {
		Logs []analytics.DailyLog `json:"logs"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse logs: %w", err)
	}
	return wrapped.Logs, nil
}

func (a *app) runAsk(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	message, _ := cmd.Flags().GetString("message")

	var logs []analytics.DailyLog
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("open logs: %w", err)
		}
		logs, err = readLogs(f)
		f.Close()
		if err != nil {
			return err
		}
	}

	req := insight.Request{Logs: logs, SessionID: "cli"}
	if len(logs) >= analytics.MinLogs {
		results, err := analytics.Compute(logs)
		if err != nil {
			return err
		}
		req.Results = &results
	}

	factory := a.opts.AssistantFactory
	if factory == nil {
		factory = insight.NewAssistant
	}
	assistant, err := factory(a.cfg)
	if errors.Is(err, insight.ErrNoAPIKey) {
		return fmt.Errorf("API key not set. Run 'lovecare onboard' or set LOVECARE_API_KEY / ANTHROPIC_API_KEY")
	}
	if err != nil {
		return err
	}
	defer assistant.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	stdout := cmd.OutOrStdout()

	// Single message mode
	if message != "" {
		req.Question = message
		answer, err := assistant.Ask(ctx, req)
		if err != nil {
			return fmt.Errorf("insight error: %w", err)
		}
		fmt.Fprintln(stdout, answer)
		return nil
	}

	// REPL mode
	req.SessionID = "cli-repl"
	fmt.Fprintln(stdout, "lovecare ask (type 'exit' to quit)")
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		req.Question = input
		answer, err := assistant.Ask(ctx, req)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout, answer)
	}
	return nil
}

func (a *app) runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(config.ConfigDir(), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	for _, dir := range []string{
		filepath.Dir(a.cfg.DatabasePath()),
		filepath.Dir(a.cfg.JobStorePath()),
		a.cfg.InsightWorkspace(),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	guidePath := filepath.Join(insight.GuidesDir(a.cfg), "sleep", "GUIDE.md")
	if err := os.MkdirAll(filepath.Dir(guidePath), 0755); err != nil {
		return fmt.Errorf("create guides dir: %w", err)
	}
	writeIfNotExists(out, guidePath, defaultSleepGuide)

	fmt.Fprintf(out, "Data directory: %s\n", filepath.Dir(a.cfg.DatabasePath()))
	fmt.Fprintf(out, "Workspace ready: %s\n", a.cfg.InsightWorkspace())

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set LOVECARE_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Run 'lovecare serve' to start the API")
	return nil
}

func (a *app) runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg := a.cfg

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "Model: %s\n", cfg.Insight.Model)
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Strict validation: %v\n", cfg.Server.StrictValidation)
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Telegram.Enabled && cfg.Telegram.Token != "")

	if info, err := os.Stat(cfg.DatabasePath()); err != nil {
		fmt.Fprintln(out, "Database: not found (run 'lovecare onboard' or 'lovecare serve')")
	} else {
		fmt.Fprintf(out, "Database: %s (%d bytes)\n", cfg.DatabasePath(), info.Size())
	}

	if !cfg.Schedule.Enabled {
		fmt.Fprintln(out, "Schedule: disabled")
		return nil
	}
	fmt.Fprintf(out, "Schedule: digest=%q reminder=%q\n", cfg.Schedule.Digest, cfg.Schedule.Reminder)

	jobs := cron.NewService(cfg.JobStorePath(), a.logger)
	if err := jobs.Load(); err != nil {
		fmt.Fprintf(out, "Jobs: error (%v)\n", err)
		return nil
	}
	for _, job := range jobs.ListJobs() {
		last := "never"
		if job.State.LastRunAtMs > 0 {
			last = time.UnixMilli(job.State.LastRunAtMs).Format(time.RFC3339)
		}
		fmt.Fprintf(out, "Job %s: enabled=%v runs=%d last=%s %s\n",
			job.Name, job.Enabled, job.State.Runs, last, job.State.LastStatus)
	}
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func writeIfNotExists(out io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}

const defaultSleepGuide = `---
name: sleep
description: Sleep hygiene suggestions
keywords: [sleep, tired, insomnia, bedtime, rest]
---
When the user asks about sleep or tiredness:
- Point to their average sleep against the 8-hour target before giving advice.
- Suggest one change at a time: a fixed wake-up time, no screens 30 minutes before bed, or a short wind-down routine.
- Mention that caffeine after mid-afternoon often shortens sleep.
`

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/checkpoint"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/config"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/exitcodes"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/logging"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/orchestrator"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/progress"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/target"
	"github.com/US-Trustee-Program/Bankruptcy-Oversight-Support-Systems-sub009/internal/tui"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "dataflows",
		Usage:   "Queue-driven migration and sync of legacy bankruptcy records",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
				EnvVars: []string{"DATAFLOWS_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "state-file",
				Usage: "Use YAML state file instead of the configured state backend (headless runs)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return exitcodes.NewExitError(err, exitcodes.ConfigError)
			}
			logging.SetLevel(level)
			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Consume every pipeline channel and serve the HTTP trigger, status and metrics",
				Action: serve,
			},
			{
				Name:      "start",
				Usage:     "Queue a start message for a pipeline",
				ArgsUsage: "<pipeline>",
				Action:    startPipeline,
			},
			{
				Name:      "run",
				Usage:     "Run a pipeline in this process until its channels drain",
				ArgsUsage: "<pipeline>",
				Action:    runPipeline,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "local",
						Usage: "Use an in-memory queue instead of the configured backend",
					},
					&cli.BoolFlag{
						Name:  "progress-json",
						Usage: "Write JSON progress lines to stderr instead of a progress bar",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Show the run state of every pipeline",
				Action: showStatus,
				Flags:  []cli.Flag{jsonFlag()},
			},
			{
				Name:   "watch",
				Usage:  "Live dashboard of run state",
				Action: watch,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "interval",
						Value: 2 * time.Second,
						Usage: "Poll interval",
					},
				},
			},
			{
				Name:      "reset",
				Usage:     "Delete the run state of a pipeline so the next trigger starts fresh",
				ArgsUsage: "<pipeline>",
				Action:    resetPipeline,
			},
			{
				Name:      "halt",
				Usage:     "Mark an in-progress run FAILED; triggers are ignored until reset",
				ArgsUsage: "<pipeline>",
				Action:    haltPipeline,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Usage: "Recorded as the run's last error"},
				},
			},
			{
				Name:  "hardstop",
				Usage: "Inspect or requeue work parked in the hard-stop channel",
				Subcommands: []*cli.Command{
					{
						Name:      "list",
						Usage:     "List parked envelopes",
						ArgsUsage: "<pipeline>",
						Action:    listHardStops,
						Flags: []cli.Flag{
							&cli.IntFlag{Name: "limit", Value: 50, Usage: "Maximum envelopes to show"},
							jsonFlag(),
						},
					},
					{
						Name:      "requeue",
						Usage:     "Move parked envelopes back into the pipeline",
						ArgsUsage: "<pipeline>",
						Action:    requeueHardStops,
						Flags: []cli.Flag{
							&cli.IntFlag{Name: "limit", Usage: "Maximum envelopes to move (0 = all)"},
						},
					},
				},
			},
			{
				Name:      "inspect",
				Usage:     "Show the destination document written for a legacy id",
				ArgsUsage: "<pipeline> <legacy-id>",
				Action:    inspect,
			},
			{
				Name:      "verify",
				Usage:     "Check a sample of source records exists in the destination",
				ArgsUsage: "<pipeline>",
				Action:    verify,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "sample", Value: 100, Usage: "Records to sample"},
					jsonFlag(),
				},
			},
			{
				Name:   "health-check",
				Usage:  "Test connectivity to every backend",
				Action: healthCheck,
			},
			{
				Name:   "config",
				Usage:  "Print the effective configuration with secrets redacted",
				Action: printConfig,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logging.Debug("exit %d: %s", code, exitcodes.Description(code))
		os.Exit(code)
	}
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{Name: "json", Usage: "Output JSON instead of text"}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("failed to load config: %w", err), exitcodes.ConfigError)
	}
	return cfg, nil
}

// openOrchestrator loads config and opens the state store and queue.
func openOrchestrator(c *cli.Context, opts orchestrator.Options) (*orchestrator.Orchestrator, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	if sf := c.String("state-file"); sf != "" {
		opts.StateFile = sf
	}
	orch, err := orchestrator.New(c.Context, cfg, opts)
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("failed to create orchestrator: %w", err), exitcodes.ConnectionError)
	}
	return orch, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context, onSignal string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\n"+onSignal)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func pipelineArg(c *cli.Context) (string, error) {
	if c.NArg() < 1 {
		return "", exitcodes.NewExitError(errors.New("missing <pipeline> argument"), exitcodes.ConfigError)
	}
	return c.Args().First(), nil
}

// jsonOutput reports whether --json was given and, if so, moves log output
// off stdout.
func jsonOutput(c *cli.Context) bool {
	if !c.Bool("json") {
		return false
	}
	logging.SetOutput(os.Stderr)
	return true
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func serve(c *cli.Context) error {
	orch, err := openOrchestrator(c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := signalContext(c.Context, "Shutting down; in-flight messages will be redelivered...")
	defer cancel()

	if err := orch.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func startPipeline(c *cli.Context) error {
	name, err := pipelineArg(c)
	if err != nil {
		return err
	}
	orch, err := openOrchestrator(c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	msg, err := orch.Trigger(c.Context, name, "cli", uuid.NewString())
	if err != nil {
		return err
	}
	fmt.Printf("Queued start of %s (request %s)\n", msg.Pipeline, msg.RequestID)
	return nil
}

func runPipeline(c *cli.Context) error {
	name, err := pipelineArg(c)
	if err != nil {
		return err
	}
	opts := orchestrator.Options{}
	if c.Bool("local") {
		opts.QueueBackend = "memory"
	}
	orch, err := openOrchestrator(c, opts)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := signalContext(c.Context, "Interrupted. Run state is checkpointed; start again to resume.")
	defer cancel()

	interactive := !c.Bool("progress-json") && progress.IsTerminal(os.Stderr)
	var reporter progress.Reporter
	if !interactive {
		reporter = progress.NewJSONReporter(os.Stderr, 5*time.Second)
	}
	st, err := orch.RunLocal(ctx, name, progress.New(name, interactive, reporter))
	if err != nil {
		return err
	}

	parked, err := orch.HardStopCount(ctx, name)
	if err != nil {
		return err
	}
	switch {
	case st.Status == checkpoint.StatusFailed:
		return exitcodes.NewExitError(fmt.Errorf("%s is halted: %s", name, st.LastError), exitcodes.StateError)
	case parked > 0:
		return exitcodes.NewExitError(
			fmt.Errorf("%s: %d envelopes need manual review (dataflows hardstop list %s)", name, parked, name),
			exitcodes.PipelineError)
	}
	return nil
}

func showStatus(c *cli.Context) error {
	orch, err := openOrchestrator(c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	if jsonOutput(c) {
		results, err := orch.GetStatusResults(c.Context)
		if err != nil {
			return err
		}
		return printJSON(results)
	}
	return orch.ShowStatus(c.Context, os.Stdout)
}

func watch(c *cli.Context) error {
	orch, err := openOrchestrator(c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	// keep log lines from tearing the dashboard
	logging.SetOutput(os.Stderr)
	logging.SetLevel(logging.LevelError)
	return tui.Run(orch, c.Duration("interval"))
}

func resetPipeline(c *cli.Context) error {
	name, err := pipelineArg(c)
	if err != nil {
		return err
	}
	orch, err := openOrchestrator(c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	if err := orch.Reset(c.Context, name); err != nil {
		return err
	}
	fmt.Printf("Reset %s; the next trigger starts from the beginning\n", name)
	return nil
}

func haltPipeline(c *cli.Context) error {
	name, err := pipelineArg(c)
	if err != nil {
		return err
	}
	orch, err := openOrchestrator(c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	st, err := orch.Halt(c.Context, name, c.String("reason"))
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.StateError)
	}
	fmt.Printf("%s is %s (%s)\n", name, st.Status, st.LastError)
	return nil
}

func listHardStops(c *cli.Context) error {
	name, err := pipelineArg(c)
	if err != nil {
		return err
	}
	asJSON := jsonOutput(c)
	orch, err := openOrchestrator(c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	entries, err := orch.HardStops(c.Context, name, c.Int("limit"))
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Printf("No hard-stops for %s\n", name)
		return nil
	}
	for _, e := range entries {
		stage, cause := "-", "-"
		if f := e.Envelope.Failure; f != nil {
			stage = f.Stage + "/" + f.Activity
			cause = f.Message
		}
		fmt.Printf("%s  %-20s  %-18s  retries=%d  %s\n",
			e.EnqueuedAt.Format(time.RFC3339), e.Entity, stage, e.Envelope.RetryCount, cause)
	}
	return nil
}

func requeueHardStops(c *cli.Context) error {
	name, err := pipelineArg(c)
	if err != nil {
		return err
	}
	orch, err := openOrchestrator(c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	moved, err := orch.Requeue(c.Context, name, c.Int("limit"))
	fmt.Printf("Requeued %d envelopes for %s\n", moved, name)
	return err
}

func inspect(c *cli.Context) error {
	if c.NArg() < 2 {
		return exitcodes.NewExitError(errors.New("usage: inspect <pipeline> <legacy-id>"), exitcodes.ConfigError)
	}
	orch, err := openOrchestrator(c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()
	if err := orch.Connect(c.Context); err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConnectionError)
	}

	doc, err := orch.Inspect(c.Context, c.Args().Get(0), c.Args().Get(1))
	if errors.Is(err, target.ErrNotFound) {
		return exitcodes.NewExitError(fmt.Errorf("no document for legacy id %s", c.Args().Get(1)), exitcodes.ValidationError)
	}
	if err != nil {
		return err
	}
	return printJSON(doc)
}

func verify(c *cli.Context) error {
	name, err := pipelineArg(c)
	if err != nil {
		return err
	}
	asJSON := jsonOutput(c)
	orch, err := openOrchestrator(c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()
	if err := orch.Connect(c.Context); err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConnectionError)
	}

	res, err := orch.Verify(c.Context, name, c.Int("sample"))
	if err != nil {
		return err
	}
	if asJSON {
		if err := printJSON(res); err != nil {
			return err
		}
	}
	if !res.OK() {
		return exitcodes.NewExitError(fmt.Errorf("%d of %d sampled records missing", len(res.Missing), res.Sampled), exitcodes.ValidationError)
	}
	return nil
}

func healthCheck(c *cli.Context) error {
	logging.SetOutput(os.Stderr)
	orch, err := openOrchestrator(c, orchestrator.Options{})
	if err != nil {
		return err
	}
	defer orch.Close()

	result, err := orch.HealthCheck(c.Context)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConnectionError)
	}
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Healthy {
		return exitcodes.NewExitError(errors.New("health check failed"), exitcodes.ConnectionError)
	}
	return nil
}

func printConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg.Sanitized())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

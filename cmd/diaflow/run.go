package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/flowmesh/diaflow/common/bootstrap"
	"github.com/flowmesh/diaflow/common/config"
	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/execution"
	"github.com/flowmesh/diaflow/engine/scheduler"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a diagram to completion",
		ArgsUsage: "<diagram.json>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "var",
				Usage: "Execution variable as key=value (value parsed as JSON when possible), repeatable",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Whole-run deadline (0 disables)",
			},
			&cli.IntFlag{
				Name:  "max-concurrent",
				Usage: "Max nodes running at once (overrides MAX_CONCURRENT)",
			},
			&cli.StringFlag{
				Name:  "state-dir",
				Usage: "Pebble state directory (overrides STATE_DB_PATH)",
			},
			&cli.StringFlag{
				Name:  "resume",
				Usage: "Execution ID to resume instead of starting fresh",
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "Result output: json or pretty",
				Value: "pretty",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.Exit("diagram file required: diaflow run <diagram.json>", exitMisconfig)
	}
	format := c.String("format")
	if format != "json" && format != "pretty" {
		return cli.Exit(fmt.Sprintf("unknown format %q (want json or pretty)", format), exitMisconfig)
	}

	d, err := diagram.Load(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("load diagram: %v", err), exitMisconfig)
	}

	vars, err := parseVars(c.StringSlice("var"))
	if err != nil {
		return cli.Exit(err.Error(), exitMisconfig)
	}

	cfg, err := config.Load("diaflow")
	if err != nil {
		return cli.Exit(fmt.Sprintf("load config: %v", err), exitMisconfig)
	}
	if c.IsSet("timeout") {
		cfg.Engine.ExecutionTimeout = c.Duration("timeout")
	}
	if c.IsSet("max-concurrent") {
		cfg.Engine.MaxConcurrent = c.Int("max-concurrent")
	}
	if c.IsSet("state-dir") {
		cfg.State.Backend = "pebble"
		cfg.State.Path = c.String("state-dir")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comps, err := bootstrap.Setup(ctx, "diaflow", bootstrap.WithCustomConfig(cfg), bootstrap.WithoutJanitor())
	if err != nil {
		return cli.Exit(fmt.Sprintf("initialize: %v", err), exitMisconfig)
	}
	defer comps.Shutdown(context.Background())

	started := time.Now()
	final, runErr := comps.Engine.Run(ctx, d, scheduler.Options{
		Variables: vars,
		Resume:    execution.ID(c.String("resume")),
	})
	if final == nil {
		return cli.Exit(fmt.Sprintf("run: %v", runErr), exitFailed)
	}

	if err := printResult(final, format, time.Since(started)); err != nil {
		return cli.Exit(err.Error(), exitFailed)
	}

	switch final.Status {
	case execution.StatusCompleted:
		return nil
	case execution.StatusAborted:
		return cli.Exit("", exitAborted)
	default:
		return cli.Exit("", exitFailed)
	}
}

// parseVars turns repeated key=value flags into execution variables.
// Values that parse as JSON keep their type; anything else is a string.
func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q (want key=value)", pair)
		}
		var val any
		if err := json.Unmarshal([]byte(raw), &val); err != nil {
			val = raw
		}
		vars[key] = val
	}
	return vars, nil
}

func printResult(final *execution.State, format string, elapsed time.Duration) error {
	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(final)
	}

	fmt.Printf("execution %s  %s  (%s)\n", final.ID, final.Status, elapsed.Round(time.Millisecond))
	if final.Error != "" {
		fmt.Printf("  error: %s\n", final.Error)
	}
	fmt.Printf("  nodes executed: %d\n", len(final.ExecutedNodes))
	if final.TokenUsage.Total > 0 {
		fmt.Printf("  tokens: %d in / %d out / %d total\n",
			final.TokenUsage.Input, final.TokenUsage.Output, final.TokenUsage.Total)
	}
	for node, out := range final.NodeOutputs {
		ns := final.NodeStates[node]
		if ns == nil || ns.Status != execution.NodeCompleted {
			continue
		}
		body, err := json.Marshal(out.Body())
		if err != nil {
			continue
		}
		preview := string(body)
		if len(preview) > 120 {
			preview = preview[:117] + "..."
		}
		fmt.Printf("  %s: %s\n", node, preview)
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/flowmesh/diaflow/common/bootstrap"
	"github.com/flowmesh/diaflow/engine/diagram"
	"github.com/flowmesh/diaflow/engine/execution"
	"github.com/flowmesh/diaflow/engine/state"
)

func executionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "executions",
		Usage: "Inspect and prune persisted executions",
		Subcommands: []*cli.Command{
			executionsListCommand(),
			executionsCleanCommand(),
		},
	}
}

func executionsListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List persisted executions, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status (PENDING, RUNNING, COMPLETED, FAILED, ABORTED)",
			},
			&cli.StringFlag{
				Name:  "diagram",
				Usage: "Filter by diagram ID",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Max rows",
				Value: 50,
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "Output: table or json",
				Value: "table",
			},
		},
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			comps, err := bootstrap.Setup(ctx, "diaflow",
				bootstrap.WithoutJanitor(), bootstrap.WithoutTelemetry())
			if err != nil {
				return cli.Exit(fmt.Sprintf("initialize: %v", err), exitMisconfig)
			}
			defer comps.Shutdown(ctx)

			states, err := comps.Store.ListExecutions(ctx, state.Filter{
				Status:    execution.Status(strings.ToUpper(c.String("status"))),
				DiagramID: diagram.DiagramID(c.String("diagram")),
				Limit:     c.Int("limit"),
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("list executions: %v", err), exitFailed)
			}

			if c.String("format") == "json" {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(states)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDIAGRAM\tSTATUS\tSTARTED\tDURATION\tNODES")
			for _, st := range states {
				duration := "-"
				if st.EndedAt != nil {
					duration = st.EndedAt.Sub(st.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
					st.ID, st.DiagramID, st.Status,
					st.StartedAt.Format(time.RFC3339), duration, len(st.ExecutedNodes))
			}
			return w.Flush()
		},
	}
}

func executionsCleanCommand() *cli.Command {
	return &cli.Command{
		Name:  "clean",
		Usage: "Delete terminal executions older than the retention window",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "older-than",
				Usage: "Retention window (overrides CLEANUP_MAX_AGE)",
			},
		},
		Action: func(c *cli.Context) error {
			ctx := context.Background()
			comps, err := bootstrap.Setup(ctx, "diaflow",
				bootstrap.WithoutJanitor(), bootstrap.WithoutTelemetry())
			if err != nil {
				return cli.Exit(fmt.Sprintf("initialize: %v", err), exitMisconfig)
			}
			defer comps.Shutdown(ctx)

			maxAge := comps.Config.Cleanup.MaxAge
			if c.IsSet("older-than") {
				maxAge = c.Duration("older-than")
			}

			var prune func(context.Context, *execution.State) error
			if comps.Archiver != nil {
				prune = comps.Archiver.Archive
			}
			removed, err := comps.Store.CleanupOldStates(ctx, maxAge, prune)
			if err != nil {
				return cli.Exit(fmt.Sprintf("clean executions: %v", err), exitFailed)
			}
			fmt.Printf("removed %d execution(s) older than %s\n", removed, maxAge)
			return nil
		},
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/flowmesh/diaflow/common/bootstrap"
	"github.com/flowmesh/diaflow/relay"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the event relay: execution listing, SSE streams, WebSocket hub",
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			comps, err := bootstrap.Setup(ctx, "diaflow-relay")
			if err != nil {
				return cli.Exit(fmt.Sprintf("initialize: %v", err), exitMisconfig)
			}
			defer comps.Shutdown(context.Background())

			hub := relay.NewHub(comps.Logger)
			go hub.Run(ctx)

			// With redis configured, events flow bus -> redis -> hub so
			// watchers see executions run by other processes too.
			// Without it, local bus events feed the hub directly.
			if comps.Redis != nil {
				pub := relay.NewPublisher(comps.Bus, comps.Redis, comps.Logger)
				go pub.Run(ctx)
				sub := relay.NewSubscriber(comps.Redis, hub, comps.Logger)
				go func() {
					if err := sub.Run(ctx); err != nil {
						comps.Logger.Error("redis subscriber stopped", "error", err)
					}
				}()
			}

			srv := relay.NewServer(comps.Config.Service.Name, comps.Store, comps.Bus, hub, comps.Logger)
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					comps.Logger.Warn("relay shutdown", "error", err)
				}
			}()

			if err := srv.Start(comps.Config.Service.Port); err != nil {
				return cli.Exit(fmt.Sprintf("relay server: %v", err), exitFailed)
			}
			return nil
		},
	}
}

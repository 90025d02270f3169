package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"storyline/lock"
	"storyline/server"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the event API",
		Description: `Starts the HTTP API serving active events and exposing every stage as a
		trigger endpoint. With --interval the full pipeline also runs on a schedule.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "Address to listen on",
				EnvVars: []string{"STORYLINE_LISTEN"},
			},
			&cli.DurationFlag{
				Name:    "interval",
				Usage:   "Run the full pipeline on this interval, 0 disables",
				EnvVars: []string{"STORYLINE_INTERVAL"},
			},
			&cli.DurationFlag{
				Name:    "cache",
				Value:   30 * time.Second,
				Usage:   "How long read responses are cached, 0 disables",
				EnvVars: []string{"STORYLINE_CACHE"},
			},
			&cli.StringFlag{
				Name:    "static-dir",
				Usage:   "Directory with a built dashboard to serve at /",
				EnvVars: []string{"STORYLINE_STATIC_DIR"},
			},
		},
		Action: func(ctx *cli.Context) error {
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			listen := a.cfg.Server.Listen
			if ctx.IsSet("listen") {
				listen = ctx.String("listen")
			}
			interval := a.cfg.Interval()
			if ctx.IsSet("interval") {
				interval = ctx.Duration("interval")
			}

			broadcaster := server.NewBroadcaster()
			app := server.Server(&server.ServerConfig{
				Reader:          a.db,
				Pipeline:        a.service,
				Broadcaster:     broadcaster,
				CacheExpiration: ctx.Duration("cache"),
				StaticDir:       ctx.String("static-dir"),
			})

			runCtx, cancel := context.WithCancel(ctx.Context)
			defer cancel()

			// Graceful shutdown
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

			var wg sync.WaitGroup

			go func() {
				<-sig
				log.Info("Gracefully shutting down...")
				cancel()
				broadcaster.Shutdown()
				if err := app.ShutdownWithTimeout(60 * time.Second); err != nil {
					log.WithError(err).Error("Server shutdown failed")
				}
			}()

			if interval > 0 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					schedule(runCtx, interval, func(ctx context.Context) {
						reports, err := a.service.RunAll(ctx)
						for _, report := range reports {
							broadcaster.BroadcastReport(report)
						}
						if err != nil && !errors.Is(err, lock.ErrBusy) {
							log.WithError(err).Error("Scheduled pipeline run failed")
						}
					})
				}()
			}

			log.WithFields(log.Fields{
				"listen":   listen,
				"interval": interval,
			}).Info("Starting server")

			err = app.Listen(listen)
			cancel()
			wg.Wait()
			return err
		},
	}
}

// schedule calls fn immediately and then every interval until ctx is done
func schedule(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/atvirokodosprendimai/revaudit/internal/app"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cmd := &cli.Command{
		Name:  "revaudit",
		Usage: "Entity revisioning and audit history over SQLite",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":8080",
				Sources: cli.EnvVars("REVAUDIT_ADDR"),
				Usage:   "HTTP listen address",
			},
			&cli.StringFlag{
				Name:    "db-path",
				Value:   "./revaudit.sqlite",
				Sources: cli.EnvVars("REVAUDIT_DB_PATH"),
				Usage:   "SQLite file path",
			},
			&cli.StringFlag{
				Name:     "mapping",
				Sources:  cli.EnvVars("REVAUDIT_MAPPING"),
				Required: true,
				Usage:    "Audit mapping document (YAML or JSON)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Sources: cli.EnvVars("REVAUDIT_LOG_LEVEL"),
				Usage:   "Log level: debug, info, warn, error",
			},
			&cli.StringFlag{
				Name:    "allocator",
				Sources: cli.EnvVars("REVAUDIT_ALLOCATOR"),
				Usage:   "Revision allocator strategy (increment, pooled, sequence); overrides the mapping",
			},
			&cli.StringFlag{
				Name:    "sequence-db",
				Sources: cli.EnvVars("REVAUDIT_SEQUENCE_DB"),
				Usage:   "SQLite file for the revision sequence (default <db-path>.seq)",
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Sources: cli.EnvVars("REVAUDIT_REDIS_ADDR"),
				Usage:   "Redis address for a revision sequence shared across processes",
			},
			&cli.StringFlag{
				Name:    "webhook-url",
				Sources: cli.EnvVars("REVAUDIT_WEBHOOK_URL"),
				Usage:   "Revision event webhook target URL",
			},
			&cli.StringFlag{
				Name:    "webhook-secret",
				Sources: cli.EnvVars("REVAUDIT_WEBHOOK_SECRET"),
				Usage:   "HMAC-SHA256 signing secret for outbound webhook requests",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Sources: cli.EnvVars("REVAUDIT_NATS_URL"),
				Usage:   "NATS server URL for revision events",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "replay",
				Usage: "Republish revision events after a checkpoint to the configured publishers",
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:  "after",
						Usage: "Last revision the receivers already have",
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := configFrom(c, log)
					if err != nil {
						return err
					}
					sent, err := app.Replay(ctx, cfg, c.Int64("after"))
					if err != nil {
						return fmt.Errorf("replay after %d (%d sent): %w", c.Int64("after"), sent, err)
					}
					return nil
				},
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := configFrom(c, log)
			if err != nil {
				return err
			}

			server, closer, err := app.NewServer(ctx, cfg)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			defer func() {
				if closeErr := closer.Close(); closeErr != nil {
					log.WithError(closeErr).Error("close resources")
				}
			}()

			errCh := make(chan error, 1)
			go func() {
				log.WithField("addr", cfg.Addr).Info("listening")
				errCh <- server.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case sig := <-sigCh:
				log.WithField("signal", sig.String()).Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func configFrom(c *cli.Command, log *logrus.Logger) (app.Config, error) {
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return app.Config{}, fmt.Errorf("parse log level: %w", err)
	}
	log.SetLevel(level)

	return app.Config{
		Addr:           c.String("addr"),
		DBPath:         c.String("db-path"),
		MappingPath:    c.String("mapping"),
		Allocator:      c.String("allocator"),
		SequenceDBPath: c.String("sequence-db"),
		RedisAddr:      c.String("redis-addr"),
		WebhookURL:     c.String("webhook-url"),
		WebhookSecret:  c.String("webhook-secret"),
		NATSURL:        c.String("nats-url"),
		Logger:         log,
	}, nil
}

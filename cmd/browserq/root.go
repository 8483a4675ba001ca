package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/isoautomate/browserq"
	"github.com/isoautomate/browserq/objstore"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// commandContext carries what every subcommand needs: configuration, the
// logger and, once opened, the Redis connection.
type commandContext struct {
	envFile  string
	logLevel string
	logJSON  bool

	cfg *browserq.Config
	log *logrus.Logger
	rdb *redis.Client
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "browserq",
		Short:         "Queue-driven browser automation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.envFile, "env-file", "", "Path to a .env file")
	rootCmd.PersistentFlags().StringVar(&ctx.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&ctx.logJSON, "log-json", false, "Log as JSON")

	rootCmd.AddCommand(newWorkerCommand(ctx))
	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newEnqueueCommand(ctx))
	rootCmd.AddCommand(newRecoverCommand(ctx))

	return rootCmd
}

func (c *commandContext) init() error {
	cfg := browserq.LoadConfig(c.envFile)
	c.cfg = &cfg

	c.log = logrus.New()
	level, err := logrus.ParseLevel(c.logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.logLevel, err)
	}
	c.log.SetLevel(level)
	if c.logJSON {
		c.log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		c.log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func (c *commandContext) redis(ctx context.Context) (*redis.Client, error) {
	if c.rdb != nil {
		return c.rdb, nil
	}
	rdb, err := browserq.NewRedisClient(ctx, *c.cfg)
	if err != nil {
		return nil, err
	}
	c.rdb = rdb
	return rdb, nil
}

// objects opens object storage when S3 is configured, and returns nil
// otherwise.
func (c *commandContext) objects(ctx context.Context) (browserq.ObjectStore, error) {
	if c.cfg.S3Endpoint == "" {
		return nil, nil
	}
	store, err := objstore.NewMinioStore(ctx, objstore.FromConfig(*c.cfg))
	if err != nil {
		return nil, err
	}
	return store, nil
}

func (c *commandContext) close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
}

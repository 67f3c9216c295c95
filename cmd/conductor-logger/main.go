// Command conductor-logger runs the Logger module: it registers with the
// router and writes LogMessage traffic to the configured sinks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spectralab/conductor/lib/codec"
	"github.com/spectralab/conductor/lib/logging"
	"github.com/spectralab/conductor/lib/module"
	"github.com/spectralab/conductor/modules/logger"
)

var (
	routerAddr   string
	identity     string
	codecName    string
	destinations []string
	filePath     string
	redisAddr    string
	redisChannel string
)

var rootCmd = &cobra.Command{
	Use:   "conductor-logger",
	Short: "Centralized logging module",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVar(&routerAddr, "router", envOr("CONDUCTOR_ROUTER_ADDR", "127.0.0.1:8790"), "router address")
	rootCmd.Flags().StringVar(&identity, "identity", envOr("CONDUCTOR_MODULE_IDENTITY", "Logger"), "module identity")
	rootCmd.Flags().StringVar(&codecName, "codec", envOr("CONDUCTOR_SYSTEM_CODEC", "json"), "wire codec")
	rootCmd.Flags().StringSliceVar(&destinations, "destinations",
		strings.Split(envOr("CONDUCTOR_PARAM_DESTINATIONS", logger.SinkStdout), ","),
		"log sinks: stdout, file, redis")
	rootCmd.Flags().StringVar(&filePath, "file", envOr("CONDUCTOR_PARAM_FILE", "conductor.log"), "log file path for the file sink")
	rootCmd.Flags().StringVar(&redisAddr, "redis-addr", envOr("CONDUCTOR_PARAM_REDIS_ADDR", "127.0.0.1:6379"), "redis address for the redis sink")
	rootCmd.Flags().StringVar(&redisChannel, "redis-channel", envOr("CONDUCTOR_PARAM_REDIS_CHANNEL", "conductor.logs"), "redis channel for the redis sink")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run() error {
	wireCodec, err := codec.ByName(codecName)
	if err != nil {
		return err
	}

	handler := logger.New(logger.Config{
		Destinations: destinations,
		FilePath:     filePath,
		RedisAddr:    redisAddr,
		RedisChannel: redisChannel,
	}, nil)

	runner := module.NewRunner(identity, routerAddr, handler, &module.Options{
		Codec:  wireCodec,
		Logger: logging.New(os.Stderr, logging.LevelInfo),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runner.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

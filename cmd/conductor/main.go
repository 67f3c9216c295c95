// Command conductor runs the event manager and supervises the configured
// module processes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/spectralab/conductor/lib/codec"
	"github.com/spectralab/conductor/lib/config"
	"github.com/spectralab/conductor/lib/eventmanager"
	"github.com/spectralab/conductor/lib/logging"
	"github.com/spectralab/conductor/lib/process"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Module orchestration router",
	Long: `Conductor runs the central event manager that registers modules,
routes typed messages between them, and coordinates system-wide shutdown.
Modules run as separate processes and connect over TCP.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the router and the enabled module processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cfgFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
	rootCmd.AddCommand(serveCmd)
}

func serve(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger := logging.New(os.Stderr, cfg.System.LogLevel)

	wireCodec, err := codec.ByName(cfg.System.Codec)
	if err != nil {
		return err
	}

	manager := eventmanager.New(&eventmanager.Options{
		Codec:       wireCodec,
		QueueSize:   cfg.System.QueueSize,
		GracePeriod: cfg.System.GracePeriod,
		Logger:      logger,
	})
	if err := manager.Start(cfg.Network.Addr()); err != nil {
		return err
	}

	// Spawn each enabled module in its own process. The handle stays
	// attached to the registry so an unresponsive module can be
	// terminated during shutdown.
	env := []string{
		"CONDUCTOR_ROUTER_ADDR=" + manager.Addr(),
		"CONDUCTOR_SYSTEM_CODEC=" + cfg.System.Codec,
	}
	for identity, mod := range cfg.EnabledModules() {
		logger.Info("starting module", "module", identity, "command", mod.Command)
		moduleEnv := make([]string, 0, len(env)+1+len(mod.Params))
		moduleEnv = append(moduleEnv, env...)
		moduleEnv = append(moduleEnv, "CONDUCTOR_MODULE_IDENTITY="+identity)
		moduleEnv = append(moduleEnv, mod.ParamEnv()...)
		handle, err := process.StartWithEnv(mod.Command, moduleEnv, mod.Args...)
		if err != nil {
			logger.Error("failed to start module", "module", identity, "error", err)
			continue
		}
		manager.AttachProcess(identity, handle)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger.Info("conductor running", "addr", manager.Addr())
	<-ctx.Done()

	logger.Info("shutdown signal received")
	return manager.Shutdown(context.Background())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

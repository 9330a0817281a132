package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendersync/rendersyncd"
)

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the rendersyncd daemon",
		Long: `Start the daemon: secure the HTTP port, bind the API, and supervise the
LLM runtime and render engine. Without a config file, defaults plus
RENDERSYNC_* environment overrides apply.

Examples:
  rendersyncd serve                     # Defaults + environment
  rendersyncd serve config.toml         # Specific config file
  rendersyncd serve --daemonize         # Run in the background`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(serveFlags)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon logs to file")

	return cmd
}

func runServe(flags *ServeFlags) error {
	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}

	cfg, err := rendersync.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	// Registry clock starts in New, so construct before anything slow.
	d, err := rendersync.New(cfg)
	if err != nil {
		return err
	}
	if err := rendersync.RegisterMetricsDefault(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if err := d.Start(); err != nil {
		return err
	}
	log := d.Logger()

	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			log.Warn("pid file not written", "path", flags.PidFile, "error", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	// Report-only startup deadline check.
	loadTimer := time.AfterFunc(cfg.LoadTimeout(), func() {
		if d.CheckLoadTimeout() {
			log.Warn("startup exceeded load timeout", "timeout", cfg.LoadTimeout())
		}
	})
	defer loadTimer.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("signal received, shutting down", "signal", sig.String())
	case <-d.Done():
		log.Info("shutdown requested over the API")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Grace()+10*time.Second)
	defer cancel()
	return d.Shutdown(ctx)
}

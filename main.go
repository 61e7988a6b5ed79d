package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/semihalev/zlog/v2"
	"github.com/spf13/cobra"

	"github.com/dnsgate/dnsgate/config"
	"github.com/dnsgate/dnsgate/engine"
	"github.com/dnsgate/dnsgate/metrics"
	"github.com/dnsgate/dnsgate/server"
)

const version = "0.1.0"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "dnsgate",
	Short: "dnsgate is a dns load balancer and policy engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("dnsgate v" + version)
	},
}

func init() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "dnsgate.toml", "location of the config file, if not found it will be generated")
	rootCmd.AddCommand(versionCmd)
}

func setupLogging(level string) {
	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())

	switch level {
	case "debug":
		logger.SetLevel(zlog.LevelDebug)
	case "warn":
		logger.SetLevel(zlog.LevelWarn)
	case "error":
		logger.SetLevel(zlog.LevelError)
	default:
		logger.SetLevel(zlog.LevelInfo)
	}

	zlog.SetDefault(logger)
}

func run() error {
	zlog.Info("Starting dnsgate...", "version", version)

	cfg, err := config.Load(cfgPath, version)
	if err != nil {
		return fmt.Errorf("config loading failed: %w", err)
	}

	setupLogging(cfg.LogLevel)

	e, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("engine setup failed: %w", err)
	}

	if err := e.Start(); err != nil {
		return fmt.Errorf("engine start failed: %w", err)
	}

	metrics.Register(e)

	srv, err := server.New(cfg, e)
	if err != nil {
		return fmt.Errorf("server setup failed: %w", err)
	}
	srv.Run()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	<-c

	zlog.Info("Stopping dnsgate...")
	e.Stop()

	return nil
}

func main() {
	setupLogging("info")

	if err := rootCmd.Execute(); err != nil {
		zlog.Error("Fatal error", "error", err.Error())
		os.Exit(1)
	}
}

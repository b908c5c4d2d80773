// Bramble Hub
// Main entry point for the mesh hub service.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/erikbeerepoot/bramble/internal/hub"
	"github.com/erikbeerepoot/bramble/internal/radio"
)

// Config represents the configuration file structure.
type Config struct {
	Radio struct {
		PublishAddr   string `yaml:"publish_addr"`
		SubscribeAddr string `yaml:"subscribe_addr"`
	} `yaml:"radio"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Diagnostics struct {
		Addr string `yaml:"addr"`
	} `yaml:"diagnostics"`

	Timing struct {
		PollIntervalMS      int `yaml:"poll_interval_ms"`
		HousekeepIntervalS  int `yaml:"housekeep_interval_seconds"`
		InactiveTimeoutS    int `yaml:"inactive_timeout_seconds"`
		DeregisterTimeoutS  int `yaml:"deregister_timeout_seconds"`
	} `yaml:"timing"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "bramble-hub",
		Short: "Bramble mesh hub",
		Long:  "Hub process for a Bramble LoRa sensor mesh. Manages node addresses, routes mesh traffic, and serves a diagnostics stream.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the hub service",
		RunE:  runHub,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Bramble Hub v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/bramble/hub.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

func runHub(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	zmqCfg := radio.DefaultZMQConfig()
	if cfg.Radio.PublishAddr != "" {
		zmqCfg.PublishAddr = cfg.Radio.PublishAddr
	}
	if cfg.Radio.SubscribeAddr != "" {
		zmqCfg.SubscribeAddr = cfg.Radio.SubscribeAddr
	}
	port := radio.NewZMQPort(zmqCfg, log.Default())

	engineCfg := hub.DefaultConfig()
	if cfg.Database.Path != "" {
		engineCfg.DatabasePath = cfg.Database.Path
	}
	if cfg.Diagnostics.Addr != "" {
		engineCfg.DiagnosticsAddr = cfg.Diagnostics.Addr
	}
	if cfg.Timing.PollIntervalMS > 0 {
		engineCfg.PollInterval = time.Duration(cfg.Timing.PollIntervalMS) * time.Millisecond
	}
	if cfg.Timing.HousekeepIntervalS > 0 {
		engineCfg.HousekeepInterval = time.Duration(cfg.Timing.HousekeepIntervalS) * time.Second
	}
	if cfg.Timing.InactiveTimeoutS > 0 {
		engineCfg.InactiveTimeout = time.Duration(cfg.Timing.InactiveTimeoutS) * time.Second
	}
	if cfg.Timing.DeregisterTimeoutS > 0 {
		engineCfg.DeregisterTimeout = time.Duration(cfg.Timing.DeregisterTimeoutS) * time.Second
	}

	eng, err := hub.New(engineCfg, port, log.Default())
	if err != nil {
		return fmt.Errorf("failed to create hub engine: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/diagnostics", eng.Diagnostics())
	httpSrv := &http.Server{Addr: engineCfg.DiagnosticsAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("diagnostics server error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("Starting Bramble Hub, diagnostics on %s", engineCfg.DiagnosticsAddr)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub engine: %w", err)
	}

	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down diagnostics server: %v", err)
	}

	if err := eng.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}

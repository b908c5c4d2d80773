// Bramble Node
// Main entry point for the node-side development and integration-test
// harness: it runs ReliableMessenger, FlashRing, PmuLink and NodeRuntime
// against a simulated PMU and a simulated radio medium, the host-side
// counterpart to real RP2040 firmware built from the same internal
// packages.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/erikbeerepoot/bramble/internal/flashring"
	"github.com/erikbeerepoot/bramble/internal/messenger"
	"github.com/erikbeerepoot/bramble/internal/noderuntime"
	"github.com/erikbeerepoot/bramble/internal/pmu"
	"github.com/erikbeerepoot/bramble/internal/protocol"
	"github.com/erikbeerepoot/bramble/internal/radio"
	"github.com/erikbeerepoot/bramble/internal/taskqueue"
)

// Config represents the configuration file structure.
type Config struct {
	Radio struct {
		PublishAddr   string `yaml:"publish_addr"`
		SubscribeAddr string `yaml:"subscribe_addr"`
	} `yaml:"radio"`

	Node struct {
		Address      uint16 `yaml:"address"`
		Name         string `yaml:"name"`
		NodeType     uint8  `yaml:"node_type"`
		Capabilities uint8  `yaml:"capabilities"`
		Firmware     uint16 `yaml:"firmware_version"`
	} `yaml:"node"`

	Flash struct {
		SizeBytes uint32 `yaml:"size_bytes"`
	} `yaml:"flash"`

	PMU struct {
		WakeIntervalSeconds int `yaml:"wake_interval_seconds"`
	} `yaml:"pmu"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "bramble-node",
		Short: "Bramble mesh node",
		Long:  "Node process for a Bramble LoRa sensor mesh, simulating the wake/sleep cycle against a software PMU and radio medium.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the node service",
		RunE:  runNode,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Bramble Node v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/bramble/node.yaml", "Configuration file path")
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
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// pipeReadWriter adapts a pair of io.Pipe ends into a single io.ReadWriter,
// the transport pmu.Client and pmu.Simulator exchange frames over in this
// binary in place of the real PMU's UART link.
type pipeReadWriter struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p pipeReadWriter) Read(buf []byte) (int, error)  { return p.r.Read(buf) }
func (p pipeReadWriter) Write(buf []byte) (int, error) { return p.w.Write(buf) }

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	zmqCfg := radio.DefaultZMQConfig()
	zmqCfg.PublishAddr, zmqCfg.SubscribeAddr = zmqCfg.SubscribeAddr, zmqCfg.PublishAddr
	if cfg.Radio.PublishAddr != "" {
		zmqCfg.PublishAddr = cfg.Radio.PublishAddr
	}
	if cfg.Radio.SubscribeAddr != "" {
		zmqCfg.SubscribeAddr = cfg.Radio.SubscribeAddr
	}
	port := radio.NewZMQPort(zmqCfg, log.Default())
	if err := port.Begin(); err != nil {
		return fmt.Errorf("failed to start radio: %w", err)
	}
	if err := port.StartReceive(); err != nil {
		return fmt.Errorf("failed to start radio receive: %w", err)
	}

	addr := protocol.AddressUnregistered
	if cfg.Node.Address != 0 {
		addr = protocol.Address(cfg.Node.Address)
	}
	msgr := messenger.New(addr, port, 128, 255, log.Default())

	flashSize := uint32(1 << 20)
	if cfg.Flash.SizeBytes != 0 {
		flashSize = cfg.Flash.SizeBytes
	}
	ring := flashring.New(flashring.NewInMemory(flashSize), log.Default())
	if err := ring.Init(); err != nil {
		return fmt.Errorf("failed to initialize flash ring: %w", err)
	}

	nodeSide, pmuSide := io.Pipe()
	pmuSide2, nodeSide2 := io.Pipe()
	pmuClient := pmu.NewClient(pipeReadWriter{r: nodeSide, w: nodeSide2}, log.Default())

	wakeInterval := 15 * time.Minute
	if cfg.PMU.WakeIntervalSeconds != 0 {
		wakeInterval = time.Duration(cfg.PMU.WakeIntervalSeconds) * time.Second
	}
	sim := pmu.NewSimulator(pipeReadWriter{r: pmuSide2, w: pmuSide}, wakeInterval, log.Default())

	tasks := taskqueue.New()

	nodeName := cfg.Node.Name
	if nodeName == "" {
		nodeName = "bramble-node"
	}
	firmware := cfg.Node.Firmware
	if firmware == 0 {
		firmware = 1
	}

	rtCfg := noderuntime.DefaultConfig()
	rtCfg.DeviceID = deviceIDFromUUID(uuid.New())
	rtCfg.NodeType = cfg.Node.NodeType
	rtCfg.Capabilities = cfg.Node.Capabilities
	rtCfg.FirmwareVersion = firmware
	rtCfg.DeviceName = nodeName

	runtime := noderuntime.New(rtCfg, addr, msgr, ring, pmuClient, tasks, readSensor, log.Default())
	runtime.SetStateCallback(func(s noderuntime.State) {
		log.Printf("node: state -> %s", s)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := pmuClient.ReceiveLoop(ctx); err != nil && ctx.Err() == nil {
			log.Printf("node: pmu receive loop error: %v", err)
		}
	}()
	go func() {
		if err := sim.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("node: pmu simulator error: %v", err)
		}
	}()

	log.Printf("Starting Bramble Node at address %d", addr)
	go mainLoop(ctx, port, msgr, runtime)

	sig := <-sigChan
	log.Printf("Received signal %v, shutting down...", sig)
	cancel()
	time.Sleep(50 * time.Millisecond)
	log.Println("Shutdown complete")
	return nil
}

// sleepDuration is the in-process stand-in for however long the real PMU
// would hold the RP2040 in its low-power sleep state between wakes: mainLoop
// calls BeginWake once the runtime is sleep-pending and sleepDuration has
// passed. The simulator's own periodic wake notification (see
// pmu.Simulator.wakeEvery) reaches the runtime independently of this loop.
const sleepDuration = 2 * time.Second

// mainLoop drives the cooperative main loop: poll the radio, tick the
// runtime, and start a new wake cycle once the previous one signals
// sleep-ready and sleepDuration has elapsed, the same
// BeginWake-on-wake-notification shape sensor_pmu_manager's real main loop
// follows, compressed onto a ticker since there is no real sleep state to
// wait out here.
func mainLoop(ctx context.Context, port radio.Port, msgr *messenger.Messenger, runtime *noderuntime.Runtime) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	buf := make([]byte, protocol.MaxFrame)
	runtime.BeginWake(time.Now())
	var sleptAt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if port.IsIRQPending() {
				port.HandleIRQ()
			}
			if port.IsMsgReady() {
				n, err := port.Receive(buf)
				if err == nil {
					msgr.OnRX(buf[:n], now)
				}
			}
			runtime.Tick(now)

			if runtime.IsSleepPending() {
				if sleptAt.IsZero() {
					sleptAt = now
					log.Printf("node: sleeping")
				} else if now.Sub(sleptAt) >= sleepDuration {
					sleptAt = time.Time{}
					runtime.BeginWake(now)
				}
			}
		}
	}
}

// deviceIDFromUUID folds a 128-bit UUID down to the 64-bit device identifier
// carried in Registration requests, matching this binary's role as a
// software stand-in for hardware that would otherwise derive a DeviceID from
// a chip serial number.
func deviceIDFromUUID(id uuid.UUID) uint64 {
	var out uint64
	for i := 0; i < 8; i++ {
		out = out<<8 | uint64(id[i]^id[i+8])
	}
	return out
}

// readSensor produces a synthetic temperature/humidity reading, standing in
// for a real I2C sensor the way the node-side binary stands in for firmware.
func readSensor(now time.Time) (protocol.SensorDataPayload, error) {
	return protocol.SensorDataPayload{
		Timestamp:   uint32(now.Unix()),
		Temperature: int16(2000 + rand.Intn(500)),
		Humidity:    uint16(4000 + rand.Intn(2000)),
	}, nil
}

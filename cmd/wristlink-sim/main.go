// wristlink-sim runs the full command engine against a simulated wristband
// over an in-memory transport: no radio, no hardware. Useful for poking at
// queue behavior, timeouts and the device protocol during development.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/okanda/wristlink/device"
	"github.com/okanda/wristlink/device/sim"
	"github.com/okanda/wristlink/engine"
	"github.com/okanda/wristlink/internal/config"
	"github.com/okanda/wristlink/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/wristlink/config.yaml)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	lb := transport.NewLoopback()
	simOpts := sim.DefaultOptions()
	simOpts.Battery = cfg.Sim.Battery
	simOpts.Latency = cfg.Sim.Latency()
	simOpts.MotionSamples = cfg.Sim.MotionSamples
	sim.New(lb, simOpts)

	procOpts := engine.DefaultProcessorOptions()
	procOpts.PollInterval = cfg.Engine.PollInterval()
	proc := engine.NewProcessor(lb, procOpts)
	proc.Start()
	defer proc.Dispose()

	devOpts := device.DefaultOptions()
	devOpts.CommandTimeout = cfg.Engine.CommandTimeout()
	band := device.New(proc, devOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pct, err := band.Battery(ctx)
	if err != nil {
		log.Fatalf("battery: %v", err)
	}
	log.Printf("battery: %d%%", pct)

	if err := band.SetClock(ctx, time.Now()); err != nil {
		log.Fatalf("set clock: %v", err)
	}
	clock, err := band.Clock(ctx)
	if err != nil {
		log.Fatalf("clock: %v", err)
	}
	log.Printf("clock: %s", clock.Format(time.RFC3339))

	block, err := band.ReadBlock(ctx, 0)
	if err != nil {
		log.Fatalf("read block: %v", err)
	}
	log.Printf("block 0: %d bytes, crc ok", len(block))

	if err := band.Paint(ctx, 16, 8, make([]byte, 16)); err != nil {
		log.Fatalf("paint: %v", err)
	}
	log.Printf("painted 16x8 bitmap")

	log.Printf("streaming accelerometer...")
	samples := make(chan device.Motion, 32)
	go func() {
		for m := range samples {
			log.Printf("  motion: x=%d y=%d z=%d", m.X, m.Y, m.Z)
		}
	}()
	if err := band.StreamMotion(ctx, samples); err != nil {
		log.Fatalf("motion stream: %v", err)
	}
	close(samples)
	log.Printf("stream ended")
}

// loadConfig loads from path, falling back to defaults when no file exists.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.DefaultConfigPath()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// Command loramesh is the process entry point: it loads configuration,
// builds the logger, wires the serial port, radio driver, mesh router, TUN
// adapter and node event loop together, and runs the long-lived tasks
// under an errgroup until one of them fails fatally (spec §5, §6, §7).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/loramesh/loramesh/internal/config"
	"github.com/loramesh/loramesh/internal/metrics"
	"github.com/loramesh/loramesh/internal/node"
	"github.com/loramesh/loramesh/internal/radio"
	"github.com/loramesh/loramesh/internal/router"
	"github.com/loramesh/loramesh/internal/serial"
	"github.com/loramesh/loramesh/internal/tun"
)

func main() {
	var (
		configPath = pflag.String("config", config.DefaultPath, "path to conf.yml")
		nodeID     = pflag.Int("nodeid", -1, "override configured node id")
		gateway    = pflag.Bool("gateway", false, "override isgateway to true")
		port       = pflag.String("port", "", "override configured radio serial port")
		debug      = pflag.Bool("debug", false, "override debug to true")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loramesh: config:", err)
		os.Exit(1)
	}
	if *nodeID >= 0 {
		cfg.NodeID = byte(*nodeID)
	}
	if *gateway {
		cfg.IsGateway = true
	}
	if *port != "" {
		cfg.RadioPort = *port
	}
	if *debug {
		cfg.Debug = true
	}

	logger := log.New(os.Stderr)
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.InfoLevel)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("loramesh: fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serialPort, err := serial.Open(cfg.RadioPort)
	if err != nil {
		return fmt.Errorf("serial open: %w", err)
	}
	defer serialPort.Close()

	txSlot := time.Duration(cfg.TxSlotMS) * time.Millisecond
	radioDriver := radio.New(serialPort, txSlot, 2, logger.WithPrefix("radio"))
	defer radioDriver.Close()

	initCommands := radio.DefaultInitCommands
	if cfg.RadioCfg != "" {
		commands, err := loadRadioCfg(cfg.RadioCfg)
		if err != nil {
			return fmt.Errorf("radiocfg: %w", err)
		}
		initCommands = commands
	}
	if err := radioDriver.Init(initCommands, time.Sleep); err != nil {
		return fmt.Errorf("radio init: %w", err)
	}

	tunDevice, err := tun.New(logger.WithPrefix("tun"))
	if err != nil {
		return fmt.Errorf("tun: %w", err)
	}
	defer tunDevice.Close()

	r := router.New(cfg.NodeID, cfg.IsGateway, int(cfg.MaxHops), time.Second, 3, logger.WithPrefix("router"))
	if cfg.IsGateway {
		selfIP := router.AllocatedIP(cfg.NodeID)
		if err := tunDevice.AssignIP(selfIP); err != nil {
			return fmt.Errorf("assign gateway ip: %w", err)
		}
		r.HandleIPAssignment(selfIP)
	}

	n := node.New(node.Config{
		SelfID:        cfg.NodeID,
		IsGateway:     cfg.IsGateway,
		MaxHops:       cfg.MaxHops,
		MaxPacketSize: cfg.MaxPacketSize,
		ChunkTimeout:  time.Duration(cfg.ChunkTimeoutMS) * time.Millisecond,
	}, r, radioDriver, tunDevice, nil, logger.WithPrefix("node"))

	var mx *metrics.Registry
	if cfg.MetricsAddr != "" {
		mx = metrics.New(r, n, radioDriver)
		n.SetMetrics(mx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return radio.RunLineReaderTask(gctx, serialPort, radioDriver.Lines) })
	g.Go(func() error { return radioDriver.Run(gctx) })
	g.Go(func() error { return tunDevice.Run(gctx) })
	g.Go(func() error { return n.Run(gctx) })
	if mx != nil {
		g.Go(func() error { return mx.Serve(gctx, cfg.MetricsAddr) })
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func loadRadioCfg(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var commands []string
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := string(data[start:i])
			start = i + 1
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			if line != "" {
				commands = append(commands, line)
			}
		}
	}
	return commands, nil
}

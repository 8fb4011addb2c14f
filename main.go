package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"i4.energy/across/simhub/coordinator"
	"i4.energy/across/simhub/discovery"
	"i4.energy/across/simhub/modem"
	"i4.energy/across/simhub/operator"
)

func main() {
	flag.String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	flag.String("serial-port", "", "Serial port of a modem to register in addition to the discovered ones")
	flag.Int("baud-rate", 115200, "Baud rate for serial communication")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.String("sim-pin", "", "SIM card PIN code (if required)")
	flag.Duration("at-timeout", 30*time.Second, "Timeout of a single AT command")
	flag.Duration("init-timeout", 30*time.Second, "Timeout of the modem init sequence")
	flag.Int("max-retries", 3, "Retries of idempotent queries after a transient failure")
	flag.Duration("ussd-timeout", 60*time.Second, "Timeout of a USSD network answer")
	flag.Duration("min-send-interval", 2*time.Second, "Minimum time between two SMS on one modem")
	flag.Bool("packed-ussd", false, "Send USSD codes as packed GSM 7-bit hex")
	flag.Duration("sim-poll-interval", 30*time.Second, "Interval of the SIM change monitor")
	flag.Int("status-parallelism", 4, "Concurrent status queries")
	flag.Int("max-modems", 10, "Maximum number of connected modems")
	flag.String("operators-file", "", "JSON operator table replacing the built-in one")
	flag.String("extra-devices", "", "Additional accepted USB devices (vid:pid,...)")
	flag.Bool("auto-connect", true, "Connect every discovered modem at startup")
	flag.String("nats-url", "", "NATS server receiving modem events")
	flag.String("nats-subject", "simhub.events", "Subject prefix of modem events")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch config.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	catalog := operator.Default()
	if config.OperatorsFile != "" {
		catalog, err = operator.LoadFile(config.OperatorsFile)
		if err != nil {
			logger.Error("Failed to load operator table", "file", config.OperatorsFile, "error", err)
			os.Exit(1)
		}
	}

	extra, err := discovery.ParseDevices(config.ExtraDevices)
	if err != nil {
		logger.Error("Invalid extra devices", "error", err)
		os.Exit(1)
	}
	scanner := discovery.New(discovery.Config{
		Prober:  discovery.SerialProber{BaudRate: config.BaudRate},
		Devices: append(append([]discovery.Device{}, discovery.KnownDevices...), extra...),
		Logger:  logger.With("component", "discovery"),
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	connect := func(ctx context.Context, h discovery.Handle) (coordinator.Engine, error) {
		modemLogger := logger.With("component", "modem", "modem", h.ID, "port", h.Path)
		modemLogger.Info("Connecting modem", "vid", h.VID, "pid", h.PID)
		return coordinator.ModemConnector(
			func(h discovery.Handle) modem.Dialer {
				return modem.SerialDialer{PortName: h.Path, BaudRate: config.BaudRate}
			},
			func(b *modem.ConfigBuilder) {
				b.WithSimPIN(config.SimPIN).
					WithATTimeout(config.ATTimeout).
					WithInitTimeout(config.InitTimeout).
					WithMaxRetries(config.modemRetries()).
					WithUSSDTimeout(config.USSDTimeout).
					WithMinSendInterval(config.MinSendInterval).
					WithPackedUSSD(config.PackedUSSD).
					WithLogger(modemLogger)
			},
		)(ctx, h)
	}

	coord := coordinator.New(coordinator.Config{
		Scanner:           scanner,
		Connect:           connect,
		Catalog:           catalog,
		MaxModems:         config.MaxModems,
		StatusParallelism: config.StatusParallelism,
		PollInterval:      config.PollInterval,
		Metrics:           coordinator.NewMetrics(registry),
		Logger:            logger.With("component", "coordinator"),
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if config.NATSURL != "" {
		publisher, err := NewEventPublisher(config.NATSURL, config.NATSSubject, logger.With("component", "events"))
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()

		events, unsubscribe := coord.Subscribe(256)
		defer unsubscribe()
		go publisher.Forward(ctx, events)
	}

	if config.SerialPort != "" {
		h := discovery.Handle{
			ID:   "manual:" + filepath.Base(config.SerialPort),
			Path: config.SerialPort,
		}
		if err := coord.Add(h); err != nil {
			logger.Error("Failed to register serial port", "port", config.SerialPort, "error", err)
			os.Exit(1)
		}
	}

	handles, err := coord.DetectAll(ctx)
	if err != nil {
		logger.Warn("Modem discovery failed", "error", err)
	}
	logger.Info("Starting SIM hub", "discovered", len(handles))

	if config.AutoConnect {
		for _, info := range coord.Modems() {
			if err := coord.Connect(ctx, info.Handle.ID); err != nil {
				logger.Error("Failed to connect modem", "modem", info.Handle.ID, "error", err)
			}
		}
	}

	httpServer := &http.Server{
		Addr: config.BindAddress,
		Handler: NewServer(&Server{
			Logger:      logger.With("component", "server"),
			Coordinator: coord,
			Catalog:     catalog,
			Gatherer:    registry,
		}),
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start HTTP server in a goroutine
	go func() {
		logger.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("Closing HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to gracefully shutdown server", "error", err)
	}

	logger.Info("Closing modem connections")
	if err := coord.Close(); err != nil {
		logger.Error("Failed to close modems", "error", err)
	}
	stop()
}

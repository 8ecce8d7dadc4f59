package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/device/host"
	"github.com/kabili207/meshcore-ota/device/ota"
	"github.com/kabili207/meshcore-ota/store/bolt"
	"github.com/kabili207/meshcore-ota/store/mem"
	"github.com/kabili207/meshcore-ota/transport"
	"github.com/kabili207/meshcore-ota/transport/mqtt"
	"github.com/kabili207/meshcore-ota/transport/serial"
	"github.com/kabili207/meshcore-ota/transport/udp"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the OTA daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", "meshota.yaml", "configuration file")
	return cmd
}

// storage is the set of store collaborators both backends implement.
type storage interface {
	ota.ProcessStore
	ota.StateStore
	ota.ParameterStore
	ota.FirmwareStorage
}

func openStore(cfg StoreConfig, logger *slog.Logger) (storage, func() error, error) {
	if cfg.Backend == "memory" {
		return mem.New(cfg.Capacity), func() error { return nil }, nil
	}
	s, err := bolt.Open(bolt.Config{
		Path:      cfg.Path,
		Capacity:  cfg.Capacity,
		BlockSize: cfg.BlockSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

func runDaemon(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	rt := host.NewRuntime(host.RuntimeConfig{Logger: logger})

	var primary transport.Transport
	var broker *mqtt.Transport
	if cfg.UDP.Enabled {
		t := udp.New(udp.Config{
			Listen:    cfg.UDP.Listen,
			Interface: cfg.UDP.Interface,
			Groups:    cfg.groups(),
			HopLimit:  cfg.UDP.HopLimit,
			Logger:    logger,
		})
		rt.AddTransport(t)
		primary = t
	}
	if cfg.Serial.Enabled {
		t := serial.New(serial.Config{Port: cfg.Serial.Port, BaudRate: cfg.Serial.Baud, Logger: logger})
		rt.AddTransport(t)
		if primary == nil {
			primary = t
		}
	}
	if cfg.MQTT.Enabled {
		broker = mqtt.New(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			UseTLS:      cfg.MQTT.TLS,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			MeshID:      cfg.MQTT.MeshID,
			Local:       cfg.Device.Unicast,
			Logger:      logger,
		})
		rt.AddTransport(broker)
		broker.SetCommandHandler(func(c mqtt.Command) {
			if err := rt.Do(ctx, c.Apply); err != nil {
				logger.Warn("command failed", "op", c.Op, "process", c.Process, "error", err)
			}
		})
		if primary == nil {
			primary = broker
		}
	}

	link := &transport.Link{Transport: primary}
	col := ota.Collaborators{
		Allocator:  ota.NewBudgetAllocator(cfg.Device.MemoryBudget),
		Processes:  store,
		States:     store,
		Parameters: store,
		Firmware:   store,
		Notifier:   &host.Notifier{Accept: cfg.acceptDeviceType, Logger: logger},
		Sender:     link,
	}
	if broker != nil {
		link.Notifications = broker
		col.Registrar = broker
	}

	engineCfg, err := cfg.engineConfig(logger)
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		if stopErr := rt.Stop(); stopErr != nil {
			logger.Warn("stopping runtime failed", "error", stopErr)
		}
		return err
	}
	if err := rt.Configure(ctx, engineCfg, col); err != nil {
		_ = rt.Stop()
		return fmt.Errorf("configuring engine: %w", err)
	}

	var states []core.DownloadState
	if err := rt.Do(ctx, func(e *ota.Engine) error {
		var err error
		states, err = e.Processes()
		return err
	}); err != nil {
		logger.Warn("listing processes failed", "error", err)
	}
	for _, st := range states {
		logger.Info("process restored", "process", st.ProcessID, "state", st.State)
	}
	logger.Info("daemon running", "role", cfg.Device.Role, "processes", len(states))

	<-ctx.Done()
	logger.Info("shutting down")
	return rt.Stop()
}

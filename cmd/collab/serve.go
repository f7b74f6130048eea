package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"promptstudio/collab/bus"
	"promptstudio/collab/config"
	"promptstudio/collab/discovery"
	"promptstudio/collab/server"
	"promptstudio/collab/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collaboration server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("host", "", "address to bind to")
	serveCmd.Flags().Int("port", 0, "port to listen on")
	serveCmd.Flags().Bool("mdns", false, "advertise the server over mDNS")
}

func runServe(cmd *cobra.Command, _ []string) error {
	err := bindFlags(cmd, map[string]string{
		"server.host":  "host",
		"server.port":  "port",
		"mdns.enabled": "mdns",
	})
	if err != nil {
		return err
	}
	cfg := manager.Get()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var b bus.Bus
	if cfg.Redis.Enabled {
		client, err := bus.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.ConnectAttempts)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		rb := bus.NewRedis(client, cfg.Redis.ChannelPrefix, logger)
		defer rb.Close()
		b = rb
		logger.Info("sharing rooms through redis", "addr", cfg.Redis.Addr)
	}

	snapshots, err := store.Open(ctx, store.Config{
		Driver:          cfg.Store.Driver,
		BoltPath:        cfg.Store.BoltPath,
		PostgresURL:     cfg.Store.PostgresURL,
		ConnectAttempts: cfg.Store.ConnectAttempts,
	})
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	if snapshots != nil {
		defer snapshots.Close()
		logger.Info("persisting evicted rooms", "driver", cfg.Store.Driver)
	}

	srv := server.New(serverConfig(cfg, b, snapshots))

	if cfg.MDNS.Enabled {
		instance := cfg.MDNS.Instance
		if instance == "" {
			instance = discovery.DefaultInstance()
		}
		shutdown, err := discovery.Advertise(instance, cfg.Server.Port)
		if err != nil {
			logger.Warn("mDNS advertisement failed", "error", err)
		} else {
			defer shutdown()
			logger.Info("advertising over mDNS", "instance", instance, "service", discovery.Service)
		}
	}

	manager.OnChange(func(c *config.Config) {
		logger.SetLevel(c.LogLevel())
		srv.Hub().SetGracePeriod(c.Rooms.GracePeriod)
		logger.Info("config reloaded", "level", c.LogLevel(), "grace_period", c.Rooms.GracePeriod)
	})
	manager.WatchConfig()

	return srv.Start(ctx)
}

func serverConfig(cfg *config.Config, b bus.Bus, snapshots store.SnapshotStore) server.Config {
	return server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Session: server.SessionConfig{
			SendBuffer:      cfg.Server.SendBuffer,
			MaxMessageBytes: cfg.Server.MaxMessageBytes,
			PingPeriod:      cfg.Server.PingPeriod,
			PongWait:        cfg.Server.PongWait,
			WriteWait:       cfg.Server.WriteWait,
		},
		GracePeriod:   cfg.Rooms.GracePeriod,
		SweepInterval: cfg.Rooms.SweepInterval,
		Bus:           b,
		Store:         snapshots,
		StoreTimeout:  cfg.Store.Timeout,
		Logger:        logger,
	}
}

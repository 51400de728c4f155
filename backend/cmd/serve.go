package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/webrtc-signaling/backend/config"
	httpServer "github.com/adwski/webrtc-signaling/backend/server/http"
	websocketServer "github.com/adwski/webrtc-signaling/backend/server/websocket"
	"github.com/adwski/webrtc-signaling/backend/service"
	store "github.com/adwski/webrtc-signaling/backend/storage/memory"
	sw "github.com/adwski/webrtc-signaling/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRootCmd(logger *zerolog.Logger) *cobra.Command {
	cfg := &config.Config{}

	root := &cobra.Command{
		Use:           "signaling",
		Short:         "WebRTC signaling relay",
		Long:          "Relays session descriptions and network candidates between peers that share a room.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, cfg, logger)
		},
	}
	cfg.Bind(root.Flags())

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run api and websocket signaling servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, cfg, logger)
		},
	}
	cfg.Bind(serveCmd.Flags())

	root.AddCommand(serveCmd, newStatusCmd())
	return root
}

func serve(cmd *cobra.Command, cfg *config.Config, rootLogger *zerolog.Logger) error {
	if err := config.ApplyEnv(cmd.Flags(), os.LookupEnv); err != nil {
		return err
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to parse loglevel: %w", err)
	}
	logger := rootLogger.Level(lvl)

	iceServers, err := cfg.ICEServers()
	if err != nil {
		return err
	}

	svc := service.NewService(service.Config{
		Switch:     sw.NewSwitch(&logger, store.NewCandidateStore()),
		ICEServers: iceServers,
		Logger:     &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		StatusService:  svc,
		ListenAddr:     cfg.APIListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       cfg.WSListenAddr,
		AllowedOrigins:   cfg.AllowedOrigins,
		Session:          sessionConfig(cfg),
	})

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
	return err
}

func sessionConfig(cfg *config.Config) websocketServer.SessionConfig {
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = -1
	}
	return websocketServer.SessionConfig{
		HeartbeatInterval: heartbeat,
		PingInterval:      cfg.PingInterval,
		PongWait:          cfg.PongWait,
		WriteTimeout:      cfg.WriteTimeout,
		SendTimeout:       cfg.SendTimeout,
		SendQueueSize:     cfg.SendQueueSize,
		MaxMessageSize:    cfg.MaxMessageSize,
		MessageRate:       cfg.MessageRate,
		MessageBurst:      cfg.MessageBurst,
	}
}

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/akaitux/transparent-vpn/config"
	"github.com/akaitux/transparent-vpn/evt"
	"github.com/akaitux/transparent-vpn/log"
	"github.com/akaitux/transparent-vpn/server"
	"github.com/akaitux/transparent-vpn/util"

	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Args:  cobra.NoArgs,
		Short: "start the DNS interception proxy (default command)",
		Run:   startServer,
	}
}

func startServer(_ *cobra.Command, _ []string) {
	loaded, err := config.LoadConfig(configPath, true)
	util.FatalOnError("can't load config: ", err)
	cfg = *loaded

	log.ConfigureLogger(log.Config{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		Privacy:   cfg.LogPrivacy,
		Timestamp: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.NewServer(ctx, &cfg)
	util.FatalOnError("can't start server: ", err)

	srv.Start()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	evt.Bus().Publish(evt.ApplicationStarted, version, buildTime)

	<-signals

	log.Log().Info("terminating...")
	srv.Stop()
}

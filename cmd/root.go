package cmd

import (
	"fmt"
	"os"

	"github.com/akaitux/transparent-vpn/config"
	"github.com/akaitux/transparent-vpn/log"

	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals
var (
	version    = "undefined"
	buildTime  = "undefined"
	configPath string
	cfg        config.Config
)

// NewRootCommand creates a new root cli command instance
func NewRootCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "trsp-dns",
		Short: "transparent-vpn DNS interception proxy",
		Long: `Intercepts DNS lookups for blocklisted domains, maps them to a
synthetic address from a private pool, and installs a NAT route so that
traffic to the synthetic address reaches the real destination.`,
		Run: func(cmd *cobra.Command, args []string) {
			newServeCommand().Run(cmd, args)
		},
	}

	c.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.yml", "path to config file")

	c.AddCommand(
		newServeCommand(),
		newVersionCommand(),
		newHealthcheckCommand(),
	)

	return c
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	loaded, err := config.LoadConfig(configPath, false)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	cfg = *loaded

	log.ConfigureLogger(log.Config{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		Privacy:   cfg.LogPrivacy,
		Timestamp: true,
	})
}

// Execute starts the command
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

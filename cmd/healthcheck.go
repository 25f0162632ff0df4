package cmd

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func newHealthcheckCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "healthcheck",
		Args:  cobra.NoArgs,
		Short: "queries the local server's healthcheck name",
		RunE:  healthcheck,
	}

	c.Flags().IntP("port", "p", 53, "dns port to query")

	return c
}

func healthcheck(cmd *cobra.Command, _ []string) error {
	port, err := cmd.Flags().GetInt("port")
	if err != nil {
		port = 53
	}

	resolver := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: 2 * time.Second}

			return d.DialContext(ctx, network, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		},
	}

	_, err = resolver.LookupHost(context.Background(), "healthcheck.trsp.")

	return err
}

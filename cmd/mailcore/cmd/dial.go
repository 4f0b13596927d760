package cmd

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"inkwell.dev/transport"
)

var (
	dialTLS    bool
	dialPortFB = 143
)

var dialCmd = &cobra.Command{
	Use:   "dial <host:port>",
	Short: "open a transport connection (optionally TLS) and report the trust/connect outcome",
	Args:  cobra.ExactArgs(1),
	RunE:  runDial,
}

func init() {
	dialCmd.Flags().BoolVar(&dialTLS, "tls", false, "negotiate TLS immediately after connecting")
}

func runDial(cmd *cobra.Command, args []string) error {
	host, portStr, err := net.SplitHostPort(args[0])
	if err != nil {
		host, portStr = args[0], strconv.Itoa(dialPortFB)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("mailcore: bad port %q", portStr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	account := transport.Account{Host: host, Port: port}
	metrics := transport.NewMetrics(prometheus.NewRegistry())

	var conn *transport.Connection
	if dialTLS {
		trust, terr := openTrustStore()
		if terr != nil {
			return terr
		}
		engine := transport.NewEngine(transport.TLSConfig{
			Trust:       trust,
			VerifyHost:  cfg.VerifyHost,
			VerifyDates: cfg.VerifyDates,
		})
		conn, err = transport.DialTLS(ctx, account, engine, metrics)
	} else {
		conn, err = transport.DialRaw(ctx, account, metrics)
	}
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("connected to %s\n", account)
	return nil
}

func openTrustStore() (*transport.TrustStore, error) {
	flags := sqlite.SQLITE_OPEN_READWRITE | sqlite.SQLITE_OPEN_CREATE
	dbpool, err := sqlitex.Open(cfg.TrustStorePath, flags, 1)
	if err != nil {
		return nil, fmt.Errorf("mailcore: trust store: %v", err)
	}
	return transport.NewTrustStore(dbpool)
}

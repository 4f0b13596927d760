// Package cmd is mailcore's operator CLI: a thin cobra command tree over
// the core's exported contracts (mime.Parser, transport.Dial*,
// cryptomediation.Driver, autocrypt.Store), grounded on
// zostay-go-email/tools/pm/cmd's rootCmd/init wiring and
// flashmob-go-guerrilla/cmd/guerrillad's persistent-flag style. It is not
// the pager/menu UI: every subcommand here exists for debugging and
// integration testing against the core packages directly.
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"inkwell.dev/config"
	"inkwell.dev/internal/errs"
	"inkwell.dev/internal/logging"
)

var (
	logDest  string
	logLevel string
	trustDB  string
	acDB     string

	logger  *logrus.Logger
	history *errs.History
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "mailcore",
	Short: "operator CLI over the mail core: parsing, transport, crypto mediation, Autocrypt",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = config.Default()
		cfg.TrustStorePath = trustDB
		cfg.AutocryptDBPath = acDB

		l, err := logging.New(logDest, logLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mailcore: log destination %q unavailable, using stderr: %v\n", logDest, err)
		}
		logger = l
		history = errs.NewHistory(cfg.ErrorHistoryDepth)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logDest, "log", "stderr", `log destination: "stderr", "stdout", "off", or a file path`)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logrus level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&trustDB, "trust-db", "mailcore-trust.db", "sqlite database backing the TLS trust cache")
	rootCmd.PersistentFlags().StringVar(&acDB, "autocrypt-db", "mailcore-autocrypt.db", "sqlite database backing the Autocrypt peer store")

	rootCmd.AddCommand(parseCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(dialCmd)
	rootCmd.AddCommand(autocryptCmd)
}

// Execute runs the command tree; main just calls this and exits non-zero
// on error.
func Execute() error {
	return rootCmd.Execute()
}

// componentLogf wraps logger and history behind one Logf value, the shape
// transport.Dialer/cryptomediation.Driver/autocrypt.Store/mime.Parser all
// accept, so every subcommand reports recoverable errors through the same
// sink an operator can inspect with --log-level debug.
func componentLogf(component string) func(format string, v ...interface{}) {
	return errs.Logf(history, component, logging.Logf(logger))
}

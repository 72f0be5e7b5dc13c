// Package cli defines the arcd command tree. Exit codes are stable for ops
// tooling: 0 success, 1 startup failure, 2 invalid configuration, 3 schema
// version mismatch.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ledgerline/arcd/internal/config"
	"github.com/ledgerline/arcd/internal/storage"
)

const (
	exitOK = iota
	exitStartup
	exitConfig
	exitSchema
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "arcd",
	Short:         "arcd - multi-tenant accounts receivable engine",
	Long:          "arcd runs the accounts receivable engine: the REST API, the webhook\nintake, and the background collection, reconciliation and GL posting\nworkers.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError pins an exit code to an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error { return &exitError{code: exitConfig, err: err} }
func startupError(err error) error {
	if storage.IsSchemaError(err) {
		return &exitError{code: exitSchema, err: err}
	}
	return &exitError{code: exitStartup, err: err}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, configError(err)
	}
	return cfg, nil
}

// Execute runs the command tree and exits the process with the mapped code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "arcd: %v\n", err)
		code := exitStartup
		if ee, ok := err.(*exitError); ok {
			code = ee.code
		}
		os.Exit(code)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "path to TOML configuration file")
}

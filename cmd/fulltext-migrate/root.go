package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/fulltext-migrate/pkg/config"
)

// rootOptions holds the global flags.
type rootOptions struct {
	configFile string
	envFile    string
	logLevel   string
	logFile    string
	stateDir   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "fulltext-migrate",
		Short: "Resumable Elasticsearch to S3 fulltext migration",
		Long: `fulltext-migrate scrolls an Elasticsearch index and writes every document,
gzip-compressed, to an S3 bucket under its id.

Delivered ids are marked in Redis so documents are never uploaded twice, and a
stop (Ctrl-C, SIGTERM or a fatal error) waits for outstanding uploads and saves
the scroll cursor plus every unconfirmed id to the state directory. The next
run re-fetches those ids and the ids of failed uploads before it continues the
scroll.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default ./fulltext-migrate.yaml)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file with FTM_* variables")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "additionally append JSON logs to this file")
	root.PersistentFlags().StringVar(&opts.stateDir, "state-dir", "", "directory for cursor, in-flight and outcome logs")

	root.SetVersionTemplate(`fulltext-migrate {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newInspectCmd(opts))
	root.AddCommand(newSecretCmd())

	return root
}

// load reads the configuration and applies the global flags on top.
func (o *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configFile, o.envFile)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if flags.Changed("log-file") {
		cfg.Logging.File = o.logFile
	}
	if flags.Changed("state-dir") {
		cfg.StateDir = o.stateDir
	}
	return cfg, nil
}

// Command ariesdbd is the storage engine's standalone daemon binary:
// serve, recover, and checkpoint subcommands over one data directory.
//
// A root command carries ldflags-set version info and a persistent
// --log-level flag; cobra.OnInitialize wires logging before any
// subcommand runs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ariesdb/internal/config"
	"ariesdb/internal/dberror"
	"ariesdb/internal/logging"
	"ariesdb/pkg/engine"
)

// Version information, set via ldflags during build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configFile string
	logLevel   string
	logJSON    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:     "ariesdbd",
	Short:   "ariesdbd - transactional storage engine daemon",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ariesdbd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "output logs in JSON format")

	cobra.OnInitialize(func() {
		logging.Init(logging.Config{Level: logging.Level(logLevel), JSONOutput: logJSON})
	})

	rootCmd.AddCommand(serveCmd, recoverCmd, checkpointCmd)
}

func loadConfig() (config.Config, error) {
	return config.Load(configFile)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the engine and run until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		e, err := engine.Open(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		return e.Close()
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run ARIES recovery against the data directory and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// engine.Open already runs recovery before returning; opening
		// and immediately closing is this subcommand's whole job.
		e, err := engine.Open(cfg)
		if err != nil {
			return err
		}
		return e.Close()
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Force an immediate checkpoint against the data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		e, err := engine.Open(cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		w := e.WAL()
		if _, err := w.WriteCheckpoint(); err != nil {
			return err
		}
		fmt.Println("checkpoint complete")
		return nil
	},
}

// exitCodeFor maps an engine-level error code to a process exit code:
// 0 normal, 1 configuration (and any other error), 2 corruption, 3
// recovery failure, 4 I/O error (out-of-space included).
func exitCodeFor(err error) int {
	dbErr, ok := dberror.As(err)
	if !ok {
		return 1
	}
	switch dbErr.Code {
	case dberror.CodeInvalidConfig:
		return 1
	case dberror.CodeCorruption:
		return 2
	case dberror.CodeRecoveryFailed:
		return 3
	case dberror.CodeIO:
		return 4
	default:
		return 1
	}
}

// Command blockweaved runs the block-document substrate server process:
// it owns one internal/kernel.Kernel for its lifetime, manages the host
// key and authorized-key store an (unimplemented, out of scope per
// spec.md §1) RPC/SSH transport would use, and exits 0/1/2 for
// success/configuration-error/runtime-error (spec.md §6 CLI / env).
//
// Grounded on _examples/cuemby-warren/cmd/warren/main.go and
// _examples/sidedotdev-sidekick's cobra-based CLI entrypoints for the
// root-command-plus-subcommands shape and persistent flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"blockweave/internal/kernel"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var cfgErr configError
		if errors.As(err, &cfgErr) {
			return 1
		}
		var rtErr runtimeError
		if errors.As(err, &rtErr) {
			return 2
		}
		return 1
	}
	return 0
}

var rootCmd = &cobra.Command{
	Use:   "blockweaved",
	Short: "blockweaved runs the collaborative conversation workspace server",
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "./data", "Server data directory (host key, persistence, worktrees)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(addKeyCmd)
	rootCmd.AddCommand(importCmd)

	startCmd.Flags().String("addr", "127.0.0.1:2222", "Address the (unimplemented) transport would bind")
	startCmd.Flags().String("config-dir", "", "CRDT-backed config directory; defaults to <data-dir>/config")

	importCmd.Flags().String("file", "", "Path to a file of OpenSSH public keys, one per line (required)")
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	var zl zap.AtomicLevel
	if err := zl.UnmarshalText([]byte(level)); err != nil {
		return nil, configError{fmt.Errorf("invalid log level %q: %w", level, err)}
	}
	cfg.Level = zl
	return cfg.Build()
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		logLevel, _ := cmd.Flags().GetString("log-level")
		addr, _ := cmd.Flags().GetString("addr")
		configDir, _ := cmd.Flags().GetString("config-dir")
		if configDir == "" {
			configDir = filepath.Join(dataDir, "config")
		}

		logger, err := buildLogger(logLevel)
		if err != nil {
			return err
		}
		defer logger.Sync()

		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return configError{fmt.Errorf("create data dir: %w", err)}
		}

		signer, err := ensureHostKey(filepath.Join(dataDir, "host_key"))
		if err != nil {
			return runtimeError{fmt.Errorf("host key: %w", err)}
		}
		logger.Info("host key ready", zap.String("fingerprint", ssh.FingerprintSHA256(signer.PublicKey())))

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		k, err := kernel.New(ctx, kernel.Config{
			DataDir:          dataDir,
			ConfigDir:        configDir,
			AutoSaveInterval: 5 * time.Minute,
			Logger:           logger,
		})
		if err != nil {
			return runtimeError{fmt.Errorf("start kernel: %w", err)}
		}

		logger.Info("blockweaved ready",
			zap.String("addr", addr),
			zap.String("data_dir", dataDir),
		)
		logger.Warn("RPC transport is not implemented in this build; the kernel is live in-process only")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			logger.Info("shutting down", zap.String("signal", sig.String()))
		case <-ctx.Done():
		}

		if err := k.Close(); err != nil {
			return runtimeError{fmt.Errorf("shutdown: %w", err)}
		}
		return nil
	},
}

var addKeyCmd = &cobra.Command{
	Use:   "add-key <pubkey>",
	Short: "Authorize a single OpenSSH public key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		return addAuthorizedKey(dataDir, args[0])
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import OpenSSH public keys from a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			return configError{errors.New("--file is required")}
		}
		count, err := importAuthorizedKeys(dataDir, file)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d key(s)\n", count)
		return nil
	},
}

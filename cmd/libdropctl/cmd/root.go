package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/jend-dev/libdrop/internal/config"
)

var (
	cfgPath   string
	logLevel  string
	rootLog   *log.Logger
)

var rootCmd = &cobra.Command{
	Use:   "libdropctl",
	Short: "Send and receive files over the libdrop protocol",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.libdrop/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn, error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(pubkeyCmd)
	rootCmd.AddCommand(trustCmd)
}

func logger() *log.Logger {
	if rootLog != nil {
		return rootLog
	}
	l := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if lvl, err := log.ParseLevel(logLevel); err == nil {
		l.SetLevel(lvl)
	}
	rootLog = l
	return rootLog
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func identityPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.StoragePath), "identity.key")
}

func trustStorePath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.StoragePath), "trusted_peers.json")
}

package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blelink/internal/device"
	goble "github.com/srg/blelink/internal/device/go-ble"
	"github.com/srg/blelink/internal/store/prefs"
	"github.com/srg/blelink/internal/store/records"
	"github.com/srg/blelink/pkg/config"
)

const (
	recordsFile = "records.yaml"
	prefsFile   = "prefs.yaml"
)

// openTransport opens the BLE radio. Tests replace it with a fake.
var openTransport = func(cfg *config.Config, logger *logrus.Logger) (device.Transport, error) {
	mode, err := config.ParseScanMode(cfg.Scan.Mode)
	if err != nil {
		return nil, err
	}
	opts := goble.DefaultOptions()
	opts.Mode = mode
	return goble.NewTransport(opts, logger)
}

func closeTransport(t device.Transport, logger *logrus.Logger) {
	if c, ok := t.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.WithError(err).Debug("Failed to close BLE transport")
		}
	}
}

// loadConfig reads --config and applies --data-dir on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	return cfg, nil
}

// setup loads configuration and the logger shared by every command.
func setup(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func dataPath(cfg *config.Config, name string) (string, error) {
	dir, err := cfg.ResolveDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func openRecords(cfg *config.Config, logger *logrus.Logger) (*records.Store, error) {
	path, err := dataPath(cfg, recordsFile)
	if err != nil {
		return nil, err
	}
	store, err := records.Open(path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open records: %w", err)
	}
	return store, nil
}

func openPrefs(cfg *config.Config) (*prefs.Store, error) {
	path, err := dataPath(cfg, prefsFile)
	if err != nil {
		return nil, err
	}
	return prefs.Open(path)
}

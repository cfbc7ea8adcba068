// Command rasd is the remote access daemon (spec.md §4.16): it loads
// the merged settings file, picks a multiplexer backend, wires up
// internal/daemon, and runs until a signal arrives.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ras-daemon/rasd/internal/config"
	"github.com/ras-daemon/rasd/internal/daemon"
	"github.com/ras-daemon/rasd/internal/logger"
	"github.com/ras-daemon/rasd/internal/mux"
)

func main() {
	root := &cobra.Command{
		Use:   "rasd",
		Short: "remote access daemon",
		RunE:  run,
	}
	root.Flags().String("data-dir", defaultDataDir(), "directory for devices.yaml, sessions.db, and the host id")
	root.Flags().String("sessions-root", defaultSessionsRoot(), "directory new sessions may be created under")
	root.Flags().String("log-level", "info", "debug, info, warn, or error")
	root.Flags().String("log-file", "", "log file path; logs always go to stdout, and also to this file if set")
	root.Flags().String("mux", "tmux", "terminal multiplexer backend: tmux or pty")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	sessionsRoot, _ := cmd.Flags().GetString("sessions-root")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logFile, _ := cmd.Flags().GetString("log-file")
	muxBackend, _ := cmd.Flags().GetString("mux")

	if err := logger.Init(logLevel, logFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	mgr := config.NewManager()
	if err := mgr.Load(dataDir, sessionsRoot); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	deviceID, err := loadOrCreateHostID(dataDir)
	if err != nil {
		return fmt.Errorf("host id: %w", err)
	}

	var m mux.Multiplexer
	switch muxBackend {
	case "tmux":
		m = mux.New("")
	case "pty":
		m = mux.NewPtyHarness()
	default:
		return fmt.Errorf("unknown mux backend %q", muxBackend)
	}

	d, err := daemon.New(daemon.Options{
		Config:       mgr.Get(),
		DataDir:      dataDir,
		DeviceID:     deviceID,
		Multiplexer:  m,
		SessionsRoot: sessionsRoot,
	})
	if err != nil {
		return fmt.Errorf("build daemon: %w", err)
	}

	logger.Info("rasd starting", "device_id", deviceID, "data_dir", dataDir, "mux", muxBackend)
	return d.Run(cmd.Context())
}

// loadOrCreateHostID returns the stable id this daemon presents to
// newly paired devices, minting and persisting one on first run.
func loadOrCreateHostID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "host_id")
	data, err := os.ReadFile(path)
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", err
	}
	return id, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rasd"
	}
	return filepath.Join(home, ".rasd")
}

func defaultSessionsRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

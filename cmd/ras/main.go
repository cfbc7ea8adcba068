// Command ras is the operator CLI for a running rasd (spec.md §4.7,
// §8 Scenario 1): pair mints a pairing session and prints its QR code,
// status reports connected devices and sessions, and unpair revokes a
// device's credentials — all over rasd's local control socket.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ras-daemon/rasd/internal/rpc"
)

func main() {
	root := &cobra.Command{
		Use:   "ras",
		Short: "control a running rasd",
	}
	root.PersistentFlags().String("data-dir", defaultDataDir(), "rasd's data directory (for locating control.sock)")
	root.PersistentFlags().String("socket", "", "path to rasd's control socket (overrides --data-dir)")

	root.AddCommand(pairCmd(), statusCmd(), unpairCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func pairCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "start a pairing session and print its QR code",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			resp, err := c.Pair(ctx)
			if err != nil {
				return fmt.Errorf("start pairing: %w", err)
			}
			fmt.Println(resp.QRText)
			fmt.Printf("session %s expires at %s\n", resp.SessionID, resp.ExpiresAt)
			if wait <= 0 {
				return nil
			}
			return watchPairing(cmd.Context(), c, resp.SessionID, wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "poll until the session reaches a terminal state, or this timeout elapses")
	return cmd
}

// watchPairing polls /pair/{id} until the session completes, fails, or
// the deadline passes — useful for scripted pairing instead of staring
// at the terminal for the QR scan to land.
func watchPairing(ctx context.Context, c *rpc.Client, sessionID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			status, err := c.PairStatus(ctx, sessionID)
			if err != nil {
				return err
			}
			switch status.State {
			case "completed":
				fmt.Println("paired")
				return nil
			case "failed", "expired":
				return fmt.Errorf("pairing %s", status.State)
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("pairing did not complete within %s (last state: %s)", timeout, status.State)
			}
		}
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show connected devices and active sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			resp, err := c.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s, %d active sessions)\n", resp.DeviceName, resp.ConnectionMode, resp.ActiveSessions)
			for _, d := range resp.Devices {
				state := "offline"
				if d.Connected {
					state = "connected"
				}
				fmt.Printf("  %-20s %-10s last seen %s\n", d.DisplayName, state, d.LastSeen)
			}
			return nil
		},
	}
}

func unpairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpair <device-id>",
		Short: "revoke a paired device's credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			if err := c.Unpair(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("unpaired %s\n", args[0])
			return nil
		},
	}
}

func client(cmd *cobra.Command) (*rpc.Client, error) {
	socket, _ := cmd.Flags().GetString("socket")
	if socket == "" {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		socket = filepath.Join(dataDir, "control.sock")
	}
	if _, err := os.Stat(socket); err != nil {
		return nil, fmt.Errorf("rasd control socket %s not reachable (is rasd running?): %w", socket, err)
	}
	return rpc.NewClient(socket), nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rasd"
	}
	return filepath.Join(home, ".rasd")
}

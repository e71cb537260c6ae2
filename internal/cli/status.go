package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/harun/parley/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show whether the parley daemon is running and, if so, its live agents.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	pidFile := cfg.PIDFile()

	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		cmd.Println("Status: stopped")
		return nil
	}

	cmd.Println("Status: running")
	cmd.Printf("PID: %d\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		cmd.Printf("Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	client := newGatewayClient(cfg)
	agents, err := client.Agents(ctx)
	if err != nil {
		cmd.Printf("Gateway: unreachable at %s (%v)\n", gatewayURL(cfg), err)
		return nil
	}
	cmd.Printf("Gateway: %s\n", gatewayURL(cfg))
	cmd.Printf("Agents: %d\n", len(agents))
	for _, a := range agents {
		name := a.AgentName
		if name == "" {
			name = "(anonymous)"
		}
		cmd.Printf("  %s  %s  pending=%d\n", name, a.Status, a.Pending)
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

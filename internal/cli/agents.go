package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/harun/parley/pkg/registry"
	"github.com/harun/parley/pkg/session"
	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List registered agents",
	Long: `List the agents recorded in the registry with their unread message
count. When the daemon is reachable its live status is shown as well.`,
	Args: cobra.NoArgs,
	RunE: runAgents,
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	reg, err := registry.New(cfg.Registry.Dir)
	if err != nil {
		return err
	}
	agents, err := reg.Agents()
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		cmd.Println("No agents registered.")
		return nil
	}

	live := map[string]session.Info{}
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
	defer cancel()
	if infos, err := newGatewayClient(cfg).Agents(ctx); err == nil {
		for _, info := range infos {
			live[info.AgentName] = info
		}
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "NAME\tSESSION\tSTATUS\tUNREAD\tREGISTERED")
	for _, a := range agents {
		status := "offline"
		if info, ok := live[a.Name]; ok {
			status = string(info.Status)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			a.Name, a.SessionID, status, len(reg.Unread(a.Name)), a.RegisteredAt.Local().Format(time.RFC3339))
	}
	return nil
}

package cli

import (
	"github.com/harun/parley/pkg/registry"
	"github.com/spf13/cobra"
)

var coordinatorClear bool

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator [target]",
	Short: "Show or set the coordinator's activation target",
	Long: `Record the tmux target (session, window or pane) that receives
coordinator notifications. Without an argument the current target is shown.
When none is recorded the notifier's fallback session is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCoordinator,
}

func init() {
	coordinatorCmd.Flags().BoolVar(&coordinatorClear, "clear", false, "Remove the recorded target")
	rootCmd.AddCommand(coordinatorCmd)
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	reg, err := registry.New(cfg.Registry.Dir)
	if err != nil {
		return err
	}
	name := cfg.Chat.CoordinatorName

	switch {
	case coordinatorClear:
		if err := reg.SetTarget(name, ""); err != nil {
			return err
		}
		cmd.Printf("Target for %s cleared, using %s\n", name, cfg.Notifier.FallbackSession)
	case len(args) == 1:
		if err := reg.SetTarget(name, args[0]); err != nil {
			return err
		}
		cmd.Printf("Target for %s set to %s\n", name, args[0])
	default:
		if target, ok := reg.Target(name); ok {
			cmd.Printf("%s -> %s\n", name, target)
		} else {
			cmd.Printf("%s -> %s (fallback)\n", name, cfg.Notifier.FallbackSession)
		}
	}
	return nil
}

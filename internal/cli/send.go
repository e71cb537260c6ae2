package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/registry"
	"github.com/spf13/cobra"
)

var (
	sendFrom   string
	sendTo     string
	sendKey    string
	sendRemote bool
)

var sendCmd = &cobra.Command{
	Use:   "send <content>",
	Short: "Post a message to the shared chat",
	Long: `Post a message to the shared chat log.

The message is appended here. A message to a registered agent is queued on
that agent through the running daemon, and a message to the coordinator
(or mentioning @coordinator) wakes it through tmux. With --remote the
daemon does all of it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendFrom, "from", "", "sender name (required)")
	sendCmd.Flags().StringVar(&sendTo, "to", "", "recipient agent or coordinator; empty broadcasts")
	sendCmd.Flags().BoolVar(&sendRemote, "remote", false, "send through the daemon gateway")
	sendCmd.Flags().StringVar(&sendKey, "idempotency-key", "", "with --remote, makes retries of this send safe")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(sendFrom) == "" {
		return fmt.Errorf("--from is required")
	}
	content := strings.Join(args, " ")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	var result chat.SendResult
	if sendRemote {
		result, err = newGatewayClient(cfg).Send(ctx, sendFrom, content, sendTo, sendKey)
	} else {
		result, err = sendLocal(ctx, cmd, cfg, sendFrom, content, sendTo)
	}
	if err != nil {
		return err
	}

	cmd.Printf("Message #%d sent (%s)\n", result.Message.ID, result.Delivery)
	return nil
}

func sendLocal(ctx context.Context, cmd *cobra.Command, cfg *config.Config, from, content, to string) (chat.SendResult, error) {
	logger := cliLogger(cmd, cfg)

	reg, err := registry.New(cfg.Registry.Dir)
	if err != nil {
		return chat.SendResult{}, err
	}
	store, err := openStore(cfg, &logger)
	if err != nil {
		return chat.SendResult{}, err
	}
	defer store.Close()

	router, err := newLocalRouter(cfg, store, reg, &logger)
	if err != nil {
		return chat.SendResult{}, err
	}
	return router.Send(ctx, from, content, to)
}

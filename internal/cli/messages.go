package cli

import (
	"encoding/json"
	"fmt"

	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/registry"
	"github.com/spf13/cobra"
)

var (
	messagesLimit    int
	messagesFor      string
	messagesJSON     bool
	messagesMarkRead bool
)

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Show recent chat messages",
	Args:  cobra.NoArgs,
	RunE:  runMessages,
}

func init() {
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 20, "most recent messages to show, 0 for all")
	messagesCmd.Flags().StringVar(&messagesFor, "for", "", "only messages an agent can see")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "print JSON")
	messagesCmd.Flags().BoolVar(&messagesMarkRead, "mark-read", false, "with --for, clear the agent's unread notifications")
	rootCmd.AddCommand(messagesCmd)
}

func runMessages(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := cliLogger(cmd, cfg)

	store, err := openStore(cfg, &logger)
	if err != nil {
		return err
	}
	defer store.Close()

	msgs, err := store.Messages(messagesLimit, messagesFor)
	if err != nil {
		return err
	}

	if messagesJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(msgs); err != nil {
			return err
		}
	} else {
		printMessages(cmd, msgs)
	}

	if messagesMarkRead && messagesFor != "" {
		reg, err := registry.New(cfg.Registry.Dir)
		if err != nil {
			return err
		}
		if _, err := reg.ClearUnread(messagesFor); err != nil {
			return fmt.Errorf("failed to clear unread messages: %w", err)
		}
	}
	return nil
}

func printMessages(cmd *cobra.Command, msgs []chat.Message) {
	if len(msgs) == 0 {
		cmd.Println("No messages.")
		return
	}
	for _, m := range msgs {
		to := "all"
		if !m.Broadcast() {
			to = m.To
		}
		cmd.Printf("#%d [%s] %s -> %s: %s\n", m.ID, m.Timestamp.Local().Format("2006-01-02 15:04:05"), m.From, to, m.Content)
	}
}

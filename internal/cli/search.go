package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/pkg/chat"
	"github.com/spf13/cobra"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the chat archive",
	Long: `Search chat messages by sender, recipient or content, ignoring case.
Uses the daemon when it is reachable, otherwise the local archive after
syncing it with the chat log.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "most recent matches to show, 0 for all")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	client := newGatewayClient(cfg)
	if client.Healthy(ctx) {
		msgs, err := client.Search(ctx, query, searchLimit)
		if err == nil {
			printMessages(cmd, msgs)
			return nil
		}
		// An archive disabled in the daemon can still be searched locally.
		logger := cliLogger(cmd, cfg)
		logger.Debug().Err(err).Msg("Gateway search failed, searching locally")
	}

	msgs, err := searchLocal(ctx, cmd, cfg, query, searchLimit)
	if err != nil {
		return err
	}
	printMessages(cmd, msgs)
	return nil
}

func searchLocal(ctx context.Context, cmd *cobra.Command, cfg *config.Config, query string, limit int) ([]chat.Message, error) {
	logger := cliLogger(cmd, cfg)

	store, err := openStore(cfg, &logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	archive, err := chat.OpenArchive(cfg.Chat.ArchivePath, &logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open chat archive: %w", err)
	}
	defer archive.Close()

	if err := archive.Sync(ctx, store); err != nil {
		return nil, fmt.Errorf("failed to sync chat archive: %w", err)
	}
	return archive.Search(ctx, query, limit)
}

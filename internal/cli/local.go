package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/gateway"
	"github.com/harun/parley/pkg/notifier"
	"github.com/harun/parley/pkg/registry"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// cliLogger logs warnings from companion commands to stderr.
func cliLogger(cmd *cobra.Command, cfg *config.Config) zerolog.Logger {
	level := zerolog.WarnLevel
	if cmd.Flags().Changed("log-level") {
		if parsed, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
			level = parsed
		}
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), NoColor: true, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// openStore opens the shared chat log for a companion command.
func openStore(cfg *config.Config, logger *zerolog.Logger) (*chat.Store, error) {
	store, err := chat.NewStore(chat.StoreConfig{Path: cfg.Chat.Path, Logger: logger})
	if err != nil {
		return nil, err
	}
	if err := store.Open(); err != nil {
		return nil, fmt.Errorf("failed to open chat log: %w", err)
	}
	return store, nil
}

// remoteAgents resolves agents registered by the daemon and queues prompts
// on them through the gateway.
type remoteAgents struct {
	registry *registry.Registry
	client   *gateway.RPCClient
}

func (r *remoteAgents) LookupAgent(name string) (chat.Agent, bool) {
	if _, ok := r.registry.Lookup(name); !ok {
		return nil, false
	}
	return remoteAgent{name: name, client: r.client}, true
}

type remoteAgent struct {
	name   string
	client *gateway.RPCClient
}

func (a remoteAgent) Query(ctx context.Context, prompt string) error {
	_, err := a.client.Query(ctx, a.name, prompt)
	return err
}

// newLocalRouter builds a chat router in this process: the log and the
// coordinator notification are handled here, agent prompts go to the
// daemon.
func newLocalRouter(cfg *config.Config, store *chat.Store, reg *registry.Registry, logger *zerolog.Logger) (*chat.Router, error) {
	routerCfg := chat.RouterConfig{
		Store:           store,
		Unread:          reg,
		CoordinatorName: cfg.Chat.CoordinatorName,
		Logger:          logger,
	}
	if cfg.Notifier.Enabled {
		n, err := notifier.New(notifier.Config{
			Activator:       notifier.NewTmuxActivator(cfg.Notifier.Command, time.Duration(cfg.Notifier.SubmitDelayMs)*time.Millisecond),
			Resolver:        reg,
			CoordinatorName: cfg.Chat.CoordinatorName,
			FallbackSession: cfg.Notifier.FallbackSession,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}
		routerCfg.Notifier = n
	}

	router, err := chat.NewRouter(routerCfg)
	if err != nil {
		return nil, err
	}
	router.SetAgentLookup(&remoteAgents{registry: reg, client: newGatewayClient(cfg)})
	return router, nil
}

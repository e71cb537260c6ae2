package notifier

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/chat"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const maxPreview = 400

// TargetResolver returns the activation target recorded for a name. Agent
// session ids are not activation targets.
type TargetResolver interface {
	Target(name string) (string, bool)
}

// Config configures a CoordinatorNotifier.
type Config struct {
	Activator       Activator
	Resolver        TargetResolver // optional
	CoordinatorName string
	FallbackSession string
	Logger          *zerolog.Logger
}

// CoordinatorNotifier tells the coordinator about chat messages addressed
// to it. Failures are logged and never reach the sender.
type CoordinatorNotifier struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates a coordinator notifier.
func New(cfg Config) (*CoordinatorNotifier, error) {
	if cfg.Activator == nil {
		return nil, fmt.Errorf("notifier requires an activator")
	}
	if cfg.CoordinatorName == "" {
		cfg.CoordinatorName = "coordinator"
	}
	if cfg.FallbackSession == "" {
		cfg.FallbackSession = cfg.CoordinatorName
	}

	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	return &CoordinatorNotifier{
		cfg:    cfg,
		logger: base.With().Str("component", "notifier").Logger(),
	}, nil
}

// SessionRef returns the activation target recorded for the coordinator,
// or FallbackSession when none is.
func (n *CoordinatorNotifier) SessionRef() string {
	if n.cfg.Resolver != nil {
		if ref, ok := n.cfg.Resolver.Target(n.cfg.CoordinatorName); ok && ref != "" {
			return ref
		}
	}
	return n.cfg.FallbackSession
}

// NotifyCoordinator activates the coordinator for msg. It returns the
// activation error for callers that report it; it is already logged.
func (n *CoordinatorNotifier) NotifyCoordinator(ctx context.Context, msg chat.Message) error {
	ref := n.SessionRef()
	ctx, span := tracing.StartSpan(ctx, "notifier.notify",
		attribute.String("session_ref", ref),
		attribute.Int64("message_id", msg.ID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, n.logger)

	err := n.cfg.Activator.Notify(ctx, ref, FormatCommand(msg))
	observability.RecordNotifierCall(err == nil)
	if err != nil {
		tracing.RecordError(span, err)
		logger.Warn().Err(err).Str("sessionRef", ref).Int64("messageId", msg.ID).Msg("Coordinator activation failed")
		return err
	}

	logger.Debug().Str("sessionRef", ref).Int64("messageId", msg.ID).Msg("Coordinator notified")
	return nil
}

// FormatCommand renders msg as a single line for the coordinator's input.
func FormatCommand(msg chat.Message) string {
	content := strings.Join(strings.Fields(msg.Content), " ")
	if utf8.RuneCountInString(content) > maxPreview {
		runes := []rune(content)
		content = string(runes[:maxPreview]) + "..."
	}
	return fmt.Sprintf("New chat message #%d from %s: %s (check the chat and respond)", msg.ID, msg.From, content)
}

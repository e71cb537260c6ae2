package chat

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Delivery describes what the router did with a sent message.
type Delivery string

const (
	DeliveryBroadcast   Delivery = "broadcast"
	DeliveryAgent       Delivery = "agent"
	DeliveryCoordinator Delivery = "coordinator"
	DeliveryUnresolved  Delivery = "unresolved"
	DeliveryFailed      Delivery = "failed"
)

// CoordinatorNotifier wakes the external coordinator.
type CoordinatorNotifier interface {
	NotifyCoordinator(ctx context.Context, msg Message) error
}

// UnreadTracker records which delivered messages an agent has not read.
type UnreadTracker interface {
	AddUnread(name string, messageID int64) error
	ClearUnread(name string) (int, error)
}

// RouterConfig configures a Router.
type RouterConfig struct {
	Store           *Store
	Notifier        CoordinatorNotifier // optional
	Unread          UnreadTracker       // optional
	CoordinatorName string
	Logger          *zerolog.Logger
}

// SendResult is the stored message and the delivery outcome.
type SendResult struct {
	Message  Message  `json:"message"`
	Delivery Delivery `json:"delivery"`
}

type lookupHolder struct {
	lookup AgentLookup
}

// Router persists chat messages and delivers them to agents or the
// coordinator.
type Router struct {
	cfg    RouterConfig
	lookup atomic.Pointer[lookupHolder]
	logger zerolog.Logger
}

// NewRouter creates a router over store.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("router requires a chat store")
	}
	if strings.TrimSpace(cfg.CoordinatorName) == "" {
		cfg.CoordinatorName = "coordinator"
	}

	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}

	observability.EnsureRegistered()

	return &Router{
		cfg:    cfg,
		logger: base.With().Str("component", "chat_router").Logger(),
	}, nil
}

// SetAgentLookup installs the agent resolver. Until it is set, messages to
// agents are stored but not delivered.
func (r *Router) SetAgentLookup(lookup AgentLookup) {
	r.lookup.Store(&lookupHolder{lookup: lookup})
}

// CoordinatorName returns the reserved coordinator name.
func (r *Router) CoordinatorName() string {
	return r.cfg.CoordinatorName
}

// IsCoordinator reports whether name is the coordinator, ignoring case.
func (r *Router) IsCoordinator(name string) bool {
	return strings.EqualFold(strings.TrimSpace(name), r.cfg.CoordinatorName)
}

// Send stores the message and then delivers it. Delivery problems are
// logged and reported in the result; only validation and closed-store
// errors are returned.
func (r *Router) Send(ctx context.Context, from, content, to string) (SendResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "chat.send",
		attribute.String("from", from),
		attribute.String("to", to),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	msg, err := r.cfg.Store.Append(from, to, content)
	if err != nil {
		tracing.RecordError(span, err)
		return SendResult{}, err
	}
	observability.RecordChatMessage()
	span.SetAttributes(attribute.Int64("message_id", msg.ID))

	delivery := r.deliver(ctx, logger, msg)
	observability.RecordDelivery(string(delivery))
	span.SetAttributes(attribute.String("delivery", string(delivery)))

	return SendResult{Message: msg, Delivery: delivery}, nil
}

func (r *Router) deliver(ctx context.Context, logger zerolog.Logger, msg Message) Delivery {
	logger = logger.With().Int64("messageId", msg.ID).Str("from", msg.From).Logger()

	switch {
	case msg.To == "":
		if Mentioned(msg.Content, r.cfg.CoordinatorName) {
			return r.notifyCoordinator(ctx, logger, msg)
		}
		return DeliveryBroadcast

	case r.IsCoordinator(msg.To):
		return r.notifyCoordinator(ctx, logger, msg)
	}

	logger = logger.With().Str("to", msg.To).Logger()

	holder := r.lookup.Load()
	if holder == nil || holder.lookup == nil {
		logger.Warn().Msg("Delivery skipped, no agent lookup")
		return DeliveryUnresolved
	}
	agent, ok := holder.lookup.LookupAgent(msg.To)
	if !ok {
		logger.Info().Msg("Delivery skipped, unknown recipient")
		return DeliveryUnresolved
	}

	if err := agent.Query(tracing.PropagateToDelivery(ctx, msg.To), DeliveryPrompt(msg)); err != nil {
		logger.Warn().Err(err).Msg("Delivery failed")
		return DeliveryFailed
	}

	if r.cfg.Unread != nil {
		if err := r.cfg.Unread.AddUnread(msg.To, msg.ID); err != nil {
			logger.Warn().Err(err).Msg("Failed to record unread message")
		}
	}

	logger.Debug().Msg("Message delivered")
	return DeliveryAgent
}

func (r *Router) notifyCoordinator(ctx context.Context, logger zerolog.Logger, msg Message) Delivery {
	if r.cfg.Notifier == nil {
		logger.Debug().Msg("Coordinator notification disabled")
		return DeliveryCoordinator
	}
	if err := r.cfg.Notifier.NotifyCoordinator(ctx, msg); err != nil {
		return DeliveryFailed
	}
	return DeliveryCoordinator
}

// Messages returns the log as seen by forAgent; see Store.Messages.
func (r *Router) Messages(limit int, forAgent string) ([]Message, error) {
	return r.cfg.Store.Messages(limit, forAgent)
}

// MarkRead clears the unread notifications of agent and returns how many
// there were.
func (r *Router) MarkRead(agent string) (int, error) {
	if r.cfg.Unread == nil || strings.TrimSpace(agent) == "" {
		return 0, nil
	}
	return r.cfg.Unread.ClearUnread(agent)
}

// DeliveryPrompt is the prompt queued on the recipient for msg.
func DeliveryPrompt(msg Message) string {
	return fmt.Sprintf("You have a new message from %s: %s\n\nCheck the chat and respond.", msg.From, msg.Content)
}

package chat

import "context"

// Agent is the part of a session the router needs to deliver a message.
type Agent interface {
	Query(ctx context.Context, prompt string) error
}

// AgentLookup resolves agent names to live sessions.
type AgentLookup interface {
	LookupAgent(name string) (Agent, bool)
}

package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	mu      sync.Mutex
	prompts []string
	err     error
}

func (a *fakeAgent) Query(ctx context.Context, prompt string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.prompts = append(a.prompts, prompt)
	return nil
}

type agentMap map[string]*fakeAgent

func (m agentMap) LookupAgent(name string) (Agent, bool) {
	a, ok := m[name]
	if !ok {
		return nil, false
	}
	return a, true
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (n *fakeNotifier) NotifyCoordinator(ctx context.Context, msg Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return n.err
}

type fakeUnread struct {
	mu     sync.Mutex
	unread map[string][]int64
}

func (u *fakeUnread) AddUnread(name string, id int64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.unread == nil {
		u.unread = make(map[string][]int64)
	}
	u.unread[name] = append(u.unread[name], id)
	return nil
}

func (u *fakeUnread) ClearUnread(name string) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := len(u.unread[name])
	delete(u.unread, name)
	return n, nil
}

type routerFixture struct {
	router   *Router
	store    *Store
	notifier *fakeNotifier
	unread   *fakeUnread
	agents   agentMap
}

func setupTestRouter(t *testing.T) *routerFixture {
	t.Helper()
	logger := zerolog.Nop()
	f := &routerFixture{
		store:    setupTestStore(t, ""),
		notifier: &fakeNotifier{},
		unread:   &fakeUnread{},
		agents:   agentMap{"B": &fakeAgent{}},
	}
	r, err := NewRouter(RouterConfig{
		Store:           f.store,
		Notifier:        f.notifier,
		Unread:          f.unread,
		CoordinatorName: "coordinator",
		Logger:          &logger,
	})
	require.NoError(t, err)
	r.SetAgentLookup(f.agents)
	f.router = r
	return f
}

func TestSendRoundTrip(t *testing.T) {
	f := setupTestRouter(t)

	res, err := f.router.Send(context.Background(), "A", "hi", "B")
	require.NoError(t, err)
	assert.Equal(t, DeliveryAgent, res.Delivery)

	forB, err := f.router.Messages(10, "B")
	require.NoError(t, err)
	require.Len(t, forB, 1)
	assert.Equal(t, res.Message.ID, forB[0].ID)
	assert.Equal(t, "hi", forB[0].Content)

	forC, err := f.router.Messages(10, "C")
	require.NoError(t, err)
	assert.Empty(t, forC)
}

func TestSendDeliversPromptToAgent(t *testing.T) {
	f := setupTestRouter(t)

	res, err := f.router.Send(context.Background(), "A", "status?", "B")
	require.NoError(t, err)

	b := f.agents["B"]
	require.Len(t, b.prompts, 1)
	assert.Equal(t, "You have a new message from A: status?\n\nCheck the chat and respond.", b.prompts[0])
	assert.Equal(t, []int64{res.Message.ID}, f.unread.unread["B"])
	assert.Empty(t, f.notifier.msgs)
}

func TestSendToUnknownAgentIsStoredOnly(t *testing.T) {
	f := setupTestRouter(t)

	res, err := f.router.Send(context.Background(), "A", "anyone?", "Ghost")
	require.NoError(t, err)
	assert.Equal(t, DeliveryUnresolved, res.Delivery)

	msgs, err := f.router.Messages(0, "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Ghost", msgs[0].To)
	assert.Empty(t, f.agents["B"].prompts)
	assert.Empty(t, f.notifier.msgs)
	assert.Empty(t, f.unread.unread)
}

func TestAgentNamesMatchExactlyForDeliveryAndListing(t *testing.T) {
	f := setupTestRouter(t)

	res, err := f.router.Send(context.Background(), "A", "lowercase", "b")
	require.NoError(t, err)
	assert.Equal(t, DeliveryUnresolved, res.Delivery)
	assert.Empty(t, f.agents["B"].prompts)
	assert.Empty(t, f.unread.unread)

	forB, err := f.router.Messages(0, "B")
	require.NoError(t, err)
	assert.Empty(t, forB)

	forLower, err := f.router.Messages(0, "b")
	require.NoError(t, err)
	require.Len(t, forLower, 1)
	assert.Equal(t, res.Message.ID, forLower[0].ID)
}

func TestSendWithoutLookupIsUnresolved(t *testing.T) {
	logger := zerolog.Nop()
	r, err := NewRouter(RouterConfig{Store: setupTestStore(t, ""), Logger: &logger})
	require.NoError(t, err)

	res, err := r.Send(context.Background(), "A", "hi", "B")
	require.NoError(t, err)
	assert.Equal(t, DeliveryUnresolved, res.Delivery)
	assert.Equal(t, "coordinator", r.CoordinatorName())
}

func TestSendToCoordinator(t *testing.T) {
	tests := []struct {
		name    string
		to      string
		content string
		want    Delivery
		notify  bool
	}{
		{name: "addressed", to: "coordinator", content: "done", want: DeliveryCoordinator, notify: true},
		{name: "addressed any case", to: "Coordinator", content: "done", want: DeliveryCoordinator, notify: true},
		{name: "mentioned in broadcast", content: "ping @Coordinator please", want: DeliveryCoordinator, notify: true},
		{name: "plain broadcast", content: "coordinator without at", want: DeliveryBroadcast},
		{name: "email is not a mention", content: "mail me at x@coordinator", want: DeliveryBroadcast},
		{name: "mention ignored when addressed to agent", to: "B", content: "@coordinator fyi", want: DeliveryAgent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestRouter(t)

			res, err := f.router.Send(context.Background(), "A", tt.content, tt.to)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Delivery)
			if tt.notify {
				require.Len(t, f.notifier.msgs, 1)
				assert.Equal(t, res.Message.ID, f.notifier.msgs[0].ID)
			} else {
				assert.Empty(t, f.notifier.msgs)
			}
		})
	}
}

func TestDeliveryFailuresDoNotFailSend(t *testing.T) {
	f := setupTestRouter(t)
	f.agents["B"].err = errors.New("session closed")
	f.notifier.err = errors.New("no tmux")

	res, err := f.router.Send(context.Background(), "A", "hi", "B")
	require.NoError(t, err)
	assert.Equal(t, DeliveryFailed, res.Delivery)
	assert.Empty(t, f.unread.unread)

	res, err = f.router.Send(context.Background(), "A", "hi", "coordinator")
	require.NoError(t, err)
	assert.Equal(t, DeliveryFailed, res.Delivery)

	msgs, err := f.router.Messages(0, "")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestSendValidationErrors(t *testing.T) {
	f := setupTestRouter(t)

	_, err := f.router.Send(context.Background(), "", "hi", "B")
	assert.ErrorIs(t, err, ErrEmptySender)
	_, err = f.router.Send(context.Background(), "A", "", "B")
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.Empty(t, f.agents["B"].prompts)
}

func TestMarkRead(t *testing.T) {
	f := setupTestRouter(t)

	_, err := f.router.Send(context.Background(), "A", "one", "B")
	require.NoError(t, err)
	_, err = f.router.Send(context.Background(), "A", "two", "B")
	require.NoError(t, err)

	n, err := f.router.MarkRead("B")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.router.MarkRead("B")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewRouterRequiresStore(t *testing.T) {
	_, err := NewRouter(RouterConfig{})
	assert.Error(t, err)
}

package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventHubDeliversInOrder(t *testing.T) {
	var hub eventHub
	events, cancel := hub.subscribe(1)
	defer cancel()

	for i := 0; i < 100; i++ {
		hub.publish(Event{Type: EventStatus, SessionID: fmt.Sprint(i)})
	}

	for i := 0; i < 100; i++ {
		select {
		case e := <-events:
			assert.Equal(t, fmt.Sprint(i), e.SessionID)
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	var hub eventHub
	_, cancelSlow := hub.subscribe(1) // never read
	defer cancelSlow()
	fast, cancelFast := hub.subscribe(1)
	defer cancelFast()

	published := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			hub.publish(Event{Type: EventMessage})
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	for i := 0; i < 50; i++ {
		select {
		case <-fast:
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber starved at %d", i)
		}
	}
}

func TestCancelClosesChannel(t *testing.T) {
	var hub eventHub
	events, cancel := hub.subscribe(0)

	cancel()
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	hub.publish(Event{Type: EventMessage})
}

func TestCloseDrainsQueuedEvents(t *testing.T) {
	var hub eventHub
	events, _ := hub.subscribe(1)

	hub.publish(Event{Type: EventMessage})
	hub.publish(Event{Type: EventStatus})
	hub.close()

	var got []EventType
	for e := range events {
		got = append(got, e.Type)
	}
	assert.Equal(t, []EventType{EventMessage, EventStatus}, got)

	late, _ := hub.subscribe(0)
	_, ok := <-late
	assert.False(t, ok)
}

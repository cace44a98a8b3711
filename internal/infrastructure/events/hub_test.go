package events

import (
	"testing"

	"partymesh/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_FanOut(t *testing.T) {
	hub := NewHub(nil)
	a, cancelA := hub.Subscribe(4)
	defer cancelA()
	b, cancelB := hub.Subscribe(4)
	defer cancelB()

	hub.Publish(domain.Event{Type: domain.EventPeerConnected, Peer: "ABCDE-1"})

	for _, ch := range []<-chan domain.Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, domain.EventPeerConnected, ev.Type)
			assert.Equal(t, domain.PeerID("ABCDE-1"), ev.Peer)
		default:
			t.Fatal("event not delivered")
		}
	}
}

func TestHub_FullBufferDrops(t *testing.T) {
	hub := NewHub(nil)
	ch, cancel := hub.Subscribe(1)
	defer cancel()

	hub.Publish(domain.Event{Type: domain.EventChatReceived})
	hub.Publish(domain.Event{Type: domain.EventRemoved})

	ev := <-ch
	assert.Equal(t, domain.EventChatReceived, ev.Type)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}
}

func TestHub_CancelAndClose(t *testing.T) {
	hub := NewHub(nil)
	ch, cancel := hub.Subscribe(1)
	require.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Subscribers())

	other, _ := hub.Subscribe(1)
	hub.Close()
	_, ok = <-other
	assert.False(t, ok)

	late, _ := hub.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
	hub.Publish(domain.Event{Type: domain.EventRemoved})
}

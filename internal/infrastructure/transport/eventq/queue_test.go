package eventq

import (
	"context"
	"testing"
	"time"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_OrderAndClose(t *testing.T) {
	q := New()
	out := make(chan ports.TransportEvent)
	done := make(chan struct{})
	go func() {
		q.Pump(context.Background(), out)
		close(done)
	}()

	// The receiver is not reading yet; pushes must not block.
	for i := 0; i < 100; i++ {
		q.Push(ports.TransportEvent{Type: ports.LinkMessage, Data: []byte{byte(i)}})
	}
	for i := 0; i < 100; i++ {
		ev := <-out
		require.Equal(t, byte(i), ev.Data[0])
	}

	q.Push(ports.TransportEvent{Type: ports.LinkClosed})
	q.Close()
	q.Push(ports.TransportEvent{Type: ports.DialFailed})

	assert.Equal(t, ports.LinkClosed, (<-out).Type, "queued events survive Close")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump did not stop after Close")
	}
}

func TestPushPair(t *testing.T) {
	a, b := New(), New()
	PushPair(a, ports.TransportEvent{Type: ports.LinkOpened, Peer: domain.PeerID("ABCDE-b2")},
		b, ports.TransportEvent{Type: ports.LinkOpened, Peer: domain.PeerID("ABCDE-a1")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	outA, outB := make(chan ports.TransportEvent, 1), make(chan ports.TransportEvent, 1)
	go a.Pump(ctx, outA)
	go b.Pump(ctx, outB)

	assert.Equal(t, domain.PeerID("ABCDE-b2"), (<-outA).Peer)
	assert.Equal(t, domain.PeerID("ABCDE-a1"), (<-outB).Peer)
}

package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"partymesh/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeshCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewMeshCollector(reg)

	c.ConnectionOpened(domain.DirectionInbound)
	c.ConnectionOpened(domain.DirectionOutbound)
	c.ConnectionClosed()
	c.MessageReceived("chat")
	c.MessageReceived("chat")
	c.MessageDropped("rate_limited")
	c.HeartbeatFailed()
	c.RendezvousCall("register", 20*time.Millisecond, nil)
	c.RendezvousCall("register", 30*time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.linksOpened.WithLabelValues("inbound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.linksClosed))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.messagesReceived.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesDropped.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.heartbeatFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rendezvousFailures.WithLabelValues("register")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMeshCollector_FreshRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMeshCollector(prometheus.NewRegistry())
		NewMeshCollector(prometheus.NewRegistry())
	})
}

func TestHealthChecker(t *testing.T) {
	joined := false
	h := NewHealthChecker()
	h.AddRendezvousCheck(func(ctx context.Context) error { return nil }, time.Second)
	h.AddSessionCheck(func() bool { return joined })

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["rendezvous"])
	assert.Equal(t, "session not joined", status.Checks["session"])

	joined = true
	assert.True(t, h.IsHealthy(context.Background()))
}

func TestHealthChecker_Timeout(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 10*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Contains(t, status.Checks["slow"], "deadline")
}

package metrics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceCollector_SamplesSelf(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{Enabled: true, Interval: time.Second})
	require.NoError(t, c.RegisterMetrics(prometheus.NewRegistry()))

	self := int32(os.Getpid())
	c.Collect(context.Background(), map[string]int32{"vault": self, "proxy": 0})

	u, ok := c.Latest("vault")
	require.True(t, ok)
	assert.Equal(t, self, u.PID)
	assert.Greater(t, u.MemoryMB, 0.0)
	_, ok = c.Latest("proxy")
	assert.False(t, ok)

	// a name that disappears is dropped
	c.Collect(context.Background(), map[string]int32{})
	assert.Empty(t, c.All())
}

func TestResourceCollector_DisabledIsInert(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{})
	assert.False(t, c.IsEnabled())
	require.NoError(t, c.RegisterMetrics(prometheus.NewRegistry()))
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx, func() map[string]int32 { return nil })
	cancel()
	c.Stop()
}

func TestResourceCollector_StartStop(t *testing.T) {
	c := NewResourceCollector(ResourceConfig{Enabled: true, Interval: 10 * time.Millisecond})
	self := int32(os.Getpid())
	c.Start(context.Background(), func() map[string]int32 { return map[string]int32{"proxy": self} })
	require.Eventually(t, func() bool {
		_, ok := c.Latest("proxy")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	c.Stop()
}

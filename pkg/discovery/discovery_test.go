package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceInfoAddr(t *testing.T) {
	info := &ServiceInfo{Port: 5000, IPs: []string{"10.0.0.7", "10.0.0.8"}}
	assert.Equal(t, "10.0.0.7:5000", info.Addr())

	assert.Empty(t, (&ServiceInfo{Port: 5000}).Addr())
}

func TestDiscovery(t *testing.T) {
	// Multicast is usually unavailable in CI containers.
	if testing.Short() {
		t.Skip("Skipping mDNS test in short mode")
	}

	advertiser := NewAdvertiser()
	port := 12345
	require.NoError(t, advertiser.Start("test-tracker", port, map[string]string{"role": "tracker", "test": "true"}))
	defer advertiser.Stop()

	time.Sleep(500 * time.Millisecond)

	resolver, err := NewResolver()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := resolver.Browse(ctx)
	require.NoError(t, err)

	found := false
	for info := range ch {
		if info.Port == port && info.Meta["test"] == "true" {
			found = true
			assert.NotEmpty(t, info.IPs)
			assert.Equal(t, "tracker", info.Meta["role"])
			break
		}
	}
	assert.True(t, found, "test tracker was not discovered")
}

func TestLookupTracker(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping mDNS test in short mode")
	}

	advertiser := NewAdvertiser()
	require.NoError(t, advertiser.Start("lookup-tracker", 12346, nil))
	defer advertiser.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	addr, err := LookupTracker(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, addr)
}

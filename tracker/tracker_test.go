package tracker

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/chunk-fabric/pkg/config"
	"tarun-kavipurapu/chunk-fabric/pkg/protocol"
)

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, protocol.PeerRecord, protocol.ReplicateTask) error {
	return nil
}

func TestTracker_StartStopPersists(t *testing.T) {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	snapshot := filepath.Join(t.TempDir(), "metadata.json")

	cfg := config.DefaultTrackerConfig()
	cfg.Listen = fmt.Sprintf("127.0.0.1:%d", port)
	cfg.SnapshotPath = snapshot
	cfg.Advertise = false
	cfg.CheckInterval = config.Duration(10 * time.Millisecond)
	cfg.ReplicationPeriod = config.Duration(10 * time.Millisecond)

	tr := New(cfg, nopDispatcher{})
	require.NoError(t, tr.Start())

	require.NoError(t, tr.State.RegisterOrHeartbeat("p1", "10.0.0.1", 9001, 9011, nil))
	size := int64(3)
	require.NoError(t, tr.State.Publish("p1", "a.txt", []string{"h1"}, &size))

	status := tr.GetStatus()
	assert.Contains(t, status, "Peers: 1 (alive 1, dead 0)")
	assert.Contains(t, status, "a.txt: 1 chunks, 3 bytes, uploaded by p1")
	assert.Equal(t, []string{"p1 10.0.0.1:9001 data=10.0.0.1:9011 alive"}, tr.GetPeersList())

	require.NoError(t, tr.Stop())

	reloaded := OpenState(snapshot)
	_, ok := reloaded.Peer("p1")
	assert.True(t, ok)
	_, ok = reloaded.Lookup("a.txt")
	assert.True(t, ok)
}

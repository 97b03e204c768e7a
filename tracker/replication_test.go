package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tarun-kavipurapu/chunk-fabric/pkg/protocol"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []protocol.ReplicateTask
	srcs  []protocol.PeerRecord
	fail  map[string]error // by source peer id
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, src protocol.PeerRecord, task protocol.ReplicateTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[src.PeerID]; err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("dispatch without deadline")
	}
	d.tasks = append(d.tasks, task)
	d.srcs = append(d.srcs, src)
	return nil
}

func (d *recordingDispatcher) Tasks() []protocol.ReplicateTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.ReplicateTask(nil), d.tasks...)
}

func newTestEngine(t *testing.T, factor int) (*State, *fakeClock, *recordingDispatcher, *ReplicationEngine) {
	t.Helper()
	s, clk := newTestState(t)
	d := &recordingDispatcher{fail: map[string]error{}}
	e := NewReplicationEngine(s, d, EngineOptions{
		Factor:          factor,
		Interval:        time.Second,
		DispatchTimeout: time.Second,
		InFlightTTL:     time.Minute,
	})
	n := 0
	e.newTaskID = func() string {
		n++
		return fmt.Sprintf("task-%d", n)
	}
	return s, clk, d, e
}

func register(t *testing.T, s *State, ids ...string) {
	t.Helper()
	for i, id := range ids {
		require.NoError(t, s.RegisterOrHeartbeat(id, "127.0.0.1", 9001+i, 9101+i, nil))
	}
}

func TestReplication_Convergence(t *testing.T) {
	s, _, d, e := newTestEngine(t, 2)
	register(t, s, "p1", "p2", "p3")
	require.NoError(t, s.Publish("p1", "a.txt", []string{"h1"}, nil))

	report := e.Tick(context.Background())
	require.Len(t, report.Dispatched, 1)
	task := report.Dispatched[0]
	assert.Equal(t, protocol.ReplicateTask{
		TaskID:    "task-1",
		FileName:  "a.txt",
		ChunkHash: "h1",
		SrcPeer:   "p1",
		DstPeer:   "p2",
	}, task)
	assert.Equal(t, "127.0.0.1:9001", d.srcs[0].ControlAddr())

	_, err := s.ReplicateDone("a.txt", "h1", task.DstPeer)
	require.NoError(t, err)

	report = e.Tick(context.Background())
	assert.Empty(t, report.Dispatched)
	assert.Equal(t, 1, report.Satisfied)
	assert.Equal(t, 0, report.UnderReplicated())
	assert.Len(t, d.Tasks(), 1)
	assert.Zero(t, e.InFlight(), "confirmed task leaves the in-flight set")
}

func TestReplication_InFlightSuppression(t *testing.T) {
	s, _, d, e := newTestEngine(t, 2)
	register(t, s, "p1", "p2", "p3")
	require.NoError(t, s.Publish("p1", "a.txt", []string{"h1"}, nil))

	e.Tick(context.Background())
	report := e.Tick(context.Background())

	assert.Empty(t, report.Dispatched)
	assert.Equal(t, 1, report.Suppressed)
	assert.Len(t, d.Tasks(), 1, "slow transfer is not re-triggered")
}

func TestReplication_InFlightExpires(t *testing.T) {
	s, clk, d, e := newTestEngine(t, 2)
	register(t, s, "p1", "p2")
	require.NoError(t, s.Publish("p1", "a.txt", []string{"h1"}, nil))

	e.Tick(context.Background())
	clk.Advance(2 * time.Minute)
	register(t, s, "p1", "p2")

	report := e.Tick(context.Background())
	require.Len(t, report.Dispatched, 1)
	assert.Equal(t, "p2", report.Dispatched[0].DstPeer)
	assert.Len(t, d.Tasks(), 2)
}

func TestReplication_DeficitCapsOutstanding(t *testing.T) {
	s, _, _, e := newTestEngine(t, 3)
	register(t, s, "p1", "p2", "p3", "p4")
	require.NoError(t, s.Publish("p1", "a.txt", []string{"h1"}, nil))

	first := e.Tick(context.Background())
	second := e.Tick(context.Background())
	third := e.Tick(context.Background())

	require.Len(t, first.Dispatched, 1)
	require.Len(t, second.Dispatched, 1)
	assert.Equal(t, "p2", first.Dispatched[0].DstPeer)
	assert.Equal(t, "p3", second.Dispatched[0].DstPeer)
	assert.Empty(t, third.Dispatched)
	assert.Equal(t, 1, third.Suppressed)
	assert.Equal(t, 2, e.InFlight())
}

func TestReplication_UnrepairableNoLiveSource(t *testing.T) {
	s, _, d, e := newTestEngine(t, 2)
	register(t, s, "p1")
	require.NoError(t, s.Publish("p1", "a.txt", []string{"h1"}, nil))
	s.MarkDead("p1")

	for i := 0; i < 3; i++ {
		report := e.Tick(context.Background())
		assert.Equal(t, []Unrepairable{{File: "a.txt", Chunk: "h1", Reason: ReasonNoLiveSource}}, report.Unrepairable)
		assert.Empty(t, report.Dispatched)
	}
	assert.Empty(t, d.Tasks())

	// Dead holders are kept: the peer may come back with valid data.
	assert.Equal(t, []string{"p1"}, s.Files()["a.txt"].Chunks["h1"])
}

func TestReplication_UnrepairableNoDestination(t *testing.T) {
	s, _, _, e := newTestEngine(t, 3)
	register(t, s, "p1", "p2", "p3")
	require.NoError(t, s.Publish("p1", "a.txt", []string{"h1"}, nil))
	require.NoError(t, s.Publish("p2", "a.txt", []string{"h1"}, nil))
	require.NoError(t, s.Publish("p3", "a.txt", []string{"h1"}, nil))
	s.MarkDead("p3")

	// p3 is dead but still in the replica set, so it is not a destination.
	report := e.Tick(context.Background())
	assert.Equal(t, []Unrepairable{{File: "a.txt", Chunk: "h1", Reason: ReasonNoDestination}}, report.Unrepairable)
}

func TestReplication_DeadPeerNeverChosen(t *testing.T) {
	s, _, _, e := newTestEngine(t, 2)
	register(t, s, "p1", "p2", "p3", "p4")
	require.NoError(t, s.Publish("p2", "a.txt", []string{"h1"}, nil))
	require.NoError(t, s.Publish("p3", "a.txt", []string{"h1"}, nil))
	s.MarkDead("p2")
	s.MarkDead("p1")

	report := e.Tick(context.Background())
	require.Len(t, report.Dispatched, 1)
	assert.Equal(t, "p3", report.Dispatched[0].SrcPeer)
	assert.Equal(t, "p4", report.Dispatched[0].DstPeer)
}

func TestReplication_DispatchFailureRetriedNextTick(t *testing.T) {
	s, _, d, e := newTestEngine(t, 2)
	register(t, s, "p1", "p2")
	require.NoError(t, s.Publish("p1", "a.txt", []string{"h1"}, nil))

	d.fail["p1"] = errors.New("connection refused")
	report := e.Tick(context.Background())
	assert.Equal(t, 1, report.DispatchFailures)
	assert.Empty(t, report.Dispatched)
	assert.Zero(t, e.InFlight())

	delete(d.fail, "p1")
	report = e.Tick(context.Background())
	require.Len(t, report.Dispatched, 1)
}

func TestReplication_SatisfiedChunkSkipped(t *testing.T) {
	s, _, d, e := newTestEngine(t, 1)
	register(t, s, "p1", "p2")
	require.NoError(t, s.Publish("p1", "a.txt", []string{"h1", "h2"}, nil))

	report := e.Tick(context.Background())
	assert.Equal(t, 2, report.Chunks)
	assert.Equal(t, 2, report.Satisfied)
	assert.Empty(t, d.Tasks())
}

func TestReplication_SharedChunkAcrossFiles(t *testing.T) {
	s, _, d, e := newTestEngine(t, 2)
	register(t, s, "p1", "p2")
	require.NoError(t, s.Publish("p1", "a.txt", []string{"h1"}, nil))
	require.NoError(t, s.Publish("p1", "b.txt", []string{"h1"}, nil))

	report := e.Tick(context.Background())
	assert.Len(t, report.Dispatched, 1, "same chunk to the same destination is sent once")
	assert.Equal(t, 1, report.Suppressed)
	assert.Len(t, d.Tasks(), 1)
}

func TestReplication_Deterministic(t *testing.T) {
	run := func() []protocol.ReplicateTask {
		s, _, _, e := newTestEngine(t, 2)
		register(t, s, "p4", "p2", "p3", "p1")
		require.NoError(t, s.Publish("p3", "b.txt", []string{"h2", "h1"}, nil))
		require.NoError(t, s.Publish("p1", "a.txt", []string{"h3"}, nil))
		return e.Tick(context.Background()).Dispatched
	}
	assert.Equal(t, run(), run())
}

func TestReplication_DeadDestinationReleasesChunk(t *testing.T) {
	s, clk, d, e := newTestEngine(t, 2)
	register(t, s, "p1", "p2", "p3")
	require.NoError(t, s.Publish("p1", "a.txt", []string{"h1"}, nil))

	first := e.Tick(context.Background())
	require.Len(t, first.Dispatched, 1)
	assert.Equal(t, "p2", first.Dispatched[0].DstPeer)

	require.True(t, s.MarkDead("p2"))
	clk.Advance(5 * time.Second)

	report := e.Tick(context.Background())
	require.Len(t, report.Dispatched, 1, "repair moves on to the next live peer")
	assert.Equal(t, "p3", report.Dispatched[0].DstPeer)
	assert.Equal(t, "p1", report.Dispatched[0].SrcPeer)
	assert.Zero(t, report.Suppressed)
	assert.Len(t, d.Tasks(), 2)
	assert.Equal(t, 1, e.InFlight())
}

type blockingDispatcher struct {
	entered chan struct{}
	release chan struct{}
}

func (d *blockingDispatcher) Dispatch(ctx context.Context, _ protocol.PeerRecord, _ protocol.ReplicateTask) error {
	d.entered <- struct{}{}
	select {
	case <-d.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestReplication_InFlightDoesNotWaitForTick(t *testing.T) {
	s, _ := newTestState(t)
	register(t, s, "p1", "p2")
	require.NoError(t, s.Publish("p1", "a.txt", []string{"h1"}, nil))

	d := &blockingDispatcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	e := NewReplicationEngine(s, d, EngineOptions{Factor: 2, Interval: time.Second, DispatchTimeout: 5 * time.Second})

	done := make(chan TickReport, 1)
	go func() { done <- e.Tick(context.Background()) }()
	<-d.entered

	counted := make(chan int, 1)
	go func() { counted <- e.InFlight() }()
	select {
	case n := <-counted:
		assert.Zero(t, n)
	case <-time.After(time.Second):
		t.Fatal("InFlight blocked behind a dispatch")
	}

	close(d.release)
	report := <-done
	require.Len(t, report.Dispatched, 1)
	assert.Equal(t, 1, e.InFlight())
}

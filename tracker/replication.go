package tracker

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tarun-kavipurapu/chunk-fabric/pkg/logger"
	"tarun-kavipurapu/chunk-fabric/pkg/monitor"
	"tarun-kavipurapu/chunk-fabric/pkg/protocol"
)

// Reasons a chunk cannot be repaired this tick.
const (
	ReasonNoLiveSource  = "no_live_source"
	ReasonNoDestination = "no_destination"
)

// TaskDispatcher delivers a replicate task to the source peer's control
// endpoint. It returns once the source has accepted or refused the task.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, src protocol.PeerRecord, task protocol.ReplicateTask) error
}

// Unrepairable names a chunk that had no way forward this tick.
type Unrepairable struct {
	File   string
	Chunk  string
	Reason string
}

// TickReport summarises one replication evaluation.
type TickReport struct {
	Chunks           int
	Satisfied        int
	Suppressed       int
	Dispatched       []protocol.ReplicateTask
	DispatchFailures int
	Unrepairable     []Unrepairable
}

// UnderReplicated counts chunks that were below the factor.
func (r TickReport) UnderReplicated() int {
	return r.Chunks - r.Satisfied
}

type inflightKey struct {
	hash string
	dst  string
}

// ReplicationEngine re-evaluates every chunk each tick and asks a live
// holder to copy under-replicated chunks to a live non-holder.
type ReplicationEngine struct {
	state      *State
	dispatcher TaskDispatcher
	factor     int

	interval        time.Duration
	dispatchTimeout time.Duration
	inflightTTL     time.Duration
	newTaskID       func() string

	mu       sync.Mutex
	inflight map[inflightKey]time.Time
	// pending mirrors len(inflight) so readers never wait on a tick.
	pending atomic.Int64
}

type EngineOptions struct {
	Factor          int
	Interval        time.Duration
	DispatchTimeout time.Duration
	InFlightTTL     time.Duration
}

func NewReplicationEngine(state *State, dispatcher TaskDispatcher, opts EngineOptions) *ReplicationEngine {
	if opts.Factor < 1 {
		opts.Factor = 1
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 5 * time.Second
	}
	if opts.InFlightTTL <= 0 {
		opts.InFlightTTL = time.Minute
	}
	return &ReplicationEngine{
		state:           state,
		dispatcher:      dispatcher,
		factor:          opts.Factor,
		interval:        opts.Interval,
		dispatchTimeout: opts.DispatchTimeout,
		inflightTTL:     opts.InFlightTTL,
		newTaskID:       uuid.NewString,
		inflight:        make(map[inflightKey]time.Time),
	}
}

// Tick runs one evaluation. Unrepairable chunks are reported, never fatal.
func (e *ReplicationEngine) Tick(ctx context.Context) TickReport {
	e.mu.Lock()
	defer e.mu.Unlock()

	view := e.state.View()
	now := e.state.Now()
	e.pruneInflight(view, now)

	var report TickReport
	for _, name := range sortedKeys(view.Files) {
		file := view.Files[name]
		for _, hash := range chunkOrder(file) {
			report.Chunks++
			e.evaluate(ctx, view, name, hash, file.Chunks[hash], now, &report)
		}
	}

	e.record(report)
	return report
}

func (e *ReplicationEngine) evaluate(ctx context.Context, view View, file, hash string, holders []string, now time.Time, report *TickReport) {
	var alive []string
	member := make(map[string]bool, len(holders))
	for _, id := range holders {
		member[id] = true
		if p, ok := view.Peers[id]; ok && p.Alive() {
			alive = append(alive, id)
		}
	}

	if len(alive) >= e.factor {
		report.Satisfied++
		return
	}
	if len(alive) == 0 {
		report.Unrepairable = append(report.Unrepairable, Unrepairable{File: file, Chunk: hash, Reason: ReasonNoLiveSource})
		return
	}

	deficit := e.factor - len(alive)
	outstanding := 0
	for key := range e.inflight {
		if key.hash == hash {
			outstanding++
		}
	}
	if outstanding >= deficit {
		report.Suppressed++
		return
	}

	dst, ok := e.pickDestination(view, hash, member)
	if !ok {
		if outstanding > 0 {
			report.Suppressed++
			return
		}
		report.Unrepairable = append(report.Unrepairable, Unrepairable{File: file, Chunk: hash, Reason: ReasonNoDestination})
		return
	}

	src := view.Peers[alive[0]]
	task := protocol.ReplicateTask{
		TaskID:    e.newTaskID(),
		FileName:  file,
		ChunkHash: hash,
		SrcPeer:   src.PeerID,
		DstPeer:   dst,
	}

	dctx, cancel := context.WithTimeout(ctx, e.dispatchTimeout)
	err := e.dispatcher.Dispatch(dctx, src, task)
	cancel()
	if err != nil {
		report.DispatchFailures++
		logger.Sugar.Warnf("[Replication] dispatch failed: task=%s file=%s chunk=%s src=%s dst=%s err=%v",
			task.TaskID, file, shortHash(hash), task.SrcPeer, task.DstPeer, err)
		return
	}

	e.inflight[inflightKey{hash: hash, dst: dst}] = now
	e.pending.Store(int64(len(e.inflight)))
	report.Dispatched = append(report.Dispatched, task)
	logger.Sugar.Infof("[Replication] task dispatched: task=%s file=%s chunk=%s src=%s dst=%s alive=%d factor=%d",
		task.TaskID, file, shortHash(hash), task.SrcPeer, task.DstPeer, len(alive), e.factor)
}

// pickDestination returns the lowest alive peer id that is not in the
// replica set and is not already the target of an in-flight copy.
func (e *ReplicationEngine) pickDestination(view View, hash string, member map[string]bool) (string, bool) {
	for _, id := range sortedKeys(view.Peers) {
		if member[id] || !view.Peers[id].Alive() {
			continue
		}
		if _, busy := e.inflight[inflightKey{hash: hash, dst: id}]; busy {
			continue
		}
		return id, true
	}
	return "", false
}

// pruneInflight forgets tasks that completed, went stale or target a
// peer that is no longer alive.
func (e *ReplicationEngine) pruneInflight(view View, now time.Time) {
	defer func() { e.pending.Store(int64(len(e.inflight))) }()
	if len(e.inflight) == 0 {
		return
	}
	held := make(map[inflightKey]bool)
	for _, f := range view.Files {
		for hash, holders := range f.Chunks {
			for _, id := range holders {
				held[inflightKey{hash: hash, dst: id}] = true
			}
		}
	}
	for key, started := range e.inflight {
		dst, ok := view.Peers[key.dst]
		if held[key] || !ok || !dst.Alive() || now.Sub(started) > e.inflightTTL {
			delete(e.inflight, key)
		}
	}
}

// InFlight returns the number of dispatched tasks not yet confirmed.
func (e *ReplicationEngine) InFlight() int {
	return int(e.pending.Load())
}

func (e *ReplicationEngine) record(r TickReport) {
	m := monitor.Tracker()
	m.ReplicationTicks.Inc()
	m.TasksDispatched.Add(float64(len(r.Dispatched)))
	m.DispatchFailures.Add(float64(r.DispatchFailures))
	m.UnderReplicated.Set(float64(r.UnderReplicated()))
	m.InFlightTasks.Set(float64(e.pending.Load()))

	reasons := map[string]int{ReasonNoLiveSource: 0, ReasonNoDestination: 0}
	for _, u := range r.Unrepairable {
		reasons[u.Reason]++
		logger.Sugar.Warnf("[Replication] chunk unrepairable: file=%s chunk=%s reason=%s", u.File, shortHash(u.Chunk), u.Reason)
	}
	for reason, n := range reasons {
		m.UnrepairableChunks.WithLabelValues(reason).Set(float64(n))
	}

	if r.UnderReplicated() > 0 {
		logger.Sugar.Infof("[Replication] tick: chunks=%d satisfied=%d dispatched=%d suppressed=%d failed=%d unrepairable=%d",
			r.Chunks, r.Satisfied, len(r.Dispatched), r.Suppressed, r.DispatchFailures, len(r.Unrepairable))
	}
}

// Run ticks every interval until ctx is cancelled. A tick in progress
// completes before Run returns.
func (e *ReplicationEngine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	logger.Sugar.Infof("[Replication] started: interval=%s factor=%d", e.interval, e.factor)
	for {
		select {
		case <-ctx.Done():
			logger.Sugar.Info("[Replication] stopped")
			return
		case <-ticker.C:
			// Dispatch must not be cut short by shutdown mid-tick.
			e.Tick(context.WithoutCancel(ctx))
		}
	}
}

// chunkOrder lists the file's chunks in file order, then any chunk that
// only appears in the replica map, sorted.
func chunkOrder(f protocol.FileRecord) []string {
	seen := make(map[string]bool, len(f.Chunks))
	out := make([]string, 0, len(f.Chunks))
	for _, hash := range f.Order {
		if _, ok := f.Chunks[hash]; ok && !seen[hash] {
			seen[hash] = true
			out = append(out, hash)
		}
	}
	var rest []string
	for hash := range f.Chunks {
		if !seen[hash] {
			rest = append(rest, hash)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

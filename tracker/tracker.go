package tracker

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"tarun-kavipurapu/chunk-fabric/pkg/config"
	"tarun-kavipurapu/chunk-fabric/pkg/discovery"
	"tarun-kavipurapu/chunk-fabric/pkg/logger"
)

// Tracker owns the state and runs the control endpoint together with the
// liveness and replication loops.
type Tracker struct {
	cfg *config.TrackerConfig

	State    *State
	Server   *Server
	Liveness *LivenessMonitor
	Engine   *ReplicationEngine

	advertiser *discovery.Advertiser

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a tracker from cfg, loading the snapshot if one exists. The
// dispatcher may be nil to use HTTP.
func New(cfg *config.TrackerConfig, dispatcher TaskDispatcher) *Tracker {
	state := OpenState(cfg.SnapshotPath)
	if dispatcher == nil {
		dispatcher = NewHTTPDispatcher(cfg.DispatchTimeout.D())
	}
	return &Tracker{
		cfg:      cfg,
		State:    state,
		Server:   NewServer(state, cfg.Listen),
		Liveness: NewLivenessMonitor(state, cfg.CheckInterval.D(), cfg.Timeout.D()),
		Engine: NewReplicationEngine(state, dispatcher, EngineOptions{
			Factor:          cfg.ReplicationFactor,
			Interval:        cfg.ReplicationPeriod.D(),
			DispatchTimeout: cfg.DispatchTimeout.D(),
			InFlightTTL:     cfg.InFlightTTL.D(),
		}),
	}
}

// Start binds the control endpoint and launches the background loops.
func (t *Tracker) Start() error {
	logger.Sugar.Infof("[Tracker] starting: listen=%s snapshot=%s factor=%d timeout=%s",
		t.cfg.Listen, t.cfg.SnapshotPath, t.cfg.ReplicationFactor, t.cfg.Timeout.D())

	if err := t.Server.Listen(); err != nil {
		return fmt.Errorf("listen %s: %w", t.cfg.Listen, err)
	}

	if t.cfg.Advertise {
		t.advertise()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.Liveness.Run(ctx)
	}()
	go func() {
		defer t.wg.Done()
		t.Engine.Run(ctx)
	}()
	return nil
}

func (t *Tracker) advertise() {
	_, portStr, err := net.SplitHostPort(t.Server.Addr())
	if err != nil {
		logger.Sugar.Errorf("[Tracker] Failed to parse address: %v", err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return
	}

	t.advertiser = discovery.NewAdvertiser()
	meta := map[string]string{
		"version": "1.0.0",
		"role":    "tracker",
	}
	if err := t.advertiser.Start("", port, meta); err != nil {
		logger.Sugar.Errorf("[Tracker] Failed to start mDNS advertisement: %v", err)
		t.advertiser = nil
		return
	}
	logger.Sugar.Infof("[Tracker] mDNS advertisement started on port %d", port)
}

// Stop ends the loops, letting an in-progress tick finish, then closes the
// control endpoint.
func (t *Tracker) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()

	if t.advertiser != nil {
		t.advertiser.Stop()
	}

	err := multierr.Combine(
		t.Server.Shutdown(),
		t.State.Flush(),
	)
	logger.Sugar.Info("[Tracker] stopped")
	logger.Sync()
	return err
}

// GetStatus renders a human readable overview for the interactive shell.
func (t *Tracker) GetStatus() string {
	sum := t.State.Summary()
	files := t.State.Files()

	var b strings.Builder
	fmt.Fprintf(&b, "Tracker running on: %s\n", t.Server.Addr())
	fmt.Fprintf(&b, "Peers: %d (alive %d, dead %d)\n", sum.PeersTotal, sum.PeersAlive, sum.PeersDead)
	fmt.Fprintf(&b, "Files: %d\n", sum.FilesTotal)
	fmt.Fprintf(&b, "In-flight replicate tasks: %d\n", t.Engine.InFlight())

	for _, name := range sortedKeys(files) {
		f := files[name]
		size := "?"
		if f.Size != nil {
			size = strconv.FormatInt(*f.Size, 10)
		}
		fmt.Fprintf(&b, " - %s: %d chunks, %s bytes, uploaded by %s\n", name, len(f.Chunks), size, f.UploadedBy)
	}
	return b.String()
}

// GetPeersList returns one "id addr status" line per peer.
func (t *Tracker) GetPeersList() []string {
	peers := t.State.Peers()
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	list := make([]string, 0, len(ids))
	for _, id := range ids {
		p := peers[id]
		list = append(list, fmt.Sprintf("%s %s data=%s %s", id, p.ControlAddr(), p.DataAddr(), p.Status))
	}
	return list
}

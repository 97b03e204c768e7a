package peer

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"tarun-kavipurapu/chunk-fabric/pkg/config"
	"tarun-kavipurapu/chunk-fabric/pkg/discovery"
	"tarun-kavipurapu/chunk-fabric/pkg/logger"
	"tarun-kavipurapu/chunk-fabric/pkg/monitor"
	"tarun-kavipurapu/chunk-fabric/pkg/protocol"
	"tarun-kavipurapu/chunk-fabric/pkg/retry"
	"tarun-kavipurapu/chunk-fabric/pkg/storage"
	"tarun-kavipurapu/chunk-fabric/pkg/transport/tcp"
)

const (
	// discoveryTimeout bounds the mDNS search when no tracker address is set.
	discoveryTimeout   = 5 * time.Second
	metricsLogInterval = time.Minute
)

// PeerServer is one storage peer: a content store served over the chunk
// transfer protocol, a JSON control endpoint, and the tracker session.
type PeerServer struct {
	cfg       *config.PeerConfig
	store     *storage.Store
	transport *tcp.TCPTransport
	control   *controlServer

	tracker   *TrackerClient
	directory *Directory
	executor  *Executor

	hostedMu sync.Mutex
	hosted   map[string][]string

	// progressOut receives download progress bars; nil disables them.
	progressOut io.Writer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPeerServer(cfg *config.PeerConfig) (*PeerServer, error) {
	store, err := storage.NewStore(cfg.StoreDir)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.StoreDir, err)
	}

	p := &PeerServer{
		cfg:       cfg,
		store:     store,
		transport: tcp.NewTCPTransport(cfg.DataListen, store, cfg.TransferTimeout.D()),
		hosted:    make(map[string][]string),
	}
	p.control = newControlServer(p, cfg.ControlListen)
	p.transport.OnReceive = func(hash string, size int64) {
		logger.Sugar.Debugf("[PeerServer] chunk committed: hash=%s size=%d", shortHash(hash), size)
	}

	logger.Sugar.Infof("[PeerServer] Initialized: id=%s store=%s", cfg.ID, cfg.StoreDir)
	return p, nil
}

// SetProgressOutput directs download progress bars to w.
func (p *PeerServer) SetProgressOutput(w io.Writer) {
	p.progressOut = w
}

func (p *PeerServer) ID() string              { return p.cfg.ID }
func (p *PeerServer) Store() *storage.Store   { return p.store }
func (p *PeerServer) DataAddr() string        { return p.transport.Addr() }
func (p *PeerServer) ControlAddr() string     { return p.control.Addr() }
func (p *PeerServer) Tracker() *TrackerClient { return p.tracker }

// Start opens both listeners, finds and registers with the tracker, and
// starts heartbeating. Registration failure after every retry is returned
// and wraps retry.ErrExhausted.
func (p *PeerServer) Start(ctx context.Context) error {
	logger.Sugar.Infof("[PeerServer] starting: id=%s control=%s data=%s", p.cfg.ID, p.cfg.ControlListen, p.cfg.DataListen)

	trackerAddr, err := p.resolveTracker(ctx)
	if err != nil {
		return err
	}
	p.tracker = NewTrackerClient(trackerAddr, p.cfg.RequestTimeout.D())
	p.directory = NewDirectory(p.tracker, p.cfg.DirectoryTTL.D())
	// A task covers the directory lookup, the transfer and the report.
	taskTimeout := p.cfg.TransferTimeout.D() + 4*p.cfg.RequestTimeout.D()
	p.executor = NewExecutor(p.cfg.ID, p.store, p.transport, p.directory, p.tracker, taskTimeout)

	if err := p.transport.ListenAndAccept(); err != nil {
		return fmt.Errorf("failed to start data listener: %w", err)
	}
	if err := p.control.Listen(); err != nil {
		return fmt.Errorf("failed to start control listener: %w", err)
	}

	if err := p.register(ctx); err != nil {
		return err
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.heartbeatLoop(hbCtx)
	}()
	go func() {
		defer p.wg.Done()
		monitor.LogPeriodic(hbCtx, metricsLogInterval)
	}()
	return nil
}

func (p *PeerServer) resolveTracker(ctx context.Context) (string, error) {
	if p.cfg.Tracker != "" {
		return p.cfg.Tracker, nil
	}
	logger.Sugar.Info("[PeerServer] no tracker configured, browsing mDNS")
	dctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	addr, err := discovery.LookupTracker(dctx)
	if err != nil {
		return "", fmt.Errorf("discover tracker: %w", err)
	}
	logger.Sugar.Infof("[PeerServer] tracker discovered: addr=%s", addr)
	return addr, nil
}

func (p *PeerServer) ports() (control, data int) {
	return portOf(p.control.Addr()), portOf(p.transport.Addr())
}

func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

func (p *PeerServer) register(ctx context.Context) error {
	controlPort, dataPort := p.ports()
	req := protocol.RegisterRequest{
		PeerID:      p.cfg.ID,
		Host:        p.cfg.Host,
		Port:        controlPort,
		DataPort:    dataPort,
		HostedFiles: p.HostedFiles(),
	}

	policy := retry.Policy{
		MaxAttempts:    p.cfg.RegisterAttempts,
		InitialBackoff: p.cfg.RegisterBackoff.D(),
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		return p.tracker.Register(ctx, req)
	}, func(attempt int, err error, wait time.Duration) {
		logger.Sugar.Warnf("[PeerServer] tracker not ready (attempt %d), retrying in %s: %v", attempt, wait, err)
	})
	if err != nil {
		return fmt.Errorf("register with tracker %s: %w", p.tracker.Addr(), err)
	}
	logger.Sugar.Infof("[PeerServer] registered with tracker %s: control_port=%d data_port=%d", p.tracker.Addr(), controlPort, dataPort)
	return nil
}

func (p *PeerServer) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval.D())
	defer ticker.Stop()

	controlPort, dataPort := p.ports()
	req := protocol.HeartbeatRequest{
		PeerID:   p.cfg.ID,
		Host:     p.cfg.Host,
		Port:     controlPort,
		DataPort: dataPort,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.tracker.Heartbeat(ctx, req); err != nil {
				logger.Sugar.Warnf("[PeerServer] heartbeat failed: tracker=%s err=%v", p.tracker.Addr(), err)
			}
		}
	}
}

func (p *PeerServer) recordHosted(name string, hashes []string) {
	p.hostedMu.Lock()
	p.hosted[name] = append([]string(nil), hashes...)
	p.hostedMu.Unlock()
}

// HostedFiles returns the files this peer has published.
func (p *PeerServer) HostedFiles() map[string][]string {
	p.hostedMu.Lock()
	defer p.hostedMu.Unlock()
	out := make(map[string][]string, len(p.hosted))
	for name, hashes := range p.hosted {
		out[name] = append([]string(nil), hashes...)
	}
	return out
}

// Stop ends heartbeating, waits for running replications and closes both
// listeners.
func (p *PeerServer) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	if p.executor != nil {
		p.executor.Stop()
	}

	err := multierr.Combine(
		p.control.Shutdown(),
		p.transport.Close(),
	)
	logger.Sugar.Infof("[PeerServer] stopped: id=%s", p.cfg.ID)
	return err
}

// GetStatus renders a human readable overview for the interactive shell.
func (p *PeerServer) GetStatus() string {
	chunks, _ := p.store.List()
	hosted := p.HostedFiles()
	names := make([]string, 0, len(hosted))
	for name := range hosted {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "Peer %s\n", p.cfg.ID)
	fmt.Fprintf(&b, "Control: %s  Data: %s\n", p.ControlAddr(), p.DataAddr())
	if p.tracker != nil {
		fmt.Fprintf(&b, "Tracker: %s\n", p.tracker.Addr())
	}
	fmt.Fprintf(&b, "Chunks stored: %d\n", len(chunks))
	if p.executor != nil {
		fmt.Fprintf(&b, "Replications running: %d\n", p.executor.Running())
	}
	for _, name := range names {
		fmt.Fprintf(&b, " - %s (%d chunks)\n", name, len(hosted[name]))
	}
	return b.String()
}

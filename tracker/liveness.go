package tracker

import (
	"context"
	"time"

	"tarun-kavipurapu/chunk-fabric/pkg/logger"
)

// LivenessMonitor demotes peers whose heartbeat is older than the timeout.
// It never promotes a peer; revival happens when the peer next checks in.
type LivenessMonitor struct {
	state    *State
	interval time.Duration
	timeout  time.Duration
}

func NewLivenessMonitor(state *State, interval, timeout time.Duration) *LivenessMonitor {
	return &LivenessMonitor{state: state, interval: interval, timeout: timeout}
}

// Tick runs one scan and returns the peers it marked dead.
func (m *LivenessMonitor) Tick() []string {
	var dead []string
	for _, id := range m.state.StalePeers(m.timeout) {
		if m.state.MarkDeadIfStale(id, m.timeout) {
			dead = append(dead, id)
			logger.Sugar.Warnf("[Liveness] peer timed out: id=%s timeout=%s", id, m.timeout)
		}
	}
	return dead
}

// Run ticks every interval until ctx is cancelled. A tick in progress
// completes before Run returns.
func (m *LivenessMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	logger.Sugar.Infof("[Liveness] started: interval=%s timeout=%s", m.interval, m.timeout)
	for {
		select {
		case <-ctx.Done():
			logger.Sugar.Info("[Liveness] stopped")
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tarun-kavipurapu/chunk-fabric/pkg/protocol"
)

// peerSource is the part of the tracker client the directory needs.
type peerSource interface {
	Peers(ctx context.Context) (map[string]protocol.PeerRecord, error)
}

// Directory caches the tracker's peer table for resolving transfer
// addresses. A miss or an expired cache triggers one refresh.
type Directory struct {
	source peerSource
	ttl    time.Duration

	mu        sync.Mutex
	peers     map[string]protocol.PeerRecord
	fetchedAt time.Time
}

func NewDirectory(source peerSource, ttl time.Duration) *Directory {
	return &Directory{source: source, ttl: ttl}
}

// Resolve returns the record for peerID.
func (d *Directory) Resolve(ctx context.Context, peerID string) (protocol.PeerRecord, error) {
	d.mu.Lock()
	p, ok := d.peers[peerID]
	fresh := time.Since(d.fetchedAt) < d.ttl
	d.mu.Unlock()
	if ok && fresh {
		return p, nil
	}

	if err := d.Refresh(ctx); err != nil {
		if ok {
			// Stale beats nothing when the tracker is briefly unreachable.
			return p, nil
		}
		return protocol.PeerRecord{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok = d.peers[peerID]
	if !ok {
		return protocol.PeerRecord{}, fmt.Errorf("peer %s not in tracker directory", peerID)
	}
	return p, nil
}

// Refresh reloads the peer table from the tracker.
func (d *Directory) Refresh(ctx context.Context) error {
	peers, err := d.source.Peers(ctx)
	if err != nil {
		return fmt.Errorf("fetch peer directory: %w", err)
	}
	d.mu.Lock()
	d.peers = peers
	d.fetchedAt = time.Now()
	d.mu.Unlock()
	return nil
}

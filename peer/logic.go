package peer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tarun-kavipurapu/chunk-fabric/pkg/logger"
	"tarun-kavipurapu/chunk-fabric/pkg/protocol"
	"tarun-kavipurapu/chunk-fabric/pkg/transport"
)

var ErrNoHolder = errors.New("no alive holder for chunk")

// ChunkJob fetches one chunk of a download from its assigned holder.
type ChunkJob struct {
	Index   int
	Hash    string
	Holder  protocol.ChunkHolder
	fetcher transport.ChunkFetcher
	size    int64
}

func (cj *ChunkJob) Execute(ctx context.Context) error {
	size, err := cj.fetcher.GetChunk(ctx, cj.Holder.DataAddr(), cj.Hash)
	if err != nil {
		return fmt.Errorf("get chunk %d from %s: %w", cj.Index, cj.Holder.PeerID, err)
	}
	cj.size = size
	return nil
}

// PublishFile splits the file at path into chunks, commits them to the
// local store and publishes them under name (the base name when empty).
func (p *PeerServer) PublishFile(ctx context.Context, path, name string) (*protocol.PublishRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if name == "" {
		name = filepath.Base(path)
	}
	hashes, size, err := p.store.DivideToChunk(f, p.cfg.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("failed to chunk %s: %w", path, err)
	}
	if hashes == nil {
		hashes = []string{}
	}

	req := protocol.PublishRequest{
		PeerID:   p.cfg.ID,
		Filename: name,
		Chunks:   hashes,
		Size:     &size,
	}
	if err := p.tracker.Publish(ctx, req); err != nil {
		return nil, fmt.Errorf("publish %s: %w", name, err)
	}
	p.recordHosted(name, hashes)

	logger.Sugar.Infof("[PeerServer] published file: name=%s size=%d chunks=%d", name, size, len(hashes))
	return &req, nil
}

// Download fetches every chunk of filename from alive holders, verifies and
// stores them, writes the file to outPath and publishes this peer as a
// holder.
func (p *PeerServer) Download(ctx context.Context, filename, outPath string) error {
	lookup, err := p.tracker.Lookup(ctx, filename)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", filename, err)
	}
	if len(lookup.Order) == 0 && len(lookup.Chunks) > 0 {
		return fmt.Errorf("tracker has no chunk order for %s", filename)
	}

	unique := uniqueHashes(lookup.Order)
	var missing []string
	for _, hash := range unique {
		if !p.store.Has(hash) {
			missing = append(missing, hash)
		}
	}
	assignment, err := assignChunks(missing, lookup.Chunks, p.cfg.ID)
	if err != nil {
		return err
	}

	var size int64
	if lookup.Size != nil {
		size = *lookup.Size
	}
	tracker := NewDownloadTracker(filename, size, unique)
	renderer := NewProgressRenderer(tracker, p.progressOut, p.progressOut != nil)
	go renderer.Start()

	err = p.fetchChunks(ctx, unique, assignment, tracker)
	renderer.StopAndWait(err)
	if err != nil {
		return err
	}
	tracker.MarkComplete()

	logger.Sugar.Infof("[PeerServer] all %d chunks present for %s, reassembling into %s", len(unique), filename, outPath)
	if err := p.store.ReassembleFile(lookup.Order, outPath); err != nil {
		return fmt.Errorf("error reassembling file %s: %w", filename, err)
	}

	req := protocol.PublishRequest{
		PeerID:   p.cfg.ID,
		Filename: filename,
		Chunks:   append([]string{}, lookup.Order...),
		Size:     lookup.Size,
	}
	if err := p.tracker.Publish(ctx, req); err != nil {
		return fmt.Errorf("failed to publish %s as new holder: %w", filename, err)
	}
	p.recordHosted(filename, lookup.Order)
	logger.Sugar.Infof("[PeerServer] registered as holder for file %s", filename)
	return nil
}

func (p *PeerServer) fetchChunks(ctx context.Context, hashes []string, assignment map[string]protocol.ChunkHolder, tracker *DownloadTracker) error {
	pool := NewWorkerPool(ctx, p.cfg.DownloadWorkers)
	pool.Start()

	go func() {
		defer pool.Stop()
		for i, hash := range hashes {
			holder, ok := assignment[hash]
			if !ok {
				// Already in the local store.
				continue
			}
			tracker.StartChunk(i, holder.PeerID)
			pool.Submit(&ChunkJob{Index: i, Hash: hash, Holder: holder, fetcher: p.transport})
		}
	}()

	for i, hash := range hashes {
		if _, ok := assignment[hash]; ok {
			continue
		}
		if f, n, err := p.store.Open(hash); err == nil {
			f.Close()
			tracker.CompleteChunk(i, n)
		}
	}

	var failed []string
	var lastErr error
	for result := range pool.Results() {
		job := result.Job.(*ChunkJob)
		if result.Err != nil {
			logger.Sugar.Errorf("[PeerServer] failed to fetch chunk %d (%s) from %s: %v", job.Index, shortHash(job.Hash), job.Holder.PeerID, result.Err)
			tracker.FailChunk(job.Index)
			failed = append(failed, shortHash(job.Hash))
			lastErr = result.Err
			continue
		}
		tracker.CompleteChunk(job.Index, job.size)
	}
	<-pool.Done()

	if len(failed) > 0 {
		return fmt.Errorf("download incomplete: %d/%d chunks failed (%s): %w",
			len(failed), len(hashes), strings.Join(failed, ","), lastErr)
	}
	return nil
}

// assignChunks picks, for every hash, the alive holder (other than self)
// that has been given the fewest chunks so far. Ties go to the earlier
// holder in the replica list.
func assignChunks(hashes []string, holders map[string][]protocol.ChunkHolder, self string) (map[string]protocol.ChunkHolder, error) {
	assign := make(map[string]protocol.ChunkHolder, len(hashes))
	load := make(map[string]int)

	for _, hash := range hashes {
		var best *protocol.ChunkHolder
		for i := range holders[hash] {
			h := &holders[hash][i]
			if h.Status != protocol.StatusAlive || h.PeerID == self {
				continue
			}
			if best == nil || load[h.PeerID] < load[best.PeerID] {
				best = h
			}
		}
		if best == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoHolder, hash)
		}
		load[best.PeerID]++
		assign[hash] = *best
	}
	return assign, nil
}

func uniqueHashes(order []string) []string {
	seen := make(map[string]bool, len(order))
	out := make([]string, 0, len(order))
	for _, hash := range order {
		if !seen[hash] {
			seen[hash] = true
			out = append(out, hash)
		}
	}
	return out
}

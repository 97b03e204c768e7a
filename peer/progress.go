package peer

import (
	"sort"
	"sync"
	"time"
)

// ChunkState represents the current state of a chunk download
type ChunkState int

const (
	ChunkPending ChunkState = iota
	ChunkDownloading
	ChunkCompleted
	ChunkFailed
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkDownloading:
		return "downloading"
	case ChunkCompleted:
		return "completed"
	case ChunkFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Icon returns an icon representation of the chunk state
func (s ChunkState) Icon() string {
	switch s {
	case ChunkPending:
		return "⏳"
	case ChunkDownloading:
		return "↓"
	case ChunkCompleted:
		return "✓"
	case ChunkFailed:
		return "✗"
	default:
		return "?"
	}
}

// ChunkProgress tracks the progress of a single chunk
type ChunkProgress struct {
	Index     int
	Hash      string
	State     ChunkState
	PeerID    string
	Bytes     int64
	StartTime time.Time
	EndTime   time.Time
}

// DownloadTracker tracks the progress of an entire file download
type DownloadTracker struct {
	mu              sync.RWMutex
	FileName        string
	FileSize        int64 // 0 when the tracker does not know it
	TotalChunks     int
	Chunks          map[int]*ChunkProgress
	ActivePeers     map[string]int // peer id -> chunks in flight
	StartTime       time.Time
	EndTime         time.Time
	BytesDownloaded int64

	lastBytes    int64
	lastTime     time.Time
	currentSpeed float64 // bytes/sec

	failedChunks int
}

func NewDownloadTracker(fileName string, fileSize int64, hashes []string) *DownloadTracker {
	dt := &DownloadTracker{
		FileName:    fileName,
		FileSize:    fileSize,
		TotalChunks: len(hashes),
		Chunks:      make(map[int]*ChunkProgress, len(hashes)),
		ActivePeers: make(map[string]int),
		StartTime:   time.Now(),
		lastTime:    time.Now(),
	}
	for i, hash := range hashes {
		dt.Chunks[i] = &ChunkProgress{Index: i, Hash: hash, State: ChunkPending}
	}
	return dt
}

// StartChunk marks a chunk as being downloaded from peerID.
func (dt *DownloadTracker) StartChunk(index int, peerID string) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if chunk, exists := dt.Chunks[index]; exists {
		chunk.State = ChunkDownloading
		chunk.PeerID = peerID
		chunk.StartTime = time.Now()
	}
	dt.ActivePeers[peerID]++
}

// CompleteChunk marks a chunk as completed with its verified size.
func (dt *DownloadTracker) CompleteChunk(index int, size int64) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	chunk, exists := dt.Chunks[index]
	if !exists {
		return
	}
	dt.release(chunk)
	chunk.State = ChunkCompleted
	chunk.Bytes = size
	chunk.EndTime = time.Now()
	dt.BytesDownloaded += size
}

// FailChunk marks a chunk as failed
func (dt *DownloadTracker) FailChunk(index int) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	chunk, exists := dt.Chunks[index]
	if !exists {
		return
	}
	dt.release(chunk)
	chunk.State = ChunkFailed
	chunk.EndTime = time.Now()
	dt.failedChunks++
}

func (dt *DownloadTracker) release(chunk *ChunkProgress) {
	if chunk.State != ChunkDownloading {
		return
	}
	dt.ActivePeers[chunk.PeerID]--
	if dt.ActivePeers[chunk.PeerID] <= 0 {
		delete(dt.ActivePeers, chunk.PeerID)
	}
}

// UpdateSpeed recalculates the download speed at most every half second.
func (dt *DownloadTracker) UpdateSpeed() float64 {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(dt.lastTime).Seconds()
	if elapsed >= 0.5 {
		dt.currentSpeed = float64(dt.BytesDownloaded-dt.lastBytes) / elapsed
		dt.lastBytes = dt.BytesDownloaded
		dt.lastTime = now
	}
	return dt.currentSpeed
}

// GetProgress returns completed count, total count, speed (bytes/s),
// active peer count and failed count.
func (dt *DownloadTracker) GetProgress() (completed, total int, speed float64, peerCount int, failed int) {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	for _, chunk := range dt.Chunks {
		if chunk.State == ChunkCompleted {
			completed++
		}
	}
	return completed, dt.TotalChunks, dt.currentSpeed, len(dt.ActivePeers), dt.failedChunks
}

// GetETA returns the estimated time remaining, or 0 when unknown.
func (dt *DownloadTracker) GetETA() time.Duration {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	remaining := dt.FileSize - dt.BytesDownloaded
	if dt.currentSpeed <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/dt.currentSpeed) * time.Second
}

func (dt *DownloadTracker) GetBytesDownloaded() int64 {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	return dt.BytesDownloaded
}

// IsComplete returns true if all chunks are completed
func (dt *DownloadTracker) IsComplete() bool {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	for _, chunk := range dt.Chunks {
		if chunk.State != ChunkCompleted {
			return false
		}
	}
	return true
}

func (dt *DownloadTracker) MarkComplete() {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.EndTime = time.Now()
}

// GetElapsedTime returns the elapsed time since download started
func (dt *DownloadTracker) GetElapsedTime() time.Duration {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	if !dt.EndTime.IsZero() {
		return dt.EndTime.Sub(dt.StartTime)
	}
	return time.Since(dt.StartTime)
}

// GetFailedChunks returns the indices of failed chunks in order.
func (dt *DownloadTracker) GetFailedChunks() []int {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	failed := make([]int, 0)
	for index, chunk := range dt.Chunks {
		if chunk.State == ChunkFailed {
			failed = append(failed, index)
		}
	}
	sort.Ints(failed)
	return failed
}
